package service

import (
	"context"
	"polychat-go/internal/model"
	"polychat-go/internal/repository"
)

// UserListResponse 定义了用户列表 API 的响应结构。
type UserListResponse struct {
	Content       []UserDetailResponse `json:"content"`
	TotalElements int64                `json:"totalElements"`
	TotalPages    int                  `json:"totalPages"`
	Size          int                  `json:"size"`
	Number        int                  `json:"number"`
}

// UserDetailResponse 定义了用户列表项的详细结构。
type UserDetailResponse struct {
	UserID    uint            `json:"userId"`
	Username  string          `json:"username"`
	Role      string          `json:"role"`
	CreatedAt model.LocalTime `json:"createdAt"`
}

// AdminService 接口定义了所有管理员相关的业务操作。
type AdminService interface {
	// User Management
	ListUsers(ctx context.Context, page, size int) (*UserListResponse, error)

	// Model registry
	UpsertModel(ctx context.Context, m *model.LLMModel) (*model.LLMModel, error)
	SetBestModel(ctx context.Context, c model.Category, modelKey string) ([]CategoryMapping, error)
}

// adminService 是 AdminService 接口的实现。
type adminService struct {
	userRepo repository.UserRepository
	registry ModelRegistry
}

// NewAdminService 创建一个新的 AdminService 实例。
func NewAdminService(userRepo repository.UserRepository, registry ModelRegistry) AdminService {
	return &adminService{
		userRepo: userRepo,
		registry: registry,
	}
}

// ListUsers 以分页的形式返回用户列表
func (s *adminService) ListUsers(ctx context.Context, page, size int) (*UserListResponse, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 10
	}
	offset := (page - 1) * size
	users, total, err := s.userRepo.FindWithPagination(ctx, offset, size)
	if err != nil {
		return nil, err
	}

	userResponses := make([]UserDetailResponse, 0, len(users))
	for _, u := range users {
		userResponses = append(userResponses, UserDetailResponse{
			UserID:    u.ID,
			Username:  u.Username,
			Role:      u.Role,
			CreatedAt: model.LocalTime(u.CreatedAt),
		})
	}

	totalPages := int(total) / size
	if int(total)%size != 0 {
		totalPages++
	}
	return &UserListResponse{
		Content:       userResponses,
		TotalElements: total,
		TotalPages:    totalPages,
		Size:          size,
		Number:        page,
	}, nil
}

func (s *adminService) UpsertModel(ctx context.Context, m *model.LLMModel) (*model.LLMModel, error) {
	if err := s.registry.UpsertModel(ctx, m); err != nil {
		return nil, err
	}
	return s.registry.GetModelByKey(ctx, m.Key)
}

// SetBestModel 更新分类映射并返回更新后的完整映射表。
func (s *adminService) SetBestModel(ctx context.Context, c model.Category, modelKey string) ([]CategoryMapping, error) {
	if err := s.registry.SetBestModel(ctx, c, modelKey); err != nil {
		return nil, err
	}
	return s.registry.ListCategoryMappings(ctx)
}
