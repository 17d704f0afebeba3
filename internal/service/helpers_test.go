package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"polychat-go/internal/config"
	"polychat-go/internal/model"
	"polychat-go/internal/repository"
	"polychat-go/internal/testutil"
	"polychat-go/pkg/llm"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// fakeLLM 按脚本输出分块。gate 非空时每个分块都要等一次放行。
type fakeLLM struct {
	mu sync.Mutex

	fragments []string
	usage     *llm.Usage
	streamErr error
	gate      chan struct{}

	completeOut string
	completeErr error

	streamCalls   int
	completeCalls int
	lastStream    llm.ChatRequest
	lastEnum      *llm.EnumConstraint
}

func (f *fakeLLM) StreamChat(ctx context.Context, req llm.ChatRequest, onDelta func(string) error) (*llm.Usage, error) {
	f.mu.Lock()
	f.streamCalls++
	f.lastStream = req
	frags, usage, streamErr, gate := f.fragments, f.usage, f.streamErr, f.gate
	f.mu.Unlock()

	for _, fr := range frags {
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := onDelta(fr); err != nil {
			return nil, err
		}
	}
	if streamErr != nil {
		return nil, streamErr
	}
	return usage, nil
}

func (f *fakeLLM) Complete(_ context.Context, _ llm.ChatRequest, enum *llm.EnumConstraint) (string, *llm.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCalls++
	f.lastEnum = enum
	return f.completeOut, &llm.Usage{TotalTokens: 3}, f.completeErr
}

func (f *fakeLLM) calls() (stream, complete int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamCalls, f.completeCalls
}

type testEnv struct {
	db       *gorm.DB
	rdb      *redis.Client
	llm      *fakeLLM
	registry ModelRegistry
	prefs    PreferenceService
	resolver ModelResolver
	messages MessageService
	manager  StreamManager
	streams  repository.StreamRepository
	msgRepo  repository.MessageRepository
	chatRepo repository.ChatRepository
	users    repository.UserRepository
	user     *model.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	db := testutil.NewDB(t)
	rdb, _ := testutil.NewRedis(t)
	fake := &fakeLLM{
		fragments:   []string{"Autumn ", "leaves ", "drift down"},
		usage:       &llm.Usage{PromptTokens: 20, CompletionTokens: 6, TotalTokens: 26},
		completeOut: `{"category":"Roleplay"}`,
	}

	registry := NewModelRegistry(repository.NewModelRepository(db))
	require.NoError(t, registry.SeedIfEmpty(ctx, DefaultModels(), DefaultCategoryMapping()))
	prefs := NewPreferenceService(repository.NewPreferenceRepository(db), registry)
	classifier := NewCategoryClassifier(fake, config.ClassifierConfig{Model: "openai/gpt-4o-mini", Timeout: time.Second})
	resolver := NewModelResolver(registry, classifier)

	streams := repository.NewStreamRepository(db)
	msgRepo := repository.NewMessageRepository(db)
	chatRepo := repository.NewChatRepository(db)
	attRepo := repository.NewAttachmentRepository(db)
	users := repository.NewUserRepository(db)

	manager := NewStreamManager(StreamDeps{
		Streams:     streams,
		Messages:    msgRepo,
		Registry:    registry,
		Preferences: prefs,
		LLM:         fake,
		Notifier:    repository.NewStreamNotifier(rdb),
	}, StreamManagerConfig{GenerationTimeout: 5 * time.Second, PollInterval: 20 * time.Millisecond, SystemRules: "Be concise."})
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(sctx)
	})

	user := &model.User{Username: "alice", Password: "x", Role: model.RoleUser}
	require.NoError(t, users.Create(ctx, user))

	return &testEnv{
		db:       db,
		rdb:      rdb,
		llm:      fake,
		registry: registry,
		prefs:    prefs,
		resolver: resolver,
		messages: NewMessageService(msgRepo, chatRepo, streams, attRepo, prefs, resolver),
		manager:  manager,
		streams:  streams,
		msgRepo:  msgRepo,
		chatRepo: chatRepo,
		users:    users,
		user:     user,
	}
}

func (e *testEnv) newUser(t *testing.T, name string) *model.User {
	t.Helper()
	u := &model.User{Username: name, Password: "x", Role: model.RoleUser}
	require.NoError(t, e.users.Create(context.Background(), u))
	return u
}

// drain 读完会话并返回拼接文本。
func drain(t *testing.T, s *StreamSession) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var text string
	from := 0
	for {
		chunks, done, err := s.Next(ctx, from)
		require.NoError(t, err)
		for _, c := range chunks {
			text += c
		}
		from += len(chunks)
		if done {
			return text
		}
	}
}

func waitSealed(t *testing.T, streams repository.StreamRepository, streamID string) *model.StreamLog {
	t.Helper()
	var sealed *model.StreamLog
	require.Eventually(t, func() bool {
		l, err := streams.Get(context.Background(), streamID)
		if err != nil || !l.Status.Terminal() {
			return false
		}
		sealed = l
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return sealed
}
