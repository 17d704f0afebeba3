package model

import "strings"

// Category 是自动路由使用的内容分类，取值固定为 12 个。
type Category string

const (
	CategoryProgramming Category = "Programming"
	CategoryRoleplay    Category = "Roleplay"
	CategoryMarketing   Category = "Marketing"
	CategorySEO         Category = "SEO"
	CategoryTechnology  Category = "Technology"
	CategoryScience     Category = "Science"
	CategoryTranslation Category = "Translation"
	CategoryLegal       Category = "Legal"
	CategoryFinance     Category = "Finance"
	CategoryHealth      Category = "Health"
	CategoryTrivia      Category = "Trivia"
	CategoryAcademia    Category = "Academia"
)

var allCategories = []Category{
	CategoryProgramming,
	CategoryRoleplay,
	CategoryMarketing,
	CategorySEO,
	CategoryTechnology,
	CategoryScience,
	CategoryTranslation,
	CategoryLegal,
	CategoryFinance,
	CategoryHealth,
	CategoryTrivia,
	CategoryAcademia,
}

// AllCategories 按固定顺序返回全部分类（返回副本）。
func AllCategories() []Category {
	out := make([]Category, len(allCategories))
	copy(out, allCategories)
	return out
}

// CategoryNames 返回分类名称列表，用作受约束生成的枚举。
func CategoryNames() []string {
	out := make([]string, len(allCategories))
	for i, c := range allCategories {
		out[i] = string(c)
	}
	return out
}

// Valid 判断分类是否属于闭集。
func (c Category) Valid() bool {
	for _, known := range allCategories {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategory 宽松解析分类名：忽略首尾空白、引号与大小写。
func ParseCategory(s string) (Category, bool) {
	s = strings.Trim(strings.TrimSpace(s), "\"'`.")
	for _, known := range allCategories {
		if strings.EqualFold(s, string(known)) {
			return known, true
		}
	}
	return "", false
}
