package repository

import (
	"context"
	"testing"

	"polychat-go/internal/model"
	"polychat-go/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreferenceRepository_UpsertLastWriteWins(t *testing.T) {
	repo := NewPreferenceRepository(testutil.NewDB(t))
	ctx := context.Background()

	cat := model.CategoryLegal
	require.NoError(t, repo.Upsert(ctx, &model.UserPreference{UserID: 7, SelectionMode: model.ModeCategory, FavoriteCategory: &cat}))

	key := "openai/gpt-4o"
	require.NoError(t, repo.Upsert(ctx, &model.UserPreference{UserID: 7, SelectionMode: model.ModeModel, FavoriteCategory: &cat, FavoriteModelKey: &key}))

	got, err := repo.FindByUserID(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, model.ModeModel, got.SelectionMode)
	require.NotNil(t, got.FavoriteModelKey)
	assert.Equal(t, key, *got.FavoriteModelKey)
}

func TestModelRepository_UpsertBest(t *testing.T) {
	repo := NewModelRepository(testutil.NewDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, &model.LLMModel{Key: "a/x", DisplayName: "X", Provider: model.ProviderOpenAI, MaxContextTokens: 1000}))
	require.NoError(t, repo.Upsert(ctx, &model.LLMModel{Key: "a/x", DisplayName: "X2", Provider: model.ProviderOpenAI, MaxContextTokens: 2000}))
	m, err := repo.FindByKey(ctx, "a/x")
	require.NoError(t, err)
	assert.Equal(t, "X2", m.DisplayName)

	require.NoError(t, repo.UpsertBest(ctx, model.CategoryTrivia, "a/x"))
	require.NoError(t, repo.UpsertBest(ctx, model.CategoryTrivia, "b/y"))
	best, err := repo.FindBestForCategory(ctx, model.CategoryTrivia)
	require.NoError(t, err)
	assert.Equal(t, "b/y", best.ModelKey)

	rows, err := repo.ListBest(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
