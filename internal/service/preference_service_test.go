package service

import (
	"context"
	"testing"

	"polychat-go/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestPreferences_DefaultIsAuto(t *testing.T) {
	env := newTestEnv(t)
	sel, err := env.prefs.GetUserModelPreference(context.Background(), env.user.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SelectionAuto, sel.Type())
}

func TestPreferences_UpdateValidates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.prefs.Update(ctx, env.user.ID, PreferenceUpdate{SelectionMode: strPtr("model")})
	assert.ErrorIs(t, err, ErrClientInput)

	_, err = env.prefs.Update(ctx, env.user.ID, PreferenceUpdate{FavoriteModelKey: strPtr("acme/nope")})
	assert.ErrorIs(t, err, ErrClientInput)

	_, err = env.prefs.Update(ctx, env.user.ID, PreferenceUpdate{FavoriteCategory: strPtr("Cooking")})
	assert.ErrorIs(t, err, ErrClientInput)

	pref, err := env.prefs.Update(ctx, env.user.ID, PreferenceUpdate{
		SelectionMode:    strPtr("model"),
		FavoriteModelKey: strPtr("openai/gpt-4o"),
		Theme:            strPtr("dark"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.ModeModel, pref.SelectionMode)
	require.NotNil(t, pref.Theme)
	assert.Equal(t, "dark", *pref.Theme)

	sel, err := env.prefs.GetUserModelPreference(ctx, env.user.ID)
	require.NoError(t, err)
	key, ok := sel.ModelKey()
	require.True(t, ok)
	assert.Equal(t, "openai/gpt-4o", key)
}

func TestPreferences_EffectiveSelection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.prefs.Update(ctx, env.user.ID, PreferenceUpdate{
		SelectionMode:    strPtr("model"),
		FavoriteModelKey: strPtr("deepseek/deepseek-chat"),
		FavoriteCategory: strPtr("Finance"),
	})
	require.NoError(t, err)

	explicit, err := model.SelectCategory(model.CategoryLegal)
	require.NoError(t, err)
	sel, err := env.prefs.EffectiveSelection(ctx, env.user.ID, &explicit)
	require.NoError(t, err)
	assert.Equal(t, model.SelectionCategory, sel.Type())

	sel, err = env.prefs.EffectiveSelection(ctx, env.user.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.SelectionKey, sel.Type())

	// 收藏模型被移出目录后回退到收藏分类
	require.NoError(t, env.db.Where("`key` = ?", "deepseek/deepseek-chat").Delete(&model.LLMModel{}).Error)
	sel, err = env.prefs.EffectiveSelection(ctx, env.user.ID, nil)
	require.NoError(t, err)
	c, ok := sel.Category()
	require.True(t, ok)
	assert.Equal(t, model.CategoryFinance, c)
}
