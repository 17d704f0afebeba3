package service

import (
	"context"
	"testing"

	"polychat-go/internal/config"
	"polychat-go/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_ClosedSet(t *testing.T) {
	cases := []struct {
		name string
		out  string
		want model.Category
		err  error
	}{
		{"json", `{"category":"Finance"}`, model.CategoryFinance, nil},
		{"fenced json", "```json\n{\"category\":\"SEO\"}\n```", model.CategorySEO, nil},
		{"plain text", "programming.", model.CategoryProgramming, nil},
		{"out of set", `{"category":"Poetry"}`, "", ErrClassification},
		{"empty", "", "", ErrClassification},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeLLM{completeOut: tc.out}
			c := NewCategoryClassifier(fake, config.ClassifierConfig{Model: "openai/gpt-4o-mini"})
			got, err := c.Classify(context.Background(), "some prompt")
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			require.NotNil(t, fake.lastEnum)
			assert.ElementsMatch(t, model.CategoryNames(), fake.lastEnum.Values)
		})
	}
}

func TestClassify_EmptyPrompt(t *testing.T) {
	fake := &fakeLLM{completeOut: `{"category":"Finance"}`}
	c := NewCategoryClassifier(fake, config.ClassifierConfig{Model: "m"})
	_, err := c.Classify(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrClientInput)
	_, completes := fake.calls()
	assert.Zero(t, completes)
}
