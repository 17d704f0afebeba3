package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"polychat-go/internal/model"
	"polychat-go/pkg/llm"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sendWithKey 以显式模型发送一条消息，返回新流。
func sendWithKey(t *testing.T, env *testEnv, user *model.User, chatID, content string) *SendMessageResult {
	t.Helper()
	sel, err := model.SelectModel("openai/gpt-4o")
	require.NoError(t, err)
	res, err := env.messages.SendMessage(context.Background(), user, SendMessageRequest{
		ChatClientID: chatID,
		Content:      content,
		Selection:    &sel,
	})
	require.NoError(t, err)
	return res
}

func TestStreamManager_ConcatEqualsFinalContent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := sendWithKey(t, env, env.user, uuid.NewString(), "write a haiku about autumn")

	session, err := env.manager.Start(ctx, res.StreamID)
	require.NoError(t, err)
	text := drain(t, session)
	assert.Equal(t, "Autumn leaves drift down", text)

	status, runErr := session.Result()
	assert.Equal(t, model.StreamDone, status)
	assert.NoError(t, runErr)

	chunks, err := env.streams.ChunksSince(ctx, res.StreamID, 0)
	require.NoError(t, err)
	var sb strings.Builder
	for i, c := range chunks {
		assert.Equal(t, i, c.Seq)
		sb.WriteString(c.Content)
	}

	msg, err := env.msgRepo.FindByID(ctx, res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, sb.String(), msg.Content)
	assert.Equal(t, model.MessageCompleted, msg.Status)
	require.Len(t, msg.Responses, 1)
	resp := msg.Responses[0]
	assert.NotEmpty(t, resp.BranchID)
	assert.Equal(t, res.StreamID, resp.StreamID)
	assert.Equal(t, "openai/gpt-4o", resp.ModelName)
	assert.Equal(t, model.ProviderOpenAI, resp.Provider)
	assert.Equal(t, 26, resp.Tokens.TotalTokens)
	assert.False(t, resp.Tokens.Estimated)

	streamLog, err := env.streams.Get(ctx, res.StreamID)
	require.NoError(t, err)
	assert.Equal(t, model.StreamDone, streamLog.Status)
	assert.Equal(t, 3, streamLog.ChunkCount)
	assert.NotNil(t, streamLog.SealedAt)

	chat, err := env.chatRepo.FindByClientID(ctx, res.ChatID)
	require.NoError(t, err)
	assert.Nil(t, chat.StreamID)
}

func TestStreamManager_EstimatesUsageWhenMissing(t *testing.T) {
	env := newTestEnv(t)
	env.llm.usage = nil
	res := sendWithKey(t, env, env.user, uuid.NewString(), "hello")

	session, err := env.manager.Start(context.Background(), res.StreamID)
	require.NoError(t, err)
	drain(t, session)

	msg, err := env.msgRepo.FindByID(context.Background(), res.MessageID)
	require.NoError(t, err)
	require.Len(t, msg.Responses, 1)
	assert.True(t, msg.Responses[0].Tokens.Estimated)
	assert.Positive(t, msg.Responses[0].Tokens.OutputTokens)
}

func TestStreamManager_SingleWriter(t *testing.T) {
	env := newTestEnv(t)
	env.llm.gate = make(chan struct{})
	ctx := context.Background()
	res := sendWithKey(t, env, env.user, uuid.NewString(), "hello")

	session, err := env.manager.Start(ctx, res.StreamID)
	require.NoError(t, err)

	_, err = env.manager.Start(ctx, res.StreamID)
	assert.ErrorIs(t, err, ErrStreamBusy)

	close(env.llm.gate)
	drain(t, session)

	_, err = env.manager.Start(ctx, res.StreamID)
	assert.ErrorIs(t, err, ErrStreamTerminal)

	streams, _ := env.llm.calls()
	assert.Equal(t, 1, streams)
}

func TestStreamManager_PassiveReaderConverges(t *testing.T) {
	env := newTestEnv(t)
	env.llm.gate = make(chan struct{})
	ctx := context.Background()
	res := sendWithKey(t, env, env.user, uuid.NewString(), "hello")

	session, err := env.manager.Start(ctx, res.StreamID)
	require.NoError(t, err)

	// 两个观察者：一个从头开始，一个在第一块之后才加入
	var wg sync.WaitGroup
	texts := make([]string, 2)
	finals := make([]*model.StreamLog, 2)
	observe := func(i int) {
		defer wg.Done()
		var sb strings.Builder
		final, err := env.manager.Tail(ctx, res.StreamID, 0, func(c model.StreamChunk) error {
			sb.WriteString(c.Content)
			return nil
		})
		assert.NoError(t, err)
		texts[i] = sb.String()
		finals[i] = final
	}

	wg.Add(1)
	go observe(0)
	env.llm.gate <- struct{}{}
	require.Eventually(t, func() bool {
		l, err := env.streams.Get(ctx, res.StreamID)
		return err == nil && l.ChunkCount == 1
	}, 5*time.Second, 10*time.Millisecond)
	wg.Add(1)
	go observe(1)
	env.llm.gate <- struct{}{}
	env.llm.gate <- struct{}{}

	driving := drain(t, session)
	wg.Wait()

	msg, err := env.msgRepo.FindByID(ctx, res.MessageID)
	require.NoError(t, err)
	for i := range texts {
		assert.Equal(t, driving, texts[i])
		assert.Equal(t, msg.Content, texts[i])
		require.NotNil(t, finals[i])
		assert.Equal(t, model.StreamDone, finals[i].Status)
	}
}

func TestStreamManager_TailFromOffset(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := sendWithKey(t, env, env.user, uuid.NewString(), "hello")
	session, err := env.manager.Start(ctx, res.StreamID)
	require.NoError(t, err)
	drain(t, session)

	var seqs []int
	final, err := env.manager.Tail(ctx, res.StreamID, 1, func(c model.StreamChunk) error {
		seqs = append(seqs, c.Seq)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, seqs)
	assert.Equal(t, model.StreamDone, final.Status)
}

func TestStreamManager_ProviderErrorKeepsPartialContent(t *testing.T) {
	env := newTestEnv(t)
	env.llm.fragments = []string{"partial ", "answer"}
	env.llm.streamErr = errors.New("upstream 502")
	ctx := context.Background()
	res := sendWithKey(t, env, env.user, uuid.NewString(), "hello")

	session, err := env.manager.Start(ctx, res.StreamID)
	require.NoError(t, err)
	assert.Equal(t, "partial answer", drain(t, session))
	status, runErr := session.Result()
	assert.Equal(t, model.StreamError, status)
	assert.Error(t, runErr)

	msg, err := env.msgRepo.FindByID(ctx, res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageError, msg.Status)
	assert.Equal(t, "partial answer", msg.Content)
	assert.Empty(t, msg.Responses)

	streamLog, err := env.streams.Get(ctx, res.StreamID)
	require.NoError(t, err)
	assert.Equal(t, model.StreamError, streamLog.Status)
	assert.Contains(t, streamLog.Error, "upstream 502")
}

func TestStreamManager_DisconnectDoesNotCancel(t *testing.T) {
	env := newTestEnv(t)
	env.llm.gate = make(chan struct{})
	res := sendWithKey(t, env, env.user, uuid.NewString(), "hello")

	reqCtx, cancel := context.WithCancel(context.Background())
	_, err := env.manager.Start(reqCtx, res.StreamID)
	require.NoError(t, err)
	cancel()
	close(env.llm.gate)

	sealed := waitSealed(t, env.streams, res.StreamID)
	assert.Equal(t, model.StreamDone, sealed.Status)
	assert.Equal(t, 3, sealed.ChunkCount)
}

func TestStreamManager_Stop(t *testing.T) {
	env := newTestEnv(t)
	env.llm.gate = make(chan struct{})
	ctx := context.Background()
	res := sendWithKey(t, env, env.user, uuid.NewString(), "hello")

	_, err := env.manager.Start(ctx, res.StreamID)
	require.NoError(t, err)
	env.llm.gate <- struct{}{}
	require.Eventually(t, func() bool {
		l, err := env.streams.Get(ctx, res.StreamID)
		return err == nil && l.ChunkCount == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, env.manager.Stop(res.StreamID))
	sealed := waitSealed(t, env.streams, res.StreamID)
	assert.Equal(t, model.StreamError, sealed.Status)
	assert.Equal(t, "stopped", sealed.Error)

	msg, err := env.msgRepo.FindByID(ctx, res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, "Autumn ", msg.Content)

	require.Eventually(t, func() bool { return !env.manager.Stop(res.StreamID) }, time.Second, 10*time.Millisecond)
}

func TestStreamManager_UnknownStream(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.manager.Start(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.manager.Body(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStreamManager_PromptIncludesHistoryAndGeneralPrompt(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.prefs.Update(ctx, env.user.ID, PreferenceUpdate{GeneralPrompt: strPtr("Answer in English.")})
	require.NoError(t, err)

	chatID := uuid.NewString()
	first := sendWithKey(t, env, env.user, chatID, "first question")
	session, err := env.manager.Start(ctx, first.StreamID)
	require.NoError(t, err)
	drain(t, session)

	second := sendWithKey(t, env, env.user, chatID, "second question")
	session, err = env.manager.Start(ctx, second.StreamID)
	require.NoError(t, err)
	drain(t, session)

	env.llm.mu.Lock()
	got := env.llm.lastStream
	env.llm.mu.Unlock()
	require.Len(t, got.Messages, 4)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "Be concise.\n\nAnswer in English.", got.Messages[0].Content)
	assert.Equal(t, []string{"user", "assistant", "user"},
		[]string{got.Messages[1].Role, got.Messages[2].Role, got.Messages[3].Role})
	assert.Equal(t, "Autumn leaves drift down", got.Messages[2].Content)
	assert.Equal(t, "second question", got.Messages[3].Content)
}

func TestTrimToContext(t *testing.T) {
	turns := []llm.Message{
		{Role: "user", Content: strings.Repeat("a", 400)},
		{Role: "assistant", Content: strings.Repeat("b", 400)},
		{Role: "user", Content: strings.Repeat("c", 40)},
	}
	// 预算 150 token：系统提示 + 最后两条放得下，第一条被丢弃
	out := trimToContext("rules", turns, 200)
	require.Len(t, out, 3)
	assert.Equal(t, "system", out[0].Role)
	assert.Equal(t, turns[1].Content, out[1].Content)

	// 最后一条总是保留
	out = trimToContext("", turns, 8)
	require.Len(t, out, 1)
	assert.Equal(t, turns[2].Content, out[0].Content)
}

func TestStreamManager_ShutdownInterruptsAndRetryRecovers(t *testing.T) {
	env := newTestEnv(t)
	env.llm.gate = make(chan struct{})
	ctx := context.Background()
	res := sendWithKey(t, env, env.user, uuid.NewString(), "hello")

	_, err := env.manager.Start(ctx, res.StreamID)
	require.NoError(t, err)
	env.llm.gate <- struct{}{}
	require.Eventually(t, func() bool {
		l, err := env.streams.Get(ctx, res.StreamID)
		return err == nil && l.ChunkCount == 1
	}, 5*time.Second, 10*time.Millisecond)

	sctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, env.manager.Shutdown(sctx), context.DeadlineExceeded)

	sealed := waitSealed(t, env.streams, res.StreamID)
	assert.Equal(t, model.StreamError, sealed.Status)
	assert.Equal(t, model.InterruptedReason, sealed.Error)

	msg, err := env.msgRepo.FindByID(ctx, res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, model.MessageError, msg.Status)
	assert.Equal(t, "Autumn ", msg.Content)

	retry, err := env.messages.RetryMessage(ctx, env.user, res.MessageID, nil)
	require.NoError(t, err)
	assert.NotEqual(t, res.StreamID, retry.StreamID)
}

func TestStreamManager_ReapsOrphanedStream(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := sendWithKey(t, env, env.user, uuid.NewString(), "hello")

	// 写者认领并写入一个分块后进程消失，租约随之过期
	ok, err := env.streams.Claim(ctx, res.StreamID, "dead-writer", time.Now().Add(-time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, env.streams.AppendChunk(ctx, res.StreamID, "dead-writer", 0, "Autumn "))

	_, err = env.messages.RetryMessage(ctx, env.user, res.MessageID, nil)
	assert.ErrorIs(t, err, ErrClientInput)

	tailed := make(chan *model.StreamLog, 1)
	go func() {
		tctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		final, _ := env.manager.Tail(tctx, res.StreamID, 0, func(model.StreamChunk) error { return nil })
		tailed <- final
	}()

	n, err := env.manager.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case final := <-tailed:
		require.NotNil(t, final)
		assert.Equal(t, model.StreamError, final.Status)
		assert.Equal(t, model.InterruptedReason, final.Error)
	case <-time.After(5 * time.Second):
		t.Fatal("tail did not observe the reaped stream")
	}

	retry, err := env.messages.RetryMessage(ctx, env.user, res.MessageID, nil)
	require.NoError(t, err)
	session, err := env.manager.Start(ctx, retry.StreamID)
	require.NoError(t, err)
	assert.Equal(t, "Autumn leaves drift down", drain(t, session))
}

func TestStreamManager_HeartbeatKeepsLiveStream(t *testing.T) {
	env := newTestEnv(t)
	env.llm.gate = make(chan struct{})
	ctx := context.Background()
	manager := NewStreamManager(StreamDeps{
		Streams:     env.streams,
		Messages:    env.msgRepo,
		Registry:    env.registry,
		Preferences: env.prefs,
		LLM:         env.llm,
	}, StreamManagerConfig{LeaseTTL: 60 * time.Millisecond, PollInterval: 20 * time.Millisecond})
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(sctx)
	})
	res := sendWithKey(t, env, env.user, uuid.NewString(), "hello")

	_, err := manager.Start(ctx, res.StreamID)
	require.NoError(t, err)
	env.llm.gate <- struct{}{}
	time.Sleep(250 * time.Millisecond)

	n, err := manager.Reap(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	close(env.llm.gate)
	sealed := waitSealed(t, env.streams, res.StreamID)
	assert.Equal(t, model.StreamDone, sealed.Status)
}
