package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"polychat-go/internal/model"
	"polychat-go/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendMessage_AutoHaiku(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chatID := uuid.NewString()

	res, err := env.messages.SendMessage(ctx, env.user, SendMessageRequest{
		ChatClientID: chatID,
		Content:      "write a haiku about autumn",
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultCategoryMapping()[model.CategoryRoleplay], res.ModelKey)
	assert.NotEmpty(t, res.StreamID)

	session, err := env.manager.Start(ctx, res.StreamID)
	require.NoError(t, err)
	assert.Equal(t, "Autumn leaves drift down", drain(t, session))

	msgs, err := env.messages.GetMessagesByChatID(ctx, env.user.ID, chatID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUserMessage, msgs[0].Role)
	assert.Equal(t, 0, msgs[0].Position.TurnIndex)
	assert.Equal(t, model.RoleAssistantMessage, msgs[1].Role)
	assert.Equal(t, 1, msgs[1].Position.TurnIndex)
	assert.Equal(t, model.MessageCompleted, msgs[1].Status)
	assert.Equal(t, res.ModelKey, msgs[1].ModelKey)
	require.Len(t, msgs[1].Responses, 1)
	assert.Positive(t, msgs[1].Responses[0].Tokens.TotalTokens)

	body, err := env.messages.GetStreamBody(ctx, env.user.ID, res.StreamID)
	require.NoError(t, err)
	assert.Equal(t, model.StreamDone, body.Status)
	assert.Equal(t, msgs[1].Content, body.Text)

	view, err := env.messages.GetMessageStream(ctx, env.user.ID, res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, res.StreamID, view.StreamID)
	assert.Equal(t, body.Text, view.Text)
}

func TestSendMessage_ResolutionFailureSealsStream(t *testing.T) {
	env := newTestEnv(t)
	env.llm.completeErr = errors.New("gateway down")
	ctx := context.Background()
	chatID := uuid.NewString()

	_, err := env.messages.SendMessage(ctx, env.user, SendMessageRequest{ChatClientID: chatID, Content: "hello"})
	require.ErrorIs(t, err, ErrClassification)

	msgs, err := env.messages.GetMessagesByChatID(ctx, env.user.ID, chatID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assistant := msgs[1]
	assert.Equal(t, model.MessageError, assistant.Status)
	require.NotNil(t, assistant.StreamID)

	streamLog, err := env.streams.Get(ctx, *assistant.StreamID)
	require.NoError(t, err)
	assert.Equal(t, model.StreamError, streamLog.Status)

	_, err = env.manager.Start(ctx, *assistant.StreamID)
	assert.ErrorIs(t, err, ErrStreamTerminal)
	streams, _ := env.llm.calls()
	assert.Zero(t, streams)
}

func TestSendMessage_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.messages.SendMessage(ctx, env.user, SendMessageRequest{ChatClientID: "c1", Content: "  "})
	assert.ErrorIs(t, err, ErrClientInput)

	_, err = env.messages.SendMessage(ctx, env.user, SendMessageRequest{Content: "hi"})
	assert.ErrorIs(t, err, ErrClientInput)

	bob := env.newUser(t, "bob")
	att := &model.Attachment{OwnerID: bob.ID, StorageKey: "k1", Format: model.FormatImage, Name: "a.png", ContentType: "image/png", Size: 10}
	require.NoError(t, env.db.Create(att).Error)
	_, err = env.messages.SendMessage(ctx, env.user, SendMessageRequest{ChatClientID: "c1", Content: "hi", AttachmentIDs: []uint{att.ID}})
	assert.ErrorIs(t, err, ErrClientInput)
}

func TestSendMessage_CollaboratorsOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	chatID := uuid.NewString()
	res := sendWithKey(t, env, env.user, chatID, "hello")
	bob := env.newUser(t, "bob")

	_, err := env.messages.SendMessage(ctx, bob, SendMessageRequest{ChatClientID: chatID, Content: "let me in"})
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = env.messages.AuthorizeStream(ctx, bob.ID, res.StreamID)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = env.messages.GetStreamBody(ctx, bob.ID, res.StreamID)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = env.messages.AuthorizeStream(ctx, bob.ID, "no-such-stream")
	assert.ErrorIs(t, err, ErrUnauthorized)

	chat, err := env.chatRepo.FindByClientID(ctx, chatID)
	require.NoError(t, err)
	require.NoError(t, env.chatRepo.AddCollaborator(ctx, chat.ID, bob.ID))
	_, err = env.messages.AuthorizeStream(ctx, bob.ID, res.StreamID)
	assert.NoError(t, err)
}

func TestRetryMessage_AllocatesNewStream(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := sendWithKey(t, env, env.user, uuid.NewString(), "hello")
	session, err := env.manager.Start(ctx, first.StreamID)
	require.NoError(t, err)
	drain(t, session)

	_, err = env.messages.RetryMessage(ctx, env.user, first.UserMessageID, nil)
	assert.ErrorIs(t, err, ErrClientInput)

	sel, err := model.SelectModel("deepseek/deepseek-chat")
	require.NoError(t, err)
	retry, err := env.messages.RetryMessage(ctx, env.user, first.MessageID, &sel)
	require.NoError(t, err)
	assert.NotEqual(t, first.StreamID, retry.StreamID)
	assert.Equal(t, first.MessageID, retry.MessageID)
	assert.Equal(t, "deepseek/deepseek-chat", retry.ModelKey)

	msg, err := env.msgRepo.FindByID(ctx, first.MessageID)
	require.NoError(t, err)
	assert.Equal(t, model.MessagePending, msg.Status)
	assert.Equal(t, 1, msg.Position.BranchIndex)

	session, err = env.manager.Start(ctx, retry.StreamID)
	require.NoError(t, err)
	drain(t, session)

	msg, err = env.msgRepo.FindByID(ctx, first.MessageID)
	require.NoError(t, err)
	require.Len(t, msg.Responses, 2)
	assert.Equal(t, "openai/gpt-4o", msg.Responses[0].ModelName)
	assert.Equal(t, "deepseek/deepseek-chat", msg.Responses[1].ModelName)
	assert.NotEqual(t, msg.Responses[0].BranchID, msg.Responses[1].BranchID)

	old, err := env.streams.Get(ctx, first.StreamID)
	require.NoError(t, err)
	assert.Equal(t, model.StreamDone, old.Status)
}

func TestRetryMessage_RejectsWhileStreaming(t *testing.T) {
	env := newTestEnv(t)
	env.llm.gate = make(chan struct{})
	ctx := context.Background()
	res := sendWithKey(t, env, env.user, uuid.NewString(), "hello")

	_, err := env.manager.Start(ctx, res.StreamID)
	require.NoError(t, err)
	env.llm.gate <- struct{}{}
	require.Eventually(t, func() bool {
		msg, err := env.msgRepo.FindByID(ctx, res.MessageID)
		return err == nil && msg.Status == model.MessageStreaming
	}, 5*time.Second, 10*time.Millisecond)

	_, err = env.messages.RetryMessage(ctx, env.user, res.MessageID, nil)
	assert.ErrorIs(t, err, ErrClientInput)
	close(env.llm.gate)
	waitSealed(t, env.streams, res.StreamID)
}

func TestRetryMessage_SupersedesUnclaimedStream(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := sendWithKey(t, env, env.user, uuid.NewString(), "hello")

	retry, err := env.messages.RetryMessage(ctx, env.user, res.MessageID, nil)
	require.NoError(t, err)

	old, err := env.streams.Get(ctx, res.StreamID)
	require.NoError(t, err)
	assert.Equal(t, model.StreamError, old.Status)
	assert.Equal(t, "superseded", old.Error)

	_, err = env.manager.Start(ctx, res.StreamID)
	assert.ErrorIs(t, err, ErrStreamTerminal)
	session, err := env.manager.Start(ctx, retry.StreamID)
	require.NoError(t, err)
	drain(t, session)
}

func TestRetryMessage_BranchIndexCountsAttempts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := sendWithKey(t, env, env.user, uuid.NewString(), "hello")

	branch := func() int {
		msg, err := env.msgRepo.FindByID(ctx, res.MessageID)
		require.NoError(t, err)
		return msg.Position.BranchIndex
	}
	assert.Equal(t, 0, branch())

	// 未被认领就被替换的尝试同样计数
	skipped, err := env.messages.RetryMessage(ctx, env.user, res.MessageID, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, branch())

	env.llm.mu.Lock()
	env.llm.streamErr = errors.New("upstream exploded")
	env.llm.mu.Unlock()
	_, err = env.manager.Start(ctx, skipped.StreamID)
	require.NoError(t, err)
	assert.Equal(t, model.StreamError, waitSealed(t, env.streams, skipped.StreamID).Status)

	env.llm.mu.Lock()
	env.llm.streamErr = nil
	env.llm.mu.Unlock()
	retry, err := env.messages.RetryMessage(ctx, env.user, res.MessageID, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, branch())

	session, err := env.manager.Start(ctx, retry.StreamID)
	require.NoError(t, err)
	drain(t, session)

	msg, err := env.msgRepo.FindByID(ctx, res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, 2, msg.Position.BranchIndex)
	assert.Equal(t, model.MessageCompleted, msg.Status)

	// 过期的重试基于旧的流，不能再推进分支
	stale := *msg
	old := skipped.StreamID
	stale.StreamID = &old
	err = env.msgRepo.Regenerate(ctx, &repository.Regeneration{
		Assistant: &stale,
		Log:       &model.StreamLog{StreamID: uuid.NewString(), Status: model.StreamPending},
		Supersede: old,
	})
	assert.ErrorIs(t, err, repository.ErrStreamActive)
	assert.Equal(t, 2, branch())
}

func TestEditMessage_RegeneratesReply(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := sendWithKey(t, env, env.user, uuid.NewString(), "hello")
	session, err := env.manager.Start(ctx, first.StreamID)
	require.NoError(t, err)
	drain(t, session)

	_, err = env.messages.EditMessage(ctx, env.user, first.MessageID, "nope", nil)
	assert.ErrorIs(t, err, ErrClientInput)
	bob := env.newUser(t, "bob")
	_, err = env.messages.EditMessage(ctx, bob, first.UserMessageID, "hijack", nil)
	assert.ErrorIs(t, err, ErrUnauthorized)

	sel, err := model.SelectModel("openai/gpt-4o")
	require.NoError(t, err)
	edited, err := env.messages.EditMessage(ctx, env.user, first.UserMessageID, "hello again", &sel)
	require.NoError(t, err)
	assert.Equal(t, first.MessageID, edited.MessageID)
	assert.NotEqual(t, first.StreamID, edited.StreamID)

	userMsg, err := env.msgRepo.FindByID(ctx, first.UserMessageID)
	require.NoError(t, err)
	assert.Equal(t, "hello again", userMsg.Content)
	require.Len(t, userMsg.ContentHistory, 1)
	assert.Equal(t, "hello", userMsg.ContentHistory[0].Content)

	session, err = env.manager.Start(ctx, edited.StreamID)
	require.NoError(t, err)
	drain(t, session)

	env.llm.mu.Lock()
	last := env.llm.lastStream.Messages[len(env.llm.lastStream.Messages)-1]
	env.llm.mu.Unlock()
	assert.Equal(t, "hello again", last.Content)
}
