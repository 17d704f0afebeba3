package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"polychat-go/internal/config"
	"polychat-go/internal/middleware"
	"polychat-go/internal/model"
	"polychat-go/internal/repository"
	"polychat-go/internal/service"
	"polychat-go/internal/testutil"
	"polychat-go/pkg/llm"
	"polychat-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

type scriptedLLM struct {
	mu        sync.Mutex
	fragments []string
	gate      chan struct{}
}

func (f *scriptedLLM) StreamChat(ctx context.Context, _ llm.ChatRequest, onDelta func(string) error) (*llm.Usage, error) {
	f.mu.Lock()
	frags, gate := f.fragments, f.gate
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
	return &llm.Usage{PromptTokens: 20, CompletionTokens: 6, TotalTokens: 26}, nil
}

func (f *scriptedLLM) Complete(context.Context, llm.ChatRequest, *llm.EnumConstraint) (string, *llm.Usage, error) {
	return `{"category":"Roleplay"}`, &llm.Usage{TotalTokens: 3}, nil
}

var testCORS = config.CORSConfig{
	AllowMethods: "POST, OPTIONS",
	AllowHeaders: "Authorization, Content-Type",
	MaxAge:       86400,
}

type handlerEnv struct {
	llm      *scriptedLLM
	jwt      *token.JWTManager
	users    repository.UserRepository
	streams  repository.StreamRepository
	messages service.MessageService
	manager  service.StreamManager
	router   *gin.Engine
	user     *model.User
	token    string
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	db := testutil.NewDB(t)
	rdb, _ := testutil.NewRedis(t)
	fake := &scriptedLLM{fragments: []string{"Autumn ", "leaves ", "drift down"}}

	registry := service.NewModelRegistry(repository.NewModelRepository(db))
	require.NoError(t, registry.SeedIfEmpty(ctx, service.DefaultModels(), service.DefaultCategoryMapping()))
	prefs := service.NewPreferenceService(repository.NewPreferenceRepository(db), registry)
	classifier := service.NewCategoryClassifier(fake, config.ClassifierConfig{Model: "openai/gpt-4o-mini", Timeout: time.Second})
	resolver := service.NewModelResolver(registry, classifier)

	streams := repository.NewStreamRepository(db)
	msgRepo := repository.NewMessageRepository(db)
	chatRepo := repository.NewChatRepository(db)
	users := repository.NewUserRepository(db)

	manager := service.NewStreamManager(service.StreamDeps{
		Streams:     streams,
		Messages:    msgRepo,
		Registry:    registry,
		Preferences: prefs,
		LLM:         fake,
		Notifier:    repository.NewStreamNotifier(rdb),
	}, service.StreamManagerConfig{GenerationTimeout: 5 * time.Second, PollInterval: 20 * time.Millisecond})
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(sctx)
	})

	jwtManager := token.NewJWTManager("test-secret", 1, 1)
	userService := service.NewUserService(users, jwtManager, rdb)
	identity := middleware.NewIdentity(jwtManager, userService)
	messages := service.NewMessageService(msgRepo, chatRepo, streams, repository.NewAttachmentRepository(db), prefs, resolver)

	r := gin.New()
	chatStream := NewChatStreamHandler(identity, messages, manager)
	streamGroup := r.Group("/chat-stream", middleware.StreamCORS(testCORS))
	streamGroup.POST("", chatStream.Stream)
	streamGroup.OPTIONS("", middleware.Preflight(testCORS))

	streamHandler := NewStreamHandler(identity, messages, manager)
	messageHandler := NewMessageHandler(messages, "http://polychat.test/")
	r.GET("/api/v1/streams/:streamId/ws", streamHandler.Subscribe)
	auth := r.Group("/api/v1", middleware.AuthMiddleware(identity))
	auth.POST("/chats/:clientId/messages", messageHandler.Send)
	auth.GET("/chats/:clientId/messages", messageHandler.List)
	auth.POST("/messages/:messageId/retry", messageHandler.Retry)
	auth.GET("/messages/:messageId/stream", messageHandler.GetStream)
	auth.GET("/streams/:streamId", streamHandler.Body)
	auth.POST("/streams/:streamId/stop", streamHandler.Stop)

	env := &handlerEnv{
		llm:      fake,
		jwt:      jwtManager,
		users:    users,
		streams:  streams,
		messages: messages,
		manager:  manager,
		router:   r,
	}
	env.user, env.token = env.newUser(t, "alice")
	return env
}

func (e *handlerEnv) newUser(t *testing.T, name string) (*model.User, string) {
	t.Helper()
	u := &model.User{Username: name, Password: "x", Role: model.RoleUser}
	require.NoError(t, e.users.Create(context.Background(), u))
	tok, err := e.jwt.GenerateToken(u.ID, u.Username, u.Role)
	require.NoError(t, err)
	return u, tok
}

// send 以显式模型开启新的一轮，返回 streamId。
func (e *handlerEnv) send(t *testing.T, chatID string) *service.SendMessageResult {
	t.Helper()
	sel, err := model.SelectModel("openai/gpt-4o")
	require.NoError(t, err)
	res, err := e.messages.SendMessage(context.Background(), e.user, service.SendMessageRequest{
		ChatClientID: chatID,
		Content:      "write a haiku about autumn",
		Selection:    &sel,
	})
	require.NoError(t, err)
	return res
}

// do 发起一次 JSON 请求并返回录制结果。
func (e *handlerEnv) do(method, path, tok string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder, into interface{}) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	if into != nil {
		require.NoError(t, json.Unmarshal(env.Data, into))
	}
	return env
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

func postStream(t *testing.T, url, tok, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/chat-stream", bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}
