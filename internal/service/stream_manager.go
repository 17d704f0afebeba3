package service

import (
	"context"
	"errors"
	"fmt"
	"polychat-go/internal/model"
	"polychat-go/internal/repository"
	"polychat-go/pkg/llm"
	"polychat-go/pkg/log"
	"polychat-go/pkg/metrics"
	"polychat-go/pkg/tasks"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// persistTimeout 限制单次落库操作，与生成本身的取消无关。
const persistTimeout = 10 * time.Second

// shutdownGrace 是停机超时后等待被中断的生成完成封存的时间。
const shutdownGrace = 5 * time.Second

// EventPublisher 在流封存后投递下游事件（标题生成、索引）。
type EventPublisher interface {
	PublishStreamFinished(ctx context.Context, task tasks.StreamFinishedTask) error
}

// PromptAttachment 是拼装上下文时使用的附件视图。
type PromptAttachment struct {
	Format model.AttachmentFormat
	Name   string
	URL    string
}

// AttachmentResolver 把消息上的附件 ID 解析为模型可访问的地址。
type AttachmentResolver interface {
	ResolveForPrompt(ctx context.Context, ids []uint) ([]PromptAttachment, error)
}

// StreamManagerConfig 是流管理器的运行参数。
type StreamManagerConfig struct {
	GenerationTimeout time.Duration
	PollInterval      time.Duration
	// LeaseTTL 是写者租约时长，生成期间每 LeaseTTL/3 续租一次。
	LeaseTTL    time.Duration
	SystemRules string
}

// StreamDeps 汇集流管理器的依赖。Attachments 与 Events 可以为空。
type StreamDeps struct {
	Streams     repository.StreamRepository
	Messages    repository.MessageRepository
	Registry    ModelRegistry
	Preferences PreferenceService
	Attachments AttachmentResolver
	LLM         llm.Client
	Notifier    repository.StreamNotifier
	Events      EventPublisher
}

// StreamManager 负责驱动生成并把分块写入持久日志，同时为观察者提供日志跟随。
type StreamManager interface {
	// Start 认领流并在后台开始生成，返回进程内会话供调用方实时读取。
	// 流已封存返回 ErrStreamTerminal，已被其他写者认领返回 ErrStreamBusy。
	Start(ctx context.Context, streamID string) (*StreamSession, error)
	// Tail 从 fromSeq 开始按序回放并跟随日志，直到流封存或 ctx 结束，返回最终日志。
	Tail(ctx context.Context, streamID string, fromSeq int, emit func(model.StreamChunk) error) (*model.StreamLog, error)
	Body(ctx context.Context, streamID string) (*model.StreamBody, error)
	// Stop 取消本进程中的生成，已生成的部分以 error 封存。
	Stop(streamID string) bool
	// Reap 以 error 封存租约过期（写者进程已消失）的流，返回封存数量。
	Reap(ctx context.Context) (int, error)
	// RunReaper 启动时回收一次，之后按租约周期回收，直到 ctx 结束。
	RunReaper(ctx context.Context)
	// Shutdown 等待本进程中的生成全部封存；ctx 到期后中断剩余的生成，使其以 error 封存。
	Shutdown(ctx context.Context) error
}

type activeStream struct {
	session     *StreamSession
	cancel      context.CancelFunc
	stopped     bool
	interrupted bool
}

type streamManager struct {
	deps StreamDeps
	cfg  StreamManagerConfig

	mu     sync.Mutex
	active map[string]*activeStream
	wg     sync.WaitGroup
}

// NewStreamManager 创建一个新的 StreamManager 实例。
func NewStreamManager(deps StreamDeps, cfg StreamManagerConfig) StreamManager {
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	return &streamManager{deps: deps, cfg: cfg, active: make(map[string]*activeStream)}
}

func (m *streamManager) Start(ctx context.Context, streamID string) (*StreamSession, error) {
	streamLog, err := m.deps.Streams.Get(ctx, streamID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询流日志失败: %w", err)
	}
	if streamLog.Status.Terminal() {
		return nil, ErrStreamTerminal
	}

	writerID := uuid.NewString()
	claimed, err := m.deps.Streams.Claim(ctx, streamID, writerID, time.Now().Add(m.cfg.LeaseTTL))
	if err != nil {
		return nil, fmt.Errorf("认领流失败: %w", err)
	}
	if !claimed {
		current, err := m.deps.Streams.Get(ctx, streamID)
		if err == nil && current.Status.Terminal() {
			return nil, ErrStreamTerminal
		}
		return nil, ErrStreamBusy
	}

	msg, err := m.deps.Messages.FindByID(ctx, streamLog.MessageID)
	if err != nil {
		m.abort(streamID, writerID, "assistant message missing")
		return nil, fmt.Errorf("%w: 流 %s 对应的消息不存在", ErrServer, streamID)
	}
	llmModel, err := m.deps.Registry.GetModelByKey(ctx, msg.ModelKey)
	if err != nil {
		m.abort(streamID, writerID, "model unavailable")
		return nil, fmt.Errorf("%w: 消息 %d 的模型 %q 不可用", ErrServer, msg.ID, msg.ModelKey)
	}
	prompt, err := m.buildPrompt(ctx, msg, llmModel)
	if err != nil {
		m.abort(streamID, writerID, "failed to build context")
		return nil, err
	}

	session := newStreamSession(streamID, msg.ID, llmModel.Key)
	// 生成不随请求取消：客户端断开后仍然写完日志
	genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.GenerationTimeout)

	m.mu.Lock()
	m.active[streamID] = &activeStream{session: session, cancel: cancel}
	m.mu.Unlock()

	m.wg.Add(1)
	metrics.StreamsStarted.Inc()
	metrics.ActiveProducers.Inc()
	log.Infow("stream started", "streamId", streamID, "messageId", msg.ID, "model", llmModel.Key)

	go m.produce(genCtx, cancel, session, writerID, msg, llmModel, prompt)
	return session, nil
}

// abort 以 error 封存一个已认领但无法开始生成的流。
func (m *streamManager) abort(streamID, writerID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.deps.Streams.Finalize(ctx, streamID, writerID, repository.StreamOutcome{
		Status: model.StreamError,
		Error:  reason,
	}); err != nil {
		log.Errorf("封存流 %s 失败: %v", streamID, err)
	}
	m.notify(streamID)
	metrics.StreamsFinished.WithLabelValues(string(model.StreamError)).Inc()
}

func (m *streamManager) produce(ctx context.Context, cancel context.CancelFunc, session *StreamSession,
	writerID string, msg *model.Message, llmModel *model.LLMModel, prompt []llm.Message) {
	defer m.wg.Done()
	defer cancel()
	defer metrics.ActiveProducers.Dec()
	defer func() {
		m.mu.Lock()
		delete(m.active, session.StreamID)
		m.mu.Unlock()
	}()

	start := time.Now()
	renewing := make(chan struct{})
	go m.heartbeat(ctx, cancel, session.StreamID, writerID, renewing)

	var persisted strings.Builder
	seq := 0
	usage, genErr := m.deps.LLM.StreamChat(ctx, llm.ChatRequest{Model: llmModel.Key, Messages: prompt}, func(delta string) error {
		// 先交付给驱动方，再同步落库，落库完成前不读下一个增量
		session.append(delta)
		pctx, pcancel := context.WithTimeout(context.Background(), persistTimeout)
		defer pcancel()
		if err := m.deps.Streams.AppendChunk(pctx, session.StreamID, writerID, seq, delta); err != nil {
			return fmt.Errorf("写入分块 %d 失败: %w", seq, err)
		}
		persisted.WriteString(delta)
		seq++
		metrics.ChunksAppended.Inc()
		m.notify(session.StreamID)
		return nil
	})
	close(renewing)

	status := model.StreamDone
	reason := ""
	if genErr != nil {
		status = model.StreamError
		reason = m.describeFailure(ctx, session.StreamID, genErr)
		log.Warnw("stream generation failed", "streamId", session.StreamID, "chunks", seq, "error", genErr)
	}

	content := persisted.String()
	out := repository.StreamOutcome{Status: status, Content: content, Error: reason}
	if status == model.StreamDone {
		out.Response = &model.ResponseRevision{
			BranchID:  uuid.NewString(),
			StreamID:  session.StreamID,
			Content:   content,
			ModelName: llmModel.Key,
			Provider:  llmModel.Provider,
			CreatedAt: time.Now(),
			Tokens:    tokenUsage(usage, prompt, content),
		}
	}

	fctx, fcancel := context.WithTimeout(context.Background(), persistTimeout)
	defer fcancel()
	if err := m.deps.Streams.Finalize(fctx, session.StreamID, writerID, out); err != nil {
		log.Errorf("封存流 %s 失败: %v", session.StreamID, err)
		status = model.StreamError
		if genErr == nil {
			genErr = err
		}
	}
	session.finish(status, genErr)
	m.notify(session.StreamID)

	metrics.StreamsFinished.WithLabelValues(string(status)).Inc()
	metrics.StreamDuration.WithLabelValues(string(status)).Observe(time.Since(start).Seconds())
	log.Infow("stream sealed", "streamId", session.StreamID, "status", status, "chunks", seq, "elapsed", time.Since(start))

	if m.deps.Events != nil {
		task := tasks.StreamFinishedTask{
			StreamID:   session.StreamID,
			MessageID:  msg.ID,
			ChatID:     msg.ChatID,
			Status:     string(status),
			ModelKey:   llmModel.Key,
			FinishedAt: time.Now(),
		}
		if err := m.deps.Events.PublishStreamFinished(fctx, task); err != nil {
			log.Warnf("投递流结束事件失败, streamId: %s, error: %v", session.StreamID, err)
		}
	}
}

// heartbeat 在生成期间续租。租约丢失（流已被回收）时取消生成。
func (m *streamManager) heartbeat(ctx context.Context, cancel context.CancelFunc, streamID, writerID string, done <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		rctx, rcancel := context.WithTimeout(context.Background(), persistTimeout)
		err := m.deps.Streams.Renew(rctx, streamID, writerID, time.Now().Add(m.cfg.LeaseTTL))
		rcancel()
		if errors.Is(err, repository.ErrStreamSealed) {
			log.Warnw("stream lease lost", "streamId", streamID, "writerId", writerID)
			cancel()
			return
		}
		if err != nil {
			log.Warnf("续租流 %s 失败: %v", streamID, err)
		}
	}
}

func (m *streamManager) describeFailure(ctx context.Context, streamID string, err error) string {
	m.mu.Lock()
	a := m.active[streamID]
	m.mu.Unlock()
	switch {
	case a != nil && a.interrupted:
		return model.InterruptedReason
	case a != nil && a.stopped:
		return "stopped"
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "generation timed out"
	}
	return err.Error()
}

func (m *streamManager) notify(streamID string) {
	if m.deps.Notifier == nil {
		return
	}
	if err := m.deps.Notifier.Notify(context.Background(), streamID); err != nil {
		log.Warnf("发布流通知失败, streamId: %s, error: %v", streamID, err)
	}
}

func (m *streamManager) Tail(ctx context.Context, streamID string, fromSeq int, emit func(model.StreamChunk) error) (*model.StreamLog, error) {
	var wake <-chan struct{}
	if m.deps.Notifier != nil {
		ch, unsubscribe := m.deps.Notifier.Subscribe(ctx, streamID)
		defer unsubscribe()
		wake = ch
	}
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	next := fromSeq
	if next < 0 {
		next = 0
	}
	for {
		// 先读日志再读分块：日志已封存时，随后读到的分块一定是全部
		streamLog, err := m.deps.Streams.Get(ctx, streamID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		chunks, err := m.deps.Streams.ChunksSince(ctx, streamID, next)
		if err != nil {
			return nil, err
		}
		for _, c := range chunks {
			if err := emit(c); err != nil {
				return nil, err
			}
			next = c.Seq + 1
		}
		if streamLog.Status.Terminal() {
			return streamLog, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}

func (m *streamManager) Body(ctx context.Context, streamID string) (*model.StreamBody, error) {
	body, err := m.deps.Streams.Body(ctx, streamID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return body, err
}

func (m *streamManager) Stop(streamID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.active[streamID]
	if !ok {
		return false
	}
	a.stopped = true
	a.cancel()
	return true
}

func (m *streamManager) Reap(ctx context.Context) (int, error) {
	sealed, err := m.deps.Streams.SealExpired(ctx, time.Now(), model.InterruptedReason)
	for _, l := range sealed {
		m.notify(l.StreamID)
		metrics.StreamsFinished.WithLabelValues(string(model.StreamError)).Inc()
		log.Warnw("orphaned stream sealed", "streamId", l.StreamID, "messageId", l.MessageID, "chunks", l.ChunkCount)
	}
	if err != nil {
		return len(sealed), fmt.Errorf("回收过期流失败: %w", err)
	}
	return len(sealed), nil
}

func (m *streamManager) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.LeaseTTL)
	defer ticker.Stop()
	for {
		if _, err := m.Reap(ctx); err != nil && ctx.Err() == nil {
			log.Error("流回收失败", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *streamManager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	m.mu.Lock()
	for id, a := range m.active {
		a.interrupted = true
		a.cancel()
		log.Warnw("stream interrupted by shutdown", "streamId", id)
	}
	m.mu.Unlock()

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		log.Warnf("部分流在停机宽限期内未能封存，将由租约回收")
	}
	return ctx.Err()
}

// buildPrompt 拼装系统提示与本轮之前的对话，并按模型上下文窗口裁剪。
func (m *streamManager) buildPrompt(ctx context.Context, msg *model.Message, llmModel *model.LLMModel) ([]llm.Message, error) {
	history, err := m.deps.Messages.ListBeforeTurn(ctx, msg.ChatID, msg.Position.TurnIndex)
	if err != nil {
		return nil, fmt.Errorf("加载对话历史失败: %w", err)
	}

	var authorID uint
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == model.RoleUserMessage {
			authorID = history[i].AuthorID
			break
		}
	}
	system := strings.TrimSpace(m.cfg.SystemRules)
	if m.deps.Preferences != nil && authorID != 0 {
		if pref, err := m.deps.Preferences.Get(ctx, authorID); err == nil && pref.GeneralPrompt != nil {
			if p := strings.TrimSpace(*pref.GeneralPrompt); p != "" {
				system = strings.TrimSpace(system + "\n\n" + p)
			}
		}
	}

	var turns []llm.Message
	for _, h := range history {
		switch h.Role {
		case model.RoleUserMessage:
			lm := llm.Message{Role: "user", Content: h.Content}
			if len(h.AttachmentIDs) > 0 {
				m.attach(ctx, &lm, h.AttachmentIDs, llmModel)
			}
			turns = append(turns, lm)
		case model.RoleAssistantMessage:
			if h.Status != model.MessageCompleted || h.Content == "" {
				continue
			}
			turns = append(turns, llm.Message{Role: "assistant", Content: h.Content})
		}
	}
	return trimToContext(system, turns, llmModel.MaxContextTokens), nil
}

func (m *streamManager) attach(ctx context.Context, lm *llm.Message, ids []uint, llmModel *model.LLMModel) {
	if m.deps.Attachments == nil {
		return
	}
	atts, err := m.deps.Attachments.ResolveForPrompt(ctx, ids)
	if err != nil {
		log.Warnf("解析附件失败, ids: %v, error: %v", ids, err)
		return
	}
	for _, a := range atts {
		switch {
		case a.Format == model.FormatImage && llmModel.SupportsImage:
			lm.ImageURLs = append(lm.ImageURLs, a.URL)
		case a.Format == model.FormatPDF && llmModel.SupportsPDF:
			lm.Content += fmt.Sprintf("\n\n[Attached PDF: %s](%s)", a.Name, a.URL)
		default:
			log.Infof("模型 %s 不支持附件 %s (%s)，已忽略", llmModel.Key, a.Name, a.Format)
		}
	}
}

// estimateTokens 粗略按 4 字符一个 token 估算。
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// trimToContext 保留系统提示与最后一条消息，从最早的历史开始丢弃直到放得下。
// 预留四分之一窗口给输出。
func trimToContext(system string, turns []llm.Message, maxContext int) []llm.Message {
	budget := maxContext * 3 / 4
	used := estimateTokens(system)
	for _, t := range turns {
		used += estimateTokens(t.Content)
	}
	start := 0
	for budget > 0 && used > budget && start < len(turns)-1 {
		used -= estimateTokens(turns[start].Content)
		start++
	}

	out := make([]llm.Message, 0, len(turns)-start+1)
	if system != "" {
		out = append(out, llm.Message{Role: "system", Content: system})
	}
	return append(out, turns[start:]...)
}

func tokenUsage(usage *llm.Usage, prompt []llm.Message, content string) model.TokenUsage {
	if usage != nil && usage.TotalTokens > 0 {
		return model.TokenUsage{
			InputTokens:  usage.PromptTokens,
			OutputTokens: usage.CompletionTokens,
			TotalTokens:  usage.TotalTokens,
		}
	}
	in := 0
	for _, p := range prompt {
		in += estimateTokens(p.Content)
	}
	out := estimateTokens(content)
	return model.TokenUsage{InputTokens: in, OutputTokens: out, TotalTokens: in + out, Estimated: true}
}
