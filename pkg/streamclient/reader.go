// Package streamclient 实现 /chat-stream 的客户端读取：
// 驱动模式发起生成并增量读取响应体，被动模式通过 websocket 跟随持久日志。
// 两种模式都不自动重试，重试由用户显式触发（重新发送或重试消息）。
package streamclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
)

// Status 是读取端看到的流状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusDone      Status = "done"
	StatusError     Status = "error"
)

// ErrStreamFinishedElsewhere 表示流已在别处完成（服务端返回 205），调用方应提示刷新。
var ErrStreamFinishedElsewhere = errors.New("stream finished elsewhere")

// ErrToken 表示获取 bearer token 失败。
var ErrToken = errors.New("failed to obtain bearer token")

// Snapshot 是某一时刻的文本与状态。
type Snapshot struct {
	Text   string
	Status Status
	Err    error
}

// TokenSource 返回当前的 bearer token。
type TokenSource func(ctx context.Context) (string, error)

// Config 配置 Reader。BaseURL 即服务端的 public base URL。
type Config struct {
	BaseURL    string
	Token      TokenSource
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// Reader 读取单个流，可以被多个 goroutine 共用。
type Reader struct {
	base   string
	token  TokenSource
	client *http.Client
	dialer *websocket.Dialer
}

// New 创建一个新的 Reader。
func New(cfg Config) *Reader {
	r := &Reader{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		token:  cfg.Token,
		client: cfg.HTTPClient,
		dialer: cfg.Dialer,
	}
	if r.client == nil {
		r.client = http.DefaultClient
	}
	if r.dialer == nil {
		r.dialer = websocket.DefaultDialer
	}
	return r
}

func (r *Reader) bearer(ctx context.Context) (string, error) {
	if r.token == nil {
		return "", fmt.Errorf("%w: no token source", ErrToken)
	}
	tok, err := r.token(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrToken, err)
	}
	return tok, nil
}

// Observe 读取消息当前的流。isDriving 为 true 时由本端驱动生成，结束后再对照持久日志校正；
// 否则只做被动跟随。每次文本或状态变化都会回调 onUpdate。
func (r *Reader) Observe(ctx context.Context, isDriving bool, messageID uint, onUpdate func(Snapshot)) (Snapshot, error) {
	streamID, err := r.streamOf(ctx, messageID)
	if err != nil {
		return failed(onUpdate, "", err)
	}
	if !isDriving {
		return r.Follow(ctx, streamID, onUpdate)
	}
	driven, err := r.Drive(ctx, streamID, onUpdate)
	if err != nil {
		return driven, err
	}
	// 驱动连接结束后以持久日志为准，日志追上已显示的文本之前不回调
	shown := driven.Text
	final, err := r.Follow(ctx, streamID, func(s Snapshot) {
		if s, ok := catchUp(s, shown); ok {
			notify(onUpdate, s)
		}
	})
	final, _ = catchUp(final, shown)
	return final, err
}

// catchUp 保证跟随得到的快照不比已显示的文本短。
// 进行中的短快照被丢弃；终态快照沿用已显示的文本。
func catchUp(s Snapshot, shown string) (Snapshot, bool) {
	if len(s.Text) >= len(shown) {
		return s, true
	}
	if s.Status == StatusStreaming {
		return s, false
	}
	s.Text = shown
	return s, true
}

// Drive 发起 POST /chat-stream 并增量读取响应体。
// 205 返回 ErrStreamFinishedElsewhere；非 200 或缺少响应体时以 error 结束，不重试。
// 响应体结束但 X-Stream-Status trailer 缺失时视为连接被截断，以 error 结束。
func (r *Reader) Drive(ctx context.Context, streamID string, onUpdate func(Snapshot)) (Snapshot, error) {
	notify(onUpdate, Snapshot{Status: StatusPending})
	tok, err := r.bearer(ctx)
	if err != nil {
		return failed(onUpdate, "", err)
	}

	payload, _ := json.Marshal(map[string]string{"streamId": streamID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/chat-stream", bytes.NewReader(payload))
	if err != nil {
		return failed(onUpdate, "", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := r.client.Do(req)
	if err != nil {
		return failed(onUpdate, "", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusResetContent:
		return failed(onUpdate, "", ErrStreamFinishedElsewhere)
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return failed(onUpdate, "", fmt.Errorf("chat-stream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	case resp.Body == nil || resp.Body == http.NoBody:
		return failed(onUpdate, "", errors.New("chat-stream returned no body"))
	}

	var text strings.Builder
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			text.Write(buf[:n])
			notify(onUpdate, Snapshot{Text: text.String(), Status: StatusStreaming})
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return failed(onUpdate, text.String(), readErr)
		}
	}

	// trailer 在响应体读完后才可用；只有明确的 done 才算完成
	final := Snapshot{Text: text.String(), Status: StatusDone}
	switch trailer := Status(resp.Trailer.Get("X-Stream-Status")); trailer {
	case StatusDone:
	case StatusError:
		final.Status = StatusError
		final.Err = errors.New("generation failed")
	case "":
		final.Status = StatusError
		final.Err = errors.New("stream ended without status")
	default:
		final.Status = StatusError
		final.Err = fmt.Errorf("unexpected stream status %q", trailer)
	}
	notify(onUpdate, final)
	return final, nil
}

// Frame 是 websocket 跟随推送的帧。
type Frame struct {
	Type    string `json:"type"`
	Seq     int    `json:"seq"`
	Content string `json:"content"`
	Status  Status `json:"status"`
	Error   string `json:"error"`
}

// Follow 通过 websocket 从头跟随持久日志，直到收到终态帧。
func (r *Reader) Follow(ctx context.Context, streamID string, onUpdate func(Snapshot)) (Snapshot, error) {
	tok, err := r.bearer(ctx)
	if err != nil {
		return failed(onUpdate, "", err)
	}
	wsURL, err := r.wsURL("/api/v1/streams/" + url.PathEscape(streamID) + "/ws")
	if err != nil {
		return failed(onUpdate, "", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok)
	conn, resp, err := r.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("subscribe returned %d: %w", resp.StatusCode, err)
		}
		return failed(onUpdate, "", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var text strings.Builder
	next := 0
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			return failed(onUpdate, text.String(), err)
		}
		switch f.Type {
		case "chunk":
			if f.Seq != next {
				return failed(onUpdate, text.String(), fmt.Errorf("out of order chunk: want seq %d, got %d", next, f.Seq))
			}
			next++
			text.WriteString(f.Content)
			notify(onUpdate, Snapshot{Text: text.String(), Status: StatusStreaming})
		case "status":
			final := Snapshot{Text: text.String(), Status: f.Status}
			if f.Status == StatusError {
				final.Err = errors.New(f.Error)
			}
			notify(onUpdate, final)
			return final, nil
		}
	}
}

func (r *Reader) wsURL(path string) (string, error) {
	u, err := url.Parse(r.base + path)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

// streamOf 查询消息当前的 streamId。
func (r *Reader) streamOf(ctx context.Context, messageID uint) (string, error) {
	tok, err := r.bearer(ctx)
	if err != nil {
		return "", err
	}
	endpoint := r.base + "/api/v1/messages/" + strconv.FormatUint(uint64(messageID), 10) + "/stream"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("message stream lookup returned %d", resp.StatusCode)
	}
	var env struct {
		Data struct {
			StreamID string `json:"streamId"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return "", err
	}
	if env.Data.StreamID == "" {
		return "", errors.New("message has no stream")
	}
	return env.Data.StreamID, nil
}

func notify(onUpdate func(Snapshot), s Snapshot) {
	if onUpdate != nil {
		onUpdate(s)
	}
}

func failed(onUpdate func(Snapshot), text string, err error) (Snapshot, error) {
	s := Snapshot{Text: text, Status: StatusError, Err: err}
	notify(onUpdate, s)
	return s, err
}
