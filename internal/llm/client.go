// Package llm はOpenAI互換のchat completions APIを呼び出すクライアントを提供する。
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sashabaranov/go-openai"
	"resty.dev/v3"

	"github.com/hitoshi/promptroom/internal/metrics"
)

// Role はメッセージの発話者。
type Role string

const (
	RoleSystem    Role = openai.ChatMessageRoleSystem
	RoleUser      Role = openai.ChatMessageRoleUser
	RoleAssistant Role = openai.ChatMessageRoleAssistant
)

// Message は上流に送る1メッセージ。
type Message struct {
	Role    Role
	Content string
}

// Completion は1回の補完リクエスト。
type Completion struct {
	Messages []Message
}

// Usage は上流が報告したトークン使用量。
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Result は補完結果。Textは先頭choiceの内容をそのまま保持する。
type Result struct {
	Text         string
	Model        string
	FinishReason string
	Usage        Usage
}

// Completer は補完呼び出しのインターフェース。チャット中継から利用する。
type Completer interface {
	Complete(ctx context.Context, req Completion) (*Result, error)
}

// Config はクライアントの設定。
type Config struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// Client はresty経由でchat completionsを呼び出す。自動リトライは行わない。
type Client struct {
	http      *resty.Client
	model     string
	maxTokens int
}

type requestStartedAt struct{}

// NewClient はClientを生成する。mcがnilの場合はメトリクスを記録しない。
func NewClient(cfg Config, mc metrics.MetricsCollector) *Client {
	if mc == nil {
		mc = metrics.Nop{}
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}

	// ヘッダーとボディは認証情報や会話内容を含むためログに出さない
	client.AddRequestMiddleware(func(c *resty.Client, r *resty.Request) error {
		r.SetContext(context.WithValue(r.Context(), requestStartedAt{}, time.Now()))
		return nil
	})
	client.AddResponseMiddleware(func(c *resty.Client, r *resty.Response) error {
		startedAt, _ := r.Request.Context().Value(requestStartedAt{}).(time.Time)
		mc.RecordUpstreamStatus(r.StatusCode())
		slog.Debug("llm request",
			slog.String("method", r.Request.Method),
			slog.String("url", r.Request.URL),
			slog.Int("status", r.StatusCode()),
			slog.Int64("duration_ms", time.Since(startedAt).Milliseconds()),
		)
		return nil
	})

	return &Client{
		http:      client,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
}

// Close は内部のHTTPクライアントを解放する。
func (c *Client) Close() error {
	return c.http.Close()
}

// Complete はメッセージ列を上流に送り、先頭choiceの内容を返す。
func (c *Client) Complete(ctx context.Context, req Completion) (*Result, error) {
	body := openai.ChatCompletionRequest{
		Model:     c.model,
		Messages:  toOpenAIMessages(req.Messages),
		MaxTokens: c.maxTokens,
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post("/chat/completions")
	if err != nil {
		// ctxの期限切れはerrors.Isで判定できるようctx.Err()を優先して保持する
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &TransportError{Err: ctxErr}
		}
		return nil, &TransportError{Err: err}
	}

	return parseResponse(resp.StatusCode(), resp.Bytes())
}

// parseResponse はステータスコードとボディを補完結果に変換する。
func parseResponse(status int, raw []byte) (*Result, error) {
	// 1. エラーペイロード。2xxでもerrorフィールドを返すプロバイダーがある
	var errResp openai.ErrorResponse
	if jsonErr := json.Unmarshal(raw, &errResp); jsonErr == nil && errResp.Error != nil {
		return nil, &ProviderError{
			StatusCode: status,
			Type:       errResp.Error.Type,
			Message:    errResp.Error.Message,
		}
	}

	// 2. 非2xx
	if status < 200 || status >= 300 {
		return nil, &ProviderError{
			StatusCode: status,
			Message:    fmt.Sprintf("unexpected status: %s", snippet(raw)),
		}
	}

	// 3. 成功レスポンス
	var completion openai.ChatCompletionResponse
	if err := json.Unmarshal(raw, &completion); err != nil {
		return nil, &ProviderError{
			StatusCode: status,
			Message:    fmt.Sprintf("malformed response body: %v", err),
		}
	}
	if len(completion.Choices) == 0 {
		return nil, &ProviderError{
			StatusCode: status,
			Message:    "response contained no choices",
		}
	}

	choice := completion.Choices[0]
	return &Result{
		Text:         choice.Message.Content,
		Model:        completion.Model,
		FinishReason: string(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     completion.Usage.PromptTokens,
			CompletionTokens: completion.Usage.CompletionTokens,
			TotalTokens:      completion.Usage.TotalTokens,
		},
	}, nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		out[i] = openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
	}
	return out
}

// snippet はログ・エラー用にボディの先頭limit文字だけを返す。
// 文字単位で切るため、マルチバイト文字の途中で切れることはない。
func snippet(raw []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(raw))
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + "..."
}

// compile-time interface check
var _ Completer = (*Client)(nil)
