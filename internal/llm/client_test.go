package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

// recordedRequest はテストサーバーが受け取ったリクエスト。
type recordedRequest struct {
	Path          string
	Authorization string
	Body          struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
		Messages  []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
}

// newTestServer は固定ステータスとボディを返すサーバーを起動し、受信内容を記録する。
func newTestServer(t *testing.T, status int, body string, got *recordedRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got != nil {
			got.Path = r.URL.Path
			got.Authorization = r.Header.Get("Authorization")
			raw, _ := io.ReadAll(r.Body)
			if err := json.Unmarshal(raw, &got.Body); err != nil {
				t.Errorf("failed to decode request body: %v", err)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(baseURL string, timeout time.Duration) *Client {
	return NewClient(Config{
		BaseURL: baseURL + "/",
		APIKey:  "sk-service-key",
		Model:   "test-model",
		Timeout: timeout,
	}, nil)
}

const okBody = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "model": "test-model-2026",
  "choices": [{"index": 0, "message": {"role": "assistant", "content": "  Arr, ahoy!\n"}, "finish_reason": "stop"}],
  "usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
}`

func TestComplete_Success(t *testing.T) {
	var got recordedRequest
	srv := newTestServer(t, http.StatusOK, okBody, &got)
	client := newTestClient(srv.URL, 5*time.Second)
	defer client.Close()

	res, err := client.Complete(context.Background(), Completion{Messages: []Message{
		{Role: RoleSystem, Content: "You are a pirate."},
		{Role: RoleUser, Content: "hello"},
	}})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}

	// 先頭choiceの内容は加工せずそのまま返す
	if res.Text != "  Arr, ahoy!\n" {
		t.Errorf("Text = %q, want verbatim content", res.Text)
	}
	if res.Model != "test-model-2026" {
		t.Errorf("Model = %q, want %q", res.Model, "test-model-2026")
	}
	if res.FinishReason != "stop" {
		t.Errorf("FinishReason = %q, want %q", res.FinishReason, "stop")
	}
	if res.Usage.TotalTokens != 15 {
		t.Errorf("Usage.TotalTokens = %d, want 15", res.Usage.TotalTokens)
	}

	if got.Path != "/chat/completions" {
		t.Errorf("Path = %q, want %q", got.Path, "/chat/completions")
	}
	if got.Authorization != "Bearer sk-service-key" {
		t.Errorf("Authorization = %q, want service key", got.Authorization)
	}
	if got.Body.Model != "test-model" {
		t.Errorf("model = %q, want %q", got.Body.Model, "test-model")
	}
	if got.Body.MaxTokens != 0 {
		t.Errorf("max_tokens = %d, want omitted", got.Body.MaxTokens)
	}
	if len(got.Body.Messages) != 2 {
		t.Fatalf("len(messages) = %d, want 2", len(got.Body.Messages))
	}
	if got.Body.Messages[0].Role != "system" || got.Body.Messages[0].Content != "You are a pirate." {
		t.Errorf("messages[0] = %+v", got.Body.Messages[0])
	}
	if got.Body.Messages[1].Role != "user" || got.Body.Messages[1].Content != "hello" {
		t.Errorf("messages[1] = %+v", got.Body.Messages[1])
	}
}

func TestComplete_Non2xxWithErrorPayload_ReturnsProviderError(t *testing.T) {
	srv := newTestServer(t, http.StatusTooManyRequests,
		`{"error": {"message": "Rate limit reached", "type": "rate_limit_error"}}`, nil)
	client := newTestClient(srv.URL, 5*time.Second)

	_, err := client.Complete(context.Background(), Completion{Messages: []Message{{Role: RoleUser, Content: "hi"}}})

	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
	if perr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d, want %d", perr.StatusCode, http.StatusTooManyRequests)
	}
	if perr.Message != "Rate limit reached" || perr.Type != "rate_limit_error" {
		t.Errorf("ProviderError = %+v", perr)
	}
}

func TestComplete_Non2xxWithoutPayload_ReturnsProviderError(t *testing.T) {
	srv := newTestServer(t, http.StatusBadGateway, `<html>bad gateway</html>`, nil)
	client := newTestClient(srv.URL, 5*time.Second)

	_, err := client.Complete(context.Background(), Completion{Messages: []Message{{Role: RoleUser, Content: "hi"}}})

	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
	if perr.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d, want %d", perr.StatusCode, http.StatusBadGateway)
	}
	if !strings.Contains(perr.Message, "bad gateway") {
		t.Errorf("Message = %q, want body snippet", perr.Message)
	}
}

func TestComplete_Non2xxMultibyteBody_SnippetIsValidUTF8(t *testing.T) {
	body := strings.Repeat("あ", 300)
	srv := newTestServer(t, http.StatusServiceUnavailable, body, nil)
	client := newTestClient(srv.URL, 5*time.Second)

	_, err := client.Complete(context.Background(), Completion{Messages: []Message{{Role: RoleUser, Content: "hi"}}})

	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
	if !utf8.ValidString(perr.Message) {
		t.Errorf("Message is not valid UTF-8: %q", perr.Message)
	}
	want := "unexpected status: " + strings.Repeat("あ", 200) + "..."
	if perr.Message != want {
		t.Errorf("Message = %q, want %q", perr.Message, want)
	}
}

func TestSnippet(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"short body kept", "  upstream down \n", "upstream down"},
		{"ascii truncated", strings.Repeat("x", 250), strings.Repeat("x", 200) + "..."},
		{"multibyte truncated on rune boundary", strings.Repeat("日本", 150), strings.Repeat("日本", 100) + "..."},
		{"exactly limit kept", strings.Repeat("é", 200), strings.Repeat("é", 200)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := snippet([]byte(tt.raw))
			if got != tt.want {
				t.Errorf("snippet() = %q, want %q", got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("snippet() returned invalid UTF-8: %q", got)
			}
		})
	}
}

func TestComplete_ErrorPayloadWith200_ReturnsProviderError(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, `{"error": {"message": "model overloaded", "type": "server_error"}}`, nil)
	client := newTestClient(srv.URL, 5*time.Second)

	_, err := client.Complete(context.Background(), Completion{Messages: []Message{{Role: RoleUser, Content: "hi"}}})

	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
	if perr.Message != "model overloaded" {
		t.Errorf("Message = %q, want %q", perr.Message, "model overloaded")
	}
}

func TestComplete_MalformedBody_ReturnsProviderError(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, `{"choices": [`, nil)
	client := newTestClient(srv.URL, 5*time.Second)

	_, err := client.Complete(context.Background(), Completion{Messages: []Message{{Role: RoleUser, Content: "hi"}}})

	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
}

func TestComplete_NoChoices_ReturnsProviderError(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, `{"id": "x", "choices": []}`, nil)
	client := newTestClient(srv.URL, 5*time.Second)

	_, err := client.Complete(context.Background(), Completion{Messages: []Message{{Role: RoleUser, Content: "hi"}}})

	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
	if !strings.Contains(perr.Message, "no choices") {
		t.Errorf("Message = %q", perr.Message)
	}
}

func TestComplete_ContextDeadline_ReturnsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()
	client := newTestClient(srv.URL, 10*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Complete(ctx, Completion{Messages: []Message{{Role: RoleUser, Content: "hi"}}})

	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected *TransportError, got %T: %v", err, err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected errors.Is(err, context.DeadlineExceeded), got %v", err)
	}
}

func TestComplete_ConnectionRefused_ReturnsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := newTestClient(url, 2*time.Second)

	_, err := client.Complete(context.Background(), Completion{Messages: []Message{{Role: RoleUser, Content: "hi"}}})

	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected *TransportError, got %T: %v", err, err)
	}
}

func TestComplete_MaxTokensIsSentWhenConfigured(t *testing.T) {
	var got recordedRequest
	srv := newTestServer(t, http.StatusOK, okBody, &got)
	client := NewClient(Config{BaseURL: srv.URL, APIKey: "k", Model: "m", MaxTokens: 256, Timeout: 5 * time.Second}, nil)

	if _, err := client.Complete(context.Background(), Completion{Messages: []Message{{Role: RoleUser, Content: "hi"}}}); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if got.Body.MaxTokens != 256 {
		t.Errorf("max_tokens = %d, want 256", got.Body.MaxTokens)
	}
}

func TestProviderError_Error(t *testing.T) {
	err := &ProviderError{StatusCode: 500, Type: "server_error", Message: "boom"}
	if !strings.Contains(err.Error(), "500") || !strings.Contains(err.Error(), "boom") {
		t.Errorf("Error() = %q", err.Error())
	}
}
