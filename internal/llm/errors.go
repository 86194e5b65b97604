package llm

import "fmt"

// TransportError は上流へのリクエストが応答を得られなかったことを示す。
// 接続失敗・タイムアウト・キャンセルが該当し、Errで元のエラーを辿れる。
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("llm transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProviderError は上流から応答は得られたが、完了結果として使えないことを示す。
// 非2xxステータス、エラーペイロード、不正なボディ、choicesが空の場合が該当する。
type ProviderError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("llm provider error (status %d, %s): %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("llm provider error (status %d): %s", e.StatusCode, e.Message)
}
