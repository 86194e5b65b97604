// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
// Err は内部原因でありレスポンスには含めない（ログ出力専用）。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, project, upstream, system
	Action   string // ユーザー向け対処方法
	Err      error  // 内部原因
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は内部原因を返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// 定義済みエラーコード
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeUnauthenticated    = "UNAUTHENTICATED"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeProjectNotFound    = "PROJECT_NOT_FOUND"
	ErrCodeEmailTaken         = "EMAIL_TAKEN"
	ErrCodeAttachmentTooLarge = "ATTACHMENT_TOO_LARGE"
	ErrCodeUpstreamTimeout    = "UPSTREAM_TIMEOUT"
	ErrCodeUpstreamError      = "UPSTREAM_ERROR"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
)

// CodeOf はエラーチェーン中のAPIErrorのコードを返す。APIErrorでなければ空文字列を返す。
func CodeOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// HasCode はエラーチェーン中に指定コードのAPIErrorが含まれるかを返す。
func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}

// NewInvalidInputError は入力不正エラーを生成する。
func NewInvalidInputError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidInput,
		Message:  fmt.Sprintf("入力内容が正しくありません: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してから再度お試しください。",
	}
}

// NewUnauthenticatedError は未認証エラーを生成する。
// トークン欠落・形式不正・署名不正・期限切れ・失効のいずれでも同一の内容を返す。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewInvalidCredentialsError は認証情報不一致エラーを生成する。
// メールアドレス未登録とパスワード不一致を区別しない。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認してから再度ログインしてください。",
	}
}

// NewProjectNotFoundError はプロジェクト未検出エラーを生成する。
// 存在しない場合と他ユーザーの所有である場合を区別しないため、IDはメッセージに含めない。
func NewProjectNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeProjectNotFound,
		Message:  "指定されたプロジェクトが見つかりません。",
		Category: "project",
		Action:   "プロジェクト一覧から対象を選び直してください。",
	}
}

// NewEmailTakenError はメールアドレス重複エラーを生成する。
func NewEmailTakenError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailTaken,
		Message:  "このメールアドレスは既に登録されています。",
		Category: "auth",
		Action:   "ログインするか、別のメールアドレスで登録してください。",
	}
}

// NewAttachmentTooLargeError は添付ファイルサイズ超過エラーを生成する。
func NewAttachmentTooLargeError(limit int64) *APIError {
	return &APIError{
		Code:     ErrCodeAttachmentTooLarge,
		Message:  fmt.Sprintf("添付ファイルが大きすぎます（上限 %d バイト）。", limit),
		Category: "validation",
		Action:   "より小さいファイルを添付してください。",
	}
}

// NewUpstreamTimeoutError は上流LLMの応答タイムアウトエラーを生成する。
// causeはログ用に保持し、レスポンスには含めない。
func NewUpstreamTimeoutError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamTimeout,
		Message:  "アシスタントの応答が時間内に返りませんでした。",
		Category: "upstream",
		Action:   "しばらく待ってから再送信してください。",
		Err:      cause,
	}
}

// NewUpstreamError は上流LLMの呼び出し失敗エラーを生成する。
// causeはログ用に保持し、レスポンスには含めない。
func NewUpstreamError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamError,
		Message:  "アシスタントの応答を取得できませんでした。",
		Category: "upstream",
		Action:   "しばらく待ってから再送信してください。",
		Err:      cause,
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}
