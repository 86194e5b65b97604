// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// PasswordHashはbcryptハッシュであり、レスポンスには絶対に含めない。
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// RevokedToken はログアウトにより失効させたセッショントークンを表す。
// ExpiresAtを過ぎた行はトークン自体の期限切れで拒否されるため削除してよい。
type RevokedToken struct {
	TokenID   string
	UserID    string
	ExpiresAt time.Time
	RevokedAt time.Time
}
