package model

import "time"

// Project はユーザーが所有するシステムプロンプト付きのプロジェクトを表す。
type Project struct {
	ID           string
	UserID       string
	Name         string
	SystemPrompt string
	CreatedAt    time.Time
}
