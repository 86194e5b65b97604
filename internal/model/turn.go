package model

import (
	"encoding/json"
	"fmt"
)

// Role は会話ターンの発話者を表す。
// 取りうる値はRoleUserとRoleAssistantの2つのみで、JSONデコード時に他の値は拒否する。
type Role string

const (
	// RoleUser はユーザーの発話。
	RoleUser Role = "user"
	// RoleAssistant はアシスタントの発話。
	RoleAssistant Role = "assistant"
)

// Valid はRoleが定義済みの値であるかを返す。
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ParseRole は文字列をRoleに変換する。未定義の値はエラーを返す。
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role: %q", s)
	}
	return r, nil
}

// UnmarshalJSON は定義済みの値のみを受け付ける。
func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("role must be a string: %w", err)
	}
	parsed, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Turn は会話の1ターンを表す。
// サーバーには保存せず、リクエストごとにクライアントから受け取る。
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Attachment はチャットの1ターンに添付された単一ファイルを表す。
// 1回の中継処理の間だけ保持し、永続化しない。
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}
