package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// パスワード長の制約。上限はbcryptが扱える72バイト。
const (
	minPasswordLength = 8
	maxPasswordLength = 72
)

// hashPassword はbcryptでパスワードをハッシュ化する。
func hashPassword(password string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// checkPassword はハッシュとパスワードを比較する。一致すればtrueを返す。
func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// newDummyHash は未登録メールアドレスでのログイン時に比較するダミーハッシュを生成する。
// 実ユーザーと同じコストで生成し、比較時間を揃える。
func newDummyHash(cost int) string {
	hash, err := bcrypt.GenerateFromPassword([]byte("promptroom-dummy-password"), cost)
	if err != nil {
		// コストが範囲外の場合のみ。既定コストで再生成する。
		hash, _ = bcrypt.GenerateFromPassword([]byte("promptroom-dummy-password"), bcrypt.DefaultCost)
	}
	return string(hash)
}
