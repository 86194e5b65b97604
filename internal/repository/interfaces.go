// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"

	"github.com/lib/pq"

	"github.com/hitoshi/promptroom/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail は正規化済みメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成する。
	// メールアドレスが既に登録されている場合はEMAIL_TAKENのAPIErrorを返す。
	Create(ctx context.Context, user *model.User) error
}

// ProjectRepository はプロジェクトデータの永続化インターフェース。
type ProjectRepository interface {
	// Create はプロジェクトを作成する。
	Create(ctx context.Context, project *model.Project) error

	// FindOwned は指定ユーザーが所有する指定IDのプロジェクトを取得する。
	// 存在しない場合と他ユーザーの所有である場合のどちらもnilを返す。
	FindOwned(ctx context.Context, userID, id string) (*model.Project, error)

	// ListByUserID はユーザーのプロジェクト一覧をcreated_at降順で返す。
	// 0件の場合は空スライスを返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.Project, error)
}

// RevokedTokenRepository はログアウト済みトークンの失効リストの永続化インターフェース。
type RevokedTokenRepository interface {
	// Revoke はトークンIDを失効リストに登録する。登録済みの場合は何もしない。
	Revoke(ctx context.Context, token *model.RevokedToken) error

	// IsRevoked はトークンIDが失効リストに含まれるかを返す。
	IsRevoked(ctx context.Context, tokenID string) (bool, error)

	// DeleteExpired は有効期限を過ぎた失効エントリを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// uniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const uniqueViolation = "23505"

// isUniqueViolation はエラーが指定制約の一意制約違反であるかを返す。
// constraintが空の場合は制約名を問わない。
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}
