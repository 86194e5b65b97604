// Package auth はメールアドレスとパスワードによる認証、セッショントークンの発行と検証を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/promptroom/internal/metrics"
	"github.com/hitoshi/promptroom/internal/model"
	"github.com/hitoshi/promptroom/internal/repository"
)

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	Secret     []byte           // トークン署名鍵
	TokenTTL   time.Duration    // トークン有効期間
	BcryptCost int              // bcryptのコスト
	Now        func() time.Time // 現在時刻。nilの場合はtime.Now
}

// AuthResult は登録・ログイン成功時の結果。
type AuthResult struct {
	Token     string
	ExpiresAt time.Time
	User      *model.User
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	userRepo    repository.UserRepository
	revokedRepo repository.RevokedTokenRepository
	tokens      *TokenIssuer
	bcryptCost  int
	dummyHash   string
	now         func() time.Time
	metrics     metrics.MetricsCollector
}

// NewService はServiceを生成する。mcがnilの場合はメトリクスを記録しない。
func NewService(
	userRepo repository.UserRepository,
	revokedRepo repository.RevokedTokenRepository,
	config ServiceConfig,
	mc metrics.MetricsCollector,
) *Service {
	now := config.Now
	if now == nil {
		now = time.Now
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Service{
		userRepo:    userRepo,
		revokedRepo: revokedRepo,
		tokens:      NewTokenIssuer(config.Secret, config.TokenTTL, now),
		bcryptCost:  config.BcryptCost,
		dummyHash:   newDummyHash(config.BcryptCost),
		now:         now,
		metrics:     mc,
	}
}

// NormalizeEmail はメールアドレスの前後空白を除去し小文字化する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register は新規ユーザーを登録し、トークンを発行する。
// 登録済みのメールアドレスの場合はEMAIL_TAKENエラーを返す。
func (s *Service) Register(ctx context.Context, email, password string) (*AuthResult, error) {
	// 1. 入力を正規化して検証
	email = NormalizeEmail(email)
	if err := validateCredentials(email, password); err != nil {
		s.metrics.RecordAuthEvent("register", "invalid_input")
		return nil, err
	}

	// 2. 重複チェック。同時登録は一意制約違反としてリポジトリ側で検出される
	existing, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	if existing != nil {
		s.metrics.RecordAuthEvent("register", "conflict")
		return nil, model.NewEmailTakenError()
	}

	// 3. パスワードをハッシュ化してユーザーを作成
	hash, err := hashPassword(password, s.bcryptCost)
	if err != nil {
		return nil, err
	}

	user := &model.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    s.now(),
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		if model.HasCode(err, model.ErrCodeEmailTaken) {
			s.metrics.RecordAuthEvent("register", "conflict")
			return nil, err
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	// 4. トークンを発行
	result, err := s.issue(user)
	if err != nil {
		return nil, err
	}

	s.metrics.RecordAuthEvent("register", "success")
	slog.Info("user registered", slog.String("user_id", user.ID))
	return result, nil
}

// Login はメールアドレスとパスワードを検証し、トークンを発行する。
// 未登録のメールアドレスとパスワード不一致は同じエラーを返し、どちらもbcrypt比較を1回行う。
func (s *Service) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	email = NormalizeEmail(email)

	user, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}

	hash := s.dummyHash
	if user != nil {
		hash = user.PasswordHash
	}
	matched := checkPassword(hash, password)

	if user == nil || !matched {
		s.metrics.RecordAuthEvent("login", "failure")
		return nil, model.NewInvalidCredentialsError()
	}

	result, err := s.issue(user)
	if err != nil {
		return nil, err
	}

	s.metrics.RecordAuthEvent("login", "success")
	slog.Info("user logged in", slog.String("user_id", user.ID))
	return result, nil
}

// Verify はトークンを検証し、ユーザーIDを返す。
// 形式不正・署名不正・期限切れ・失効済みはすべて同一のUNAUTHENTICATEDエラーになる。
func (s *Service) Verify(ctx context.Context, token string) (string, error) {
	claims, err := s.verifyClaims(ctx, token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// Logout はトークンを失効リストに登録する。以降同じトークンはVerifyで拒否される。
func (s *Service) Logout(ctx context.Context, token string) error {
	claims, err := s.verifyClaims(ctx, token)
	if err != nil {
		return err
	}

	revoked := &model.RevokedToken{
		TokenID:   claims.ID,
		UserID:    claims.Subject,
		ExpiresAt: claims.ExpiresAt.Time,
		RevokedAt: s.now(),
	}
	if err := s.revokedRepo.Revoke(ctx, revoked); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	s.metrics.RecordAuthEvent("logout", "success")
	slog.Info("user logged out", slog.String("user_id", claims.Subject))
	return nil
}

// CurrentUser は指定IDのユーザーを取得する。
func (s *Service) CurrentUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

// verifyClaims はトークンを検証し、失効していないクレームを返す。
// 失効リストの参照に失敗した場合のみ、認証エラーではなく内部エラーを返す。
func (s *Service) verifyClaims(ctx context.Context, token string) (*Claims, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		slog.Debug("token rejected", slog.String("reason", err.Error()))
		return nil, model.NewUnauthenticatedError()
	}

	revoked, err := s.revokedRepo.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check token revocation: %w", err)
	}
	if revoked {
		return nil, model.NewUnauthenticatedError()
	}
	return claims, nil
}

// issue はユーザーに対するトークンを発行する。
func (s *Service) issue(user *model.User) (*AuthResult, error) {
	token, claims, err := s.tokens.Issue(user.ID)
	if err != nil {
		return nil, err
	}
	return &AuthResult{
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Time,
		User:      user,
	}, nil
}

// validateCredentials は登録時のメールアドレスとパスワードを検証する。
func validateCredentials(email, password string) error {
	at := strings.Index(email, "@")
	if email == "" || at <= 0 || at == len(email)-1 {
		return model.NewInvalidInputError("メールアドレスの形式が正しくありません")
	}
	if len(email) > 320 {
		return model.NewInvalidInputError("メールアドレスが長すぎます")
	}
	if len(password) < minPasswordLength {
		return model.NewInvalidInputError(fmt.Sprintf("パスワードは%dバイト以上にしてください", minPasswordLength))
	}
	if len(password) > maxPasswordLength {
		return model.NewInvalidInputError(fmt.Sprintf("パスワードは%dバイト以下にしてください", maxPasswordLength))
	}
	return nil
}

// IsUnauthenticated はエラーが認証失敗であるかを返す。
func IsUnauthenticated(err error) bool {
	var apiErr *model.APIError
	return errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeUnauthenticated
}
