package auth

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/promptroom/internal/model"
	"github.com/hitoshi/promptroom/internal/repository"
)

// --- モック定義 ---

type mockUserRepo struct {
	findByIDFn    func(ctx context.Context, id string) (*model.User, error)
	findByEmailFn func(ctx context.Context, email string) (*model.User, error)
	createFn      func(ctx context.Context, user *model.User) error
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	if m.findByEmailFn != nil {
		return m.findByEmailFn(ctx, email)
	}
	return nil, nil
}

func (m *mockUserRepo) Create(ctx context.Context, user *model.User) error {
	if m.createFn != nil {
		return m.createFn(ctx, user)
	}
	return nil
}

type mockRevokedRepo struct {
	revokeFn    func(ctx context.Context, token *model.RevokedToken) error
	isRevokedFn func(ctx context.Context, tokenID string) (bool, error)
}

func (m *mockRevokedRepo) Revoke(ctx context.Context, token *model.RevokedToken) error {
	if m.revokeFn != nil {
		return m.revokeFn(ctx, token)
	}
	return nil
}

func (m *mockRevokedRepo) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	if m.isRevokedFn != nil {
		return m.isRevokedFn(ctx, tokenID)
	}
	return false, nil
}

func (m *mockRevokedRepo) DeleteExpired(_ context.Context) (int64, error) {
	return 0, nil
}

// --- compile-time interface checks ---
var _ repository.UserRepository = (*mockUserRepo)(nil)
var _ repository.RevokedTokenRepository = (*mockRevokedRepo)(nil)

// --- ヘルパー ---

var testSecret = []byte("test-secret-that-is-at-least-32-bytes")

// memoryUsers はメールアドレスをキーにユーザーを保持するモックを返す。
func memoryUsers() *mockUserRepo {
	var mu sync.Mutex
	byEmail := map[string]*model.User{}
	byID := map[string]*model.User{}
	return &mockUserRepo{
		findByEmailFn: func(_ context.Context, email string) (*model.User, error) {
			mu.Lock()
			defer mu.Unlock()
			return byEmail[email], nil
		},
		findByIDFn: func(_ context.Context, id string) (*model.User, error) {
			mu.Lock()
			defer mu.Unlock()
			return byID[id], nil
		},
		createFn: func(_ context.Context, user *model.User) error {
			mu.Lock()
			defer mu.Unlock()
			if _, ok := byEmail[user.Email]; ok {
				return model.NewEmailTakenError()
			}
			byEmail[user.Email] = user
			byID[user.ID] = user
			return nil
		},
	}
}

// memoryRevoked は失効済みトークンIDを保持するモックを返す。
func memoryRevoked() *mockRevokedRepo {
	var mu sync.Mutex
	revoked := map[string]bool{}
	return &mockRevokedRepo{
		revokeFn: func(_ context.Context, token *model.RevokedToken) error {
			mu.Lock()
			defer mu.Unlock()
			revoked[token.TokenID] = true
			return nil
		},
		isRevokedFn: func(_ context.Context, tokenID string) (bool, error) {
			mu.Lock()
			defer mu.Unlock()
			return revoked[tokenID], nil
		},
	}
}

// fakeClock はテストから進められる時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(users *mockUserRepo, revoked *mockRevokedRepo, clock *fakeClock) *Service {
	cfg := ServiceConfig{
		Secret:     testSecret,
		TokenTTL:   time.Hour,
		BcryptCost: bcrypt.MinCost,
	}
	if clock != nil {
		cfg.Now = clock.Now
	}
	return NewService(users, revoked, cfg, nil)
}

// --- テスト ---

func TestRegister_ReturnsVerifiableToken(t *testing.T) {
	svc := newTestService(memoryUsers(), memoryRevoked(), nil)

	result, err := svc.Register(context.Background(), "  Alice@Example.COM ", "correct-horse")
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if result.Token == "" {
		t.Fatal("expected non-empty token")
	}
	if result.User.Email != "alice@example.com" {
		t.Errorf("Email = %q, want normalized %q", result.User.Email, "alice@example.com")
	}
	if result.User.PasswordHash == "correct-horse" || result.User.PasswordHash == "" {
		t.Error("password must be stored as a hash")
	}

	userID, err := svc.Verify(context.Background(), result.Token)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if userID != result.User.ID {
		t.Errorf("Verify userID = %q, want %q", userID, result.User.ID)
	}
}

func TestRegister_DuplicateEmail_ReturnsConflict(t *testing.T) {
	svc := newTestService(memoryUsers(), memoryRevoked(), nil)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "bob@example.com", "password-1"); err != nil {
		t.Fatalf("first Register returned error: %v", err)
	}

	// 大文字小文字・前後空白の違いも同一アドレスとして扱う
	_, err := svc.Register(ctx, " BOB@example.com", "password-2")
	if !model.HasCode(err, model.ErrCodeEmailTaken) {
		t.Fatalf("expected EMAIL_TAKEN, got %v", err)
	}
}

func TestRegister_ConcurrentDuplicateDetectedByRepository(t *testing.T) {
	// 事前チェックをすり抜けて一意制約違反になったケース
	users := &mockUserRepo{
		createFn: func(_ context.Context, _ *model.User) error {
			taken := model.NewEmailTakenError()
			taken.Err = errors.New("pq: duplicate key value violates unique constraint")
			return taken
		},
	}
	svc := newTestService(users, memoryRevoked(), nil)

	_, err := svc.Register(context.Background(), "race@example.com", "password-1")
	if !model.HasCode(err, model.ErrCodeEmailTaken) {
		t.Fatalf("expected EMAIL_TAKEN, got %v", err)
	}
}

func TestRegister_InvalidInput(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		password string
	}{
		{"empty email", "", "password-1"},
		{"no at sign", "alice.example.com", "password-1"},
		{"nothing before at", "@example.com", "password-1"},
		{"nothing after at", "alice@", "password-1"},
		{"short password", "alice@example.com", "short"},
		{"password over bcrypt limit", "alice@example.com", strings.Repeat("a", 73)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			createCalled := false
			users := memoryUsers()
			users.createFn = func(_ context.Context, _ *model.User) error {
				createCalled = true
				return nil
			}
			svc := newTestService(users, memoryRevoked(), nil)

			_, err := svc.Register(context.Background(), tt.email, tt.password)
			if !model.HasCode(err, model.ErrCodeInvalidInput) {
				t.Fatalf("expected INVALID_INPUT, got %v", err)
			}
			if createCalled {
				t.Error("Create must not be called for invalid input")
			}
		})
	}
}

func TestRegister_RepositoryError_IsWrapped(t *testing.T) {
	dbErr := errors.New("connection refused")
	users := &mockUserRepo{
		findByEmailFn: func(_ context.Context, _ string) (*model.User, error) {
			return nil, dbErr
		},
	}
	svc := newTestService(users, memoryRevoked(), nil)

	_, err := svc.Register(context.Background(), "alice@example.com", "password-1")
	if !errors.Is(err, dbErr) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}

func TestLogin_RoundTrip(t *testing.T) {
	svc := newTestService(memoryUsers(), memoryRevoked(), nil)
	ctx := context.Background()

	registered, err := svc.Register(ctx, "carol@example.com", "secret-pass")
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	result, err := svc.Login(ctx, "CAROL@example.com", "secret-pass")
	if err != nil {
		t.Fatalf("Login returned error: %v", err)
	}

	userID, err := svc.Verify(ctx, result.Token)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if userID != registered.User.ID {
		t.Errorf("userID = %q, want %q", userID, registered.User.ID)
	}
}

func TestLogin_WrongPasswordAndUnknownEmail_AreIndistinguishable(t *testing.T) {
	svc := newTestService(memoryUsers(), memoryRevoked(), nil)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "dave@example.com", "right-password"); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	_, wrongPassword := svc.Login(ctx, "dave@example.com", "wrong-password")
	_, unknownEmail := svc.Login(ctx, "nobody@example.com", "right-password")

	if !model.HasCode(wrongPassword, model.ErrCodeInvalidCredentials) {
		t.Fatalf("wrong password: expected INVALID_CREDENTIALS, got %v", wrongPassword)
	}
	if !reflect.DeepEqual(wrongPassword, unknownEmail) {
		t.Errorf("errors differ:\n wrong password: %#v\n unknown email: %#v", wrongPassword, unknownEmail)
	}
}

func TestLogin_UnknownEmail_StillComparesAgainstDummyHash(t *testing.T) {
	svc := newTestService(memoryUsers(), memoryRevoked(), nil)

	// ダミーハッシュはbcrypt形式であり、比較が即座に失敗しないこと
	if _, err := bcrypt.Cost([]byte(svc.dummyHash)); err != nil {
		t.Fatalf("dummy hash is not a bcrypt hash: %v", err)
	}
	if checkPassword(svc.dummyHash, "anything") {
		t.Error("dummy hash must not match arbitrary passwords")
	}
}

func TestVerify_RepeatedCallsAreStable_AndFailAfterExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	svc := newTestService(memoryUsers(), memoryRevoked(), clock)
	ctx := context.Background()

	result, err := svc.Register(ctx, "erin@example.com", "password-1")
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	for i := 0; i < 3; i++ {
		userID, err := svc.Verify(ctx, result.Token)
		if err != nil {
			t.Fatalf("Verify #%d returned error: %v", i, err)
		}
		if userID != result.User.ID {
			t.Fatalf("Verify #%d userID = %q, want %q", i, userID, result.User.ID)
		}
		clock.Advance(10 * time.Minute)
	}

	clock.Advance(time.Hour)
	if _, err := svc.Verify(ctx, result.Token); !model.HasCode(err, model.ErrCodeUnauthenticated) {
		t.Fatalf("expected UNAUTHENTICATED after expiry, got %v", err)
	}
}

func TestVerify_MalformedInputs_AllReturnSameError(t *testing.T) {
	svc := newTestService(memoryUsers(), memoryRevoked(), nil)
	ctx := context.Background()

	other := NewTokenIssuer([]byte("another-secret-that-is-32-bytes-long"), time.Hour, nil)
	foreignToken, _, err := other.Issue("user-1")
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}

	valid, _, err := svc.tokens.Issue("user-1")
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}
	parts := strings.Split(valid, ".")

	inputs := map[string]string{
		"empty":             "",
		"garbage":           "not-a-token",
		"two segments":      "a.b",
		"bad base64":        "!!!.@@@.###",
		"wrong secret":      foreignToken,
		"tampered payload":  parts[0] + ".eyJzdWIiOiJ1c2VyLTIifQ." + parts[2],
		"alg none":          "eyJhbGciOiJub25lIiwidHlwIjoiSldUIn0.eyJzdWIiOiJ1c2VyLTEifQ.",
		"truncated":         valid[:len(valid)-5],
		"unicode":           "トークン",
		"whitespace padded": " " + valid + " ",
	}

	want := model.NewUnauthenticatedError()
	for name, token := range inputs {
		t.Run(name, func(t *testing.T) {
			userID, err := svc.Verify(ctx, token)
			if userID != "" {
				t.Errorf("userID = %q, want empty", userID)
			}
			if !reflect.DeepEqual(err, want) {
				t.Errorf("err = %#v, want %#v", err, want)
			}
		})
	}
}

func TestLogout_RevokesToken(t *testing.T) {
	svc := newTestService(memoryUsers(), memoryRevoked(), nil)
	ctx := context.Background()

	result, err := svc.Register(ctx, "frank@example.com", "password-1")
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	if err := svc.Logout(ctx, result.Token); err != nil {
		t.Fatalf("Logout returned error: %v", err)
	}

	if _, err := svc.Verify(ctx, result.Token); !model.HasCode(err, model.ErrCodeUnauthenticated) {
		t.Fatalf("expected UNAUTHENTICATED for revoked token, got %v", err)
	}

	// 別のログインで発行したトークンは影響を受けない
	other, err := svc.Login(ctx, "frank@example.com", "password-1")
	if err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	if _, err := svc.Verify(ctx, other.Token); err != nil {
		t.Errorf("new token should be valid, got %v", err)
	}
}

func TestLogout_InvalidToken_ReturnsUnauthenticated(t *testing.T) {
	revokeCalled := false
	revoked := memoryRevoked()
	revoked.revokeFn = func(_ context.Context, _ *model.RevokedToken) error {
		revokeCalled = true
		return nil
	}
	svc := newTestService(memoryUsers(), revoked, nil)

	err := svc.Logout(context.Background(), "garbage")
	if !model.HasCode(err, model.ErrCodeUnauthenticated) {
		t.Fatalf("expected UNAUTHENTICATED, got %v", err)
	}
	if revokeCalled {
		t.Error("Revoke must not be called for an invalid token")
	}
}

func TestVerify_RevocationLookupFailure_IsInternalError(t *testing.T) {
	dbErr := errors.New("db down")
	revoked := &mockRevokedRepo{
		isRevokedFn: func(_ context.Context, _ string) (bool, error) {
			return false, dbErr
		},
	}
	svc := newTestService(memoryUsers(), revoked, nil)

	token, _, err := svc.tokens.Issue("user-1")
	if err != nil {
		t.Fatalf("Issue returned error: %v", err)
	}

	_, err = svc.Verify(context.Background(), token)
	if !errors.Is(err, dbErr) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
	if IsUnauthenticated(err) {
		t.Error("infrastructure failure must not be reported as UNAUTHENTICATED")
	}
}

func TestCurrentUser(t *testing.T) {
	svc := newTestService(memoryUsers(), memoryRevoked(), nil)
	ctx := context.Background()

	result, err := svc.Register(ctx, "gina@example.com", "password-1")
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}

	user, err := svc.CurrentUser(ctx, result.User.ID)
	if err != nil {
		t.Fatalf("CurrentUser returned error: %v", err)
	}
	if user.Email != "gina@example.com" {
		t.Errorf("Email = %q, want %q", user.Email, "gina@example.com")
	}

	if _, err := svc.CurrentUser(ctx, "missing"); !model.HasCode(err, model.ErrCodeUserNotFound) {
		t.Errorf("expected USER_NOT_FOUND, got %v", err)
	}
}
