package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGoogle accepts a single id token.
type fakeGoogle struct {
	token    string
	identity GoogleIdentity
}

func (g fakeGoogle) Verify(_ context.Context, idToken string) (*GoogleIdentity, error) {
	if idToken != g.token {
		return nil, errors.New("bad token")
	}
	identity := g.identity
	return &identity, nil
}

func TestRegisterAndLogin(t *testing.T) {
	// Arrange
	repo := newMemoryRepository()
	auth := NewAuthUseCase(repo, nil, "secret", time.Hour)
	ctx := context.Background()

	// Act
	user, err := auth.Register(ctx, RegisterRequest{Email: "Ana@Example.com", Name: " Ana ", Password: "12345678"})
	require.NoError(t, err)
	token, err := auth.Login(ctx, LoginRequest{Email: "ana@example.com", Password: "12345678"})
	require.NoError(t, err)

	// Assert
	assert.Equal(t, "ana@example.com", user.Email)
	assert.Equal(t, "Ana", user.Name)
	assert.Equal(t, RoleCustomer, user.Role)
	assert.NotEqual(t, "12345678", user.PasswordHash)

	claims, err := auth.ParseToken(token.Token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.Subject)
	assert.Equal(t, RoleCustomer, claims.Role)
	assert.Equal(t, "ana@example.com", claims.Email)
}

func TestRegisterValidation(t *testing.T) {
	repo := newMemoryRepository()
	auth := NewAuthUseCase(repo, nil, "secret", time.Hour)
	ctx := context.Background()

	_, err := auth.Register(ctx, RegisterRequest{Email: "not-an-email", Password: "12345678"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = auth.Register(ctx, RegisterRequest{Email: "Ana <ana@example.com>", Password: "12345678"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = auth.Register(ctx, RegisterRequest{Email: "ana@example.com", Password: "short"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = auth.Register(ctx, RegisterRequest{Email: "ana@example.com", Password: "12345678"})
	require.NoError(t, err)
	_, err = auth.Register(ctx, RegisterRequest{Email: "ANA@example.com", Password: "12345678"})
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestLoginFailures(t *testing.T) {
	repo := newMemoryRepository()
	auth := NewAuthUseCase(repo, nil, "secret", time.Hour)
	ctx := context.Background()
	_, err := auth.Register(ctx, RegisterRequest{Email: "ana@example.com", Password: "12345678"})
	require.NoError(t, err)

	_, err = auth.Login(ctx, LoginRequest{Email: "ana@example.com", Password: "87654321"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = auth.Login(ctx, LoginRequest{Email: "nadie@example.com", Password: "12345678"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestParseTokenRejections(t *testing.T) {
	repo := newMemoryRepository()
	auth := NewAuthUseCase(repo, nil, "secret", time.Hour)
	ctx := context.Background()
	_, err := auth.Register(ctx, RegisterRequest{Email: "ana@example.com", Password: "12345678"})
	require.NoError(t, err)
	token, err := auth.Login(ctx, LoginRequest{Email: "ana@example.com", Password: "12345678"})
	require.NoError(t, err)

	t.Run("expired", func(t *testing.T) {
		later := NewAuthUseCase(repo, nil, "secret", time.Hour)
		later.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

		_, err := later.ParseToken(token.Token)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("other secret", func(t *testing.T) {
		other := NewAuthUseCase(repo, nil, "another-secret", time.Hour)

		_, err := other.ParseToken(token.Token)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("unsigned", func(t *testing.T) {
		unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Role: RoleAdmin}).
			SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = auth.ParseToken(unsigned)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("without expiry", func(t *testing.T) {
		raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Role: RoleAdmin}).SignedString([]byte("secret"))
		require.NoError(t, err)

		_, err = auth.ParseToken(raw)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})
}

func TestEnsureAdmin(t *testing.T) {
	repo := newMemoryRepository()
	auth := NewAuthUseCase(repo, nil, "secret", time.Hour)
	ctx := context.Background()

	require.NoError(t, auth.EnsureAdmin(ctx, "admin@example.com", "admin-password"))
	require.NoError(t, auth.EnsureAdmin(ctx, "admin@example.com", "admin-password"))

	admin, err := repo.GetUserByEmail(ctx, "admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, admin.Role)
	assert.Len(t, repo.users, 1)

	token, err := auth.Login(ctx, LoginRequest{Email: "admin@example.com", Password: "admin-password"})
	require.NoError(t, err)
	claims, err := auth.ParseToken(token.Token)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, claims.Role)
}

func TestLoginWithGoogle(t *testing.T) {
	// Arrange
	repo := newMemoryRepository()
	google := fakeGoogle{token: "good-token", identity: GoogleIdentity{Subject: "g-1", Email: "Ana@Gmail.com", Name: "Ana"}}
	auth := NewAuthUseCase(repo, google, "secret", time.Hour)
	ctx := context.Background()

	// Act
	first, err := auth.LoginWithGoogle(ctx, "good-token")
	require.NoError(t, err)
	second, err := auth.LoginWithGoogle(ctx, "good-token")
	require.NoError(t, err)
	_, badErr := auth.LoginWithGoogle(ctx, "forged-token")

	// Assert
	assert.Equal(t, first.User.ID, second.User.ID)
	assert.Equal(t, ProviderGoogle, first.User.Provider)
	assert.Equal(t, "ana@gmail.com", first.User.Email)
	assert.Len(t, repo.users, 1)
	assert.ErrorIs(t, badErr, ErrInvalidCredentials)

	// Google accounts have no local password
	_, err = auth.Login(ctx, LoginRequest{Email: "ana@gmail.com", Password: ""})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestGoogleTokenInfoVerifier(t *testing.T) {
	responses := map[string]string{
		"valid":      `{"aud":"client-1","sub":"42","email":"ana@gmail.com","email_verified":"true","name":"Ana"}`,
		"other-aud":  `{"aud":"client-2","sub":"42","email":"ana@gmail.com","email_verified":"true"}`,
		"unverified": `{"aud":"client-1","sub":"42","email":"ana@gmail.com","email_verified":"false"}`,
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tokeninfo", r.URL.Path)
		body, ok := responses[r.URL.Query().Get("id_token")]
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()
	verifier := NewGoogleTokenInfoVerifier(server.URL, "client-1")

	identity, err := verifier.Verify(context.Background(), "valid")
	require.NoError(t, err)
	assert.Equal(t, "42", identity.Subject)
	assert.Equal(t, "ana@gmail.com", identity.Email)

	for _, token := range []string{"other-aud", "unverified", "garbage"} {
		_, err := verifier.Verify(context.Background(), token)
		assert.Error(t, err, token)
	}
}

func TestAuthenticateRejectsMalformedHeader(t *testing.T) {
	f := newAPIFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/products", nil)
	req.Header.Set("Authorization", "Basic YWRtaW46YWRtaW4=")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
