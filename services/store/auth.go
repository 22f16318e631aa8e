package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const minPasswordLength = 8

// Claims are the JWT claims issued by the store.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// AuthToken is returned by every successful login.
type AuthToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      *User     `json:"user"`
}

// RegisterRequest creates a customer account.
type RegisterRequest struct {
	Email    string `json:"email" binding:"required"`
	Name     string `json:"name"`
	Password string `json:"password" binding:"required"`
}

// LoginRequest authenticates with email and password.
type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// GoogleLoginRequest carries a Google Sign-In id token.
type GoogleLoginRequest struct {
	IDToken string `json:"id_token" binding:"required"`
}

// GoogleIdentity is what Google vouches for about an id token.
type GoogleIdentity struct {
	Subject string
	Email   string
	Name    string
}

// GoogleVerifier checks a Google id token.
type GoogleVerifier interface {
	Verify(ctx context.Context, idToken string) (*GoogleIdentity, error)
}

// AuthUseCase issues and verifies store tokens.
type AuthUseCase struct {
	repository UserRepository
	google     GoogleVerifier
	secret     []byte
	tokenTTL   time.Duration
	now        func() time.Time
}

func NewAuthUseCase(repository UserRepository, google GoogleVerifier, secret string, tokenTTL time.Duration) *AuthUseCase {
	return &AuthUseCase{
		repository: repository,
		google:     google,
		secret:     []byte(secret),
		tokenTTL:   tokenTTL,
		now:        time.Now,
	}
}

// Register creates a customer with a local password.
func (uc *AuthUseCase) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}
	if len(req.Password) < minPasswordLength {
		return nil, fmt.Errorf("%w: password must have at least %d characters", ErrInvalidInput, minPasswordLength)
	}

	user, err := uc.newLocalUser(email, req.Name, req.Password, RoleCustomer)
	if err != nil {
		return nil, err
	}
	if err := uc.repository.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).Info().Str("user_id", user.ID).Msg("👤 [AUTH] Registered")
	return user, nil
}

// Login checks the password and issues a token.
func (uc *AuthUseCase) Login(ctx context.Context, req LoginRequest) (*AuthToken, error) {
	user, err := uc.repository.GetUserByEmail(ctx, strings.TrimSpace(req.Email))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if user.PasswordHash == "" {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return uc.issue(user)
}

// LoginWithGoogle verifies a Google id token and signs the user in,
// creating the account on first use.
func (uc *AuthUseCase) LoginWithGoogle(ctx context.Context, idToken string) (*AuthToken, error) {
	if uc.google == nil {
		return nil, fmt.Errorf("%w: google login is not configured", ErrInvalidInput)
	}

	identity, err := uc.google.Verify(ctx, idToken)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("❌ [AUTH] Google token rejected")
		return nil, ErrInvalidCredentials
	}

	user, err := uc.repository.GetUserByEmail(ctx, identity.Email)
	if errors.Is(err, ErrNotFound) {
		user = &User{
			ID:        uuid.New().String(),
			Email:     strings.ToLower(identity.Email),
			Name:      identity.Name,
			Role:      RoleCustomer,
			Provider:  ProviderGoogle,
			CreatedAt: uc.now(),
		}
		err = uc.repository.CreateUser(ctx, user)
		if errors.Is(err, ErrEmailTaken) {
			user, err = uc.repository.GetUserByEmail(ctx, identity.Email)
		}
	}
	if err != nil {
		return nil, err
	}
	return uc.issue(user)
}

// EnsureAdmin creates the bootstrap admin account when it is missing.
func (uc *AuthUseCase) EnsureAdmin(ctx context.Context, email, password string) error {
	logger := zerolog.Ctx(ctx)

	existing, err := uc.repository.GetUserByEmail(ctx, email)
	if err == nil {
		if existing.Role != RoleAdmin {
			logger.Warn().Str("email", email).Msg("⚠️ [AUTH] Bootstrap admin email belongs to a customer")
		}
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	email, err = normalizeEmail(email)
	if err != nil {
		return err
	}
	admin, err := uc.newLocalUser(email, "Admin", password, RoleAdmin)
	if err != nil {
		return err
	}
	if err := uc.repository.CreateUser(ctx, admin); err != nil && !errors.Is(err, ErrEmailTaken) {
		return err
	}

	logger.Info().Str("email", email).Msg("🔑 [AUTH] Bootstrap admin created")
	return nil
}

func (uc *AuthUseCase) Me(ctx context.Context, userID string) (*User, error) {
	return uc.repository.GetUserByID(ctx, userID)
}

// ParseToken validates a bearer token and returns its claims.
func (uc *AuthUseCase) ParseToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return uc.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(uc.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return claims, nil
}

func (uc *AuthUseCase) issue(user *User) (*AuthToken, error) {
	now := uc.now()
	expiresAt := now.Add(uc.tokenTTL)

	claims := Claims{
		Email: user.Email,
		Role:  user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(uc.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &AuthToken{Token: signed, ExpiresAt: expiresAt, User: user}, nil
}

func (uc *AuthUseCase) newLocalUser(email, name, password, role string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	return &User{
		ID:           uuid.New().String(),
		Email:        email,
		Name:         strings.TrimSpace(name),
		PasswordHash: string(hash),
		Role:         role,
		Provider:     ProviderLocal,
		CreatedAt:    uc.now(),
	}, nil
}

func normalizeEmail(email string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil || addr.Address != strings.TrimSpace(email) {
		return "", fmt.Errorf("%w: invalid email", ErrInvalidInput)
	}
	return strings.ToLower(addr.Address), nil
}

// GoogleTokenInfoVerifier validates id tokens through Google's tokeninfo
// endpoint.
type GoogleTokenInfoVerifier struct {
	client   *resty.Client
	clientID string
}

type tokenInfo struct {
	Audience      string `json:"aud"`
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified string `json:"email_verified"`
	Name          string `json:"name"`
}

func NewGoogleTokenInfoVerifier(baseURL, clientID string) *GoogleTokenInfoVerifier {
	return &GoogleTokenInfoVerifier{
		client:   resty.New().SetBaseURL(baseURL).SetTimeout(5 * time.Second),
		clientID: clientID,
	}
}

func (v *GoogleTokenInfoVerifier) Verify(ctx context.Context, idToken string) (*GoogleIdentity, error) {
	ctx, span := startClientSpan(ctx, "google", "tokeninfo")
	var err error
	defer func() { endSpan(span, err) }()

	var info tokenInfo
	resp, err := v.client.R().
		SetContext(ctx).
		SetQueryParam("id_token", idToken).
		SetResult(&info).
		Get("/tokeninfo")
	if err != nil {
		return nil, fmt.Errorf("tokeninfo request failed: %w", err)
	}
	if resp.IsError() {
		err = fmt.Errorf("tokeninfo status %d", resp.StatusCode())
		return nil, err
	}
	if info.Audience != v.clientID {
		err = fmt.Errorf("token audience %q does not match", info.Audience)
		return nil, err
	}
	if info.Email == "" || info.EmailVerified != "true" {
		err = fmt.Errorf("token email is not verified")
		return nil, err
	}
	return &GoogleIdentity{Subject: info.Subject, Email: info.Email, Name: info.Name}, nil
}

const claimsKey = "claims"

// Authenticate reads an optional bearer token. A present but invalid token
// is rejected.
func Authenticate(auth *AuthUseCase) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Next()
			return
		}

		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			return
		}
		claims, err := auth.ParseToken(strings.TrimSpace(token))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrUnauthorized.Error()})
			return
		}

		c.Set(claimsKey, claims)
		logger := zerolog.Ctx(c.Request.Context()).With().Str("user_id", claims.Subject).Logger()
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context()))
		c.Next()
	}
}

// RequireAuth rejects requests without valid claims.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if claimsFrom(c) == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrUnauthorized.Error()})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests that are not from an admin.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := claimsFrom(c)
		if claims == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrUnauthorized.Error()})
			return
		}
		if claims.Role != RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": ErrForbidden.Error()})
			return
		}
		c.Next()
	}
}

func claimsFrom(c *gin.Context) *Claims {
	value, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := value.(*Claims)
	return claims
}
