package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"erasmusly/messaging-service/internal/models"
	"erasmusly/messaging-service/internal/repository"
)

var (
	ErrSecretRequired = errors.New("auth: jwt secret required")
	ErrMissingToken   = errors.New("auth: missing token")
	ErrInvalidToken   = errors.New("auth: invalid token")
	ErrUnknownUser    = errors.New("auth: user not found")
)

// Claims carries the user id the account service signs. Older tokens put it
// in "id" (often as a number), newer ones in "sub".
type Claims struct {
	LegacyID FlexibleID `json:"id,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) UserID() string {
	if c.LegacyID != "" {
		return string(c.LegacyID)
	}
	return c.Subject
}

// FlexibleID decodes a JSON string or number into its string form.
type FlexibleID string

func (f *FlexibleID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id claim: %w", err)
	}
	*f = FlexibleID(n.String())
	return nil
}

// Authenticator verifies tokens minted by the account service and resolves
// them to directory users. It never mints identities for real clients.
type Authenticator struct {
	secret []byte
	users  repository.UserDirectory
}

func NewAuthenticator(secret string, users repository.UserDirectory) (*Authenticator, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrSecretRequired
	}
	return &Authenticator{secret: []byte(secret), users: users}, nil
}

func (a *Authenticator) VerifyToken(token string) (*Claims, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.UserID() == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authenticate verifies token and loads the user it names.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*models.User, error) {
	claims, err := a.VerifyToken(token)
	if err != nil {
		return nil, err
	}

	user, err := a.users.GetUser(ctx, claims.UserID())
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrUnknownUser
		}
		return nil, fmt.Errorf("auth: lookup user: %w", err)
	}
	return user, nil
}

// IssueToken signs a token for userID. Used by tests and local tooling.
func (a *Authenticator) IssueToken(userID string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		LegacyID: FlexibleID(userID),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

type contextKey struct{}

// WithUser stores the authenticated user in ctx.
func WithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

// UserFromContext returns the authenticated user, if any.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(contextKey{}).(*models.User)
	return user, ok && user != nil
}
