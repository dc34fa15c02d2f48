package onion

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const userIDKey contextKey = "userID"

// JWTAuth is a Layer that validates JWT bearer tokens from the Authorization
// header. When the layer is registered with a parameter, the token subject
// must also equal it ("auth:admin").
//
// On success the user ID is added to the request context. Otherwise the chain
// is short-circuited with a 401 Unauthorized response.
type JWTAuth struct {
	Secret string
}

var _ Layer = JWTAuth{}

// Handle implements Layer.
func (a JWTAuth) Handle(ctx context.Context, r *http.Request, next Next, param Param) (Response, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, Abort(unauthorized("missing authorization header"))
	}

	// Expected format: "Bearer <token>"
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return nil, Abort(unauthorized("invalid authorization format"))
	}

	userID, err := ValidateJWT(parts[1], a.Secret)
	if err != nil {
		return nil, Abort(unauthorized("invalid token"))
	}
	if param.Valid && param.Value != userID {
		return nil, Abort(JSON(http.StatusForbidden, map[string]string{
			"error": "forbidden",
		}))
	}

	return next(WithUserID(ctx, userID), r)
}

// RequireAuth creates middleware that validates JWT tokens from the Authorization header.
// It's the Middleware form of JWTAuth, for use with Wrap.
//
// Usage:
//
//	auth := onion.RequireAuth("your-secret-key")
//	handler := onion.Wrap(myHandler, auth)
func RequireAuth(secret string) Middleware {
	return AsMiddleware(JWTAuth{Secret: secret}, Param{})
}

func unauthorized(msg string) Response {
	return JSON(http.StatusUnauthorized, map[string]string{"error": msg})
}

// GenerateJWT creates a signed JWT token for the given user ID.
// The token includes standard claims (subject, issued at, expiration).
//
// Example:
//
//	token, err := onion.GenerateJWT("user123", "secret", 24*time.Hour)
func GenerateJWT(userID string, secret string, expiration time.Duration) (string, error) {
	now := time.Now()

	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ValidateJWT parses and validates a JWT token string.
// It verifies the signature, expiration, and extracts the user ID from the
// "sub" claim.
func ValidateJWT(tokenString string, secret string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}

	if !token.Valid {
		return "", errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}

	userID, ok := claims["sub"].(string)
	if !ok {
		return "", errors.New("missing user ID in token")
	}

	return userID, nil
}

// WithUserID adds a user ID to the request context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID extracts the user ID from the request context.
// Returns the user ID and a boolean indicating if it was found.
//
// Example:
//
//	func MyHandler(ctx context.Context, r *http.Request) onion.Response {
//	    userID, ok := onion.GetUserID(ctx)
//	    if !ok {
//	        return onion.JSON(500, map[string]string{"error": "user not found"})
//	    }
//	    // Use userID...
//	}
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok
}
