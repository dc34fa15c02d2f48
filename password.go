package onion

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// bcryptCost defines the computational cost of the bcrypt algorithm.
// Higher values are more secure but slower. 12 is a good balance for 2024.
const bcryptCost = 12

// HashPassword generates a bcrypt hash of the given password.
// The resulting hash is safe to store in a database or config file.
//
// Example:
//
//	hash, err := onion.HashPassword("user_password123")
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword verifies that a plaintext password matches a bcrypt hash.
// Returns nil if the password is correct, or an error if incorrect.
func CheckPassword(password, hash string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// BasicAuth is a Layer checking HTTP basic credentials against bcrypt
// hashes. The layer parameter is the realm announced on failure.
type BasicAuth struct {
	// Users maps user names to bcrypt password hashes.
	Users map[string]string
}

var _ Layer = BasicAuth{}

// Handle implements Layer.
func (a BasicAuth) Handle(ctx context.Context, r *http.Request, next Next, param Param) (Response, error) {
	user, password, ok := r.BasicAuth()
	if ok {
		if hash, found := a.Users[user]; found && CheckPassword(password, hash) == nil {
			return next(WithUserID(ctx, user), r)
		}
	}

	challenge := fmt.Sprintf("Basic realm=%q", param.Or("restricted"))
	return WithHeader(unauthorized("invalid credentials"), "WWW-Authenticate", challenge), nil
}
