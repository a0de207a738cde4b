package identity

import (
	"errors"
	"time"
)

// Roles a principal can hold.
const (
	RoleBasic      = "basic"
	RolePrivileged = "privileged"
)

var (
	ErrNotFound           = errors.New("user not found")
	ErrUserExists         = errors.New("user exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrWeakPassword       = errors.New("password must be at least 6 characters")
	ErrInvalidEmail       = errors.New("email is invalid")
)

// User represents a registered principal.
type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash []byte
	Role         string
	CreatedAt    time.Time
}

// Privileged reports whether the user may reach step-up protected actions.
func (u User) Privileged() bool {
	return u.Role == RolePrivileged
}

// RegisterInput carries sign-up fields.
type RegisterInput struct {
	Name     string
	Email    string
	Password string
	Role     string
}
