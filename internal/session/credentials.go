package session

import (
	"fmt"
	"strings"
)

const MinPasswordLength = 6

type Mode string

const (
	ModeLogin    Mode = "login"
	ModeRegister Mode = "register"
)

type Credentials struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password,omitempty"`
}

func (c Credentials) normalizedEmail() string {
	return strings.TrimSpace(c.Email)
}

// Validate applies the form rules checked before any network call.
func (c Credentials) Validate(mode Mode) error {
	if c.normalizedEmail() == "" {
		return &AuthError{Message: "Email is required"}
	}
	if c.Password == "" {
		return &AuthError{Message: "Password is required"}
	}
	if mode == ModeRegister {
		if len(c.Password) < MinPasswordLength {
			return &AuthError{Message: fmt.Sprintf("Password must be at least %d characters", MinPasswordLength)}
		}
		if c.Password != c.ConfirmPassword {
			return &AuthError{Message: "Passwords do not match"}
		}
	}
	return nil
}

// AuthError carries a message fit for the user. Err is the backend error, if
// any, behind it.
type AuthError struct {
	Message string
	Err     error
}

func (e *AuthError) Error() string { return e.Message }

func (e *AuthError) Unwrap() error { return e.Err }

func authErrorMessage(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Invalid login credentials"), strings.Contains(msg, "invalid_credentials"):
		return "Invalid email or password."
	case strings.Contains(msg, "Email not confirmed"):
		return "Please confirm your email. Check your inbox for the confirmation link."
	case strings.Contains(msg, "User already registered"):
		return "An account with this email already exists. Try logging in."
	case strings.Contains(msg, "Password"):
		return msg
	case msg != "":
		return msg
	}
	return "Something went wrong. Please try again."
}
