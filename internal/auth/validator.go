package auth

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Username string `json:"username" validate:"required,min=3,max=32,alphanumunicode"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Username string `json:"username" validate:"required,min=3"`
	Password string `json:"password" validate:"required"`
}

// ValidationError describes the first invalid field of a form.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ValidateRegister checks a registration form after trimming the email and
// username.
func ValidateRegister(req *RegisterRequest) error {
	req.Email = strings.TrimSpace(req.Email)
	req.Username = strings.TrimSpace(req.Username)
	return check(req)
}

// ValidateLogin checks a login form after trimming the username.
func ValidateLogin(req *LoginRequest) error {
	req.Username = strings.TrimSpace(req.Username)
	return check(req)
}

func check(req interface{}) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	fe := fieldErrs[0]
	return &ValidationError{Field: fe.Field(), Message: message(fe)}
}

func message(fe validator.FieldError) string {
	switch fe.Field() {
	case "Email":
		return "Invalid email address"
	case "Username":
		switch fe.Tag() {
		case "max":
			return "Username must be at most 32 characters long"
		case "alphanumunicode":
			return "Username may only contain letters and digits"
		default:
			return "Username must be at least 3 characters long"
		}
	case "Password":
		switch fe.Tag() {
		case "required":
			return "Password is required"
		case "max":
			return "Password must be at most 72 characters long"
		default:
			return "Password must be at least 6 characters long"
		}
	}
	return fe.Field() + " is invalid"
}
