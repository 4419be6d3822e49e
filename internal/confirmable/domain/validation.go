package domain

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

var (
	errPhoneBlank   = errors.New("can't be blank")
	errPhoneInvalid = errors.New("is invalid")
)

// NormalizePhone trims surrounding whitespace.
func NormalizePhone(phone string) string {
	return strings.TrimSpace(phone)
}

// ValidatePhone checks presence and E.164 format. The returned error text is safe to show;
// it never contains the phone itself.
func ValidatePhone(phone string) error {
	if phone == "" {
		return errPhoneBlank
	}
	if err := validate.Var(phone, "e164"); err != nil {
		return errPhoneInvalid
	}
	return nil
}
