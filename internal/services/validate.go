package services

import (
	"errors"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/unicode/norm"
)

// MaxIdentityLen bounds identities after normalization.
const MaxIdentityLen = 64

var validate = validator.New(validator.WithRequiredStructEnabled())

func init() {
	_ = validate.RegisterValidation("identity", func(fl validator.FieldLevel) bool {
		return !strings.ContainsFunc(fl.Field().String(), unicode.IsSpace)
	})
}

// NormalizeIdentity trims surrounding space and applies Unicode NFC so that
// visually identical usernames map to the same participant.
func NormalizeIdentity(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

type identityInput struct {
	Identity string `validate:"required,max=64,identity"`
}

type pairInput struct {
	From string `validate:"required,max=64,identity"`
	To   string `validate:"required,max=64,identity,nefield=From"`
}

// checkIdentity normalizes and validates a single identity.
func checkIdentity(field, raw string) (string, error) {
	in := identityInput{Identity: NormalizeIdentity(raw)}
	if err := validate.Struct(in); err != nil {
		return "", fieldError(field, err)
	}
	return in.Identity, nil
}

// checkPair normalizes and validates a sender/receiver pair.
func checkPair(from, to string) (string, string, error) {
	in := pairInput{From: NormalizeIdentity(from), To: NormalizeIdentity(to)}
	if err := validate.Struct(in); err != nil {
		var ves validator.ValidationErrors
		if errors.As(err, &ves) && len(ves) > 0 {
			name := "sender"
			if ves[0].Field() == "To" {
				name = "receiver"
			}
			return "", "", fieldError(name, err)
		}
		return "", "", fieldError("identity", err)
	}
	return in.From, in.To, nil
}

// fieldError converts validator output into a ValidationError for field.
func fieldError(field string, err error) error {
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) || len(ves) == 0 {
		return invalid(field, err.Error())
	}
	switch ves[0].Tag() {
	case "required":
		return invalid(field, "is required")
	case "max":
		return invalid(field, "is too long")
	case "identity":
		return invalid(field, "must not contain whitespace")
	case "nefield":
		return invalid(field, "must differ from sender")
	case "oneof":
		return invalid(field, "is not a known value")
	default:
		return invalid(field, ves[0].Tag())
	}
}
