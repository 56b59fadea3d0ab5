package email

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is shared; validator.Validate caches rules and is safe for
// concurrent use.
var validate = validator.New()

// Address is a recipient or sender: a mailbox with an optional display name.
// Build one with Bare or Named.
type Address struct {
	Name  string
	Email string
}

// Bare returns an Address without a display name.
func Bare(email string) Address {
	return Address{Email: email}
}

// Named returns an Address carrying a display name.
func Named(name, email string) Address {
	return Address{Name: name, Email: email}
}

// String formats the address for a header: `"Name" <addr>` or `<addr>`.
func (a Address) String() string {
	if a.Name == "" {
		return "<" + a.Email + ">"
	}
	return `"` + quoteName(a.Name) + `" <` + a.Email + ">"
}

// Validate checks the address part of a.
func (a Address) Validate() error {
	return ValidateAddress(a.Email)
}

// ValidateAddress reports whether s has the shape of an email address.
func ValidateAddress(s string) error {
	if err := validate.Var(s, "required,email"); err != nil {
		return &InvalidAddressError{Address: s}
	}
	return nil
}

// quoteName escapes backslashes and double quotes so the name can sit
// inside a quoted-string.
func quoteName(name string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return r.Replace(name)
}
