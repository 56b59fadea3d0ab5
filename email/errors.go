package email

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAddress is matched by every *InvalidAddressError.
	ErrInvalidAddress = errors.New("invalid email address")

	// ErrAlreadySent is returned when a message is handed to Send twice.
	ErrAlreadySent = errors.New("message already sent")

	// ErrNoRecipients is returned when a message has no to, cc or bcc.
	ErrNoRecipients = errors.New("message has no recipients")
)

// InvalidAddressError identifies the address that failed validation.
type InvalidAddressError struct {
	Address string
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("the following email address is invalid: %q", e.Address)
}

// Is makes errors.Is(err, ErrInvalidAddress) true.
func (e *InvalidAddressError) Is(target error) bool {
	return target == ErrInvalidAddress
}
