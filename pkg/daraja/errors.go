/**
 * @description
 * This file defines the error taxonomy for the Daraja client. Validation errors
 * are raised before any network attempt, authentication errors come from the
 * token exchange, and GatewayCallError is the terminal error after the
 * dispatcher has exhausted its retries.
 *
 * @dependencies
 * - errors, fmt: Standard Go libraries.
 */

package daraja

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPhoneNumber is returned when a phone number cannot be normalized
	// to the 254[17]XXXXXXXX format M-Pesa expects.
	ErrInvalidPhoneNumber = errors.New("invalid phone number format, expected 07XXXXXXXX or +2547XXXXXXXX")

	// ErrAmountOutOfRange is returned when an amount is non-positive or exceeds
	// the provider ceiling.
	ErrAmountOutOfRange = errors.New("amount must be between 1 and 70000")

	// ErrAuthenticationFailed wraps any failure of the OAuth token exchange.
	ErrAuthenticationFailed = errors.New("mpesa authentication failed")

	// ErrSecurityCredentialUnavailable is returned when neither a pre-encrypted
	// security credential nor an initiator password with a provider certificate
	// has been configured.
	ErrSecurityCredentialUnavailable = errors.New("security credential not configured")
)

// GatewayCallError is the terminal error returned by the dispatcher once all
// retry attempts have been used up. It carries the last underlying cause and,
// for non-2xx responses, the last HTTP status observed.
type GatewayCallError struct {
	Attempts   int
	LastStatus int
	Cause      error
}

func (e *GatewayCallError) Error() string {
	if e.LastStatus != 0 {
		return fmt.Sprintf("mpesa gateway call failed after %d attempts (last status %d): %v", e.Attempts, e.LastStatus, e.Cause)
	}
	return fmt.Sprintf("mpesa gateway call failed after %d attempts: %v", e.Attempts, e.Cause)
}

func (e *GatewayCallError) Unwrap() error { return e.Cause }

// IsValidation reports whether err belongs to the pre-dispatch validation
// class. Validation failures never reach the network.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidPhoneNumber) || errors.Is(err, ErrAmountOutOfRange)
}
