package auth

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	ErrProviderDenied         = errors.New("provider denied authorization")
	ErrInvalidOrExpiredState  = errors.New("invalid or expired state")
	ErrMissingCode            = errors.New("authorization code missing from callback")
	ErrProviderRejected       = errors.New("provider rejected token request")
	ErrChallengeMismatch      = errors.New("provider rejected code verifier")
	ErrExchangeTransport      = errors.New("token endpoint unreachable")
	ErrNoSessionAfterExchange = errors.New("no session after token exchange")
	ErrStateExists            = errors.New("state already exists")
)

// ErrorKind is the stable, loggable name of a flow failure.
type ErrorKind string

const (
	KindProviderDenied         ErrorKind = "provider_denied"
	KindInvalidOrExpiredState  ErrorKind = "invalid_state"
	KindMissingCode            ErrorKind = "no_code"
	KindProviderRejected       ErrorKind = "provider_error"
	KindChallengeMismatch      ErrorKind = "challenge_mismatch"
	KindExchangeTransport      ErrorKind = "exchange_failed"
	KindNoSessionAfterExchange ErrorKind = "no_session"
	KindInternal               ErrorKind = "internal_error"
)

const maxDescriptionLength = 200

// FlowError is returned by every failing step of the login flow. Code is
// safe to show to the user; for provider errors it is the provider's own
// OAuth error code.
type FlowError struct {
	Kind        ErrorKind
	Code        string
	Description string
	Err         error
}

func (e *FlowError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s (%s): %s", e.Err, e.Code, e.Description)
	}
	return fmt.Sprintf("%s (%s)", e.Err, e.Code)
}

func (e *FlowError) Unwrap() error { return e.Err }

// UserMessage is the text rendered on the login page.
func (e *FlowError) UserMessage() string {
	if e.Description != "" {
		return e.Description
	}
	switch e.Kind {
	case KindProviderDenied:
		return "Sign-in was cancelled or denied by the provider."
	case KindInvalidOrExpiredState, KindMissingCode:
		return "Your sign-in attempt expired or was already used. Please try again."
	case KindExchangeTransport:
		return "The identity provider could not be reached. Please try again."
	case KindProviderRejected, KindChallengeMismatch:
		return "The identity provider rejected the sign-in. Please try again."
	default:
		return "Sign-in failed. Please try again."
	}
}

func newFlowError(kind ErrorKind, sentinel error, code, description string) *FlowError {
	if code == "" {
		code = string(kind)
	}
	return &FlowError{
		Kind:        kind,
		Code:        SanitizeCode(code),
		Description: SanitizeDescription(description),
		Err:         sentinel,
	}
}

// AsFlowError unwraps err into a FlowError, wrapping unknown errors as internal.
func AsFlowError(err error) *FlowError {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe
	}
	return &FlowError{Kind: KindInternal, Code: string(KindInternal), Err: err}
}

// SanitizeCode keeps an OAuth error code to the RFC 6749 error charset and
// a bounded length.
func SanitizeCode(code string) string {
	var b strings.Builder
	for _, r := range code {
		if r >= 0x20 && r <= 0x7e && r != '"' && r != '\\' {
			b.WriteRune(r)
		}
		if b.Len() >= 64 {
			break
		}
	}
	if b.Len() == 0 {
		return string(KindInternal)
	}
	return b.String()
}

// SanitizeDescription strips control characters and truncates provider text
// before it is echoed to the user.
func SanitizeDescription(desc string) string {
	desc = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, strings.TrimSpace(desc))
	if len(desc) > maxDescriptionLength {
		cut := maxDescriptionLength
		for cut > 0 && !utf8.RuneStart(desc[cut]) {
			cut--
		}
		desc = desc[:cut] + "..."
	}
	return desc
}
