package tradeerr

import (
	"errors"
	"fmt"
)

// Error kinds. Callers match them with errors.Is.
var (
	ErrWalletNotConnected    = errors.New("wallet not connected")
	ErrUserRejectedSigning   = errors.New("user rejected signing")
	ErrChainCallReverted     = errors.New("chain call reverted")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrQuoteUnavailable      = errors.New("quote unavailable")
	ErrInvalidDomainInput    = errors.New("invalid domain input")
)

var kinds = []error{
	ErrWalletNotConnected,
	ErrUserRejectedSigning,
	ErrChainCallReverted,
	ErrInsufficientAllowance,
	ErrQuoteUnavailable,
	ErrInvalidDomainInput,
}

// Error attaches a kind and the failing operation to an underlying cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New wraps err with kind. If err already carries a kind it is returned
// unchanged so the innermost classification wins.
func New(kind error, op string, err error) error {
	if err != nil && KindOf(err) != nil {
		if op == "" {
			return err
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind sentinel carried by err, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Code is a stable, machine-readable name for the kind carried by err.
func Code(err error) string {
	switch KindOf(err) {
	case ErrWalletNotConnected:
		return "wallet_not_connected"
	case ErrUserRejectedSigning:
		return "user_rejected_signing"
	case ErrChainCallReverted:
		return "chain_call_reverted"
	case ErrInsufficientAllowance:
		return "insufficient_allowance"
	case ErrQuoteUnavailable:
		return "quote_unavailable"
	case ErrInvalidDomainInput:
		return "invalid_domain_input"
	default:
		return "internal"
	}
}
