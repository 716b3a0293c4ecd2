package types

import (
	"context"
	"errors"
	"fmt"
)

// FhevmError is a classified failure carrying its underlying cause.
type FhevmError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *FhevmError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *FhevmError) Unwrap() error {
	return e.Cause
}

// Is matches another *FhevmError by code so callers can test against the
// sentinel values below.
func (e *FhevmError) Is(target error) bool {
	t, ok := target.(*FhevmError)
	return ok && t.Message == "" && t.Code == e.Code
}

// Error codes
const (
	ErrCodeClassificationFailed = "CLASSIFICATION_FAILED"
	ErrCodeLoadFailed           = "LOAD_FAILED"
	ErrCodeLoadTimeout          = "LOAD_TIMEOUT"
	ErrCodeInitFailed           = "INIT_FAILED"
	ErrCodeRuntimeCreation      = "RUNTIME_CREATION_FAILED"
	ErrCodeSignatureRejected    = "SIGNATURE_REJECTED"
	ErrCodeDecryptionFailed     = "DECRYPTION_FAILED"
	ErrCodeInvalidArgument      = "INVALID_ARGUMENT"
	ErrCodeConfig               = "CONFIG_ERROR"
)

// Sentinels for errors.Is. Only the code is compared.
var (
	ErrClassificationFailed = &FhevmError{Code: ErrCodeClassificationFailed}
	ErrLoadFailed           = &FhevmError{Code: ErrCodeLoadFailed}
	ErrLoadTimeout          = &FhevmError{Code: ErrCodeLoadTimeout}
	ErrInitFailed           = &FhevmError{Code: ErrCodeInitFailed}
	ErrRuntimeCreation      = &FhevmError{Code: ErrCodeRuntimeCreation}
	ErrSignatureRejected    = &FhevmError{Code: ErrCodeSignatureRejected}
	ErrDecryptionFailed     = &FhevmError{Code: ErrCodeDecryptionFailed}
	ErrInvalidArgument      = &FhevmError{Code: ErrCodeInvalidArgument}
	ErrConfig               = &FhevmError{Code: ErrCodeConfig}
)

// NewError builds a classified error.
func NewError(code string, cause error, format string, args ...any) *FhevmError {
	return &FhevmError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// ErrCancelled marks a superseded or cancelled operation. It is never a
// user-visible failure.
var ErrCancelled = errors.New("fhevm operation was cancelled")

// IsCancelled reports whether err is a cancellation rather than a failure.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// CheckCancelled returns ErrCancelled once ctx is done.
func CheckCancelled(ctx context.Context) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
	}
	return nil
}
