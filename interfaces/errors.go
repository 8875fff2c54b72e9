package interfaces

import (
	"errors"
	"fmt"
)

// Kind groups error codes for programmatic handling.
type Kind string

const (
	KindPolicy     Kind = "Policy"
	KindRecovery   Kind = "RecoveryCredential"
	KindCapability Kind = "Capability"
	KindTransient  Kind = "Transient"
	KindState      Kind = "State"
	KindValidation Kind = "Validation"
	KindInternal   Kind = "Internal"
)

// Code is the closed set of domain error codes. Codes are stable across
// versions and cross the wire unchanged.
type Code int

const (
	CodeUnknown Code = iota
	CodePolicyUnknown
	CodeModelNotFound
	CodeIntroductionNotAllowed
	CodeUntrustedRecoveryKeys
	CodeRecoveryKeyMalformed
	CodeRecoveryKeyIncorrect
	CodeNotEnrolled
	CodeOperationUnavailableOnLimitedPeer
	CodeTransientFailure
	CodeOperationSuperseded
	CodeNotTrusted
	CodeNotPrepared
	CodeAlreadyEstablished
	CodeNoSuchPeer
	CodeInvalidSignature
	CodeInvalidArgument
)

var codeNames = map[Code]string{
	CodeUnknown:                           "Unknown",
	CodePolicyUnknown:                     "PolicyUnknown",
	CodeModelNotFound:                     "ModelNotFound",
	CodeIntroductionNotAllowed:            "IntroductionNotAllowed",
	CodeUntrustedRecoveryKeys:             "UntrustedRecoveryKeys",
	CodeRecoveryKeyMalformed:              "RecoveryKeyMalformed",
	CodeRecoveryKeyIncorrect:              "RecoveryKeyIncorrect",
	CodeNotEnrolled:                       "NotEnrolled",
	CodeOperationUnavailableOnLimitedPeer: "OperationUnavailableOnLimitedPeer",
	CodeTransientFailure:                  "TransientFailure",
	CodeOperationSuperseded:               "OperationSuperseded",
	CodeNotTrusted:                        "NotTrusted",
	CodeNotPrepared:                       "NotPrepared",
	CodeAlreadyEstablished:                "AlreadyEstablished",
	CodeNoSuchPeer:                        "NoSuchPeer",
	CodeInvalidSignature:                  "InvalidSignature",
	CodeInvalidArgument:                   "InvalidArgument",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// ParseCode is the inverse of Code.String. Unrecognized names map to
// CodeUnknown.
func ParseCode(name string) Code {
	for code, n := range codeNames {
		if n == name {
			return code
		}
	}
	return CodeUnknown
}

// Kind returns the category the code belongs to.
func (c Code) Kind() Kind {
	switch c {
	case CodePolicyUnknown, CodeModelNotFound, CodeIntroductionNotAllowed:
		return KindPolicy
	case CodeUntrustedRecoveryKeys, CodeRecoveryKeyMalformed, CodeRecoveryKeyIncorrect, CodeNotEnrolled:
		return KindRecovery
	case CodeOperationUnavailableOnLimitedPeer:
		return KindCapability
	case CodeTransientFailure:
		return KindTransient
	case CodeOperationSuperseded, CodeNotTrusted, CodeNotPrepared, CodeAlreadyEstablished, CodeNoSuchPeer:
		return KindState
	case CodeInvalidSignature, CodeInvalidArgument:
		return KindValidation
	default:
		return KindInternal
	}
}

// Error is the structured domain error.
//
// Message is intended for humans; branch on Code or Kind instead.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches any *Error carrying the same code, so the sentinels below work
// with errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// NewError creates a structured error with a formatted message.
func NewError(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a structured error around a cause.
func WrapError(code Code, cause error, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

var (
	ErrPolicyUnknown                     = &Error{Code: CodePolicyUnknown, Message: "policy version unknown"}
	ErrModelNotFound                     = &Error{Code: CodeModelNotFound, Message: "model not found in policy"}
	ErrIntroductionNotAllowed            = &Error{Code: CodeIntroductionNotAllowed, Message: "sponsor category may not introduce candidate"}
	ErrUntrustedRecoveryKeys             = &Error{Code: CodeUntrustedRecoveryKeys, Message: "recovery keys are not trusted"}
	ErrRecoveryKeyMalformed              = &Error{Code: CodeRecoveryKeyMalformed, Message: "recovery key malformed"}
	ErrRecoveryKeyIncorrect              = &Error{Code: CodeRecoveryKeyIncorrect, Message: "recovery key incorrect"}
	ErrNotEnrolled                       = &Error{Code: CodeNotEnrolled, Message: "no credential enrolled"}
	ErrOperationUnavailableOnLimitedPeer = &Error{Code: CodeOperationUnavailableOnLimitedPeer, Message: "operation unavailable on limited peer"}
	ErrTransientFailure                  = &Error{Code: CodeTransientFailure, Message: "transient failure"}
	ErrOperationSuperseded               = &Error{Code: CodeOperationSuperseded, Message: "operation superseded by a reset"}
	ErrNotTrusted                        = &Error{Code: CodeNotTrusted, Message: "local peer is not trusted"}
	ErrNotPrepared                       = &Error{Code: CodeNotPrepared, Message: "no prepared identity"}
	ErrAlreadyEstablished                = &Error{Code: CodeAlreadyEstablished, Message: "account already has peers"}
	ErrNoSuchPeer                        = &Error{Code: CodeNoSuchPeer, Message: "no such peer"}
	ErrInvalidSignature                  = &Error{Code: CodeInvalidSignature, Message: "invalid signature"}
	ErrInvalidArgument                   = &Error{Code: CodeInvalidArgument, Message: "invalid argument"}
)

// CodeOf returns the code of the first structured error in err's chain.
func CodeOf(err error) Code {
	var e *Error
	if !errors.As(err, &e) {
		return CodeUnknown
	}
	return e.Code
}

// IsKind reports whether err is (or wraps) a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code.Kind() == kind
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return IsKind(err, KindTransient)
}
