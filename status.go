// SPDX-License-Identifier: Apache-2.0

package sspi

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass groups status codes by how a caller is expected to react to them.
type ErrorClass int

const (
	ClassNone     ErrorClass = iota
	ClassConfig              // unknown package, unsupported direction: fix the call
	ClassProtocol            // malformed or truncated token, sequence violation, replay
	ClassCrypto              // signature/verification failure, unsupported cipher
	ClassState               // call made in the wrong context state
	ClassResource            // allocation failure or buffer too small: retry with more room
)

func (c ErrorClass) String() string {
	switch c {
	case ClassConfig:
		return "configuration error"
	case ClassProtocol:
		return "protocol error"
	case ClassCrypto:
		return "cryptographic error"
	case ClassState:
		return "state error"
	case ClassResource:
		return "resource error"
	}

	return "no error"
}

// StatusCode values follow the SEC_E_* codes where one exists.  Engine specific conditions
// without a Windows equivalent use the 0x8009F0xx range.
type StatusCode uint32

const (
	statusOK                   StatusCode = 0x00000000
	statusInsufficientMemory   StatusCode = 0x80090300
	statusInvalidHandle        StatusCode = 0x80090301
	statusUnsupportedFunction  StatusCode = 0x80090302
	statusTargetUnknown        StatusCode = 0x80090303
	statusInternalError        StatusCode = 0x80090304
	statusPackageNotFound      StatusCode = 0x80090305
	statusNotOwner             StatusCode = 0x80090306
	statusInvalidToken         StatusCode = 0x80090308
	statusQopNotSupported      StatusCode = 0x8009030A
	statusLogonDenied          StatusCode = 0x8009030C
	statusUnknownCredentials   StatusCode = 0x8009030D
	statusNoCredentials        StatusCode = 0x8009030E
	statusMessageAltered       StatusCode = 0x8009030F
	statusOutOfSequence        StatusCode = 0x80090310
	statusContextExpired       StatusCode = 0x80090317
	statusIncompleteMessage    StatusCode = 0x80090318
	statusBufferTooSmall       StatusCode = 0x80090321
	statusWrongPrincipal       StatusCode = 0x80090322
	statusUntrustedRoot        StatusCode = 0x80090325
	statusDecryptFailure       StatusCode = 0x80090330
	statusCryptoSystemInvalid  StatusCode = 0x80090337
	statusBadBindings          StatusCode = 0x80090346
	statusNoSuchLogonSession   StatusCode = 0xC000005F
	statusUnsupportedDirection StatusCode = 0x8009F001
	statusAlreadyComplete      StatusCode = 0x8009F002
	statusNotEstablished       StatusCode = 0x8009F003
	statusSequence             StatusCode = 0x8009F004
	statusSequenceExhausted    StatusCode = 0x8009F005
	statusConcurrentCall       StatusCode = 0x8009F006
	statusCredentialReleased   StatusCode = 0x8009F007
	statusUnavailable          StatusCode = 0x8009F008
	statusInvalidParameter     StatusCode = 0x8009035D
)

// Error variables corresponding to the status codes.  These implement the error interface
// and are returned by Status.Unwrap() so that errors.Is() can be used against any error returned
// by the engine.

var ErrInsufficientMemory = errors.New("not enough memory is available to complete the request")
var ErrInvalidHandle = errors.New("the handle specified is invalid")
var ErrUnsupportedFunction = errors.New("the function requested is not supported")
var ErrTargetUnknown = errors.New("the specified target is unknown or unreachable")
var ErrInternal = errors.New("the security package reported an internal error")
var ErrPackageNotFound = errors.New("the requested security package does not exist")
var ErrUnknownPackage = ErrPackageNotFound // ErrUnknownPackage is an alias for ErrPackageNotFound
var ErrNotOwner = errors.New("the caller is not the owner of the desired buffer")
var ErrInvalidToken = errors.New("the token supplied to the function is invalid")
var ErrQopNotSupported = errors.New("the per-message quality of protection is not supported by the security package")
var ErrLogonDenied = errors.New("the logon attempt failed")
var ErrUnknownCredentials = errors.New("the credentials supplied to the package were not recognized")
var ErrNoCredentials = errors.New("no credentials are available in the security package")
var ErrMessageAltered = errors.New("the message or signature supplied for verification has been altered")
var ErrOutOfSequence = errors.New("the message supplied for verification is out of sequence")
var ErrContextExpired = errors.New("the context has expired and can no longer be used")
var ErrIncompleteMessage = errors.New("the supplied message is incomplete")
var ErrBufferTooSmall = errors.New("the buffers supplied to a function was too small")
var ErrWrongPrincipal = errors.New("the target principal name is incorrect")
var ErrUntrustedPeer = errors.New("the peer is not trusted")
var ErrDecryptFailure = errors.New("the specified data could not be decrypted")
var ErrUnsupportedCipher = errors.New("the cipher negotiated is not supported")
var ErrBadBindings = errors.New("the client and server channel bindings differ")
var ErrNoSuchLogonSession = errors.New("a specified logon session does not exist")
var ErrUnsupportedDirection = errors.New("the security package does not support the requested credential direction")
var ErrAlreadyComplete = errors.New("the security context is already established")
var ErrNotEstablished = errors.New("the security context is not established")
var ErrSequence = errors.New("the message sequence number was already used")
var ErrSequenceExhausted = errors.New("the message sequence number space is exhausted, renegotiate the context")
var ErrConcurrentCall = errors.New("another negotiation call is in progress on the context")
var ErrCredentialReleased = errors.New("the credential has been released")
var ErrUnavailable = errors.New("the requested attribute is not available")
var ErrInvalidParameter = errors.New("one or more of the parameters passed to the function was invalid")

type statusEntry struct {
	err   error
	class ErrorClass
}

var statusTable = map[StatusCode]statusEntry{
	statusInsufficientMemory:   {ErrInsufficientMemory, ClassResource},
	statusInvalidHandle:        {ErrInvalidHandle, ClassState},
	statusUnsupportedFunction:  {ErrUnsupportedFunction, ClassConfig},
	statusTargetUnknown:        {ErrTargetUnknown, ClassConfig},
	statusInternalError:        {ErrInternal, ClassProtocol},
	statusPackageNotFound:      {ErrPackageNotFound, ClassConfig},
	statusNotOwner:             {ErrNotOwner, ClassState},
	statusInvalidToken:         {ErrInvalidToken, ClassProtocol},
	statusQopNotSupported:      {ErrQopNotSupported, ClassCrypto},
	statusLogonDenied:          {ErrLogonDenied, ClassCrypto},
	statusUnknownCredentials:   {ErrUnknownCredentials, ClassConfig},
	statusNoCredentials:        {ErrNoCredentials, ClassConfig},
	statusMessageAltered:       {ErrMessageAltered, ClassCrypto},
	statusOutOfSequence:        {ErrOutOfSequence, ClassProtocol},
	statusContextExpired:       {ErrContextExpired, ClassState},
	statusIncompleteMessage:    {ErrIncompleteMessage, ClassResource},
	statusBufferTooSmall:       {ErrBufferTooSmall, ClassResource},
	statusWrongPrincipal:       {ErrWrongPrincipal, ClassCrypto},
	statusUntrustedRoot:        {ErrUntrustedPeer, ClassCrypto},
	statusDecryptFailure:       {ErrDecryptFailure, ClassCrypto},
	statusCryptoSystemInvalid:  {ErrUnsupportedCipher, ClassCrypto},
	statusBadBindings:          {ErrBadBindings, ClassCrypto},
	statusNoSuchLogonSession:   {ErrNoSuchLogonSession, ClassConfig},
	statusUnsupportedDirection: {ErrUnsupportedDirection, ClassConfig},
	statusAlreadyComplete:      {ErrAlreadyComplete, ClassState},
	statusNotEstablished:       {ErrNotEstablished, ClassState},
	statusSequence:             {ErrSequence, ClassProtocol},
	statusSequenceExhausted:    {ErrSequenceExhausted, ClassProtocol},
	statusConcurrentCall:       {ErrConcurrentCall, ClassState},
	statusCredentialReleased:   {ErrCredentialReleased, ClassState},
	statusUnavailable:          {ErrUnavailable, ClassState},
	statusInvalidParameter:     {ErrInvalidParameter, ClassConfig},
}

// Status is the error type returned by the engine.  It carries the status code, the class
// of the failure and any errors reported by the security package.
//
// Status.Unwrap() returns the sentinel error for the code followed by the package errors,
// so both errors.Is(err, ErrMessageAltered) and errors.Is(err, somePackageError) work.
type Status struct {
	Code       StatusCode // The status code
	Required   int        // For ClassResource errors: the number of bytes required, if known
	MechErrors []error    // Errors reported by the security package
}

func newStatus(code StatusCode, mechErrs ...error) *Status {
	s := &Status{Code: code}
	for _, e := range mechErrs {
		if e != nil {
			s.MechErrors = append(s.MechErrors, e)
		}
	}

	return s
}

func newResourceStatus(code StatusCode, required int) *Status {
	return &Status{Code: code, Required: required}
}

// Fatal returns the sentinel error matching the status code
func (s *Status) Fatal() error {
	entry, ok := statusTable[s.Code]
	if !ok {
		return ErrInternal
	}

	return entry.err
}

// Class returns the error class of the status code
func (s *Status) Class() ErrorClass {
	if s.Code == statusOK {
		return ClassNone
	}

	entry, ok := statusTable[s.Code]
	if !ok {
		return ClassProtocol
	}

	return entry.class
}

func (s *Status) Unwrap() []error {
	ret := []error{}

	if s.Code != statusOK {
		ret = append(ret, s.Fatal())
	}

	return append(ret, s.MechErrors...)
}

func (s *Status) Error() string {
	var parts []string

	if s.Code != statusOK {
		parts = append(parts, s.Fatal().Error())
	}

	if s.Required > 0 {
		parts = append(parts, fmt.Sprintf("%d bytes required", s.Required))
	}

	if len(s.MechErrors) > 0 {
		mechStrs := make([]string, len(s.MechErrors))
		for i, e := range s.MechErrors {
			mechStrs[i] = e.Error()
		}
		parts = append(parts, strings.Join(mechStrs, "; "))
	}

	return strings.Join(parts, ": ")
}

// ClassOf returns the error class of err.  Errors that are not (and do not wrap) engine
// status errors or sentinels are reported as ClassProtocol, as they originate in a package.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}

	code, s, ok := outermost(err)
	switch {
	case s != nil:
		return s.Class()
	case ok:
		return statusTable[code].class
	}

	return ClassProtocol
}

// IsTerminal reports whether err terminates the security context it was returned for.
func IsTerminal(err error) bool {
	c := ClassOf(err)
	return c == ClassProtocol || c == ClassCrypto
}

// RequiredSize returns the buffer size reported by a ClassResource error.
func RequiredSize(err error) (int, bool) {
	var s *Status
	if errors.As(err, &s) && s.Required > 0 {
		return s.Required, true
	}

	return 0, false
}

// asStatus converts an error reported by a package into a *Status.  Package errors that
// wrap one of the sentinels keep that code; anything else becomes fallback.
func asStatus(err error, fallback StatusCode) *Status {
	code, s, ok := outermost(err)
	switch {
	case s != nil:
		return s
	case !ok:
		return newStatus(fallback, err)
	case err == statusTable[code].err:
		return newStatus(code)
	}

	return newStatus(code, err)
}

var sentinelCodes = func() map[error]StatusCode {
	m := make(map[error]StatusCode, len(statusTable))
	for code, entry := range statusTable {
		m[entry.err] = code
	}
	return m
}()

// outermost walks the tree of err depth first, outer errors before the errors they wrap,
// and returns the first *Status or sentinel it finds.  Errors joined at one level are
// visited in order.
func outermost(err error) (StatusCode, *Status, bool) {
	if err == nil {
		return 0, nil, false
	}

	if s, ok := err.(*Status); ok {
		return s.Code, s, true
	}
	if code, ok := sentinelCodes[err]; ok {
		return code, nil, true
	}

	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return outermost(u.Unwrap())
	case interface{ Unwrap() []error }:
		for _, e := range u.Unwrap() {
			if code, s, ok := outermost(e); ok {
				return code, s, true
			}
		}
	}

	return 0, nil, false
}
