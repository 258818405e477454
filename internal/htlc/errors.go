package htlc

import (
	"errors"
	"fmt"
)

// Code is the numeric result code of a rejected call. Contract codes match the deployed
// contracts; transfer codes are the asset primitives' codes moved into their own range.
type Code uint32

// Error is a coded protocol error. Every rejected transition returns one of the values below.
type Error struct {
	Code Code
	Name string
	msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (err u%d)", e.msg, e.Code)
}

// Is matches errors by code so wrapped or decoded copies compare equal.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var registry = make(map[Code]*Error)

func newError(code Code, name, msg string) *Error {
	e := &Error{Code: code, Name: name, msg: msg}
	registry[code] = e
	return e
}

// Contract errors.
var (
	ErrInvalidHashLength    = newError(1000, "InvalidHashLength", "invalid hash length")
	ErrExpiryInPast         = newError(1001, "ExpiryInPast", "expiry in the past")
	ErrSwapAlreadyExists    = newError(1002, "SwapAlreadyExists", "swap intent already exists")
	ErrUnknownSwap          = newError(1003, "UnknownSwap", "unknown swap")
	ErrSwapExpired          = newError(1004, "SwapExpired", "swap intent expired")
	ErrSwapNotExpired       = newError(1005, "SwapNotExpired", "swap intent not expired")
	ErrInvalidAssetContract = newError(1006, "InvalidAssetContract", "invalid asset contract")
	ErrAssetNotWhitelisted  = newError(1007, "AssetNotWhitelisted", "asset contract not whitelisted")
	ErrOwnerOnly            = newError(1008, "OwnerOnly", "owner only")
)

// Asset transfer errors.
var (
	ErrInsufficientBalance = newError(2001, "InsufficientBalance", "insufficient balance")
	ErrNonPositiveAmount   = newError(2003, "NonPositiveAmount", "non-positive amount")
	ErrNotOwner            = newError(2101, "NotOwner", "sender does not own token")
)

// Lookup returns the error registered under code.
func Lookup(code Code) (*Error, bool) {
	e, ok := registry[code]
	return e, ok
}

// LookupName returns the error registered under name.
func LookupName(name string) (*Error, bool) {
	for _, e := range registry {
		if e.Name == name {
			return e, true
		}
	}
	return nil, false
}

// AsError extracts the coded error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
