package models

import (
	"errors"
	"strings"
)

var (
	ErrConfigMissing       = errors.New("provider config missing")
	ErrNotConnected        = errors.New("provider not connected")
	ErrConnectFailed       = errors.New("connect failed")
	ErrSubscribeFailed     = errors.New("subscribe failed")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrInvalidCondition    = errors.New("invalid condition")
	ErrSerializationFailed = errors.New("serialization failed")
)

// Error carries the taxonomy kind of a failure together with its detail.
// errors.Is matches both the kind and the wrapped cause.
type Error struct {
	Kind     error
	Provider string
	Detail   string
	Err      error
}

// NewError builds an Error of the given kind.
func NewError(kind error, provider, detail string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Detail: detail, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Provider != "" {
		b.WriteString(" [")
		b.WriteString(e.Provider)
		b.WriteString("]")
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func ConfigMissing(provider string) error {
	return NewError(ErrConfigMissing, provider, "", nil)
}

func NotConnected(provider string) error {
	return NewError(ErrNotConnected, provider, "", nil)
}

func ConnectFailed(provider string, err error) error {
	return NewError(ErrConnectFailed, provider, "", err)
}

func SubscribeFailed(provider, detail string, err error) error {
	return NewError(ErrSubscribeFailed, provider, detail, err)
}

func StoreUnavailable(detail string, err error) error {
	return NewError(ErrStoreUnavailable, "", detail, err)
}

func InvalidCondition(detail string) error {
	return NewError(ErrInvalidCondition, "", detail, nil)
}
