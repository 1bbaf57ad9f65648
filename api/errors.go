package api

import (
	"errors"
)

var (
	// ErrParse a value cannot be encoded by an attribute
	ErrParse = errors.New("parse error")
	// ErrInvalidCategory an unseen class label was found while training
	ErrInvalidCategory = errors.New("invalid category")
	// ErrNotFound the model id is unknown
	ErrNotFound = errors.New("model not found")
	// ErrConfig the schema or a property is malformed
	ErrConfig = errors.New("invalid configuration")
	// ErrTransport a socket or protocol failure
	ErrTransport = errors.New("transport error")
	// ErrUnsupported the operation is not implemented by this implementation or transport
	ErrUnsupported = errors.New("unsupported operation")
)

const (
	KindParse           = "parse"
	KindInvalidCategory = "invalid_category"
	KindNotFound        = "not_found"
	KindConfig          = "config"
	KindTransport       = "transport"
	KindUnsupported     = "unsupported"
	KindInternal        = "internal"
)

var kinds = []struct {
	kind string
	err  error
}{
	{KindParse, ErrParse},
	{KindInvalidCategory, ErrInvalidCategory},
	{KindNotFound, ErrNotFound},
	{KindConfig, ErrConfig},
	{KindTransport, ErrTransport},
	{KindUnsupported, ErrUnsupported},
}

// KindOf returns the wire name of the taxonomy entry err belongs to.
func KindOf(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// RemoteError is an error that crossed a process boundary. It unwraps to the
// sentinel of its kind so errors.Is keeps working on the caller side.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	for _, k := range kinds {
		if k.kind == e.Kind {
			return k.err
		}
	}
	return nil
}

// FromKind rebuilds an error received from a peer.
func FromKind(kind, message string) error {
	return &RemoteError{Kind: kind, Message: message}
}
