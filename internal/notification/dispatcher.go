// Package notification delivers face alerts by email. Two transports are
// provided: plain SMTP with STARTTLS and the Gmail API.
package notification

import (
	"context"
	"errors"
	"fmt"
)

// Attachment is the single image carried by an alert.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Alert is a rendered message ready for a Dispatcher.
type Alert struct {
	ID         string
	Recipient  string
	Subject    string
	Body       string
	HTMLBody   string
	Attachment Attachment
}

// Dispatcher sends an alert. Failures are *DispatchError values.
type Dispatcher interface {
	Send(ctx context.Context, a Alert) error
}

// ErrorKind classifies a delivery failure.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindAuth
	KindConnection
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindConnection:
		return "connection"
	default:
		return "other"
	}
}

// DispatchError is returned by every transport.
type DispatchError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

func dispatchErr(kind ErrorKind, op string, err error) error {
	return &DispatchError{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the kind of a dispatch failure. Errors that did not come
// from a transport are KindOther.
func KindOf(err error) ErrorKind {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindOther
}

// ErrMissingAttachment rejects alerts without an image.
var ErrMissingAttachment = errors.New("notification: alert has no attachment")

func (a Alert) validate() error {
	if a.Recipient == "" {
		return errors.New("notification: alert has no recipient")
	}
	if len(a.Attachment.Data) == 0 {
		return ErrMissingAttachment
	}
	return nil
}
