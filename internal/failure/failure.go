// Package failure maps raw transport and OS errors onto the closed error
// taxonomy surfaced to callers. Nothing above this package ever sees a
// library-specific error type.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind identifies a member of the closed taxonomy.
type Kind int

const (
	KindNotConnected Kind = iota
	KindInvalidChannelType
	KindAuthFailed
	KindConnectFailed
	KindTimeout
	KindChannelError
	KindNoSession
)

// String returns the taxonomy member name.
func (k Kind) String() string {
	switch k {
	case KindNotConnected:
		return "not connected"
	case KindInvalidChannelType:
		return "invalid channel type"
	case KindAuthFailed:
		return "authentication failed"
	case KindConnectFailed:
		return "connect failed"
	case KindTimeout:
		return "timeout"
	case KindChannelError:
		return "channel error"
	case KindNoSession:
		return "no session"
	}
	return "unknown"
}

// Error is a classified transport failure.
type Error struct {
	Kind   Kind
	Reason string // free-text reason for ConnectFailed / details for ChannelError
	cause  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return e.Kind.String()
}

// Unwrap exposes the raw cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// Constructors for taxonomy members with no classification step.

func NotConnected() *Error          { return &Error{Kind: KindNotConnected} }
func InvalidChannelType() *Error    { return &Error{Kind: KindInvalidChannelType} }
func AuthFailed(cause error) *Error { return &Error{Kind: KindAuthFailed, cause: cause} }
func Timeout() *Error               { return &Error{Kind: KindTimeout} }
func NoSession() *Error             { return &Error{Kind: KindNoSession} }

// ConnectFailed builds a connect failure with a human-readable reason.
func ConnectFailed(reason string, cause error) *Error {
	return &Error{Kind: KindConnectFailed, Reason: reason, cause: cause}
}

// ChannelError builds a channel failure carrying raw details.
func ChannelError(details string) *Error {
	return &Error{Kind: KindChannelError, Reason: details}
}

// KindOf returns the taxonomy member of a classified error, or
// KindConnectFailed for anything that was never classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindConnectFailed
}

// Is reports whether err is a classified error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// rule maps an error-description substring to a taxonomy member.
// Rules are checked in order; POSIX descriptions come before the looser
// patterns they would otherwise also match. A rule with loss set also
// counts for IsConnectionLoss, which gates reconnection and is
// deliberately more permissive than Classify.
type rule struct {
	substr string
	kind   Kind
	reason string
	loss   bool
}

var rules = []rule{
	// POSIX / OS codes first.
	{substr: "connection refused", kind: KindConnectFailed, reason: "remote login disabled"},
	{substr: "no route to host", kind: KindConnectFailed, reason: "host unreachable", loss: true},
	{substr: "host is unreachable", kind: KindConnectFailed, reason: "host unreachable", loss: true},
	{substr: "host is down", kind: KindConnectFailed, reason: "host unreachable", loss: true},
	{substr: "network is unreachable", kind: KindConnectFailed, reason: "network unreachable", loss: true},
	{substr: "socket is not connected", kind: KindNotConnected, loss: true},
	{substr: "operation timed out", kind: KindTimeout, loss: true},
	{substr: "connection timed out", kind: KindTimeout, loss: true},

	// Transport-level connect errors: timeout vs DNS vs generic network.
	{substr: "i/o timeout", kind: KindTimeout},
	{substr: "handshake timed out", kind: KindTimeout},
	{substr: "nodename nor servname provided", kind: KindConnectFailed, reason: "could not resolve host"},
	{substr: "no such host", kind: KindConnectFailed, reason: "could not resolve host"},
	{substr: "temporary failure in name resolution", kind: KindConnectFailed, reason: "could not resolve host"},
	{substr: "unreachable", kind: KindConnectFailed, reason: "host unreachable", loss: true},
	{substr: "timed out", kind: KindTimeout},

	// Authentication.
	{substr: "unable to authenticate", kind: KindAuthFailed},
	{substr: "auth failed", kind: KindAuthFailed},
	{substr: "permission denied", kind: KindAuthFailed},

	// Stream closed mid-flight.
	{substr: "connection reset", kind: KindConnectFailed, reason: "interrupted", loss: true},
	{substr: "broken pipe", kind: KindConnectFailed, reason: "interrupted", loss: true},
	{substr: "use of closed", kind: KindConnectFailed, reason: "interrupted", loss: true},
	{substr: "closed network connection", kind: KindConnectFailed, reason: "interrupted", loss: true},
	{substr: "channel closed", kind: KindConnectFailed, reason: "interrupted", loss: true},
	{substr: "eof", kind: KindConnectFailed, reason: "interrupted", loss: true},
}

// Classify funnels a raw error into the closed taxonomy. Structured
// signals are preferred; substring matching over the error description
// is the documented fallback and is sensitive to library wording, so
// the exact reasons are a convention, not a contract.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	// Already classified: pass through unchanged.
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, cause: err}
	}

	// Structured OS-level codes.
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED:
			return &Error{Kind: KindConnectFailed, Reason: "remote login disabled", cause: err}
		case syscall.EHOSTUNREACH, syscall.EHOSTDOWN:
			return &Error{Kind: KindConnectFailed, Reason: "host unreachable", cause: err}
		case syscall.ENETUNREACH:
			return &Error{Kind: KindConnectFailed, Reason: "network unreachable", cause: err}
		case syscall.ETIMEDOUT:
			return &Error{Kind: KindTimeout, cause: err}
		case syscall.ENOTCONN:
			return &Error{Kind: KindNotConnected, cause: err}
		case syscall.EPIPE, syscall.ECONNRESET:
			return &Error{Kind: KindConnectFailed, Reason: "interrupted", cause: err}
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &Error{Kind: KindConnectFailed, Reason: "could not resolve host", cause: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, cause: err}
	}

	// String fallback in documented precedence order.
	msg := strings.ToLower(err.Error())
	for _, r := range rules {
		if strings.Contains(msg, r.substr) {
			return &Error{Kind: r.kind, Reason: r.reason, cause: err}
		}
	}

	return &Error{Kind: KindConnectFailed, Reason: "connection failed", cause: err}
}

// IsConnectionLoss reports whether err looks like the transport itself
// died. It gates reconnection, where a false negative strands the user
// on a dead session, so it matches a broader set than Classify.
func IsConnectionLoss(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}

	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindNotConnected {
			return true
		}
		if e.Kind == KindConnectFailed && e.Reason == "interrupted" {
			return true
		}
		if e.cause != nil && e.cause != err {
			if IsConnectionLoss(e.cause) {
				return true
			}
		}
	}

	msg := strings.ToLower(err.Error())
	for _, r := range rules {
		if r.loss && strings.Contains(msg, r.substr) {
			return true
		}
	}
	return false
}
