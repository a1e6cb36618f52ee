package shared

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the transport, session, router and usage layers.
var (
	ErrCredential        = errors.New("credential error")
	ErrNegotiation       = errors.New("negotiation error")
	ErrMediaAccessDenied = errors.New("media access denied")
	ErrTransport         = errors.New("transport error")
	ErrProtocolParse     = errors.New("protocol parse error")
	ErrUpstreamProtocol  = errors.New("upstream protocol error")
	ErrAccounting        = errors.New("accounting error")

	ErrNotConnected     = errors.New("session not connected")
	ErrAlreadyActive    = errors.New("session already active")
	ErrConnectAborted   = errors.New("connect aborted by teardown")
	ErrNoActiveSession  = errors.New("no active usage session")
	ErrPricingNotFound  = errors.New("pricing not found")
	ErrChannelNotOpen   = errors.New("event channel not open")
	ErrInvalidFrame     = errors.New("invalid outbound frame")
	ErrNoPeerConnection = errors.New("peer connection not created")
)

// CredentialError reports a failed ephemeral credential request.
type CredentialError struct {
	Status int
	Reason string
	Err    error
}

func (e *CredentialError) Error() string {
	msg := "credential request failed"
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CredentialError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrCredential, e.Err}
	}
	return []error{ErrCredential}
}

// NegotiationError reports a failed offer/answer exchange. Status and Body
// carry the upstream response verbatim when the failure was an HTTP error.
type NegotiationError struct {
	Status int
	Body   string
	Err    error
}

func (e *NegotiationError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("sdp exchange failed: %d - %s", e.Status, e.Body)
	case e.Err != nil:
		return "sdp exchange failed: " + e.Err.Error()
	default:
		return "sdp exchange failed"
	}
}

func (e *NegotiationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrNegotiation, e.Err}
	}
	return []error{ErrNegotiation}
}

// UpstreamError is an explicit error event sent by the speech service.
type UpstreamError struct {
	Type    string
	Code    string
	Message string
}

func (e *UpstreamError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != "" {
		return fmt.Sprintf("upstream error [%s]: %s", e.Code, msg)
	}
	return "upstream error: " + msg
}

func (e *UpstreamError) Unwrap() error { return ErrUpstreamProtocol }

// AccountingError wraps a pricing or persistence failure during usage tracking.
type AccountingError struct {
	Op  string
	Err error
}

func (e *AccountingError) Error() string {
	if e.Err == nil {
		return "accounting " + e.Op + " failed"
	}
	return fmt.Sprintf("accounting %s failed: %v", e.Op, e.Err)
}

func (e *AccountingError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrAccounting, e.Err}
	}
	return []error{ErrAccounting}
}
