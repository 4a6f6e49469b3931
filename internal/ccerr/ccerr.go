// Package ccerr defines the command-channel protocol's error taxonomy.
package ccerr

import "errors"

// Codec and frame errors.
var (
	// ErrMessageTooBig means a frame declares or would produce a payload
	// larger than the maximum wire size.
	ErrMessageTooBig = errors.New("message too big")
	// ErrBadVersion means the leading version field is not the known protocol version.
	ErrBadVersion = errors.New("unknown command channel version")
	// ErrUnexpectedEnd means a header or payload was truncated.
	ErrUnexpectedEnd = errors.New("unexpected end of message")
	// ErrBadSyntax means the message was encoded incorrectly.
	ErrBadSyntax = errors.New("message syntax error")
	// ErrBadForm means the message is missing required protocol elements
	// or has a wrongly-typed field.
	ErrBadForm = errors.New("message format error")
	// ErrBadAuth means the HMAC signature is missing, unrecognized, or invalid.
	ErrBadAuth = errors.New("bad command channel auth")
	// ErrNeedSecret means encrypted traffic arrived with no shared secret configured.
	ErrNeedSecret = errors.New("cannot encrypt or decrypt without a secret")
	// ErrNotSecure means encryption policy was REQUIRED but the peer refused encryption.
	ErrNotSecure = errors.New("not secure")
)

// Nonce and handshake errors.
var (
	// ErrBadNoncing means a nonce/sequence invariant was violated.
	ErrBadNoncing = errors.New("bad noncing")
	// ErrNotResponse means a handshake helper received a non-response message.
	ErrNotResponse = errors.New("expected response")
	// ErrBadResponse means a response arrived for a different request.
	ErrBadResponse = errors.New("bad response")
)

// Sequence errors.
var (
	// ErrBadSequence means the message does not implement the sequence protocol correctly.
	ErrBadSequence = errors.New("sequence format error")
	// ErrUnexpectedSequence means the caller did not opt into sequence responses
	// but one was received.
	ErrUnexpectedSequence = errors.New("unexpected sequence")
)

// Session lifecycle errors.
var (
	// ErrClosing means the session closed while the caller was waiting.
	ErrClosing = errors.New("session closing")
	// ErrTimeout means a per-call deadline elapsed.
	ErrTimeout = errors.New("timeout")
)

// Channel/address errors.
var (
	// ErrBadChannelValue means the channel specification could not be parsed.
	ErrBadChannelValue = errors.New("bad channel value")
	// ErrBadChannelConf means a channel configuration source was malformed.
	ErrBadChannelConf = errors.New("channel configuration format error")
	// ErrUnsupportedAddressFamily means the address family is neither IPv4 nor IPv6.
	ErrUnsupportedAddressFamily = errors.New("unsupported address family")
	// ErrUnknownChannel means a channel name could not be resolved.
	ErrUnknownChannel = errors.New("unknown channel")
)

// AppError is a structured application-level error surfaced from a
// message's _data.err field. It is distinct from the sentinel errors
// above because it carries caller-supplied text rather than a fixed
// description.
type AppError struct {
	Detail string
}

func (e *AppError) Error() string {
	if e.Detail == "" {
		return "unknown error"
	}
	return e.Detail
}

// NewAppError wraps detail text surfaced from a peer's _data.err field.
func NewAppError(detail string) error {
	return &AppError{Detail: detail}
}
