package infrastructure

import (
	"context"
	"log"
	"strings"

	"github.com/kkumarsourav9-ux/otpflow-bot/internal/entities"
)

// CloseClass classifies a connection close event.
type CloseClass int

const (
	// CloseTransient covers every close not classified below; triggers a
	// delayed reconnect.
	CloseTransient CloseClass = iota
	// CloseBanned is terminal and permanently excludes the instance from
	// rotation until an external reset.
	CloseBanned
	// CloseLoggedOut is terminal; the credential is gone on the server side.
	CloseLoggedOut
)

// Close codes as used by the WhatsApp websocket stream.
const (
	closeCodeLoggedOut = 401
	closeCodeBanned    = 403
)

// ProtocolEvent is one item on a handle's serialized event stream.
type ProtocolEvent interface{ isProtocolEvent() }

// CredentialsChanged carries updated auth material to persist. Keys is a
// delta: empty values are tombstones.
type CredentialsChanged struct {
	Credential []byte
	Keys       map[entities.KeyID][]byte
}

// QRChallenge carries a pairing challenge to surface to the operator.
type QRChallenge struct {
	Code string
}

// Opened signals a fully established, logged-in connection.
type Opened struct {
	PhoneNumber string
}

// Closed signals the connection ended; Class decides the lifecycle outcome.
type Closed struct {
	Class  CloseClass
	Code   int
	Reason string
}

func (CredentialsChanged) isProtocolEvent() {}
func (QRChallenge) isProtocolEvent()        {}
func (Opened) isProtocolEvent()             {}
func (Closed) isProtocolEvent()             {}

// ProtocolHandle is one live connection to the messaging network. Events are
// delivered in order on a single channel; the channel closes after a
// terminal Closed event or Terminate.
type ProtocolHandle interface {
	Events() <-chan ProtocolEvent
	SendText(ctx context.Context, recipient, text string) error
	Logout(ctx context.Context) error
	Terminate()
}

// OpenOptions parameterizes a connection attempt.
type OpenOptions struct {
	InstanceKey string
	Auth        *entities.AuthState
}

// ProtocolDialer opens protocol handles. The production implementation wraps
// whatsmeow; tests substitute a scripted fake.
type ProtocolDialer interface {
	Open(ctx context.Context, opts OpenOptions) (ProtocolHandle, error)
}

// ClassifyClose maps a close code to its class. Structured codes are the
// source of truth; ban-looking error text is logged as a diagnostic only.
func ClassifyClose(code int, reason string) CloseClass {
	switch code {
	case closeCodeLoggedOut:
		return CloseLoggedOut
	case closeCodeBanned:
		return CloseBanned
	}
	if looksBanned(reason) {
		log.Printf("close reason %q looks like a ban but code %d is not a ban code; treating as transient", reason, code)
	}
	return CloseTransient
}

func looksBanned(reason string) bool {
	r := strings.ToLower(reason)
	return strings.Contains(r, "banned") || strings.Contains(r, "forbidden")
}
