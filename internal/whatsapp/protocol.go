// Package whatsapp owns the device session lifecycle: the protocol client
// abstraction, the in-memory registry of live connections, the reconnect
// scheduler, the lifecycle state machine and the message gateway.
package whatsapp

import "context"

// EventKind identifies a connection event emitted by a Client.
type EventKind int

const (
	// EventQR carries a new pairing code in Event.Code.
	EventQR EventKind = iota + 1
	// EventOpen means the device is paired and usable. Event.Phone holds
	// the paired phone number.
	EventOpen
	// EventLoggedOut means the pairing was revoked. Credentials are gone.
	EventLoggedOut
	// EventClosed is any other close. Restart is set when the protocol
	// asks for the connection to be recreated, Paired when the device
	// still holds a pairing.
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventQR:
		return "qr"
	case EventOpen:
		return "open"
	case EventLoggedOut:
		return "logged_out"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one connection-state change of a device.
type Event struct {
	Kind    EventKind
	Code    string
	Phone   string
	Restart bool
	Paired  bool
	Err     error
}

// Document is an outgoing file message. The client fetches URL itself.
type Document struct {
	URL      string
	FileName string
	MimeType string
	Caption  string
}

// Client is one protocol connection for one device.
//
// Events must be delivered in the order the protocol produced them. After
// Disconnect no further events are delivered.
type Client interface {
	Connect(ctx context.Context) error
	Events() <-chan Event
	SendText(ctx context.Context, to, text string) (messageID string, err error)
	SendDocument(ctx context.Context, to string, doc Document) (messageID string, err error)
	ProfilePictureURL(ctx context.Context, jid string) (string, error)
	IsConnected() bool
	Logout(ctx context.Context) error
	Disconnect()
}

// Dialer builds clients from the persisted credential set of a device.
type Dialer interface {
	Dial(ctx context.Context, deviceID string) (Client, error)
	// Purge discards the key material of a device that has no live client.
	Purge(ctx context.Context, deviceID string) error
}
