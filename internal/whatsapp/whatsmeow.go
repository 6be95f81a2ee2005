package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

// credJID is the credential key holding the paired device JID. The signal
// key material itself lives in the sqlstore container.
const credJID = "jid"

// maxDocumentBytes caps documents fetched for SendDocument.
const maxDocumentBytes = 100 << 20

// Credentials is the per-device key/value credential store.
type Credentials interface {
	ReadAll(ctx context.Context, deviceID string) (map[string][]byte, error)
	Write(ctx context.Context, deviceID, keyName string, value []byte) error
	Remove(ctx context.Context, deviceID, keyName string) error
}

// OpenContainer opens the whatsmeow key store. driver is "sqlite" or
// "postgres".
func OpenContainer(ctx context.Context, driver, dsn string, log zerolog.Logger) (*sqlstore.Container, error) {
	dialect := driver
	if driver == "postgres" || driver == "postgresql" {
		dialect = "pgx"
	}
	container, err := sqlstore.New(ctx, dialect, dsn, newWALogger(log.With().Str("component", "wastore").Logger()))
	if err != nil {
		return nil, fmt.Errorf("opening whatsmeow store (%s): %w", driver, err)
	}
	return container, nil
}

// WhatsmeowDialer builds whatsmeow clients. One container holds the key
// material of every device; the credential store maps a device id to its
// JID inside the container.
type WhatsmeowDialer struct {
	container *sqlstore.Container
	creds     Credentials
	http      *http.Client
	log       zerolog.Logger
}

func NewWhatsmeowDialer(container *sqlstore.Container, creds Credentials, log zerolog.Logger) *WhatsmeowDialer {
	return &WhatsmeowDialer{
		container: container,
		creds:     creds,
		http:      &http.Client{Timeout: 60 * time.Second},
		log:       log.With().Str("component", "whatsmeow").Logger(),
	}
}

// device loads the credential set of deviceID and resolves its paired
// device in the container. It returns nil for a device that never paired.
func (d *WhatsmeowDialer) device(ctx context.Context, deviceID string) (*store.Device, error) {
	set, err := d.creds.ReadAll(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	raw, ok := set[credJID]
	if !ok || len(raw) == 0 {
		return nil, nil
	}
	jid, err := types.ParseJID(string(raw))
	if err != nil {
		d.log.Warn().Err(err).Str("device_id", deviceID).Msg("discarding unparsable device jid")
		return nil, d.creds.Remove(ctx, deviceID, credJID)
	}
	return d.container.GetDevice(ctx, jid)
}

func (d *WhatsmeowDialer) Dial(ctx context.Context, deviceID string) (Client, error) {
	dev, err := d.device(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("loading device store: %w", err)
	}
	if dev == nil {
		dev = d.container.NewDevice()
	}

	log := d.log.With().Str("device_id", deviceID).Logger()
	cli := whatsmeow.NewClient(dev, newWALogger(log))
	// Reconnects are owned by the lifecycle manager.
	cli.EnableAutoReconnect = false

	life, stop := context.WithCancel(context.Background())
	c := &waClient{
		deviceID: deviceID,
		cli:      cli,
		creds:    d.creds,
		http:     d.http,
		log:      log,
		events:   make(chan Event, 16),
		closed:   make(chan struct{}),
		life:     life,
		stop:     stop,
	}
	cli.AddEventHandler(c.onEvent)
	return c, nil
}

func (d *WhatsmeowDialer) Purge(ctx context.Context, deviceID string) error {
	dev, err := d.device(ctx, deviceID)
	if err != nil {
		return err
	}
	if dev != nil {
		if err := d.container.DeleteDevice(ctx, dev); err != nil {
			return fmt.Errorf("deleting device store: %w", err)
		}
	}
	return d.creds.Remove(ctx, deviceID, credJID)
}

type waClient struct {
	deviceID string
	cli      *whatsmeow.Client
	creds    Credentials
	http     *http.Client
	log      zerolog.Logger

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
	life      context.Context
	stop      context.CancelFunc
}

func (c *waClient) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

func (c *waClient) Events() <-chan Event { return c.events }

func (c *waClient) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.paired() {
		// The QR channel outlives the request that started pairing.
		qr, err := c.cli.GetQRChannel(c.life)
		if err != nil {
			return fmt.Errorf("opening QR channel: %w", err)
		}
		go c.forwardQR(qr)
	}
	return c.cli.Connect()
}

func (c *waClient) forwardQR(qr <-chan whatsmeow.QRChannelItem) {
	for item := range qr {
		switch item.Event {
		case "code":
			c.emit(Event{Kind: EventQR, Code: item.Code})
		case "success":
			// events.Connected follows.
		case "timeout":
			c.emit(Event{Kind: EventClosed, Err: errors.New("pairing code expired")})
			return
		default:
			err := item.Error
			if err == nil {
				err = fmt.Errorf("pairing failed: %s", item.Event)
			}
			c.emit(Event{Kind: EventClosed, Err: err})
			return
		}
	}
}

func (c *waClient) onEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.PairSuccess:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.creds.Write(ctx, c.deviceID, credJID, []byte(e.ID.String())); err != nil {
			c.log.Error().Err(err).Msg("failed to persist paired device jid")
		}
	case *events.Connected:
		phone := ""
		if c.paired() {
			phone = c.cli.Store.ID.User
		}
		c.emit(Event{Kind: EventOpen, Phone: phone})
	case *events.LoggedOut:
		c.forget()
		c.emit(Event{Kind: EventLoggedOut, Err: fmt.Errorf("logged out: %v", e.Reason)})
	case *events.StreamReplaced:
		c.emit(Event{Kind: EventLoggedOut, Err: errors.New("stream replaced by another connection")})
	case *events.ConnectFailure:
		c.emit(Event{Kind: EventClosed, Paired: c.paired(), Err: fmt.Errorf("connect failure: %v", e.Reason)})
	case *events.Disconnected:
		c.emit(Event{Kind: EventClosed, Paired: c.paired(), Err: errors.New("websocket disconnected")})
	}
}

func (c *waClient) paired() bool {
	return c.cli.Store != nil && c.cli.Store.ID != nil
}

// forget drops the device jid after the pairing was revoked.
func (c *waClient) forget() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.creds.Remove(ctx, c.deviceID, credJID); err != nil {
		c.log.Error().Err(err).Msg("failed to remove device jid")
	}
}

func (c *waClient) SendText(ctx context.Context, to, text string) (string, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		return "", fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	resp, err := c.cli.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *waClient) SendDocument(ctx context.Context, to string, doc Document) (string, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		return "", fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	data, err := c.fetch(ctx, doc.URL)
	if err != nil {
		return "", err
	}
	up, err := c.cli.Upload(ctx, data, whatsmeow.MediaDocument)
	if err != nil {
		return "", fmt.Errorf("uploading document: %w", err)
	}

	msg := &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
		Mimetype:      proto.String(doc.MimeType),
		FileName:      proto.String(doc.FileName),
		Title:         proto.String(doc.FileName),
	}}
	if doc.Caption != "" {
		msg.DocumentMessage.Caption = proto.String(doc.Caption)
	}
	resp, err := c.cli.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *waClient) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid document url: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching document: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading document: %w", err)
	}
	if len(data) > maxDocumentBytes {
		return nil, errors.New("document too large")
	}
	return data, nil
}

func (c *waClient) ProfilePictureURL(ctx context.Context, to string) (string, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		return "", err
	}
	info, err := c.cli.GetProfilePictureInfo(jid, &whatsmeow.GetProfilePictureParams{})
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", nil
	}
	return info.URL, nil
}

func (c *waClient) IsConnected() bool {
	return c.cli.IsConnected()
}

func (c *waClient) Logout(ctx context.Context) error {
	if err := c.cli.Logout(ctx); err != nil {
		return err
	}
	c.forget()
	return nil
}

func (c *waClient) Disconnect() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.stop()
		c.cli.Disconnect()
	})
}
