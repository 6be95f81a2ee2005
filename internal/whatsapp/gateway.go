package whatsapp

import (
	"context"
	"strings"

	"wa_gateway/internal/apperr"
	"wa_gateway/internal/models"

	"github.com/rs/zerolog"
)

// UserServer is the address suffix of individual WhatsApp users.
const UserServer = "@s.whatsapp.net"

// NormalizeRecipient turns a bare number into a user address. Qualified
// addresses are returned unchanged.
func NormalizeRecipient(to string) string {
	to = strings.TrimSpace(to)
	if strings.Contains(to, "@") {
		return to
	}
	to = strings.TrimPrefix(to, "+")
	return to + UserServer
}

// Quota is the part of the quota ledger the gateway needs.
type Quota interface {
	CheckMessageQuota(ctx context.Context, acct *models.Account) error
	RecordMessageSent(ctx context.Context, accountID uint) error
}

// SendResult is returned for every dispatched message.
type SendResult struct {
	MessageID string `json:"messageId"`
	To        string `json:"to"`
	Status    string `json:"status"`
}

// Gateway dispatches outgoing messages through live devices.
type Gateway struct {
	registry *Registry
	quota    Quota
	log      zerolog.Logger
	onSent   func()
}

func NewGateway(registry *Registry, quota Quota, log zerolog.Logger, onSent func()) *Gateway {
	return &Gateway{
		registry: registry,
		quota:    quota,
		log:      log.With().Str("component", "gateway").Logger(),
		onSent:   onSent,
	}
}

// Send dispatches a text message. account is the device owner, or nil for
// an unowned legacy device, which is not metered.
func (g *Gateway) Send(ctx context.Context, deviceID string, account *models.Account, to, text string) (*SendResult, error) {
	return g.dispatch(ctx, "gateway.Send", deviceID, account, to, func(c Client, jid string) (string, error) {
		return c.SendText(ctx, jid, text)
	})
}

func (g *Gateway) SendDocument(ctx context.Context, deviceID string, account *models.Account, to string, doc Document) (*SendResult, error) {
	return g.dispatch(ctx, "gateway.SendDocument", deviceID, account, to, func(c Client, jid string) (string, error) {
		return c.SendDocument(ctx, jid, doc)
	})
}

func (g *Gateway) dispatch(ctx context.Context, op, deviceID string, account *models.Account, to string, send func(Client, string) (string, error)) (*SendResult, error) {
	h, ok := g.registry.Get(deviceID)
	if !ok {
		return nil, apperr.SessionState(op, "Session not found or not active")
	}
	if h.State() != models.StateConnected {
		return nil, apperr.SessionState(op, "Session not connected")
	}
	if account != nil {
		if err := g.quota.CheckMessageQuota(ctx, account); err != nil {
			return nil, err
		}
	}

	jid := NormalizeRecipient(to)
	id, err := send(h.client, jid)
	if err != nil {
		g.log.Warn().Err(err).Str("device_id", deviceID).Str("to", jid).Msg("send failed")
		return nil, apperr.Upstream(op, err)
	}

	if account != nil {
		if err := g.quota.RecordMessageSent(ctx, account.ID); err != nil {
			// The message is already out; only accounting is lost.
			g.log.Error().Err(err).Str("device_id", deviceID).Uint("account_id", account.ID).Msg("failed to record message usage")
		}
	}
	if g.onSent != nil {
		g.onSent()
	}
	return &SendResult{MessageID: id, To: jid, Status: "sent"}, nil
}
