package whatsapp

import (
	"context"
	"sync"
	"time"

	"wa_gateway/internal/apperr"
	"wa_gateway/internal/models"

	"github.com/rs/zerolog"
)

// SessionStore is the durable side of a session as seen by the manager.
type SessionStore interface {
	Get(ctx context.Context, deviceID string) (*models.Session, error)
	Create(ctx context.Context, sess *models.Session) error
	UpdateState(ctx context.Context, deviceID, state string) error
	MarkConnected(ctx context.Context, deviceID, phone string) error
	ListByState(ctx context.Context, state string) ([]models.Session, error)
	Delete(ctx context.Context, deviceID string) error
}

// StateChange is published after every persisted transition.
type StateChange struct {
	DeviceID    string `json:"deviceId"`
	AccountID   *uint  `json:"-"`
	State       string `json:"state"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

// Options tunes a Manager. Zero values fall back to defaults.
type Options struct {
	ReconnectDelay time.Duration
	ConnectTimeout time.Duration
	// OnStateChange is called from the device's pump goroutine.
	OnStateChange func(StateChange)
	// OnReconnectScheduled is called each time a recreate is queued.
	OnReconnectScheduled func(deviceID string)
}

// Manager drives every device through disconnected, waiting_qr and
// connected in response to protocol events.
type Manager struct {
	store     SessionStore
	dialer    Dialer
	registry  *Registry
	scheduler *Scheduler
	log       zerolog.Logger
	opts      Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewManager(store SessionStore, dialer Dialer, registry *Registry, log zerolog.Logger, opts Options) *Manager {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:     store,
		dialer:    dialer,
		registry:  registry,
		scheduler: NewScheduler(),
		log:       log.With().Str("component", "sessions").Logger(),
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (m *Manager) Registry() *Registry { return m.registry }

func (m *Manager) lock(deviceID string) func() {
	m.locksMu.Lock()
	mu, ok := m.locks[deviceID]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[deviceID] = mu
	}
	m.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// Create persists a new session owned by accountID and starts pairing.
// A pairing failure is logged; the row stays and can be started again.
func (m *Manager) Create(ctx context.Context, accountID *uint, deviceID string) (*models.Session, error) {
	sess := &models.Session{DeviceID: deviceID, AccountID: accountID, State: models.StateDisconnected}
	if err := m.store.Create(ctx, sess); err != nil {
		return nil, err
	}
	if _, err := m.Start(ctx, deviceID); err != nil {
		m.log.Warn().Err(err).Str("device_id", deviceID).Msg("pairing did not start")
		return sess, err
	}
	return sess, nil
}

// Start opens a protocol connection for an existing session. It reports
// true when the device was already live and nothing was done.
func (m *Manager) Start(ctx context.Context, deviceID string) (bool, error) {
	sess, err := m.store.Get(ctx, deviceID)
	if err != nil {
		return false, err
	}
	unlock := m.lock(deviceID)
	defer unlock()

	m.scheduler.Cancel(deviceID)
	if _, ok := m.registry.Get(deviceID); ok {
		return true, nil
	}
	return false, m.open(ctx, sess)
}

// open must be called with the device lock held.
func (m *Manager) open(ctx context.Context, sess *models.Session) error {
	client, err := m.dialer.Dial(ctx, sess.DeviceID)
	if err != nil {
		return apperr.Upstream("sessions.Start", err)
	}

	h := newHandle(sess.DeviceID, sess.AccountID, client)
	m.registry.Register(h)
	m.wg.Add(1)
	go m.pump(h)

	cctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()
	if err := client.Connect(cctx); err != nil {
		m.retire(h)
		return apperr.Upstream("sessions.Start", err)
	}
	m.log.Info().Str("device_id", sess.DeviceID).Msg("protocol connection opened")
	return nil
}

// retire unregisters h if it is still current and closes it.
func (m *Manager) retire(h *Handle) {
	m.registry.remove(h)
	h.close()
}

func (m *Manager) pump(h *Handle) {
	defer m.wg.Done()
	events := h.client.Events()
	for {
		select {
		case <-h.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handleEvent(h, ev)
		}
	}
}

func (m *Manager) handleEvent(h *Handle, ev Event) {
	log := m.log.With().Str("device_id", h.DeviceID).Str("event", ev.Kind.String()).Logger()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch ev.Kind {
	case EventQR:
		h.apply(models.StateWaitingQR, ev.Code)
		m.persist(ctx, log, h, models.StateWaitingQR, "")
		log.Debug().Msg("pairing code issued")

	case EventOpen:
		h.apply(models.StateConnected, "")
		h.setPhone(ev.Phone)
		m.persist(ctx, log, h, models.StateConnected, ev.Phone)
		log.Info().Str("phone", ev.Phone).Msg("device connected")

	case EventLoggedOut:
		h.apply(models.StateDisconnected, "")
		m.persist(ctx, log, h, models.StateDisconnected, "")
		m.retire(h)
		log.Info().Msg("device logged out")

	case EventClosed:
		prior := h.apply(models.StateDisconnected, "")
		m.persist(ctx, log, h, models.StateDisconnected, "")
		m.retire(h)
		// An unpaired device that timed out stays down until started again.
		// A paired one reconnects even if it never reached connected on
		// this handle.
		if ev.Restart || ev.Paired || prior == models.StateConnected {
			log.Info().Err(ev.Err).Bool("restart", ev.Restart).Bool("paired", ev.Paired).Msg("connection closed, scheduling reconnect")
			m.scheduleReconnect(h.DeviceID)
		} else {
			log.Info().Err(ev.Err).Str("prior_state", prior).Msg("connection closed while unpaired")
		}

	default:
		log.Warn().Msg("ignoring unknown event")
	}
}

func (m *Manager) persist(ctx context.Context, log zerolog.Logger, h *Handle, state, phone string) {
	var err error
	if state == models.StateConnected {
		err = m.store.MarkConnected(ctx, h.DeviceID, phone)
	} else {
		err = m.store.UpdateState(ctx, h.DeviceID, state)
	}
	if err != nil {
		log.Error().Err(err).Str("state", state).Msg("failed to persist session state")
	}
	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(StateChange{DeviceID: h.DeviceID, AccountID: h.Owner(), State: state, PhoneNumber: phone})
	}
}

// Claim records that accountID took over a live legacy device and
// republishes its state to the new owner.
func (m *Manager) Claim(deviceID string, accountID uint) {
	h, ok := m.registry.Get(deviceID)
	if !ok {
		return
	}
	h.setOwner(accountID)
	if m.opts.OnStateChange != nil {
		state, _, phone := h.snapshot()
		m.opts.OnStateChange(StateChange{DeviceID: deviceID, AccountID: h.Owner(), State: state, PhoneNumber: phone})
	}
}

func (m *Manager) scheduleReconnect(deviceID string) {
	if !m.scheduler.Schedule(deviceID, m.opts.ReconnectDelay, func() { m.reconnect(deviceID) }) {
		return
	}
	if m.opts.OnReconnectScheduled != nil {
		m.opts.OnReconnectScheduled(deviceID)
	}
}

// reconnect is the body of a fired reconnect task. Failures reschedule.
func (m *Manager) reconnect(deviceID string) {
	if m.ctx.Err() != nil {
		return
	}
	log := m.log.With().Str("device_id", deviceID).Logger()

	ctx, cancel := context.WithTimeout(m.ctx, m.opts.ConnectTimeout)
	defer cancel()
	sess, err := m.store.Get(ctx, deviceID)
	if apperr.IsNotFound(err) {
		log.Info().Msg("session deleted, dropping reconnect")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("reconnect could not read session")
		m.scheduleReconnect(deviceID)
		return
	}

	unlock := m.lock(deviceID)
	defer unlock()
	if _, ok := m.registry.Get(deviceID); ok {
		return
	}
	if err := m.open(m.ctx, sess); err != nil {
		log.Warn().Err(err).Msg("reconnect failed")
		m.scheduleReconnect(deviceID)
	}
}

// Delete tears down the live connection, revokes the pairing and removes
// the session row together with its credentials.
func (m *Manager) Delete(ctx context.Context, deviceID string) error {
	if _, err := m.store.Get(ctx, deviceID); err != nil {
		return err
	}
	unlock := m.lock(deviceID)
	defer unlock()

	m.scheduler.Cancel(deviceID)
	log := m.log.With().Str("device_id", deviceID).Logger()
	if h, ok := m.registry.Get(deviceID); ok {
		if err := h.client.Logout(ctx); err != nil {
			log.Warn().Err(err).Msg("logout failed, discarding credentials locally")
		}
		m.retire(h)
	}
	if err := m.dialer.Purge(ctx, deviceID); err != nil {
		log.Warn().Err(err).Msg("failed to purge key material")
	}
	if err := m.store.Delete(ctx, deviceID); err != nil {
		return err
	}

	m.locksMu.Lock()
	delete(m.locks, deviceID)
	m.locksMu.Unlock()
	log.Info().Msg("session deleted")
	return nil
}

// QRResult is the pairing view of a device.
type QRResult struct {
	Connected bool
	Code      string
	Image     string
}

func (m *Manager) QR(deviceID string) (*QRResult, error) {
	h, ok := m.registry.Get(deviceID)
	if !ok {
		return nil, apperr.NotFound("sessions.QR", "Session not found")
	}
	state, code, _ := h.snapshot()
	if state == models.StateConnected {
		return &QRResult{Connected: true}, nil
	}
	if code == "" {
		return nil, apperr.NotFound("sessions.QR", "QR Code not generated yet")
	}
	img, err := RenderQR(code)
	if err != nil {
		return nil, err
	}
	return &QRResult{Code: code, Image: img}, nil
}

// ProfilePicture returns the avatar URL of the paired account, or "" when
// it has none.
func (m *Manager) ProfilePicture(ctx context.Context, deviceID string) (string, error) {
	h, ok := m.registry.Get(deviceID)
	if !ok {
		return "", apperr.SessionState("sessions.ProfilePicture", "Session not found or not active")
	}
	state, _, phone := h.snapshot()
	if state != models.StateConnected {
		return "", apperr.SessionState("sessions.ProfilePicture", "Session not connected")
	}
	if phone == "" {
		if sess, err := m.store.Get(ctx, deviceID); err == nil && sess.PhoneNumber != nil {
			phone = *sess.PhoneNumber
		}
	}
	url, err := h.client.ProfilePictureURL(ctx, NormalizeRecipient(phone))
	if err != nil {
		m.log.Debug().Err(err).Str("device_id", deviceID).Msg("profile picture unavailable")
		return "", nil
	}
	return url, nil
}

// Restore rebuilds the registry after a process start. Sessions left in
// waiting_qr are demoted; connected ones are reopened, and those that fail
// are handed to the reconnect scheduler.
func (m *Manager) Restore(ctx context.Context) error {
	waiting, err := m.store.ListByState(ctx, models.StateWaitingQR)
	if err != nil {
		return err
	}
	for _, s := range waiting {
		if err := m.store.UpdateState(ctx, s.DeviceID, models.StateDisconnected); err != nil {
			m.log.Error().Err(err).Str("device_id", s.DeviceID).Msg("failed to demote stale pairing")
		}
	}

	connected, err := m.store.ListByState(ctx, models.StateConnected)
	if err != nil {
		return err
	}
	m.log.Info().Int("connected", len(connected)).Int("demoted", len(waiting)).Msg("restoring sessions")
	for _, s := range connected {
		if _, err := m.Start(ctx, s.DeviceID); err != nil {
			m.log.Warn().Err(err).Str("device_id", s.DeviceID).Msg("restore failed, will retry")
			m.scheduleReconnect(s.DeviceID)
		}
	}
	return nil
}

// HealthReport summarises one HealthCheck sweep.
type HealthReport struct {
	Checked   int
	Stale     int
	Recovered int
}

// HealthCheck probes every registered connected device and recreates the
// ones whose transport went away without a close event.
func (m *Manager) HealthCheck(ctx context.Context) HealthReport {
	var rep HealthReport
	for _, e := range m.registry.ListAll() {
		if e.State != models.StateConnected {
			continue
		}
		rep.Checked++
		h, ok := m.registry.Get(e.DeviceID)
		if !ok || h.client.IsConnected() {
			continue
		}
		rep.Stale++
		log := m.log.With().Str("device_id", e.DeviceID).Logger()
		log.Warn().Msg("stale connection detected")
		m.retire(h)

		if _, err := m.Start(ctx, e.DeviceID); err != nil {
			log.Error().Err(err).Msg("recreate after health check failed")
			if err := m.store.UpdateState(ctx, e.DeviceID, models.StateDisconnected); err != nil {
				log.Error().Err(err).Msg("failed to persist disconnected state")
			}
			if m.opts.OnStateChange != nil {
				m.opts.OnStateChange(StateChange{DeviceID: e.DeviceID, AccountID: h.Owner(), State: models.StateDisconnected})
			}
			continue
		}
		rep.Recovered++
	}
	return rep
}

// Shutdown drops every live connection without revoking pairings, so the
// next process can restore them.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.scheduler.Stop()
	m.cancel()
	for _, h := range m.registry.handlesSnapshot() {
		m.retire(h)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
