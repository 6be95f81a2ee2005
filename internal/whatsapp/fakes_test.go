package whatsapp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wa_gateway/internal/apperr"
	"wa_gateway/internal/models"
)

// --- fake protocol client ---

type fakeClient struct {
	deviceID string
	events   chan Event

	mu           sync.Mutex
	connectErr   error
	sendErr      error
	alive        bool
	sent         []string
	loggedOut    bool
	disconnected bool
}

func (c *fakeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return c.connectErr
	}
	c.alive = true
	return nil
}

func (c *fakeClient) Events() <-chan Event { return c.events }

func (c *fakeClient) SendText(ctx context.Context, to, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.sent = append(c.sent, to+":"+text)
	return "MSG1", nil
}

func (c *fakeClient) SendDocument(ctx context.Context, to string, doc Document) (string, error) {
	return c.SendText(ctx, to, doc.FileName)
}

func (c *fakeClient) ProfilePictureURL(ctx context.Context, jid string) (string, error) {
	return "https://pps.example/" + jid, nil
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *fakeClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut = true
	return nil
}

func (c *fakeClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	c.alive = false
}

func (c *fakeClient) setAlive(v bool) {
	c.mu.Lock()
	c.alive = v
	c.mu.Unlock()
}

func (c *fakeClient) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// --- fake dialer ---

type fakeDialer struct {
	mu          sync.Mutex
	clients     map[string][]*fakeClient
	failConnect map[string]error
	purged      []string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{clients: map[string][]*fakeClient{}, failConnect: map[string]error{}}
}

func (d *fakeDialer) Dial(ctx context.Context, deviceID string) (Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &fakeClient{deviceID: deviceID, events: make(chan Event, 8), connectErr: d.failConnect[deviceID]}
	d.clients[deviceID] = append(d.clients[deviceID], c)
	return c, nil
}

func (d *fakeDialer) Purge(ctx context.Context, deviceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.purged = append(d.purged, deviceID)
	return nil
}

func (d *fakeDialer) dials(deviceID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients[deviceID])
}

func (d *fakeDialer) last(deviceID string) *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	cs := d.clients[deviceID]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

func (d *fakeDialer) setFailConnect(deviceID string, err error) {
	d.mu.Lock()
	d.failConnect[deviceID] = err
	d.mu.Unlock()
}

// --- in-memory session store ---

type memStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
}

func newMemStore() *memStore {
	return &memStore{sessions: map[string]*models.Session{}}
}

func (s *memStore) Get(ctx context.Context, deviceID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[deviceID]
	if !ok {
		return nil, apperr.NotFound("mem.Get", "Session not found")
	}
	cp := *sess
	return &cp, nil
}

func (s *memStore) Create(ctx context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.DeviceID]; ok {
		return apperr.Conflict("mem.Create", "Device ID already exists")
	}
	cp := *sess
	s.sessions[sess.DeviceID] = &cp
	return nil
}

func (s *memStore) UpdateState(ctx context.Context, deviceID, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[deviceID]; ok {
		sess.State = state
	}
	return nil
}

func (s *memStore) MarkConnected(ctx context.Context, deviceID, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[deviceID]; ok {
		sess.State = models.StateConnected
		if phone != "" {
			sess.PhoneNumber = &phone
		}
	}
	return nil
}

func (s *memStore) ListByState(ctx context.Context, state string) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Session
	for _, sess := range s.sessions {
		if sess.State == state {
			out = append(out, *sess)
		}
	}
	return out, nil
}

func (s *memStore) Delete(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[deviceID]; !ok {
		return apperr.NotFound("mem.Delete", "Session not found")
	}
	delete(s.sessions, deviceID)
	return nil
}

func (s *memStore) state(deviceID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[deviceID]; ok {
		return sess.State
	}
	return ""
}

func (s *memStore) put(deviceID, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[deviceID] = &models.Session{DeviceID: deviceID, State: state}
}

// --- in-memory credentials ---

type memCreds struct {
	mu   sync.Mutex
	sets map[string]map[string][]byte
}

func newMemCreds() *memCreds {
	return &memCreds{sets: map[string]map[string][]byte{}}
}

func (c *memCreds) ReadAll(ctx context.Context, deviceID string) (map[string][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[string][]byte{}
	for k, v := range c.sets[deviceID] {
		out[k] = v
	}
	return out, nil
}

func (c *memCreds) Write(ctx context.Context, deviceID, keyName string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sets[deviceID] == nil {
		c.sets[deviceID] = map[string][]byte{}
	}
	c.sets[deviceID][keyName] = value
	return nil
}

func (c *memCreds) Remove(ctx context.Context, deviceID, keyName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sets[deviceID], keyName)
	return nil
}

func (c *memCreds) get(deviceID, keyName string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.sets[deviceID][keyName]
	return string(v), ok
}

// --- fake quota ---

type fakeQuota struct {
	mu       sync.Mutex
	checkErr error
	checks   int
	recorded int
}

func (q *fakeQuota) CheckMessageQuota(ctx context.Context, acct *models.Account) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.checks++
	return q.checkErr
}

func (q *fakeQuota) RecordMessageSent(ctx context.Context, accountID uint) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.recorded++
	return nil
}

// --- helpers ---

var errBoom = errors.New("boom")

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
