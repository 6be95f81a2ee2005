package whatsapp

import (
	"sort"
	"sync"

	"wa_gateway/internal/models"
)

// Handle is the in-memory side of a live device connection.
type Handle struct {
	DeviceID string

	client Client

	mu    sync.RWMutex
	owner *uint
	state string
	qr    string
	phone string

	done      chan struct{}
	closeOnce sync.Once
}

func newHandle(deviceID string, accountID *uint, client Client) *Handle {
	return &Handle{
		DeviceID: deviceID,
		owner:    accountID,
		client:   client,
		state:    models.StateDisconnected,
		done:     make(chan struct{}),
	}
}

// State returns the last state the lifecycle manager applied.
func (h *Handle) State() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Owner is the owning account, nil for an unclaimed legacy device.
func (h *Handle) Owner() *uint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.owner
}

func (h *Handle) setOwner(accountID uint) {
	h.mu.Lock()
	h.owner = &accountID
	h.mu.Unlock()
}

func (h *Handle) snapshot() (state, qr, phone string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state, h.qr, h.phone
}

func (h *Handle) apply(state, qr string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	prior := h.state
	h.state = state
	h.qr = qr
	return prior
}

func (h *Handle) setPhone(phone string) {
	h.mu.Lock()
	h.phone = phone
	h.mu.Unlock()
}

// close stops the pump and drops the transport. Safe to call repeatedly.
func (h *Handle) close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.client.Disconnect()
	})
}

// Entry is one row of Registry.ListAll.
type Entry struct {
	DeviceID string
	State    string
}

// Registry maps device ids to their live handles. It is a cache of the
// connections open in this process and is rebuilt on startup.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
}

func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

func (r *Registry) Register(h *Handle) {
	r.mu.Lock()
	r.handles[h.DeviceID] = h
	r.mu.Unlock()
}

func (r *Registry) Get(deviceID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[deviceID]
	return h, ok
}

func (r *Registry) Unregister(deviceID string) {
	r.mu.Lock()
	delete(r.handles, deviceID)
	r.mu.Unlock()
}

// remove unregisters h only if it is still the registered handle.
func (r *Registry) remove(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handles[h.DeviceID]; ok && cur == h {
		delete(r.handles, h.DeviceID)
		return true
	}
	return false
}

// ListAll returns every registered device ordered by id.
func (r *Registry) ListAll() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.handles))
	for id, h := range r.handles {
		out = append(out, Entry{DeviceID: id, State: h.State()})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// CountByState is used by the sessions gauge.
func (r *Registry) CountByState() map[string]int {
	counts := map[string]int{
		models.StateDisconnected: 0,
		models.StateWaitingQR:    0,
		models.StateConnected:    0,
	}
	for _, e := range r.ListAll() {
		counts[e.State]++
	}
	return counts
}

func (r *Registry) handlesSnapshot() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	return out
}
