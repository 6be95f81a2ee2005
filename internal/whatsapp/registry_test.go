package whatsapp

import (
	"sync/atomic"
	"testing"
	"time"

	"wa_gateway/internal/models"
)

// --- registry ---

func TestRegistry_RemoveOnlyCurrentHandle(t *testing.T) {
	r := NewRegistry()
	old := newHandle("dev-1", nil, &fakeClient{})
	r.Register(old)
	fresh := newHandle("dev-1", nil, &fakeClient{})
	r.Register(fresh)

	if r.remove(old) {
		t.Fatal("stale handle removed its replacement")
	}
	if h, _ := r.Get("dev-1"); h != fresh {
		t.Fatal("replacement lost")
	}
	if !r.remove(fresh) {
		t.Fatal("current handle not removed")
	}
	if _, ok := r.Get("dev-1"); ok {
		t.Fatal("entry survived remove")
	}
}

func TestRegistry_ListAndCount(t *testing.T) {
	r := NewRegistry()
	for id, state := range map[string]string{"b": models.StateConnected, "a": models.StateWaitingQR, "c": models.StateConnected} {
		h := newHandle(id, nil, &fakeClient{})
		h.apply(state, "")
		r.Register(h)
	}

	all := r.ListAll()
	if len(all) != 3 || all[0].DeviceID != "a" || all[2].DeviceID != "c" {
		t.Errorf("ListAll = %+v", all)
	}
	counts := r.CountByState()
	if counts[models.StateConnected] != 2 || counts[models.StateWaitingQR] != 1 || counts[models.StateDisconnected] != 0 {
		t.Errorf("counts = %v", counts)
	}

	r.Unregister("a")
	if len(r.ListAll()) != 2 {
		t.Error("Unregister had no effect")
	}
}

func TestHandle_CloseIsIdempotent(t *testing.T) {
	c := &fakeClient{alive: true}
	h := newHandle("dev-1", nil, c)
	h.close()
	h.close()
	if !c.disconnected {
		t.Error("client not disconnected")
	}
	select {
	case <-h.done:
	default:
		t.Error("done not closed")
	}
}

// --- scheduler ---

func TestScheduler_ReplacesPendingTask(t *testing.T) {
	s := NewScheduler()
	var first, second atomic.Int32
	s.Schedule("dev-1", 30*time.Millisecond, func() { first.Add(1) })
	s.Schedule("dev-1", 30*time.Millisecond, func() { second.Add(1) })

	eventually(t, "second task", func() bool { return second.Load() == 1 })
	time.Sleep(40 * time.Millisecond)
	if first.Load() != 0 {
		t.Error("replaced task ran")
	}
	if s.Pending("dev-1") {
		t.Error("fired task still pending")
	}
}

func TestScheduler_CancelAndStop(t *testing.T) {
	s := NewScheduler()
	var ran atomic.Int32
	s.Schedule("dev-1", 20*time.Millisecond, func() { ran.Add(1) })
	if !s.Cancel("dev-1") || s.Cancel("dev-1") {
		t.Fatal("Cancel should report the pending task exactly once")
	}

	s.Schedule("dev-2", 20*time.Millisecond, func() { ran.Add(1) })
	s.Stop()
	if s.Schedule("dev-3", time.Millisecond, func() { ran.Add(1) }) {
		t.Error("Schedule accepted after Stop")
	}
	time.Sleep(50 * time.Millisecond)
	if ran.Load() != 0 {
		t.Errorf("%d tasks ran after cancel/stop", ran.Load())
	}
}
