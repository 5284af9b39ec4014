package feed

import (
	"strconv"
	"testing"
	"time"

	"github.com/vasvenk/buildml/internal/domain"
)

func recvOne(t *testing.T, sub *Subscription[domain.Model]) domain.Model {
	t.Helper()
	select {
	case m, ok := <-sub.C:
		if !ok {
			t.Fatalf("subscription channel closed")
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for snapshot")
	}
	return domain.Model{}
}

func TestPublishReachesSubscriber(t *testing.T) {
	h := New[domain.Model]()
	sub := h.Subscribe("m1")
	defer sub.Cancel()

	h.Publish("m1", domain.Model{ID: "m1", Status: domain.StatusTraining})
	got := recvOne(t, sub)
	if got.ID != "m1" || got.Status != domain.StatusTraining {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestChannelIsolation(t *testing.T) {
	h := New[domain.Model]()
	a := h.Subscribe("a")
	b := h.Subscribe("b")
	defer a.Cancel()
	defer b.Cancel()

	h.Publish("a", domain.Model{ID: "a"})
	if got := recvOne(t, a); got.ID != "a" {
		t.Fatalf("subscriber a got %q", got.ID)
	}
	select {
	case m := <-b.C:
		t.Fatalf("subscriber b received snapshot for %q", m.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCoalescingKeepsLatest(t *testing.T) {
	h := New[domain.Model]()
	sub := h.Subscribe("m1")
	defer sub.Cancel()

	const n = 50
	for i := 1; i <= n; i++ {
		h.Publish("m1", domain.Model{ID: "m1", Seq: int64(i), Name: strconv.Itoa(i)})
	}

	// The consumer was not reading, so intermediate snapshots may be
	// dropped, but delivery order must stay monotonic and end at the
	// latest one.
	var last int64
	for {
		m := recvOne(t, sub)
		if m.Seq <= last {
			t.Fatalf("snapshot went backwards: %d after %d", m.Seq, last)
		}
		last = m.Seq
		if last == n {
			return
		}
	}
}

func TestCancelIsIdempotentAndClosesChannel(t *testing.T) {
	h := New[domain.Model]()
	sub := h.Subscribe("m1")
	sub.Cancel()
	sub.Cancel()

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Fatalf("received snapshot after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("channel not closed after cancel")
	}

	// Publishing after cancel must not panic or deliver.
	h.Publish("m1", domain.Model{ID: "m1"})
}

func TestListSnapshots(t *testing.T) {
	h := New[[]domain.Model]()
	sub := h.Subscribe("u1")
	defer sub.Cancel()

	h.Publish("u1", []domain.Model{{ID: "m2"}, {ID: "m1"}})
	select {
	case set := <-sub.C:
		if len(set) != 2 || set[0].ID != "m2" {
			t.Fatalf("unexpected set: %+v", set)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for set snapshot")
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	h := New[domain.Model]()
	h.Publish("nobody", domain.Model{ID: "nobody"})
}
