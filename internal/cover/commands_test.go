package cover

import (
	"context"
	"sync"
	"testing"

	"github.com/db-home-system/radiolog/internal/cfgstore"
	"github.com/db-home-system/radiolog/internal/outbox"
	"github.com/db-home-system/radiolog/internal/router"
)

type fakeQueue struct {
	mu   sync.Mutex
	msgs []outbox.Message
}

func (q *fakeQueue) Enqueue(msg outbox.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, msg)
	return nil
}

func (q *fakeQueue) payloads(suffix string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for _, m := range q.msgs {
		if m.Suffix == suffix {
			out = append(out, string(m.Payload))
		}
	}
	return out
}

func route(t *testing.T, tbl router.Table, suffix string) router.Handler {
	t.Helper()
	for _, r := range tbl.Routes {
		if r.Suffix == suffix {
			return r.Handler
		}
	}
	t.Fatalf("no route %q in table %s", suffix, tbl.Name)
	return nil
}

func send(h router.Handler, payload string) {
	h.Handle(context.Background(), router.Message{Payload: []byte(payload)})
}

func TestCoverSet(t *testing.T) {
	tests := []struct {
		payload    string
		wantStatus string
		wantTarget int
	}{
		{"open", StatusOpen, 100},
		{"OPEN", StatusOpen, 100},
		{"close", StatusClose, 0},
		{"CLOSE", StatusClose, 0},
	}
	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			f := newFixture(t, map[string]uint32{cfgstore.KeyCoverLastPosition: 50})
			q := &fakeQueue{}

			send(route(t, f.ctrl.Table(q), "cover/set"), tt.payload)

			s := f.ctrl.Snapshot()
			if s.Status != tt.wantStatus || s.Target != tt.wantTarget {
				t.Errorf("state = %+v", s)
			}
			if got := q.payloads(StatusSuffix); len(got) != 1 || got[0] != tt.wantStatus {
				t.Errorf("cover/status = %v", got)
			}
		})
	}
}

func TestCoverSet_Stop(t *testing.T) {
	f := newFixture(t, map[string]uint32{cfgstore.KeyCoverLastPosition: 50})
	q := &fakeQueue{}
	f.ctrl.onStop = Reporter(q, discardLogger())
	h := route(t, f.ctrl.Table(q), "cover/set")

	send(h, "open")
	for range 8 {
		f.ctrl.tick()
	}
	send(h, "stop")

	if f.ctrl.Snapshot().Moving() {
		t.Error("still moving after stop")
	}
	status := q.payloads(StatusSuffix)
	if len(status) != 2 || status[0] != "open" || status[1] != "stop" {
		t.Errorf("cover/status = %v", status)
	}
	pos := q.payloads(PositionSuffix)
	if len(pos) != 1 || pos[0] != `{"position":"58","ticks":"8"}` {
		t.Errorf("cover/position = %v", pos)
	}
}

func TestCoverSet_UnknownVerb(t *testing.T) {
	f := newFixture(t, nil)
	q := &fakeQueue{}

	for _, p := range []string{"Open", "up", "", "50"} {
		send(route(t, f.ctrl.Table(q), "cover/set"), p)
	}

	if calls := f.motor.history(); len(calls) != 0 {
		t.Errorf("motor calls = %v", calls)
	}
	if len(q.msgs) != 0 {
		t.Errorf("published %d messages", len(q.msgs))
	}
}

func TestCoverSetPosition(t *testing.T) {
	f := newFixture(t, nil)
	q := &fakeQueue{}
	h := route(t, f.ctrl.Table(q), "cover/set_position")

	send(h, "40")

	s := f.ctrl.Snapshot()
	if s.Target != 40 || s.Status != StatusOpen {
		t.Errorf("state = %+v", s)
	}
}

func TestCoverSetPosition_Invalid(t *testing.T) {
	f := newFixture(t, nil)
	q := &fakeQueue{}
	h := route(t, f.ctrl.Table(q), "cover/set_position")

	for _, p := range []string{"101", "-1", "abc", "", "4.5"} {
		send(h, p)
	}

	if calls := f.motor.history(); len(calls) != 0 {
		t.Errorf("motor calls = %v", calls)
	}
	if len(q.msgs) != 0 {
		t.Errorf("published %d messages", len(q.msgs))
	}
}

func TestReporter(t *testing.T) {
	q := &fakeQueue{}
	Reporter(q, discardLogger())(State{Status: StatusStop, Current: 40, ElapsedTicks: 12})

	if len(q.msgs) != 2 {
		t.Fatalf("messages = %d", len(q.msgs))
	}
	if q.msgs[0].Suffix != "cover/status" || string(q.msgs[0].Payload) != "stop" {
		t.Errorf("first = %s %s", q.msgs[0].Suffix, q.msgs[0].Payload)
	}
	if q.msgs[1].Suffix != "cover/position" || string(q.msgs[1].Payload) != `{"position":"40","ticks":"12"}` {
		t.Errorf("second = %s %s", q.msgs[1].Suffix, q.msgs[1].Payload)
	}
}
