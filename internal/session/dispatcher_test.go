package session

import (
	"sync"
	"testing"

	"github.com/nominum/ccchannel/internal/message"
	"github.com/nominum/ccchannel/internal/wire"
)

func requestWithType(typ string) *wire.Table {
	data := wire.NewTable()
	data.SetString("type", typ)
	return message.New(data)
}

// newTestSession builds a Session with just enough state initialized for
// Write to queue a message, without a live connchan.Connection or
// background goroutines to drain the queue. Callers inspect writeQueue
// directly to observe what Dispatch wrote.
func newTestSession() *Session {
	s := &Session{writeOpen: true}
	s.writeCond = sync.NewCond(&s.writeMu)
	return s
}

func TestDispatcher_HandleTypeMatches(t *testing.T) {
	d := NewDispatcher()
	called := false
	d.HandleType("ping", func(s *Session, msg *wire.Table) bool {
		called = true
		return true
	})

	handled := d.Dispatch(nil, requestWithType("ping"))
	if !handled || !called {
		t.Fatal("expected the ping handler to run")
	}
}

func TestDispatcher_HandleTypeIgnoresOtherTypes(t *testing.T) {
	d := NewDispatcher()
	called := false
	d.HandleType("ping", func(s *Session, msg *wire.Table) bool {
		called = true
		return true
	})

	handled := d.Dispatch(nil, requestWithType("pong"))
	if handled || called {
		t.Fatal("did not expect the ping handler to run for a pong message")
	}
}

func TestDispatcher_FieldSelector(t *testing.T) {
	d := NewDispatcher()
	var gotID string
	d.Handle(FieldSelector(map[string]interface{}{
		"type": "get",
		"id":   func(v string) bool { return v == "42" },
	}), message.Request, func(s *Session, msg *wire.Table) bool {
		data, _ := msg.GetTable("_data")
		gotID, _ = data.GetString("id")
		return true
	})

	data := wire.NewTable()
	data.SetString("type", "get")
	data.SetString("id", "42")
	msg := message.New(data)

	if !d.Dispatch(nil, msg) {
		t.Fatal("expected field selector to match")
	}
	if gotID != "42" {
		t.Fatalf("gotID = %q, want 42", gotID)
	}
}

func TestDispatcher_UnknownObjectMethodSynthesizesError(t *testing.T) {
	d := NewDispatcher()
	d.HandleType("zone.create", func(s *Session, msg *wire.Table) bool { return true })

	s := newTestSession()
	msg := requestWithType("zone.delete")

	handled := d.Dispatch(s, msg)
	if !handled {
		t.Fatal("expected the unmatched object.method request to be handled with a synthesized error")
	}
	if len(s.writeQueue) != 1 {
		t.Fatalf("len(writeQueue) = %d, want 1", len(s.writeQueue))
	}
	data, _ := s.writeQueue[0].msg.GetTable("_data")
	errStr, ok := data.GetString("err")
	if !ok || errStr == "" {
		t.Fatal("expected an err field in the synthesized response")
	}
	if want := "unknown command 'delete' on object 'zone'"; errStr != want {
		t.Fatalf("err = %q, want %q", errStr, want)
	}
}

func TestDispatcher_UnknownObjectReportsUnknownObject(t *testing.T) {
	d := NewDispatcher()
	s := newTestSession()
	msg := requestWithType("nosuchobj.delete")

	if !d.Dispatch(s, msg) {
		t.Fatal("expected the unmatched object.method request to be handled")
	}
	data, _ := s.writeQueue[0].msg.GetTable("_data")
	errStr, _ := data.GetString("err")
	if want := "unknown object 'nosuchobj'"; errStr != want {
		t.Fatalf("err = %q, want %q", errStr, want)
	}
}

func TestDispatcher_ClassTrackingDetectsKnownObject(t *testing.T) {
	d := NewDispatcher()
	d.HandleType("zone.create", func(s *Session, msg *wire.Table) bool { return false })

	d.mu.Lock()
	known := d.classes["zone"]
	d.mu.Unlock()
	if !known {
		t.Fatal("expected HandleType to register the object class")
	}
}

func TestDispatcher_FallbackRunsWhenNothingMatches(t *testing.T) {
	d := NewDispatcher()
	called := false
	d.Fallback(AnyKind, func(s *Session, msg *wire.Table) bool {
		called = true
		return true
	})

	handled := d.Dispatch(nil, requestWithType("anything"))
	if !handled || !called {
		t.Fatal("expected the fallback to run")
	}
}

func TestDispatcher_AnyKindMatchesEvents(t *testing.T) {
	d := NewDispatcher()
	called := false
	d.Handle(nil, AnyKind, func(s *Session, msg *wire.Table) bool {
		called = true
		return true
	})

	event := message.NewEvent(wire.NewTable())
	if !d.Dispatch(nil, event) || !called {
		t.Fatal("expected the any-kind handler to match an event")
	}
}
