package session

import (
	"strings"
	"sync"

	"github.com/nominum/ccchannel/internal/message"
	"github.com/nominum/ccchannel/internal/wire"
)

// AnyKind matches a handler against every message kind, instead of the
// default Request.
const AnyKind = message.Kind(-1)

// Action is a handler callback: it receives the session and the matched
// message and reports whether it handled the message.
type Action func(s *Session, msg *wire.Table) bool

// Selector decides whether a handler applies to a given message's _data
// section. A nil Selector matches everything.
type Selector func(data *wire.Table) bool

// TypeSelector matches messages whose _data.type equals typ.
func TypeSelector(typ string) Selector {
	return func(data *wire.Table) bool {
		t, ok := data.GetString("type")
		return ok && t == typ
	}
}

// FieldSelector matches messages where every field in criteria matches:
// a string value requires an exact match, a func(string) bool value is
// called with the field's string value.
func FieldSelector(criteria map[string]interface{}) Selector {
	return func(data *wire.Table) bool {
		for field, want := range criteria {
			got, ok := data.GetString(field)
			if !ok {
				return false
			}
			switch w := want.(type) {
			case string:
				if got != w {
					return false
				}
			case func(string) bool:
				if !w(got) {
					return false
				}
			default:
				return false
			}
		}
		return true
	}
}

type handlerEntry struct {
	action   Action
	selector Selector
	kind     message.Kind
}

func (h handlerEntry) matches(msg *wire.Table) bool {
	if h.kind != AnyKind && message.KindOf(msg) != h.kind {
		return false
	}
	if h.selector == nil {
		return true
	}
	data, _ := msg.GetTable("_data")
	return h.selector(data)
}

// Dispatcher routes messages that are not responses to an outstanding
// Ask/Tell call to registered handlers, matched by selector and message
// kind. Unmatched object.method-shaped requests get a synthesized "unknown
// object"/"unknown command" error reply; other unmatched requests fall
// through to the fallback handler, if any.
type Dispatcher struct {
	mu             sync.Mutex
	handlers       []handlerEntry
	classes        map[string]bool
	fallback       Action
	fallbackByKind map[message.Kind]Action
}

// NewDispatcher returns an empty Dispatcher. Note that the session's
// built-in type:"next" sequence-continuation handling does not go through
// a Dispatcher at all; see Session.handleNext.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{classes: make(map[string]bool)}
}

// Handle installs action for messages of the given kind (Request by
// default; pass AnyKind to match every kind) matching selector. A nil
// selector matches every message of that kind.
func (d *Dispatcher) Handle(selector Selector, kind message.Kind, action Action) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, handlerEntry{action: action, selector: selector, kind: kind})
}

// HandleType is shorthand for Handle(TypeSelector(typ), message.Request, action).
func (d *Dispatcher) HandleType(typ string, action Action) {
	d.Handle(TypeSelector(typ), message.Request, action)
	d.rememberClass(typ)
}

func (d *Dispatcher) rememberClass(typ string) {
	parts := strings.SplitN(typ, ".", 2)
	if len(parts) > 1 {
		d.mu.Lock()
		d.classes[parts[0]] = true
		d.mu.Unlock()
	}
}

// HandleSequence installs a handler that starts a server-side Sequence for
// requests matching selector: factory builds the Sequence and its first
// response from the triggering request, and the handler writes that
// response itself.
func (d *Dispatcher) HandleSequence(selector Selector, factory func(s *Session, request *wire.Table) (*Sequence, *wire.Table)) {
	d.Handle(selector, message.Request, func(s *Session, msg *wire.Table) bool {
		seq, response := factory(s, msg)
		if seq != nil {
			s.Register(seq)
		}
		s.Write(response, nil)
		return true
	})
}

// Fallback installs action as the handler invoked when no other handler
// matches a message of the given kind (pass AnyKind for a kind-independent
// fallback).
func (d *Dispatcher) Fallback(kind message.Kind, action Action) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if kind == AnyKind {
		d.fallback = action
		return
	}
	if d.fallbackByKind == nil {
		d.fallbackByKind = make(map[message.Kind]Action)
	}
	d.fallbackByKind[kind] = action
}

// Dispatch implements the Session Dispatch signature: it tries every
// matching handler, synthesizes an object.method error for an unmatched
// request shaped like "object.method", then falls back to the registered
// fallback, and finally reports whether anything handled the message.
func (d *Dispatcher) Dispatch(s *Session, msg *wire.Table) bool {
	d.mu.Lock()
	handlers := make([]handlerEntry, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.Unlock()

	handled := false
	for _, h := range handlers {
		if h.matches(msg) {
			if h.action(s, msg) {
				handled = true
			}
		}
	}

	if !handled && message.KindOf(msg) == message.Request {
		if typ, ok := message.DataType(msg); ok {
			parts := strings.SplitN(typ, ".", 2)
			if len(parts) > 1 {
				d.mu.Lock()
				known := d.classes[parts[0]]
				d.mu.Unlock()
				var detail string
				if known {
					detail = "unknown command '" + parts[1] + "' on object '" + parts[0] + "'"
				} else {
					detail = "unknown object '" + parts[0] + "'"
				}
				s.Write(message.Error(msg, detail, ""), nil)
				handled = true
			}
		}
	}

	if !handled {
		d.mu.Lock()
		fallback := d.fallback
		fallbackByKind := d.fallbackByKind[message.KindOf(msg)]
		d.mu.Unlock()
		if fallbackByKind != nil {
			return fallbackByKind(s, msg)
		}
		if fallback != nil {
			return fallback(s, msg)
		}
		return false
	}
	return true
}
