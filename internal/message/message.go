// Package message provides constructors and predicates for the three
// message kinds exchanged over a command channel: requests, responses
// (replies), and events.
package message

import "github.com/nominum/ccchannel/internal/wire"

// Kind classifies a message by its _ctrl flags.
type Kind int

const (
	Request Kind = iota
	Response
	Event
)

func (k Kind) String() string {
	switch k {
	case Response:
		return "response"
	case Event:
		return "event"
	default:
		return "request"
	}
}

// New builds a bare request message {_ctrl:{}, _data:content}.
func New(content *wire.Table) *wire.Table {
	m := wire.NewTable()
	m.Set("_ctrl", wire.NewTable())
	m.Set("_data", content)
	return m
}

// NewEvent builds an unsolicited event message {_ctrl:{_evt:"1"}, _data:content}.
func NewEvent(content *wire.Table) *wire.Table {
	m := wire.NewTable()
	ctrl := wire.NewTable()
	ctrl.SetString("_evt", "1")
	m.Set("_ctrl", ctrl)
	m.Set("_data", content)
	return m
}

// ReplyTo builds the skeleton of a response to request: _ctrl._rpl=1,
// _ctrl._rseq copied from the request's _sseq, and _ctrl._seq propagated
// if the request was part of a sequence stream. If requestType is empty,
// the response's _data.type is copied from the request's _data.type.
func ReplyTo(request *wire.Table, requestType string) *wire.Table {
	ctrl := wire.NewTable()
	data := wire.NewTable()
	response := wire.NewTable()
	response.Set("_ctrl", ctrl)
	response.Set("_data", data)

	t := requestType
	if t == "" {
		if reqData, ok := request.GetTable("_data"); ok {
			t, _ = reqData.GetString("type")
		}
	}
	if t != "" {
		data.SetString("type", t)
	}

	ctrl.SetString("_rpl", "1")
	if reqCtrl, ok := request.GetTable("_ctrl"); ok {
		if sseq, ok := reqCtrl.Get("_sseq"); ok {
			ctrl.Set("_rseq", sseq)
		}
		if seq, ok := reqCtrl.Get("_seq"); ok {
			ctrl.Set("_seq", seq)
		}
	}
	return response
}

// Error builds an error reply to request, with _data.err set to detail.
func Error(request *wire.Table, detail string, requestType string) *wire.Table {
	response := ReplyTo(request, requestType)
	data, _ := response.GetTable("_data")
	data.SetString("err", detail)
	return response
}

// IsResponse reports whether m's _ctrl carries _rpl.
func IsResponse(m *wire.Table) bool {
	ctrl, ok := m.GetTable("_ctrl")
	if !ok {
		return false
	}
	_, ok = ctrl.Get("_rpl")
	return ok
}

// IsEvent reports whether m's _ctrl carries _evt.
func IsEvent(m *wire.Table) bool {
	ctrl, ok := m.GetTable("_ctrl")
	if !ok {
		return false
	}
	_, ok = ctrl.Get("_evt")
	return ok
}

// IsRequest reports whether m is neither a response nor an event.
func IsRequest(m *wire.Table) bool {
	return !IsResponse(m) && !IsEvent(m)
}

// KindOf returns m's message kind.
func KindOf(m *wire.Table) Kind {
	switch {
	case IsResponse(m):
		return Response
	case IsEvent(m):
		return Event
	default:
		return Request
	}
}

// DataType returns m's _data.type field, if present.
func DataType(m *wire.Table) (string, bool) {
	data, ok := m.GetTable("_data")
	if !ok {
		return "", false
	}
	return data.GetString("type")
}

// DataErr returns m's _data.err field, if present.
func DataErr(m *wire.Table) (string, bool) {
	data, ok := m.GetTable("_data")
	if !ok {
		return "", false
	}
	return data.GetString("err")
}
