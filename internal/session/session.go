// Package session multiplexes application-level request/response and
// event traffic over a single internal/connchan.Connection: independent
// reader and writer goroutines, an outstanding-request table keyed by
// sequence number, and a pluggable Dispatcher for messages that are not
// replies to an in-flight call.
package session

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nominum/ccchannel/internal/ccerr"
	"github.com/nominum/ccchannel/internal/closer"
	"github.com/nominum/ccchannel/internal/connchan"
	"github.com/nominum/ccchannel/internal/logging"
	"github.com/nominum/ccchannel/internal/message"
	"github.com/nominum/ccchannel/internal/wire"
)

// DefaultTimeout is how long Tell and Reader.Next wait for a response
// before giving up, matching the reference implementation's default.
const DefaultTimeout = closer.DefaultTimeout

// Dispatch is invoked for every received message that is not delivered to
// an outstanding RequestState: requests, events, and out-of-band replies.
// The exception is type:"next" requests, which the session answers itself
// (see handleNext) without calling Dispatch. It returns whether the message was handled; an unhandled request gets a
// generic "unknown request" error reply from the reader loop.
type Dispatch func(s *Session, msg *wire.Table) bool

// responder is satisfied by outstanding call state (*RequestState) that
// can accept a response or be woken with an error at close time.
type responder interface {
	deliver(msg *wire.Table)
	fail(err error)
}

type writeItem struct {
	msg   *wire.Table
	state interface{}
}

// Session owns one command channel connection's application-level
// traffic. Create with New; it starts its reader and writer goroutines
// immediately.
type Session struct {
	closer.ThreadedCloser

	conn     *connchan.Connection
	dispatch Dispatch
	logger   *logging.Logger

	seqMu     sync.Mutex
	sequences map[string]*Sequence
	nextSeqID uint64

	writeMu    sync.Mutex
	writeCond  *sync.Cond
	writeQueue []writeItem
	writeOpen  bool

	readerDone chan struct{}
	writerDone chan struct{}
}

// Option configures a new Session.
type Option func(*Session)

// WithDispatch sets the handler invoked for messages that are not
// responses to an outstanding call.
func WithDispatch(dispatch Dispatch) Option {
	return func(s *Session) { s.dispatch = dispatch }
}

// WithLogger attaches a logger for session lifecycle and error events.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// New wraps conn in a Session and starts its reader and writer goroutines.
func New(conn *connchan.Connection, opts ...Option) *Session {
	s := &Session{
		conn:       conn,
		logger:     logging.NewLogger(logging.LevelError),
		sequences:  make(map[string]*Sequence),
		nextSeqID:  1,
		writeQueue: nil,
		writeOpen:  true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.writeCond = sync.NewCond(&s.writeMu)
	s.readerDone = make(chan struct{})
	s.writerDone = make(chan struct{})

	s.Init(s.teardown)
	go s.readLoop()
	go s.writeLoop()
	return s
}

// teardown runs once, when closing begins: it unblocks the reader by
// shutting down the socket, waits for both goroutines to exit, fails
// every outstanding call and queued write, and closes the connection.
func (s *Session) teardown() {
	_ = s.conn.Shutdown()
	<-s.readerDone

	for _, state := range s.conn.TakeOutstanding() {
		if r, ok := state.(responder); ok {
			r.fail(ccerr.ErrClosing)
		}
	}

	s.writeMu.Lock()
	s.writeOpen = false
	pending := s.writeQueue
	s.writeQueue = nil
	s.writeCond.Broadcast()
	s.writeMu.Unlock()
	<-s.writerDone

	for _, item := range pending {
		if r, ok := item.state.(responder); ok {
			r.fail(ccerr.ErrClosing)
		}
	}

	s.seqMu.Lock()
	sequences := s.sequences
	s.sequences = nil
	s.seqMu.Unlock()
	for _, seq := range sequences {
		seq.Close()
	}

	_ = s.conn.Close()
}

func (s *Session) readLoop() {
	defer close(s.readerDone)
	for {
		msg, state, err := s.conn.Read()
		if err != nil {
			s.logger.Debug("reader exiting: %v", err)
			s.RequestClose()
			return
		}
		s.NotIdle()
		s.handleMessage(msg, state)
	}
}

func (s *Session) handleMessage(msg *wire.Table, state interface{}) {
	handled := false
	if r, ok := state.(responder); ok {
		r.deliver(msg)
		handled = true
	}

	if !handled && message.IsRequest(msg) {
		if typ, ok := message.DataType(msg); ok && typ == "next" {
			s.handleNext(msg)
			return
		}
	}

	if !handled && s.dispatch != nil {
		handled = func() (h bool) {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Debug("dispatch panicked: %v", r)
					if message.IsRequest(msg) {
						s.Write(message.Error(msg, fmt.Sprint(r), ""), nil)
						h = true
					}
				}
			}()
			return s.dispatch(s, msg)
		}()
	}

	if !handled && message.IsRequest(msg) {
		s.Write(message.Error(msg, "unknown request", ""), nil)
	}
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		s.writeMu.Lock()
		for len(s.writeQueue) == 0 && s.writeOpen {
			s.writeCond.Wait()
		}
		if len(s.writeQueue) == 0 && !s.writeOpen {
			s.writeMu.Unlock()
			return
		}
		item := s.writeQueue[0]
		s.writeQueue = s.writeQueue[1:]
		s.writeMu.Unlock()

		s.NotIdle()
		if err := s.conn.Write(item.msg, item.state); err != nil {
			if r, ok := item.state.(responder); ok {
				r.fail(err)
			}
			s.logger.Debug("write failed: %v", err)
		}
	}
}

// Write queues msg for the writer goroutine, associating state with it
// (delivered back via Read's outstanding-state lookup if msg is a
// request). Most callers should use Ask/Tell instead.
func (s *Session) Write(msg *wire.Table, state interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !s.writeOpen {
		return ccerr.ErrClosing
	}
	s.writeQueue = append(s.writeQueue, writeItem{msg: msg, state: state})
	s.writeCond.Signal()
	return nil
}

// normalizeRequest accepts a bare type name (string), a _data section
// (*wire.Table without a _ctrl/_data wrapper), or a complete message, and
// returns the complete message plus whether only _data should be returned
// to the caller.
func normalizeRequest(request interface{}) (*wire.Table, bool, error) {
	switch v := request.(type) {
	case string:
		data := wire.NewTable()
		data.SetString("type", v)
		msg := wire.NewTable()
		msg.Set("_data", data)
		return msg, true, nil
	case *wire.Table:
		if _, ok := v.Get("_data"); ok {
			return v, false, nil
		}
		msg := wire.NewTable()
		msg.Set("_data", v)
		return msg, true, nil
	default:
		return nil, false, fmt.Errorf("%w: request must be a string or *wire.Table", ccerr.ErrBadForm)
	}
}

// Ask sends request without waiting for the answer. request may be a bare
// type name, a _data section, or a complete message. Returns a
// RequestState that can later be waited on for the response.
func (s *Session) Ask(request interface{}, raiseError, sequenceOK bool) (*RequestState, error) {
	msg, returnData, err := normalizeRequest(request)
	if err != nil {
		return nil, err
	}
	rs := newRequestState(msg, returnData, raiseError, sequenceOK)
	if err := s.Write(msg, rs); err != nil {
		return nil, err
	}
	return rs, nil
}

// Tell sends request and waits up to timeout for the response. A zero
// timeout uses DefaultTimeout.
func (s *Session) Tell(request interface{}, timeout time.Duration, raiseError, sequenceOK bool) (*wire.Table, error) {
	rs, err := s.Ask(request, raiseError, sequenceOK)
	if err != nil {
		return nil, err
	}
	return rs.GetResponse(timeout)
}

// Sequence sends a request expected to produce a multi-part response and
// returns a Reader that iterates the individual _data items. data is a
// bare type name or a _data section; num hints the batch size (0 disables
// batching).
func (s *Session) Sequence(data interface{}, timeout time.Duration, num int, raiseError bool) (*Reader, error) {
	msg, _, err := normalizeRequest(data)
	if err != nil {
		return nil, err
	}
	return newReader(s, msg, timeout, num, raiseError), nil
}

func (s *Session) addSequence(seq *Sequence) string {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	id := fmt.Sprintf("%d", s.nextSeqID)
	s.nextSeqID++
	if s.sequences != nil {
		s.sequences[id] = seq
	}
	return id
}

func (s *Session) getSequence(id string) *Sequence {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	if s.sequences == nil {
		return nil
	}
	return s.sequences[id]
}

func (s *Session) deleteSequence(id string) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	if s.sequences != nil {
		delete(s.sequences, id)
	}
}

// handleNext answers a type:"next" request driving a server-side
// Sequence, per the session's built-in sequence protocol.
func (s *Session) handleNext(msg *wire.Table) {
	ctrl, _ := msg.GetTable("_ctrl")
	id, ok := ctrl.GetString("_seq")
	if !ok {
		s.Write(message.Error(msg, "_seq missing", ""), nil)
		return
	}
	seq := s.getSequence(id)
	if seq == nil {
		s.Write(message.Error(msg, "unknown sequence id: "+id, ""), nil)
		return
	}
	response, done := seq.NextMessage(msg, id, false)
	if done {
		s.deleteSequence(id)
	}
	s.Write(response, nil)
}

// RemoteAddr returns the underlying connection's remote address.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}
