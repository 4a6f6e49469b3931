package session

import (
	"sync"
	"time"

	"github.com/nominum/ccchannel/internal/ccerr"
	"github.com/nominum/ccchannel/internal/wire"
)

// DefaultBatching is a suggested per-round-trip batch size for the num
// argument of Session.Sequence. Sequence does not apply it on its own: a
// num of 0 disables batching.
const DefaultBatching = 20

// RequestState tracks one outstanding Ask/Tell call. It is registered with
// the underlying connchan.Connection as the opaque state associated with a
// request's sequence number, and is delivered back (via deliver) when the
// matching response arrives, or woken with an error (via fail) if the
// session closes first.
type RequestState struct {
	request    *wire.Table
	returnData bool
	raiseError bool
	sequenceOK bool

	once     sync.Once
	done     chan struct{}
	response *wire.Table
	err      error
}

func newRequestState(request *wire.Table, returnData, raiseError, sequenceOK bool) *RequestState {
	return &RequestState{
		request:    request,
		returnData: returnData,
		raiseError: raiseError,
		sequenceOK: sequenceOK,
		done:       make(chan struct{}),
	}
}

func (r *RequestState) deliver(msg *wire.Table) {
	r.once.Do(func() {
		r.response = msg
		close(r.done)
	})
}

func (r *RequestState) fail(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Wait blocks until the response arrives or timeout elapses, reporting
// whether it arrived in time. A zero timeout uses DefaultTimeout.
func (r *RequestState) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	select {
	case <-r.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// GetResponse waits for the response (as Wait does) and then validates and
// unwraps it: a sequence response is rejected unless sequenceOK was set, an
// _data.err field becomes an *ccerr.AppError if raiseError was set, and the
// bare _data section is returned instead of the full message if the
// original request was given as a string or _data section.
func (r *RequestState) GetResponse(timeout time.Duration) (*wire.Table, error) {
	if !r.Wait(timeout) {
		return nil, ccerr.ErrTimeout
	}
	if r.err != nil {
		return nil, r.err
	}
	if !r.sequenceOK {
		if ctrl, ok := r.response.GetTable("_ctrl"); ok {
			if _, ok := ctrl.Get("_seq"); ok {
				return nil, ccerr.ErrUnexpectedSequence
			}
		}
	}
	data, _ := r.response.GetTable("_data")
	if r.raiseError {
		if errStr, ok := data.GetString("err"); ok {
			return nil, ccerr.NewAppError(errStr)
		}
	}
	if r.returnData {
		return data, nil
	}
	return r.response, nil
}

// Reader iterates the individual _data sections of a multi-part ("sequence")
// response, transparently issuing type:"next" continuation requests and
// unpacking batched list responses.
type Reader struct {
	session    *Session
	request    *wire.Table
	timeout    time.Duration
	num        int
	raiseError bool

	first   bool
	done    bool
	batch   bool
	seqID   string
	pending []*wire.Table
}

func newReader(s *Session, request *wire.Table, timeout time.Duration, num int, raiseError bool) *Reader {
	return &Reader{
		session:    s,
		request:    request,
		timeout:    timeout,
		num:        num,
		raiseError: raiseError,
		first:      true,
	}
}

// Next returns the next _data section in the sequence, or (nil, nil) once
// the sequence is exhausted.
func (r *Reader) Next() (*wire.Table, error) {
	if len(r.pending) > 0 {
		data := r.pending[len(r.pending)-1]
		r.pending = r.pending[:len(r.pending)-1]
		return r.finish(data)
	}
	if r.done {
		return nil, nil
	}

	var data *wire.Table
	if r.first {
		r.first = false
		response, err := r.session.Tell(r.request, r.timeout, false, true)
		if err != nil {
			return nil, err
		}
		ctrl, _ := response.GetTable("_ctrl")
		if _, ok := ctrl.Get("_batch"); ok && r.num > 0 {
			r.batch = true
		}
		if _, ok := ctrl.Get("_more"); ok {
			seq, ok := ctrl.GetString("_seq")
			if !ok {
				return nil, ccerr.ErrBadSequence
			}
			r.seqID = seq
		} else {
			r.done = true
		}
		data, _ = response.GetTable("_data")
		// Unified with the follow-up path: list-batched first responses
		// are unpacked here too.
		if r.batch {
			if extracted, ok, err := r.extractList(data); err != nil {
				return nil, err
			} else if ok {
				data = extracted
			}
		}
	} else {
		ctrl := wire.NewTable()
		ctrl.SetString("_seq", r.seqID)
		if r.batch {
			ctrl.Set("_num", wire.IntBlob(uint64(r.num)))
		}
		reqData := wire.NewTable()
		reqData.SetString("type", "next")
		request := wire.NewTable()
		request.Set("_ctrl", ctrl)
		request.Set("_data", reqData)

		response, err := r.session.Tell(request, r.timeout, false, true)
		if err != nil {
			return nil, err
		}
		respCtrl, _ := response.GetTable("_ctrl")
		if _, ok := respCtrl.Get("_more"); !ok {
			r.done = true
		}
		data, _ = response.GetTable("_data")
		if r.batch {
			if extracted, ok, err := r.extractList(data); err != nil {
				return nil, err
			} else if ok {
				data = extracted
			}
		}
	}
	return r.finish(data)
}

// extractList pulls _data.list into r.pending (reversed, so pop-from-end
// yields in-order delivery) when data carries a batched list, reporting
// whether a list was found.
func (r *Reader) extractList(data *wire.Table) (*wire.Table, bool, error) {
	v, ok := data.Get("list")
	if !ok {
		return nil, false, nil
	}
	list, ok := v.(wire.List)
	if !ok {
		return nil, false, ccerr.ErrBadSequence
	}
	items := make([]*wire.Table, 0, len(list))
	for _, elem := range list {
		t, ok := elem.(*wire.Table)
		if !ok {
			return nil, false, ccerr.ErrBadSequence
		}
		items = append(items, t)
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	r.pending = items
	if len(r.pending) == 0 {
		return nil, true, nil
	}
	last := r.pending[len(r.pending)-1]
	r.pending = r.pending[:len(r.pending)-1]
	return last, true, nil
}

func (r *Reader) finish(data *wire.Table) (*wire.Table, error) {
	if r.done && data.Len() == 1 {
		if _, ok := data.Get("type"); ok {
			return nil, nil
		}
	}
	if r.raiseError {
		if errStr, ok := data.GetString("err"); ok {
			return nil, ccerr.NewAppError(errStr)
		}
	}
	return data, nil
}

// Close ends the sequence early. If the first response has not yet been
// received there is nothing server-side to cancel, so Close is a no-op;
// the literal reference implementation instead references an undefined
// variable in this case.
func (r *Reader) Close() {
	if r.done {
		return
	}
	r.done = true
	if r.first {
		return
	}
	ctrl := wire.NewTable()
	ctrl.SetString("_seq", r.seqID)
	ctrl.SetString("_end", "1")
	reqData := wire.NewTable()
	reqData.SetString("type", "next")
	request := wire.NewTable()
	request.Set("_ctrl", ctrl)
	request.Set("_data", reqData)
	_, _ = r.session.Tell(request, r.timeout, false, true)
}

// Sequence is the server side of a multi-part response: Session.handleNext
// calls NextMessage on every type:"next" continuation request until it
// reports done.
type Sequence struct {
	mu      sync.Mutex
	id      string
	next    func() (*wire.Table, bool)
	closeFn func()
	closed  bool
}

// NewSequence creates a server-side sequence. produce is called once per
// NextMessage (including the very first, registration call) and must
// return the next _data item plus whether more remain; onClose, if
// non-nil, runs when the sequence is closed or the client cancels early.
func NewSequence(produce func() (*wire.Table, bool), onClose func()) *Sequence {
	return &Sequence{next: produce, closeFn: onClose}
}

// Register adds seq to the session's table of live sequences and returns
// its id, for use in the initial response's _ctrl._seq/_more fields.
func (s *Session) Register(seq *Sequence) string {
	id := s.addSequence(seq)
	seq.mu.Lock()
	seq.id = id
	seq.mu.Unlock()
	return id
}

// NextMessage answers one type:"next" continuation request (or, with
// initial set, produces the message wrapping the very first item). It
// returns the full response message and whether the sequence is now done.
func (seq *Sequence) NextMessage(request *wire.Table, id string, initial bool) (*wire.Table, bool) {
	seq.mu.Lock()
	defer seq.mu.Unlock()

	if ctrl, ok := request.GetTable("_ctrl"); ok {
		if _, ok := ctrl.Get("_end"); ok {
			seq.closeLocked()
			response := replyWithCtrl(request, nil)
			return response, true
		}
	}

	data, more := seq.next()
	ctrl := wire.NewTable()
	if more {
		ctrl.SetString("_seq", id)
		ctrl.SetString("_more", "1")
	} else {
		seq.closeLocked()
	}
	response := replyWithCtrl(request, ctrl)
	respData, _ := response.GetTable("_data")
	if data != nil {
		for _, k := range data.Keys() {
			v, _ := data.Get(k)
			respData.Set(k, v)
		}
	}
	return response, !more
}

func (seq *Sequence) closeLocked() {
	if seq.closed {
		return
	}
	seq.closed = true
	if seq.closeFn != nil {
		seq.closeFn()
	}
}

// Close cancels the sequence, releasing any resources held by its
// producer even if the client never sends a final continuation.
func (seq *Sequence) Close() {
	seq.mu.Lock()
	defer seq.mu.Unlock()
	seq.closeLocked()
}

func replyWithCtrl(request *wire.Table, extra *wire.Table) *wire.Table {
	response := wire.NewTable()
	ctrl := wire.NewTable()
	data := wire.NewTable()
	response.Set("_ctrl", ctrl)
	response.Set("_data", data)
	ctrl.SetString("_rpl", "1")
	if reqCtrl, ok := request.GetTable("_ctrl"); ok {
		if sseq, ok := reqCtrl.Get("_sseq"); ok {
			ctrl.Set("_rseq", sseq)
		}
	}
	if extra != nil {
		for _, k := range extra.Keys() {
			v, _ := extra.Get(k)
			ctrl.Set(k, v)
		}
	}
	return response
}
