// Package connchan implements the command channel's per-connection
// protocol state machine: the nonce handshake, encryption negotiation,
// and the read/write path over a single net.Conn. See internal/session
// for the multiplexing layer built on top of a Connection.
package connchan

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/nominum/ccchannel/internal/ccerr"
	"github.com/nominum/ccchannel/internal/frame"
	"github.com/nominum/ccchannel/internal/logging"
	"github.com/nominum/ccchannel/internal/message"
	"github.com/nominum/ccchannel/internal/trace"
	"github.com/nominum/ccchannel/internal/wire"
	"lukechampine.com/frand"
)

// u63Max is the largest value a 63-bit unsigned nonce may take.
const u63Max = 1<<63 - 1

// EncryptionPolicy governs whether a Connection insists on, prefers, or
// refuses AES-256-CBC encryption.
type EncryptionPolicy int

const (
	// Unencrypted never encrypts, even if a secret is configured.
	Unencrypted EncryptionPolicy = iota
	// Desired encrypts when a secret is available, and silently
	// downgrades to cleartext otherwise. This is the default.
	Desired
	// Required fails the handshake with ErrNotSecure if encryption
	// cannot be established.
	Required
)

// Connection owns one TCP socket and speaks the command channel wire
// protocol: the nonce handshake, encryption negotiation, and framed
// message read/write. Do not use a Connection directly for application
// traffic; internal/session multiplexes requests, responses, events, and
// sequence streams on top of one.
type Connection struct {
	conn   net.Conn
	secret []byte
	policy EncryptionPolicy
	tracer trace.Emitter
	logger *logging.Logger

	selfNonce uint64
	selfNext  uint64

	peerNonce uint64
	peerNext  uint64

	encrypted  bool
	compressed bool

	mu          sync.Mutex
	outstanding map[uint64]interface{}
}

// Option configures a new Connection.
type Option func(*Connection)

// WithEncryptionPolicy overrides the default Desired encryption policy.
func WithEncryptionPolicy(policy EncryptionPolicy) Option {
	return func(c *Connection) { c.policy = policy }
}

// WithTracer attaches a trace.Emitter observing every message read and
// written on this connection.
func WithTracer(tracer trace.Emitter) Option {
	return func(c *Connection) { c.tracer = tracer }
}

// WithLogger attaches a logger for operational events (handshake outcome,
// connection close), distinct from the per-message trace hook.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Connection) { c.logger = logger }
}

// New wraps conn in a Connection and performs the initial nonce/encryption
// handshake. If active is true this side speaks first (the usual client
// role); otherwise it waits to read the peer's opening message first (the
// usual server role). secret may be nil.
func New(conn net.Conn, secret []byte, active bool, opts ...Option) (*Connection, error) {
	c := &Connection{
		conn:        conn,
		secret:      secret,
		policy:      Desired,
		tracer:      trace.NopEmitter{},
		logger:      logging.NewLogger(logging.LevelError),
		selfNonce:   generateNonce(),
		selfNext:    1,
		outstanding: make(map[uint64]interface{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.secret == nil && c.policy == Desired {
		c.policy = Unencrypted
	}

	var initial *wire.Table
	if !active {
		m, err := c.read0()
		if err != nil {
			return nil, err
		}
		ctrl, ok := m.GetTable("_ctrl")
		if !ok {
			return nil, fmt.Errorf("%w: initial message has no _ctrl", ccerr.ErrBadNoncing)
		}
		if _, ok := ctrl.Get("_rpl"); ok {
			return nil, fmt.Errorf("%w: cannot initialize nonce state from a reply", ccerr.ErrBadNoncing)
		}
		if _, ok := ctrl.Get("_evt"); ok {
			return nil, fmt.Errorf("%w: cannot initialize nonce state from an event", ccerr.ErrBadNoncing)
		}
		pnon, err := nonceField(ctrl, "_pnon", true)
		if err != nil {
			return nil, err
		}
		if pnon != 0 {
			return nil, fmt.Errorf("%w: _pnon not zero in initial noncing request", ccerr.ErrBadNoncing)
		}
		snon, err := nonceField(ctrl, "_snon", false)
		if err != nil {
			return nil, err
		}
		sseq, err := nonceField(ctrl, "_sseq", false)
		if err != nil {
			return nil, err
		}
		c.peerNonce = snon
		c.peerNext = sseq + 1
		initial = m
	}

	if err := c.startNoncing(initial); err != nil {
		c.logger.Debug("handshake failed: %v", err)
		return nil, err
	}
	c.logger.Info("handshake complete: encrypted=%v compressed=%v", c.encrypted, c.compressed)
	return c, nil
}

// generateNonce draws a 63-bit unsigned random value from a cryptographic
// RNG, retrying the vanishingly unlikely case of an all-zero draw since
// zero is reserved to mean "peer nonce not yet known".
func generateNonce() uint64 {
	for {
		var buf [8]byte
		frand.Read(buf[:])
		v := beUint64(buf[:]) & u63Max
		if v != 0 {
			return v
		}
	}
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}

func nonceField(ctrl *wire.Table, field string, zeroOK bool) (uint64, error) {
	s, ok := ctrl.GetString(field)
	if !ok {
		return 0, fmt.Errorf("%w: no %s in _ctrl", ccerr.ErrBadNoncing, field)
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v > u63Max {
		return 0, fmt.Errorf("%w: %s is not a 63-bit unsigned integer", ccerr.ErrBadNoncing, field)
	}
	if v == 0 && !zeroOK {
		return 0, fmt.Errorf("%w: %s is zero", ccerr.ErrBadNoncing, field)
	}
	return v, nil
}

// startNoncing runs the initial version/handshake exchange that
// establishes encryption and (for the active side) the peer's nonce.
func (c *Connection) startNoncing(request *wire.Table) error {
	encrypted := false
	compressed := false

	var outgoing *wire.Table
	if request == nil {
		data := wire.NewTable()
		data.SetString("type", "version")
		outgoing = message.New(data)
		if c.policy != Unencrypted {
			ctrl, _ := outgoing.GetTable("_ctrl")
			ctrl.Set("_initenc", wire.List{wire.Blob("aes256z"), wire.Blob("aes256")})
		}
	} else {
		outgoing = message.ReplyTo(request, "")
		if c.policy != Unencrypted {
			reqCtrl, _ := request.GetTable("_ctrl")
			var initenc wire.List
			if v, ok := reqCtrl.Get("_initenc"); ok {
				initenc, _ = v.(wire.List)
			}
			alg := pickAlg(initenc)
			switch alg {
			case "aes256z":
				ctrl, _ := outgoing.GetTable("_ctrl")
				ctrl.SetString("_encalg", "aes256z")
				encrypted, compressed = true, true
			case "aes256":
				ctrl, _ := outgoing.GetTable("_ctrl")
				ctrl.SetString("_encalg", "aes256")
				encrypted = true
			default:
				if c.policy == Required {
					return ccerr.ErrNotSecure
				}
			}
		}
	}

	if err := c.Write(outgoing, request); err != nil {
		return err
	}

	if request == nil {
		response, err := c.readResponseTo(outgoing)
		if err != nil {
			return err
		}
		ctrl, _ := response.GetTable("_ctrl")
		encalg, hasAlg := ctrl.GetString("_encalg")
		if hasAlg {
			if c.policy == Unencrypted {
				return fmt.Errorf("%w: encryption not requested but peer specified _encalg", ccerr.ErrBadNoncing)
			}
			switch encalg {
			case "aes256z":
				encrypted, compressed = true, true
			case "aes256":
				encrypted = true
			default:
				return fmt.Errorf("%w: peer specified an invalid _encalg", ccerr.ErrBadNoncing)
			}
		} else if c.policy == Required {
			return ccerr.ErrNotSecure
		}
	}

	c.encrypted = encrypted
	c.compressed = compressed
	return nil
}

func pickAlg(initenc wire.List) string {
	has := func(name string) bool {
		for _, v := range initenc {
			if b, ok := v.(wire.Blob); ok && b.String() == name {
				return true
			}
		}
		return false
	}
	if has("aes256z") {
		return "aes256z"
	}
	if has("aes256") {
		return "aes256"
	}
	return ""
}

// Close closes the underlying socket. It is not safe to call concurrently
// with Read or Write.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// Shutdown half-closes the underlying socket (if supported) to unblock a
// concurrent Read without racing it.
func (c *Connection) Shutdown() error {
	if cw, ok := c.conn.(interface{ CloseRead() error }); ok {
		return cw.CloseRead()
	}
	return c.conn.Close()
}

func (c *Connection) readAll(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	return buf, nil
}

// read0 reads and decodes one message without nonce checking. The passive
// handshake calls it directly, before peer nonce state exists; Read calls
// it for every later message and then checks the nonce fields itself.
func (c *Connection) read0() (*wire.Table, error) {
	lenBytes, err := c.readAll(4)
	if err != nil {
		return nil, err
	}
	l := beUint32(lenBytes)
	if uint64(l) > wire.MaxWireSize {
		return nil, ccerr.ErrMessageTooBig
	}
	body, err := c.readAll(int(l))
	if err != nil {
		return nil, err
	}
	m, err := frame.DecodeMessage(body, c.secret)
	if err != nil {
		return nil, err
	}
	c.tracer.Emit(trace.OpRead, trace.MessageData{Kind: "handshake", Summary: summarize(m)})
	return m, nil
}

// Read reads the next message from the peer, verifies its nonce fields,
// and returns it along with the outstanding-request state if the message
// is a response (nil otherwise).
func (c *Connection) Read() (*wire.Table, interface{}, error) {
	m, err := c.read0()
	if err != nil {
		return nil, nil, err
	}
	state, err := c.check(m)
	if err != nil {
		return nil, nil, err
	}
	return m, state, nil
}

func (c *Connection) check(m *wire.Table) (interface{}, error) {
	ctrl, ok := m.GetTable("_ctrl")
	if !ok {
		return nil, fmt.Errorf("%w: no _ctrl", ccerr.ErrBadNoncing)
	}

	if c.encrypted {
		if _, ok := ctrl.Get("_enc"); !ok {
			return nil, fmt.Errorf("%w: got an unencrypted message on an encrypted connection", ccerr.ErrBadNoncing)
		}
	}

	pnon, err := nonceField(ctrl, "_pnon", false)
	if err != nil {
		return nil, err
	}
	if pnon != c.selfNonce {
		return nil, fmt.Errorf("%w: _pnon does not match (%d != %d)", ccerr.ErrBadNoncing, pnon, c.selfNonce)
	}

	snon, err := nonceField(ctrl, "_snon", false)
	if err != nil {
		return nil, err
	}
	if c.peerNonce == 0 {
		c.peerNonce = snon
	} else if snon != c.peerNonce {
		return nil, fmt.Errorf("%w: _snon does not match (%d != %d)", ccerr.ErrBadNoncing, snon, c.peerNonce)
	}

	sseq, err := nonceField(ctrl, "_sseq", false)
	if err != nil {
		return nil, err
	}
	if c.peerNext == 0 {
		c.peerNext = sseq
	} else if sseq != c.peerNext {
		return nil, fmt.Errorf("%w: _sseq does not match (%d != %d)", ccerr.ErrBadNoncing, sseq, c.peerNext)
	}
	c.peerNext++

	if _, ok := ctrl.Get("_rpl"); ok {
		rseqStr, _ := ctrl.GetString("_rseq")
		rseq, err := strconv.ParseUint(rseqStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: _rseq is not an integer", ccerr.ErrBadNoncing)
		}
		state, found := c.deleteOutstanding(rseq)
		if !found {
			return nil, fmt.Errorf("%w: _rseq %d is not outstanding", ccerr.ErrBadNoncing, rseq)
		}
		return state, nil
	}
	return nil, nil
}

func (c *Connection) readResponseTo(request *wire.Table) (*wire.Table, error) {
	response, _, err := c.Read()
	if err != nil {
		return nil, err
	}
	ctrl, _ := response.GetTable("_ctrl")
	if _, ok := ctrl.Get("_rpl"); !ok {
		return nil, ccerr.ErrNotResponse
	}
	reqCtrl, _ := request.GetTable("_ctrl")
	rseq, _ := ctrl.GetString("_rseq")
	sseq, _ := reqCtrl.GetString("_sseq")
	if rseq != sseq {
		return nil, ccerr.ErrBadResponse
	}
	return response, nil
}

// Write assigns nonce/sequence fields to m and sends it. If m is a
// request (neither a reply nor an event), self_next is registered in the
// outstanding table under state before the message is serialized.
func (c *Connection) Write(m *wire.Table, state interface{}) error {
	c.noncify(m, state)
	c.tracer.Emit(trace.OpWrite, trace.MessageData{Kind: "message", Summary: summarize(m)})
	return c.write(m)
}

// write serializes and sends m without touching nonce state; only Write
// calls this, after noncify has already set nonce fields.
func (c *Connection) write(m *wire.Table) error {
	framed, err := frame.EncodeMessage(m, c.secret)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(framed)
	return err
}

func (c *Connection) noncify(m *wire.Table, state interface{}) {
	ctrl, ok := m.GetTable("_ctrl")
	if !ok {
		ctrl = wire.NewTable()
		m.Set("_ctrl", ctrl)
	}
	ctrl.Set("_snon", wire.IntBlob(c.selfNonce))
	ctrl.Set("_sseq", wire.IntBlob(c.selfNext))
	ctrl.Set("_pnon", wire.IntBlob(c.peerNonce))

	_, isReply := ctrl.Get("_rpl")
	_, isEvent := ctrl.Get("_evt")
	if !isReply && !isEvent {
		c.addOutstanding(c.selfNext, state)
	}
	c.selfNext++

	if c.encrypted {
		ctrl.SetString("_enc", "1")
	} else {
		ctrl.Delete("_enc")
	}
	if c.compressed {
		ctrl.SetString("_comp", "1")
	} else {
		ctrl.Delete("_comp")
	}
}

func (c *Connection) addOutstanding(seq uint64, state interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outstanding[seq] = state
}

func (c *Connection) deleteOutstanding(seq uint64) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.outstanding[seq]
	if ok {
		delete(c.outstanding, seq)
	}
	return state, ok
}

// TakeOutstanding atomically removes and returns every still-outstanding
// request state, for use when tearing down a connection so callers can be
// woken with an error instead of waiting forever.
func (c *Connection) TakeOutstanding() map[uint64]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	taken := c.outstanding
	c.outstanding = make(map[uint64]interface{})
	return taken
}

// Encrypted reports whether the handshake negotiated encryption.
func (c *Connection) Encrypted() bool { return c.encrypted }

// Compressed reports whether the handshake negotiated compression (only
// meaningful when Encrypted is true).
func (c *Connection) Compressed() bool { return c.compressed }

// RemoteAddr returns the underlying socket's remote address.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func summarize(m *wire.Table) string {
	kind := message.KindOf(m).String()
	if typ, ok := message.DataType(m); ok {
		return kind + ":" + typ
	}
	return kind
}
