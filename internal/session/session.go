// Package session owns one connection to a chatroom server: it frames
// outgoing packets, reassembles incoming ones, correlates responses with
// pending requests and reports every received packet and the final
// disconnect to the registered handlers.
//
// All transport writes, the reassembler and the correlation engine are
// owned by a single I/O goroutine. Callers hand work to it over a channel,
// so no lock guards the protocol state.
package session

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chatroom-project/chatroom/internal/correlation"
	"github.com/chatroom-project/chatroom/internal/events"
	"github.com/chatroom-project/chatroom/internal/network"
	"github.com/chatroom-project/chatroom/internal/protocol"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateFailed
)

var stateStrings = map[State]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateClosing:      "closing",
	StateFailed:       "failed",
}

func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes State as a JSON string (e.g. "connected").
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Handlers receive session events. They run on a dedicated goroutine, one
// at a time, in the order the events happened. Any of them may be nil.
type Handlers struct {
	// OnNotification receives every decoded packet, including responses
	// that also completed a pending request.
	OnNotification func(protocol.Packet)
	// OnDisconnect fires exactly once per session. A nil cause means the
	// session was closed locally.
	OnDisconnect func(cause error)
	// OnException receives receive-path faults such as undecodable frames.
	OnException func(err error)
}

// Options tune a Session. Zero values select the defaults.
type Options struct {
	Dialer         network.Dialer
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	// RequestTimeout applies to Request calls whose context has no deadline.
	RequestTimeout time.Duration
	MaxFrameSize   int
	ReadBufferSize int
}

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 10 * time.Second,
		WriteTimeout:   network.DefaultWriteTimeout,
		RequestTimeout: 30 * time.Second,
		MaxFrameSize:   protocol.DefaultMaxFrameSize,
		ReadBufferSize: network.DefaultReadBufferSize,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = def.RequestTimeout
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = def.MaxFrameSize
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = def.ReadBufferSize
	}
	return o
}

type commandOp int

const (
	opSend commandOp = iota
	opRequest
	opAbandon
	opClose
)

type command struct {
	op      commandOp
	pkt     protocol.Packet
	expect  protocol.Kind
	pending *correlation.Pending
	reply   chan reply
}

type reply struct {
	pending *correlation.Pending
	ok      bool
	err     error
}

type readEvent struct {
	data []byte
	err  error
}

// Session is a single connection to a chatroom server. It is not reusable:
// once disconnected, create a new Session to reconnect.
type Session struct {
	opts     Options
	handlers Handlers
	logger   zerolog.Logger

	state   atomic.Int32
	started atomic.Bool

	addr   string
	conn   *network.Connection
	live   atomic.Pointer[network.Connection]
	cmds   chan command
	reads  chan readEvent
	done   chan struct{}
	notify *events.Queue

	// cause is written once before done is closed.
	cause error

	// Owned by the I/O goroutine.
	reasm   *protocol.Reassembler
	engine  *correlation.Engine
	closing bool
	fault   error
	goodbye bool
}

// New creates a disconnected session.
func New(opts Options, handlers Handlers) *Session {
	opts = opts.withDefaults()
	return &Session{
		opts:     opts,
		handlers: handlers,
		logger:   log.With().Str("component", "session").Logger(),
		cmds:     make(chan command),
		reads:    make(chan readEvent, 16),
		done:     make(chan struct{}),
		reasm:    protocol.NewReassembler(opts.MaxFrameSize),
		engine:   correlation.NewEngine(),
	}
}

// Connect opens the transport to addr ("host:port"). On failure the session
// ends in the failed path: the returned *TransportError is also the
// disconnect cause.
func (s *Session) Connect(ctx context.Context, addr string) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	s.addr = addr
	s.logger = s.logger.With().Str("addr", addr).Logger()
	s.notify = events.NewQueue("session " + addr)
	s.setState(StateConnecting)

	ctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	conn, err := network.Dial(ctx, s.opts.Dialer, addr, s.opts.WriteTimeout)
	if err != nil {
		terr := &TransportError{Op: "connect", Addr: addr, Err: err}
		s.setState(StateFailed)
		s.logger.Error().Err(err).Msg("connect failed")
		s.finish(terr)
		return terr
	}

	s.conn = conn
	s.live.Store(conn)
	s.setState(StateConnected)
	s.logger.Info().Msg("connected")

	go s.readLoop()
	go s.run()
	return nil
}

// Send writes pkt without waiting for any response.
func (s *Session) Send(ctx context.Context, pkt protocol.Packet) error {
	r, err := s.submit(ctx, command{op: opSend, pkt: pkt})
	if err != nil {
		return err
	}
	return r.err
}

// Request writes req and waits for the next unclaimed packet of kind
// expect. If ctx ends first the pending entry is withdrawn, so a late
// response is only seen as a notification, and a *TimeoutError is
// returned. Requests are never retried.
func (s *Session) Request(ctx context.Context, req protocol.Packet, expect protocol.Kind) (protocol.Packet, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}

	r, err := s.submit(ctx, command{op: opRequest, pkt: req, expect: expect})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && err == ctxErr {
			return nil, &TimeoutError{Expect: expect, Err: ctxErr}
		}
		return nil, err
	}
	if r.err != nil {
		return nil, r.err
	}

	select {
	case res := <-r.pending.Done():
		return res.Packet, res.Err
	case <-ctx.Done():
		return s.abandon(r.pending, ctx.Err())
	}
}

// abandon withdraws p after its deadline. If the I/O goroutine completed
// p in the meantime, that result wins.
func (s *Session) abandon(p *correlation.Pending, cause error) (protocol.Packet, error) {
	rc := make(chan reply, 1)
	select {
	case s.cmds <- command{op: opAbandon, pending: p, reply: rc}:
		if (<-rc).ok {
			s.logger.Debug().Str("expect", string(p.Expect())).Msg("request timed out")
			return nil, &TimeoutError{Expect: p.Expect(), Err: cause}
		}
	case <-s.done:
	}
	res := <-p.Done()
	return res.Packet, res.Err
}

// Close sends a best-effort Goodbye, closes the transport and waits until
// pending requests are cancelled. It is safe to call more than once and
// on a session that never connected.
func (s *Session) Close() error {
	if !s.started.Load() {
		return nil
	}

	rc := make(chan reply, 1)
	select {
	case s.cmds <- command{op: opClose, reply: rc}:
	case <-s.done:
		return nil
	}
	<-s.done
	return nil
}

// Done is closed once the session has disconnected and every pending
// request has been cancelled.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// HandlersDone is closed after the disconnect handler has returned.
func (s *Session) HandlersDone() <-chan struct{} {
	if s.notify == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.notify.Done()
}

// Err returns the disconnect cause once Done is closed, nil before that or
// after a local close.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.cause
	default:
		return nil
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Address returns the address passed to Connect.
func (s *Session) Address() string {
	return s.addr
}

// LastActivity returns the time of the last byte sent or received.
func (s *Session) LastActivity() time.Time {
	conn := s.live.Load()
	if conn == nil {
		return time.Time{}
	}
	return conn.LastActivity()
}

func (s *Session) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		s.logger.Debug().Str("from", old.String()).Str("to", st.String()).Msg("state changed")
	}
}

func (s *Session) submit(ctx context.Context, cmd command) (reply, error) {
	if s.State() != StateConnected {
		return reply{}, ErrNotConnected
	}

	cmd.reply = make(chan reply, 1)
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return reply{}, ErrNotConnected
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
	return <-cmd.reply, nil
}

func (s *Session) readLoop() {
	err := s.conn.ReadLoop(s.opts.ReadBufferSize, func(b []byte) {
		s.reads <- readEvent{data: b}
	})
	s.reads <- readEvent{err: err}
}

// run is the I/O goroutine. It exits after the reader reports the end of
// the stream, which every failure path forces by closing the transport.
func (s *Session) run() {
	for {
		select {
		case cmd := <-s.cmds:
			s.handle(cmd)
		case ev := <-s.reads:
			if ev.err != nil {
				s.teardown(ev.err)
				return
			}
			s.receive(ev.data)
		}
	}
}

func (s *Session) handle(cmd command) {
	switch cmd.op {
	case opSend:
		cmd.reply <- reply{err: s.write(cmd.pkt)}

	case opRequest:
		if s.closing || s.fault != nil {
			cmd.reply <- reply{err: ErrNotConnected}
			return
		}
		p := s.engine.Register(cmd.expect)
		if err := s.write(cmd.pkt); err != nil {
			s.engine.Remove(p)
			cmd.reply <- reply{err: err}
			return
		}
		cmd.reply <- reply{pending: p}

	case opAbandon:
		cmd.reply <- reply{ok: s.engine.Remove(cmd.pending)}

	case opClose:
		s.shutdown()
		cmd.reply <- reply{}
	}
}

func (s *Session) write(pkt protocol.Packet) error {
	if s.closing || s.fault != nil {
		return ErrNotConnected
	}

	frame, err := protocol.EncodeFrame(pkt)
	if err != nil {
		return err
	}

	if err := s.conn.Write(frame); err != nil {
		terr := &TransportError{Op: "write", Addr: s.addr, Err: err}
		s.logger.Error().Err(err).Str("kind", string(pkt.Kind())).Msg("write failed")
		s.fail(terr)
		return terr
	}

	s.logger.Trace().
		Str("kind", string(pkt.Kind())).
		Int("bytes", len(frame)).
		Msg("sent packet")
	return nil
}

func (s *Session) receive(data []byte) {
	if s.fault != nil {
		return
	}

	pkts, err := s.reasm.Feed(data)
	for _, p := range pkts {
		s.deliver(p)
	}

	if err != nil {
		perr := &ProtocolError{Err: err}
		s.logger.Error().Err(err).Msg("undecodable frame, dropping connection")
		if h := s.handlers.OnException; h != nil {
			s.notify.Submit(func() { h(perr) })
		}
		s.fail(perr)
	}
}

func (s *Session) deliver(p protocol.Packet) {
	matched := s.engine.Dispatch(p)

	s.logger.Trace().
		Str("kind", string(p.Kind())).
		Bool("matched", matched).
		Msg("received packet")

	if _, ok := p.(protocol.Goodbye); ok {
		s.goodbye = true
	}

	if h := s.handlers.OnNotification; h != nil {
		s.notify.Submit(func() { h(p) })
	}
}

// fail records the first fatal error and closes the transport. The reader
// then reports the end of stream and teardown runs.
func (s *Session) fail(err error) {
	if s.fault == nil {
		s.fault = err
	}
	s.setState(StateFailed)
	s.conn.Close()
}

func (s *Session) shutdown() {
	if s.closing {
		return
	}
	s.closing = true

	if s.fault == nil {
		s.setState(StateClosing)
		if frame, err := protocol.EncodeFrame(protocol.Goodbye{}); err == nil {
			if err := s.conn.Write(frame); err != nil {
				s.logger.Debug().Err(err).Msg("goodbye not delivered")
			}
		}
	}
	s.conn.Close()
}

func (s *Session) teardown(readErr error) {
	var cause error
	switch {
	case s.fault != nil:
		cause = s.fault
	case s.closing:
		cause = nil
	case s.goodbye:
		cause = ErrServerGoodbye
	default:
		cause = &TransportError{Op: "read", Addr: s.addr, Err: readErr}
		s.setState(StateFailed)
	}
	s.conn.Close()

	reason := ErrCancelled
	if cause != nil {
		reason = fmt.Errorf("%w: %w", ErrCancelled, cause)
	}
	if n := s.engine.CancelAll(reason); n > 0 {
		s.logger.Warn().Int("pending", n).Msg("cancelled pending requests")
	}

	in, out := s.conn.Traffic()
	event := s.logger.Info()
	if cause != nil {
		event = s.logger.Warn().Err(cause)
	}
	event.
		Uint64("bytes_in", in).
		Uint64("bytes_out", out).
		Dur("connected_for", time.Since(s.conn.ConnectedAt())).
		Msg("disconnected")

	s.finish(cause)
}

// finish publishes the disconnect. Pending requests are already cancelled.
func (s *Session) finish(cause error) {
	s.cause = cause
	s.setState(StateDisconnected)
	close(s.done)

	if h := s.handlers.OnDisconnect; h != nil {
		s.notify.Submit(func() { h(cause) })
	}
	s.notify.Close()
}
