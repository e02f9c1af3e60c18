// Package gateway maintains a long-lived gateway session: it dials the
// websocket, performs the identify or resume handshake, keeps the heartbeat
// alive and delivers dispatch events to the consumer in arrival order. Lost
// connections are re-established with exponential backoff, resuming the
// previous session whenever the server still allows it.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hendrywilliam/nereid/src/ratelimit"
	"github.com/hendrywilliam/nereid/src/structs"
	"github.com/hendrywilliam/nereid/src/wire"
)

var (
	ErrAlreadyOpen      = errors.New("gateway: session already open")
	ErrClosed           = errors.New("gateway: session closed")
	ErrZombieConnection = errors.New("gateway: heartbeat ack missed")
	ErrInvalidCommand   = errors.New("gateway: command is not sendable")
)

const (
	defaultGatewayURL  = "wss://gateway.discord.gg"
	defaultEventBuffer = 256

	// Consecutive malformed frames tolerated before the connection is
	// torn down and resumed on a fresh socket.
	protocolErrLimit = 5
)

type Options struct {
	Token      string
	Intents    uint
	GatewayURL string
	// Compress enables zlib-stream transport compression.
	Compress   bool
	Dialer     Dialer
	Limiter    *ratelimit.IdentifyLimiter
	Logger     *slog.Logger
	Properties structs.IdentifyEventProperties
	// EventBuffer is the capacity of the Events channel.
	EventBuffer int
}

// Gateway is a single gateway session. Create with New, start with Open,
// consume Events until the channel closes.
type Gateway struct {
	opts Options
	log  *slog.Logger

	phase atomic.Int32

	sessionMu sync.Mutex
	session   Session

	commands chan *wire.Command
	events   chan *wire.Envelope

	backoff *backoff

	opened    atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func New(opts Options) (*Gateway, error) {
	if opts.Token == "" {
		return nil, errors.New("gateway: token is required")
	}
	if opts.GatewayURL == "" {
		opts.GatewayURL = defaultGatewayURL
	}
	if opts.Dialer == nil {
		opts.Dialer = NewWSDialer()
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NewIdentifyLimiter(0, 0)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.Properties == (structs.IdentifyEventProperties{}) {
		opts.Properties = structs.IdentifyEventProperties{
			Os:      runtime.GOOS,
			Browser: "nereid",
			Device:  "nereid",
		}
	}
	return &Gateway{
		opts:     opts,
		log:      opts.Logger.With(slog.String("component", "gateway")),
		commands: make(chan *wire.Command, 16),
		events:   make(chan *wire.Envelope, opts.EventBuffer),
		backoff:  newBackoff(),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Open starts the connect loop. It returns immediately; handshake progress
// is observable through Phase and the Events channel.
func (g *Gateway) Open(ctx context.Context) error {
	if !g.opened.CompareAndSwap(false, true) {
		return ErrAlreadyOpen
	}
	go g.run(ctx)
	return nil
}

// Events returns the dispatch stream. Envelopes arrive in the order the
// server sent them. The channel is closed when the session shuts down.
func (g *Gateway) Events() <-chan *wire.Envelope {
	return g.events
}

func (g *Gateway) Phase() Phase {
	return Phase(g.phase.Load())
}

func (g *Gateway) setPhase(p Phase) {
	g.phase.Store(int32(p))
}

// Session returns a snapshot of the current resume state.
func (g *Gateway) Session() (sessionID string, sequence uint64) {
	g.sessionMu.Lock()
	defer g.sessionMu.Unlock()
	return g.session.id, g.session.sequence
}

// Send queues an outbound command. Only consumer-originated opcodes are
// accepted; handshake and heartbeat frames are owned by the session loop.
func (g *Gateway) Send(ctx context.Context, cmd *wire.Command) error {
	switch cmd.Op {
	case wire.OpcodePresenceUpdate,
		wire.OpcodeVoiceStateUpdate,
		wire.OpcodeRequestGuildMember,
		wire.OpcodeRequestSoundboardSounds:
	default:
		return fmt.Errorf("%w: op %d", ErrInvalidCommand, cmd.Op)
	}
	if cmd.D == nil {
		return fmt.Errorf("%w: missing payload", ErrInvalidCommand)
	}
	select {
	case <-g.closed:
		return ErrClosed
	default:
	}
	select {
	case g.commands <- cmd:
		return nil
	case <-g.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts the session down and waits for the run loop to exit. Safe to
// call more than once.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		close(g.closed)
	})
	if g.opened.Load() {
		<-g.done
	}
}

// closeReason describes why a connection ended and whether the session it
// carried is still resumable.
type closeReason struct {
	shutdown  bool
	resumable bool
	err       error
}

func classifyTransportErr(err error) closeReason {
	var ce *CloseError
	if errors.As(err, &ce) {
		return closeReason{resumable: wire.ResumableClose(ce.Code), err: err}
	}
	// Plain network failures leave the server-side session intact.
	return closeReason{resumable: true, err: err}
}

func (g *Gateway) run(ctx context.Context) {
	defer func() {
		g.setPhase(PhaseClosed)
		close(g.events)
		close(g.done)
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-g.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		g.setPhase(PhaseConnecting)
		rawURL := g.opts.GatewayURL
		g.sessionMu.Lock()
		if g.session.CanResume() && g.session.resumeURL != "" {
			rawURL = g.session.resumeURL
		}
		g.sessionMu.Unlock()

		dialURL, err := buildURL(rawURL, g.opts.Compress)
		if err != nil {
			g.log.Error("invalid gateway url", slog.Any("error", err))
			return
		}

		log := g.log.With(slog.String("conn_id", uuid.NewString()))
		conn, err := g.opts.Dialer.Dial(ctx, dialURL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("dial failed", slog.Any("error", err))
		} else {
			log.Info("connected", slog.String("url", dialURL))
			reason := g.serve(ctx, log, conn)
			if reason.shutdown {
				return
			}
			if reason.err != nil {
				log.Warn("connection lost",
					slog.Any("error", reason.err),
					slog.Bool("resumable", reason.resumable))
			}
			if !reason.resumable {
				g.sessionMu.Lock()
				g.session.Clear()
				g.sessionMu.Unlock()
			}
		}

		g.setPhase(PhaseReconnecting)
		if !g.waitBackoff(ctx) {
			return
		}
	}
}

func (g *Gateway) waitBackoff(ctx context.Context) bool {
	d := g.backoff.next()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// connState bundles the per-connection pieces the envelope handlers touch.
type connState struct {
	log          *slog.Logger
	conn         Transport
	hb           *heartbeatMonitor
	identifyHeld bool
}

// serve runs one connection to completion: handshake, heartbeats, dispatch
// delivery and outbound command writes, all on a single goroutine so frame
// handling stays ordered.
func (g *Gateway) serve(ctx context.Context, log *slog.Logger, conn Transport) closeReason {
	defer conn.Close()
	g.setPhase(PhaseAwaitingHello)

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	readerDone := make(chan struct{})
	defer close(readerDone)
	go func() {
		for {
			data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-readerDone:
				return
			}
		}
	}()

	var inflator *wire.Inflator
	if g.opts.Compress {
		inflator = wire.NewInflator()
	}

	cs := &connState{
		log:  log,
		conn: conn,
		hb:   newHeartbeatMonitor(),
	}
	defer cs.hb.stop()
	defer func() {
		if cs.identifyHeld {
			g.opts.Limiter.Release()
		}
	}()

	protocolErrs := 0

	for {
		select {
		case <-ctx.Done():
			return closeReason{shutdown: true}

		case err := <-readErr:
			return classifyTransportErr(err)

		case data := <-frames:
			if inflator != nil {
				msg, err := inflator.Push(data)
				if errors.Is(err, wire.ErrIncomplete) {
					continue
				}
				if err != nil {
					return closeReason{resumable: true, err: err}
				}
				data = msg
			}
			env, err := wire.Decode(data)
			if err != nil {
				protocolErrs++
				log.Warn("malformed frame",
					slog.Any("error", err),
					slog.Int("consecutive", protocolErrs))
				if protocolErrs >= protocolErrLimit {
					return closeReason{resumable: true, err: err}
				}
				continue
			}
			protocolErrs = 0
			if reason, done := g.handleEnvelope(ctx, cs, env); done {
				return reason
			}

		case <-cs.hb.C():
			if cs.hb.ackPending {
				log.Warn("heartbeat ack missed, dropping connection")
				return closeReason{resumable: true, err: ErrZombieConnection}
			}
			if err := g.writeHeartbeat(cs); err != nil {
				return closeReason{resumable: true, err: err}
			}

		case cmd := <-g.commands:
			if err := writeCommand(conn, cmd); err != nil {
				return closeReason{resumable: true, err: err}
			}
			log.Debug("command sent", slog.Any("command", cmd))
		}
	}
}

func writeCommand(conn Transport, cmd *wire.Command) error {
	data, err := wire.Encode(cmd)
	if err != nil {
		return err
	}
	return conn.WriteMessage(data)
}

func (g *Gateway) writeHeartbeat(cs *connState) error {
	g.sessionMu.Lock()
	seq := g.session.sequence
	g.sessionMu.Unlock()
	err := writeCommand(cs.conn, &wire.Command{Op: wire.OpcodeHeartbeat, D: seq})
	if err != nil {
		return err
	}
	cs.hb.beat()
	return nil
}

func (g *Gateway) handleEnvelope(ctx context.Context, cs *connState, env *wire.Envelope) (closeReason, bool) {
	switch env.Op {
	case wire.OpcodeHello:
		var hello structs.HelloEvent
		if err := json.Unmarshal(env.D, &hello); err != nil || hello.HeartbeatInterval == 0 {
			return closeReason{resumable: true, err: &wire.ProtocolError{Reason: "bad hello payload", Err: err}}, true
		}
		cs.hb.start(time.Duration(hello.HeartbeatInterval) * time.Millisecond)
		return g.authenticate(ctx, cs)

	case wire.OpcodeHeartbeat:
		// Server-requested heartbeat, answered immediately.
		if err := g.writeHeartbeat(cs); err != nil {
			return closeReason{resumable: true, err: err}, true
		}

	case wire.OpcodeHeartbeatAck:
		cs.hb.ack()

	case wire.OpcodeReconnect:
		cs.log.Info("server requested reconnect")
		return closeReason{resumable: true}, true

	case wire.OpcodeInvalidSession:
		var resumable bool
		_ = json.Unmarshal(env.D, &resumable)
		cs.log.Warn("session invalidated", slog.Bool("resumable", resumable))
		return closeReason{resumable: resumable, err: errors.New("gateway: session invalidated by server")}, true

	case wire.OpcodeDispatch:
		return g.handleDispatch(ctx, cs, env)
	}
	return closeReason{}, false
}

// authenticate sends Resume when a previous session can be continued,
// otherwise waits for an identify permit and sends Identify.
func (g *Gateway) authenticate(ctx context.Context, cs *connState) (closeReason, bool) {
	g.sessionMu.Lock()
	canResume := g.session.CanResume()
	sessionID := g.session.id
	seq := g.session.sequence
	g.sessionMu.Unlock()

	if canResume {
		g.setPhase(PhaseResuming)
		cs.log.Info("resuming session",
			slog.String("session_id", sessionID),
			slog.Uint64("sequence", seq))
		err := writeCommand(cs.conn, &wire.Command{
			Op: wire.OpcodeResume,
			D: structs.ResumeEvent{
				Token:     g.opts.Token,
				SessionID: sessionID,
				Seq:       seq,
			},
		})
		if err != nil {
			return closeReason{resumable: true, err: err}, true
		}
		return closeReason{}, false
	}

	g.setPhase(PhaseIdentifying)
	if err := g.opts.Limiter.Acquire(ctx); err != nil {
		return closeReason{shutdown: true}, true
	}
	cs.identifyHeld = true
	err := writeCommand(cs.conn, &wire.Command{
		Op: wire.OpcodeIdentify,
		D: structs.IdentifyEvent{
			Token:      g.opts.Token,
			Intents:    g.opts.Intents,
			Properties: g.opts.Properties,
		},
	})
	if err != nil {
		return closeReason{resumable: true, err: err}, true
	}
	return closeReason{}, false
}

func (g *Gateway) handleDispatch(ctx context.Context, cs *connState, env *wire.Envelope) (closeReason, bool) {
	g.sessionMu.Lock()
	g.session.observe(env.S)
	g.sessionMu.Unlock()

	switch env.T {
	case wire.EventNameReady:
		var ready structs.ReadyEvent
		if err := json.Unmarshal(env.D, &ready); err != nil {
			return closeReason{resumable: true, err: &wire.ProtocolError{Reason: "bad ready payload", Err: err}}, true
		}
		g.sessionMu.Lock()
		g.session.id = ready.SessionID
		g.session.resumeURL = ready.ResumeGatewayURL
		g.sessionMu.Unlock()
		g.setPhase(PhaseReady)
		g.backoff.reset()
		if cs.identifyHeld {
			g.opts.Limiter.Release()
			cs.identifyHeld = false
		}
		cs.log.Info("session ready",
			slog.String("session_id", ready.SessionID),
			slog.String("username", ready.User.Username))

	case wire.EventNameResumed:
		g.setPhase(PhaseReady)
		g.backoff.reset()
		cs.log.Info("session resumed")
	}

	select {
	case g.events <- env:
	case <-ctx.Done():
		return closeReason{shutdown: true}, true
	}
	return closeReason{}, false
}
