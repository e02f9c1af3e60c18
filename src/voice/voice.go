package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hendrywilliam/nereid/src/gateway"
	"github.com/hendrywilliam/nereid/src/structs"
)

// Phase is the voice handshake lifecycle state.
type Phase int32

const (
	PhaseAwaitingCredentials Phase = iota
	PhaseConnecting
	PhaseAwaitingHello
	PhaseIdentifying
	PhaseAwaitingDescription
	PhaseDiscovering
	PhaseReady
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingCredentials:
		return "awaiting_credentials"
	case PhaseConnecting:
		return "connecting"
	case PhaseAwaitingHello:
		return "awaiting_hello"
	case PhaseIdentifying:
		return "identifying"
	case PhaseAwaitingDescription:
		return "awaiting_description"
	case PhaseDiscovering:
		return "discovering"
	case PhaseReady:
		return "ready"
	case PhaseClosed:
		return "closed"
	}
	return "unknown"
}

var (
	ErrNotReady = errors.New("voice: media session not established")
	ErrClosed   = errors.New("voice: session closed")
)

const (
	apiVersion         = 8
	defaultFrameBuffer = 64

	// Missed heartbeat acks tolerated before the connection is dropped.
	maxMissedAcks = 3
)

type Options struct {
	GuildID string
	UserID  string
	Dialer  gateway.Dialer
	Logger  *slog.Logger
	// FrameBuffer is the capacity of the inbound Frames channel.
	FrameBuffer int
}

// credentials is the pair of dispatches a voice connection needs. The main
// gateway delivers them in either order; the handshake starts once both
// halves have arrived.
type credentials struct {
	token     string
	endpoint  string
	sessionID string
}

func (c credentials) complete() bool {
	return c.token != "" && c.endpoint != "" && c.sessionID != ""
}

// Session is one guild's voice connection. Feed it UpdateServer and
// UpdateState as the corresponding gateway dispatches arrive; it connects
// on its own once both credentials are present.
type Session struct {
	opts Options
	log  *slog.Logger
	ctx  context.Context

	phase atomic.Int32

	mu      sync.Mutex
	creds   credentials
	started bool

	commands chan *command
	frames   chan *InboundFrame

	ssrc    atomic.Uint32
	lastSeq atomic.Uint64

	mediaMu  sync.Mutex
	mediaUDP *net.UDPConn
	pipeline *Pipeline

	// kick forces the current connection down for a full re-identify,
	// used when the guild migrates to a new voice server.
	kick chan struct{}

	retryBase time.Duration

	readers    sync.WaitGroup
	closed     chan struct{}
	closeOnce  sync.Once
	framesOnce sync.Once
	done       chan struct{}
}

func New(ctx context.Context, opts Options) *Session {
	if opts.Dialer == nil {
		opts.Dialer = gateway.NewWSDialer()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.FrameBuffer <= 0 {
		opts.FrameBuffer = defaultFrameBuffer
	}
	return &Session{
		opts: opts,
		log: opts.Logger.With(
			slog.String("component", "voice"),
			slog.String("guild_id", opts.GuildID)),
		ctx:       ctx,
		commands:  make(chan *command, 16),
		frames:    make(chan *InboundFrame, opts.FrameBuffer),
		kick:      make(chan struct{}, 1),
		retryBase: time.Second,
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (s *Session) Phase() Phase {
	return Phase(s.phase.Load())
}

func (s *Session) setPhase(p Phase) {
	s.phase.Store(int32(p))
}

// Frames returns the inbound audio stream. Closed when the session ends.
func (s *Session) Frames() <-chan *InboundFrame {
	return s.frames
}

// UpdateServer records the token/endpoint half of the credentials. A new
// endpoint for a live connection means the guild moved voice servers; the
// old connection is dropped and a full handshake runs against the new one.
func (s *Session) UpdateServer(token, endpoint string) {
	s.mu.Lock()
	moved := s.started && endpoint != s.creds.endpoint
	s.creds.token = token
	s.creds.endpoint = endpoint
	s.mu.Unlock()
	if moved {
		select {
		case s.kick <- struct{}{}:
		default:
		}
		return
	}
	s.maybeStart()
}

// UpdateState records the voice session id half of the credentials.
func (s *Session) UpdateState(sessionID string) {
	s.mu.Lock()
	s.creds.sessionID = sessionID
	s.mu.Unlock()
	s.maybeStart()
}

func (s *Session) maybeStart() {
	select {
	case <-s.closed:
		return
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || !s.creds.complete() {
		return
	}
	s.started = true
	go s.run(s.ctx)
}

// SendOpus transmits one 20ms opus frame. Valid only in PhaseReady.
func (s *Session) SendOpus(frame []byte) error {
	s.mediaMu.Lock()
	p := s.pipeline
	s.mediaMu.Unlock()
	if p == nil {
		return ErrNotReady
	}
	return p.SendFrame(frame)
}

// Pause ends the current speech burst with silence interpolation and
// advances the media clock as if n frames had been sent.
func (s *Session) Pause(skippedFrames int) error {
	s.mediaMu.Lock()
	p := s.pipeline
	s.mediaMu.Unlock()
	if p == nil {
		return ErrNotReady
	}
	if err := p.SendSilence(); err != nil {
		return err
	}
	p.SkipFrames(skippedFrames)
	return nil
}

// SetSpeaking announces the speaking flags for our SSRC. Must be sent at
// least once before audio, per protocol.
func (s *Session) SetSpeaking(modes uint) error {
	cmd := &command{
		Op: OpcodeSpeaking,
		D: structs.Speaking{
			Speaking: modes,
			Delay:    0,
			SSRC:     s.ssrc.Load(),
		},
	}
	select {
	case s.commands <- cmd:
		return nil
	case <-s.closed:
		return ErrClosed
	}
}

func (s *Session) Stats() Stats {
	s.mediaMu.Lock()
	p := s.pipeline
	s.mediaMu.Unlock()
	if p == nil {
		return Stats{}
	}
	return p.Stats()
}

// Close tears down the websocket and media socket. Safe to call more than
// once, including before the handshake ever started.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.done
		return
	}
	s.setPhase(PhaseClosed)
	s.framesOnce.Do(func() { close(s.frames) })
}

type closeReason struct {
	shutdown  bool
	resumable bool
	err       error
}

func (s *Session) run(ctx context.Context) {
	defer func() {
		// Closing the media socket unblocks the reader's Read; the wait
		// must finish before frames can be closed safely.
		s.teardownMedia()
		s.readers.Wait()
		s.setPhase(PhaseClosed)
		s.framesOnce.Do(func() { close(s.frames) })
		close(s.done)
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	canResume := false
	retryDelay := s.retryBase
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.setPhase(PhaseConnecting)
		s.mu.Lock()
		creds := s.creds
		s.mu.Unlock()

		u := url.URL{
			Scheme:   "wss",
			Host:     creds.endpoint,
			RawQuery: fmt.Sprintf("v=%d", apiVersion),
		}
		log := s.log.With(slog.String("conn_id", uuid.NewString()))
		conn, err := s.opts.Dialer.Dial(ctx, u.String())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("voice dial failed", slog.Any("error", err))
		} else {
			reason := s.serve(ctx, log, conn, creds, canResume)
			if reason.shutdown {
				return
			}
			if reason.err != nil {
				log.Warn("voice connection lost",
					slog.Any("error", reason.err),
					slog.Bool("resumable", reason.resumable))
			}
			canResume = reason.resumable
			if !canResume {
				s.teardownMedia()
			} else {
				retryDelay = s.retryBase
			}
		}

		t := time.NewTimer(retryDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
		t.Stop()
		if retryDelay < 16*s.retryBase {
			retryDelay *= 2
		}
	}
}

// vconn is the state of one websocket connection during the handshake.
type vconn struct {
	log   *slog.Logger
	conn  gateway.Transport
	creds credentials

	heartbeat  *time.Ticker
	tickC      <-chan time.Time
	ackPending bool
	missedAcks int

	ssrc uint32
	mode string
}

func (s *Session) serve(ctx context.Context, log *slog.Logger, conn gateway.Transport, creds credentials, canResume bool) closeReason {
	defer conn.Close()
	s.setPhase(PhaseAwaitingHello)

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

	vc := &vconn{log: log, conn: conn, creds: creds}
	defer func() {
		if vc.heartbeat != nil {
			vc.heartbeat.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return closeReason{shutdown: true}

		case <-s.kick:
			return closeReason{resumable: false, err: errors.New("voice: server changed")}

		case err := <-readErr:
			var ce *gateway.CloseError
			if errors.As(err, &ce) {
				return closeReason{resumable: resumableClose(ce.Code), err: err}
			}
			return closeReason{resumable: true, err: err}

		case data := <-frames:
			env := &envelope{}
			if err := json.Unmarshal(data, env); err != nil {
				log.Warn("malformed voice frame", slog.Any("error", err))
				continue
			}
			if env.Seq > 0 {
				s.lastSeq.Store(env.Seq)
			}
			if reason, done := s.handleEnvelope(ctx, vc, env, canResume); done {
				return reason
			}

		case <-vc.tickC:
			if vc.ackPending {
				vc.missedAcks++
				if vc.missedAcks >= maxMissedAcks {
					log.Warn("voice heartbeat acks missed, dropping connection")
					return closeReason{resumable: true, err: errors.New("voice: heartbeat acks missed")}
				}
			} else {
				vc.missedAcks = 0
			}
			if err := s.writeCommand(conn, &command{
				Op: OpcodeHeartbeat,
				D: structs.VoiceHeartbeat{
					T:      time.Now().UnixMilli(),
					SeqAck: s.lastSeq.Load(),
				},
			}); err != nil {
				return closeReason{resumable: true, err: err}
			}
			vc.ackPending = true

		case cmd := <-s.commands:
			if err := s.writeCommand(conn, cmd); err != nil {
				return closeReason{resumable: true, err: err}
			}
		}
	}
}

func (s *Session) writeCommand(conn gateway.Transport, cmd *command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("voice: encode op %d: %w", cmd.Op, err)
	}
	return conn.WriteMessage(data)
}

func (s *Session) handleEnvelope(ctx context.Context, vc *vconn, env *envelope, canResume bool) (closeReason, bool) {
	switch env.Op {
	case OpcodeHello:
		var hello structs.VoiceHello
		if err := json.Unmarshal(env.D, &hello); err != nil || hello.HeartbeatInterval <= 0 {
			return closeReason{resumable: canResume, err: fmt.Errorf("voice: bad hello payload: %w", err)}, true
		}
		interval := time.Duration(hello.HeartbeatInterval * float64(time.Millisecond))
		vc.heartbeat = time.NewTicker(interval)
		vc.tickC = vc.heartbeat.C

		if canResume {
			s.setPhase(PhaseIdentifying)
			vc.log.Info("resuming voice session")
			err := s.writeCommand(vc.conn, &command{
				Op: OpcodeResume,
				D: structs.VoiceResume{
					ServerID:  s.opts.GuildID,
					SessionID: vc.creds.sessionID,
					Token:     vc.creds.token,
					SeqAck:    s.lastSeq.Load(),
				},
			})
			if err != nil {
				return closeReason{resumable: true, err: err}, true
			}
			return closeReason{}, false
		}

		s.setPhase(PhaseIdentifying)
		err := s.writeCommand(vc.conn, &command{
			Op: OpcodeIdentify,
			D: structs.VoiceIdentify{
				ServerID:  s.opts.GuildID,
				UserID:    s.opts.UserID,
				SessionID: vc.creds.sessionID,
				Token:     vc.creds.token,
			},
		})
		if err != nil {
			return closeReason{resumable: false, err: err}, true
		}

	case OpcodeReady:
		var ready structs.VoiceReady
		if err := json.Unmarshal(env.D, &ready); err != nil {
			return closeReason{resumable: false, err: fmt.Errorf("voice: bad ready payload: %w", err)}, true
		}
		if reason, bad := s.establishMedia(ctx, vc, &ready); bad {
			return reason, true
		}

	case OpcodeSessionDescription:
		var desc structs.SessionDescription
		if err := json.Unmarshal(env.D, &desc); err != nil {
			return closeReason{resumable: false, err: fmt.Errorf("voice: bad session description: %w", err)}, true
		}
		cipher, err := NewCipher(desc.Mode, desc.SecretKey)
		if err != nil {
			return closeReason{resumable: false, err: err}, true
		}
		s.startPipeline(ctx, vc.ssrc, cipher)
		s.setPhase(PhaseReady)
		vc.log.Info("voice session established",
			slog.String("mode", desc.Mode),
			slog.String("codec", desc.AudioCodec))

	case OpcodeHeartbeatAck:
		vc.ackPending = false
		vc.missedAcks = 0

	case OpcodeResumed:
		s.setPhase(PhaseReady)
		vc.log.Info("voice session resumed")

	case OpcodeSpeaking, OpcodeClientsConnect, OpcodeClientDisconnect:
		vc.log.Debug("voice event", slog.Int("op_code", env.Op))

	default:
		vc.log.Debug("unhandled voice event", slog.Int("op_code", env.Op))
	}
	return closeReason{}, false
}

// establishMedia opens the UDP media socket, runs address discovery and
// answers with SelectProtocol.
func (s *Session) establishMedia(ctx context.Context, vc *vconn, ready *structs.VoiceReady) (closeReason, bool) {
	mode, err := SelectMode(ready.Modes)
	if err != nil {
		return closeReason{resumable: false, err: err}, true
	}
	vc.ssrc = ready.SSRC
	vc.mode = mode
	s.ssrc.Store(ready.SSRC)

	s.setPhase(PhaseDiscovering)
	raddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", ready.IP, ready.Port))
	if err != nil {
		return closeReason{resumable: false, err: fmt.Errorf("voice: media address: %w", err)}, true
	}
	udpConn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return closeReason{resumable: true, err: fmt.Errorf("voice: media dial: %w", err)}, true
	}

	externalIP, externalPort, err := DiscoverIP(ctx, udpConn, ready.SSRC)
	if err != nil {
		udpConn.Close()
		return closeReason{resumable: true, err: err}, true
	}
	vc.log.Info("address discovered",
		slog.String("ip", externalIP),
		slog.Int("port", int(externalPort)),
		slog.String("mode", mode))

	s.mediaMu.Lock()
	if s.mediaUDP != nil {
		s.mediaUDP.Close()
	}
	s.mediaUDP = udpConn
	s.pipeline = nil
	s.mediaMu.Unlock()

	err = s.writeCommand(vc.conn, &command{
		Op: OpcodeSelectProtocol,
		D: structs.SelectProtocol{
			Protocol: "udp",
			Data: structs.SelectProtocolData{
				Address: externalIP,
				Port:    externalPort,
				Mode:    mode,
			},
		},
	})
	if err != nil {
		return closeReason{resumable: true, err: err}, true
	}
	s.setPhase(PhaseAwaitingDescription)
	return closeReason{}, false
}

func (s *Session) startPipeline(ctx context.Context, ssrc uint32, c Cipher) {
	s.mediaMu.Lock()
	udpConn := s.mediaUDP
	p := NewPipeline(ssrc, c, udpConn)
	s.pipeline = p
	s.mediaMu.Unlock()
	if udpConn != nil {
		s.readers.Add(1)
		go func() {
			defer s.readers.Done()
			s.readMedia(ctx, udpConn, p)
		}()
	}
}

// readMedia pumps inbound datagrams through the pipeline until the socket
// closes or the session winds down. Packets that fail to authenticate are
// counted and dropped.
func (s *Session) readMedia(ctx context.Context, conn *net.UDPConn, p *Pipeline) {
	buf := make([]byte, 1500)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		frame, err := p.Receive(datagram)
		if err != nil {
			continue
		}
		select {
		case s.frames <- frame:
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		}
	}
}

func (s *Session) teardownMedia() {
	s.mediaMu.Lock()
	if s.mediaUDP != nil {
		s.mediaUDP.Close()
		s.mediaUDP = nil
	}
	s.pipeline = nil
	s.mediaMu.Unlock()
}
