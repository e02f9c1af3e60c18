package voice

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hendrywilliam/nereid/src/gateway"
	"github.com/hendrywilliam/nereid/src/structs"
	"github.com/pion/rtp"
)

type fakeTransport struct {
	url       string
	in        chan []byte
	out       chan []byte
	readErr   chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport(url string) *fakeTransport {
	return &fakeTransport{
		url:     url,
		in:      make(chan []byte, 16),
		out:     make(chan []byte, 16),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (c *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case err := <-c.readErr:
		return nil, err
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (c *fakeTransport) WriteMessage(data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return errors.New("use of closed connection")
	}
}

func (c *fakeTransport) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type fakeDialer struct {
	conns chan *fakeTransport
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeTransport, 4)}
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string) (gateway.Transport, error) {
	conn := newFakeTransport(rawURL)
	select {
	case d.conns <- conn:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return conn, nil
}

func (d *fakeDialer) accept(t *testing.T) *fakeTransport {
	t.Helper()
	select {
	case conn := <-d.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no voice dial attempt")
		return nil
	}
}

// mediaServer is a loopback stand-in for the UDP media endpoint: it answers
// discovery probes with a fixed external address and captures everything
// else the client transmits.
type mediaServer struct {
	conn         *net.UDPConn
	externalIP   string
	externalPort uint16
	data         chan []byte

	mu     sync.Mutex
	client *net.UDPAddr
}

func startMediaServer(t *testing.T) *mediaServer {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	m := &mediaServer{
		conn:         conn,
		externalIP:   "203.0.113.1",
		externalPort: 50000,
		data:         make(chan []byte, 16),
	}
	go m.serve()
	return m
}

func (m *mediaServer) port() uint16 {
	return uint16(m.conn.LocalAddr().(*net.UDPAddr).Port)
}

func (m *mediaServer) serve() {
	buf := make([]byte, 1500)
	for {
		n, addr, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n >= discoveryPacketLen && binary.BigEndian.Uint16(buf[0:2]) == discoveryTypeRequest {
			m.mu.Lock()
			m.client = addr
			m.mu.Unlock()
			ssrc := binary.BigEndian.Uint32(buf[4:8])
			m.conn.WriteToUDP(buildDiscoveryReply(ssrc, m.externalIP, m.externalPort), addr)
			continue
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		select {
		case m.data <- packet:
		default:
		}
	}
}

func (m *mediaServer) sendToClient(t *testing.T, packet []byte) {
	t.Helper()
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		t.Fatal("no client address recorded")
	}
	if _, err := m.conn.WriteToUDP(packet, client); err != nil {
		t.Fatal(err)
	}
}

func (m *mediaServer) recv(t *testing.T) []byte {
	t.Helper()
	select {
	case packet := <-m.data:
		return packet
	case <-time.After(2 * time.Second):
		t.Fatal("no media packet arrived")
		return nil
	}
}

type serverEnvelope struct {
	Op  Opcode `json:"op"`
	D   any    `json:"d,omitempty"`
	Seq uint64 `json:"seq,omitempty"`
}

func sendEnv(t *testing.T, conn *fakeTransport, env serverEnvelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case conn.in <- data:
	case <-time.After(2 * time.Second):
		t.Fatal("server send stalled")
	}
}

// expectVoiceOp waits for the next client frame with the given opcode,
// acking heartbeats along the way.
func expectVoiceOp(t *testing.T, conn *fakeTransport, op Opcode) json.RawMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-conn.out:
			var env envelope
			if err := json.Unmarshal(data, &env); err != nil {
				t.Fatalf("client wrote invalid json: %v", err)
			}
			if env.Op == OpcodeHeartbeat && op != OpcodeHeartbeat {
				sendEnv(t, conn, serverEnvelope{Op: OpcodeHeartbeatAck, D: map[string]any{}})
				continue
			}
			if env.Op != op {
				t.Fatalf("client wrote op %d, want %d", env.Op, op)
			}
			return env.D
		case <-deadline:
			t.Fatalf("timed out waiting for voice op %d", op)
		}
	}
}

func waitPhase(t *testing.T, s *Session, want Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Phase() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("phase = %s, want %s", s.Phase(), want)
}

func newTestSession(t *testing.T, d gateway.Dialer) *Session {
	t.Helper()
	s := New(context.Background(), Options{
		GuildID: "guild-1",
		UserID:  "user-1",
		Dialer:  d,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	s.retryBase = time.Millisecond
	t.Cleanup(s.Close)
	return s
}

// completeHandshake drives one full handshake and returns the live
// websocket side.
func completeHandshake(t *testing.T, s *Session, d *fakeDialer, ms *mediaServer) *fakeTransport {
	t.Helper()
	conn := d.accept(t)
	if !strings.Contains(conn.url, "v=8") {
		t.Fatalf("voice dial url missing version: %s", conn.url)
	}
	sendEnv(t, conn, serverEnvelope{Op: OpcodeHello, D: structs.VoiceHello{HeartbeatInterval: 60_000}})

	raw := expectVoiceOp(t, conn, OpcodeIdentify)
	var identify structs.VoiceIdentify
	if err := json.Unmarshal(raw, &identify); err != nil {
		t.Fatal(err)
	}
	if identify.ServerID != "guild-1" || identify.UserID != "user-1" ||
		identify.SessionID != "vsess-1" || identify.Token != "vtoken-1" {
		t.Fatalf("identify payload = %+v", identify)
	}

	sendEnv(t, conn, serverEnvelope{Op: OpcodeReady, Seq: 1, D: structs.VoiceReady{
		SSRC:  555,
		IP:    "127.0.0.1",
		Port:  ms.port(),
		Modes: []string{ModeXSalsa20Poly1305, ModeAEADXChaCha20Poly1305, ModeXSalsa20Poly1305Lite},
	}})

	raw = expectVoiceOp(t, conn, OpcodeSelectProtocol)
	var sp structs.SelectProtocol
	if err := json.Unmarshal(raw, &sp); err != nil {
		t.Fatal(err)
	}
	if sp.Protocol != "udp" || sp.Data.Mode != ModeAEADXChaCha20Poly1305 {
		t.Fatalf("select protocol = %+v", sp)
	}
	if sp.Data.Address != ms.externalIP || sp.Data.Port != ms.externalPort {
		t.Fatalf("announced address %s:%d, want %s:%d",
			sp.Data.Address, sp.Data.Port, ms.externalIP, ms.externalPort)
	}

	sendEnv(t, conn, serverEnvelope{Op: OpcodeSessionDescription, Seq: 2, D: structs.SessionDescription{
		AudioCodec:     "opus",
		MediaSessionID: "media-1",
		Mode:           ModeAEADXChaCha20Poly1305,
		SecretKey:      testKey(),
	}})
	waitPhase(t, s, PhaseReady)
	return conn
}

func TestHandshakeAndMedia(t *testing.T) {
	ms := startMediaServer(t)
	d := newFakeDialer()
	s := newTestSession(t, d)

	s.UpdateServer("vtoken-1", "voice.test")
	s.UpdateState("vsess-1")
	completeHandshake(t, s, d, ms)

	// Outbound: the server must be able to decrypt what we transmit.
	opus := []byte("opus frame one")
	if err := s.SendOpus(opus); err != nil {
		t.Fatal(err)
	}
	packet := ms.recv(t)
	c, err := NewCipher(ModeAEADXChaCha20Poly1305, testKey())
	if err != nil {
		t.Fatal(err)
	}
	var hdr rtp.Header
	n, err := hdr.Unmarshal(packet)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.SSRC != 555 {
		t.Fatalf("ssrc = %d, want 555", hdr.SSRC)
	}
	got, err := c.Open(packet, n)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(opus) {
		t.Fatalf("decrypted %q, want %q", got, opus)
	}

	// Inbound: a sealed packet from the server surfaces on Frames.
	inbound := []byte("remote speech")
	remoteCapture := &captureWriter{}
	remote := NewPipeline(777, c, remoteCapture)
	if err := remote.SendFrame(inbound); err != nil {
		t.Fatal(err)
	}
	ms.sendToClient(t, remoteCapture.packets[0])
	select {
	case frame := <-s.Frames():
		if frame.SSRC != 777 || string(frame.Opus) != string(inbound) {
			t.Fatalf("inbound frame = %+v", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound frame never surfaced")
	}
}

func TestParentCancelWhileReceiving(t *testing.T) {
	ms := startMediaServer(t)
	d := newFakeDialer()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(ctx, Options{
		GuildID:     "guild-1",
		UserID:      "user-1",
		Dialer:      d,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		FrameBuffer: 2,
	})
	s.retryBase = time.Millisecond
	t.Cleanup(s.Close)
	s.UpdateServer("vtoken-1", "voice.test")
	s.UpdateState("vsess-1")
	completeHandshake(t, s, d, ms)

	// Flood inbound media without draining Frames so the reader fills the
	// buffer and ends up parked mid-handoff.
	c, err := NewCipher(ModeAEADXChaCha20Poly1305, testKey())
	if err != nil {
		t.Fatal(err)
	}
	remoteCapture := &captureWriter{}
	remote := NewPipeline(777, c, remoteCapture)
	for i := 0; i < 6; i++ {
		if err := remote.SendFrame([]byte("remote speech")); err != nil {
			t.Fatal(err)
		}
	}
	for _, packet := range remoteCapture.packets {
		ms.sendToClient(t, packet)
	}
	time.Sleep(50 * time.Millisecond)

	// Cancelling the parent context must wind the session down cleanly,
	// ending with a closed Frames channel rather than a crashed reader.
	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-s.Frames():
			if !ok {
				waitPhase(t, s, PhaseClosed)
				return
			}
		case <-deadline:
			t.Fatal("frames channel never closed after parent cancel")
		}
	}
}

func TestCredentialsEitherOrder(t *testing.T) {
	t.Run("server then state", func(t *testing.T) {
		d := newFakeDialer()
		s := newTestSession(t, d)
		s.UpdateServer("tok", "voice.test")
		select {
		case <-d.conns:
			t.Fatal("dialed with half the credentials")
		case <-time.After(50 * time.Millisecond):
		}
		s.UpdateState("sess")
		d.accept(t)
	})
	t.Run("state then server", func(t *testing.T) {
		d := newFakeDialer()
		s := newTestSession(t, d)
		s.UpdateState("sess")
		select {
		case <-d.conns:
			t.Fatal("dialed with half the credentials")
		case <-time.After(50 * time.Millisecond):
		}
		s.UpdateServer("tok", "voice.test")
		d.accept(t)
	})
}

func TestSetSpeaking(t *testing.T) {
	ms := startMediaServer(t)
	d := newFakeDialer()
	s := newTestSession(t, d)
	s.UpdateServer("vtoken-1", "voice.test")
	s.UpdateState("vsess-1")
	conn := completeHandshake(t, s, d, ms)

	if err := s.SetSpeaking(SpeakingModeMicrophone); err != nil {
		t.Fatal(err)
	}
	raw := expectVoiceOp(t, conn, OpcodeSpeaking)
	var speaking structs.Speaking
	if err := json.Unmarshal(raw, &speaking); err != nil {
		t.Fatal(err)
	}
	if speaking.Speaking != SpeakingModeMicrophone || speaking.SSRC != 555 {
		t.Fatalf("speaking payload = %+v", speaking)
	}
}

func TestResumeAfterTransportLoss(t *testing.T) {
	ms := startMediaServer(t)
	d := newFakeDialer()
	s := newTestSession(t, d)
	s.UpdateServer("vtoken-1", "voice.test")
	s.UpdateState("vsess-1")
	conn := completeHandshake(t, s, d, ms)

	conn.readErr <- &gateway.CloseError{Code: CloseServerCrashed, Text: "crash"}

	conn2 := d.accept(t)
	sendEnv(t, conn2, serverEnvelope{Op: OpcodeHello, D: structs.VoiceHello{HeartbeatInterval: 60_000}})
	raw := expectVoiceOp(t, conn2, OpcodeResume)
	var resume structs.VoiceResume
	if err := json.Unmarshal(raw, &resume); err != nil {
		t.Fatal(err)
	}
	if resume.ServerID != "guild-1" || resume.SessionID != "vsess-1" || resume.Token != "vtoken-1" {
		t.Fatalf("resume payload = %+v", resume)
	}
	if resume.SeqAck != 2 {
		t.Fatalf("seq_ack = %d, want 2", resume.SeqAck)
	}
	sendEnv(t, conn2, serverEnvelope{Op: OpcodeResumed, Seq: 3, D: map[string]any{}})
	waitPhase(t, s, PhaseReady)

	// The media session survived the websocket loss.
	if err := s.SendOpus([]byte("still here")); err != nil {
		t.Fatal(err)
	}
	ms.recv(t)
}

func TestSessionInvalidForcesIdentify(t *testing.T) {
	ms := startMediaServer(t)
	d := newFakeDialer()
	s := newTestSession(t, d)
	s.UpdateServer("vtoken-1", "voice.test")
	s.UpdateState("vsess-1")
	conn := completeHandshake(t, s, d, ms)

	conn.readErr <- &gateway.CloseError{Code: CloseSessionInvalid, Text: "gone"}

	conn2 := d.accept(t)
	sendEnv(t, conn2, serverEnvelope{Op: OpcodeHello, D: structs.VoiceHello{HeartbeatInterval: 60_000}})
	expectVoiceOp(t, conn2, OpcodeIdentify)
	if err := s.SendOpus([]byte("x")); !errors.Is(err, ErrNotReady) {
		t.Fatalf("SendOpus during re-handshake = %v, want ErrNotReady", err)
	}
}

func TestServerMigrationReidentifies(t *testing.T) {
	ms := startMediaServer(t)
	d := newFakeDialer()
	s := newTestSession(t, d)
	s.UpdateServer("vtoken-1", "voice.test")
	s.UpdateState("vsess-1")
	completeHandshake(t, s, d, ms)

	s.UpdateServer("vtoken-2", "voice2.test")

	conn2 := d.accept(t)
	if !strings.Contains(conn2.url, "voice2.test") {
		t.Fatalf("migration dialed %s, want new endpoint", conn2.url)
	}
	sendEnv(t, conn2, serverEnvelope{Op: OpcodeHello, D: structs.VoiceHello{HeartbeatInterval: 60_000}})
	raw := expectVoiceOp(t, conn2, OpcodeIdentify)
	var identify structs.VoiceIdentify
	if err := json.Unmarshal(raw, &identify); err != nil {
		t.Fatal(err)
	}
	if identify.Token != "vtoken-2" {
		t.Fatalf("identify token = %q, want refreshed token", identify.Token)
	}
}

func TestCloseBeforeCredentials(t *testing.T) {
	d := newFakeDialer()
	s := newTestSession(t, d)
	s.Close()
	s.UpdateServer("tok", "voice.test")
	s.UpdateState("sess")
	select {
	case <-d.conns:
		t.Fatal("dialed after close")
	case <-time.After(50 * time.Millisecond):
	}
	if _, ok := <-s.Frames(); ok {
		t.Fatal("frames channel must be closed")
	}
}
