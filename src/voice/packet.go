package voice

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
)

const (
	rtpVersion      = 2
	payloadTypeOpus = 0x78

	// 48kHz clock, 20ms frames.
	frameTimestampStep = 960
	silenceFrameCount  = 5
)

// Opus silence, interpolated at the end of a speech burst.
var silenceFrame = []byte{0xF8, 0xFF, 0xFE}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	AuthFailures    uint64
	Dropped         uint64
}

// InboundFrame is one decrypted inbound audio packet. Out-of-order and
// duplicate packets are annotated, not dropped; the decoder decides.
type InboundFrame struct {
	SSRC       uint32
	Sequence   uint16
	Timestamp  uint32
	Opus       []byte
	OutOfOrder bool
	Duplicate  bool
}

// Pipeline frames, encrypts and transmits opus audio over one media socket
// and decrypts the return path. Sequence numbers wrap at 16 bits and the
// timestamp at 32 bits; both are plain uint arithmetic.
type Pipeline struct {
	ssrc   uint32
	cipher Cipher
	w      io.Writer

	sendMu    sync.Mutex
	seq       uint16
	timestamp uint32

	recvMu  sync.Mutex
	lastSeq map[uint32]uint16

	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	authFailures    atomic.Uint64
	dropped         atomic.Uint64
}

func NewPipeline(ssrc uint32, c Cipher, w io.Writer) *Pipeline {
	return &Pipeline{
		ssrc:    ssrc,
		cipher:  c,
		w:       w,
		lastSeq: make(map[uint32]uint16),
	}
}

// SendFrame seals and writes one 20ms opus frame.
func (p *Pipeline) SendFrame(opus []byte) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	hdr := rtp.Header{
		Version:        rtpVersion,
		PayloadType:    payloadTypeOpus,
		SequenceNumber: p.seq,
		Timestamp:      p.timestamp,
		SSRC:           p.ssrc,
	}
	raw, err := hdr.Marshal()
	if err != nil {
		return fmt.Errorf("voice: rtp header: %w", err)
	}
	packet, err := p.cipher.Seal(raw, opus)
	if err != nil {
		return err
	}
	if _, err := p.w.Write(packet); err != nil {
		return fmt.Errorf("voice: media write: %w", err)
	}
	p.seq++
	p.timestamp += frameTimestampStep
	p.packetsSent.Add(1)
	return nil
}

// SendSilence transmits the five interpolation frames that close a speech
// burst so remote jitter buffers flush cleanly.
func (p *Pipeline) SendSilence() error {
	for i := 0; i < silenceFrameCount; i++ {
		if err := p.SendFrame(silenceFrame); err != nil {
			return err
		}
	}
	return nil
}

// SkipFrames advances the media clock for frames not transmitted while
// paused, keeping receiver timing aligned on resume.
func (p *Pipeline) SkipFrames(n int) {
	p.sendMu.Lock()
	p.timestamp += uint32(n) * frameTimestampStep
	p.sendMu.Unlock()
}

// Receive decrypts one inbound datagram. Packets that fail authentication
// are counted and rejected; the caller must not surface their contents.
func (p *Pipeline) Receive(datagram []byte) (*InboundFrame, error) {
	var hdr rtp.Header
	n, err := hdr.Unmarshal(datagram)
	if err != nil {
		p.dropped.Add(1)
		return nil, fmt.Errorf("voice: bad rtp header: %w", err)
	}
	if hdr.Version != rtpVersion {
		p.dropped.Add(1)
		return nil, fmt.Errorf("voice: unexpected rtp version %d", hdr.Version)
	}

	opus, err := p.cipher.Open(datagram, n)
	if err != nil {
		p.authFailures.Add(1)
		return nil, err
	}

	frame := &InboundFrame{
		SSRC:      hdr.SSRC,
		Sequence:  hdr.SequenceNumber,
		Timestamp: hdr.Timestamp,
		Opus:      opus,
	}
	p.recvMu.Lock()
	if last, seen := p.lastSeq[hdr.SSRC]; seen {
		// Signed distance handles wraparound at the 16-bit boundary.
		switch diff := int16(hdr.SequenceNumber - last); {
		case diff == 0:
			frame.Duplicate = true
		case diff < 0:
			frame.OutOfOrder = true
		default:
			p.lastSeq[hdr.SSRC] = hdr.SequenceNumber
		}
	} else {
		p.lastSeq[hdr.SSRC] = hdr.SequenceNumber
	}
	p.recvMu.Unlock()
	p.packetsReceived.Add(1)
	return frame, nil
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		PacketsSent:     p.packetsSent.Load(),
		PacketsReceived: p.packetsReceived.Load(),
		AuthFailures:    p.authFailures.Load(),
		Dropped:         p.dropped.Load(),
	}
}
