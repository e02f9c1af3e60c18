package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

var knownOpcodes = map[Opcode]struct{}{
	OpcodeDispatch:                {},
	OpcodeHeartbeat:               {},
	OpcodeIdentify:                {},
	OpcodePresenceUpdate:          {},
	OpcodeVoiceStateUpdate:        {},
	OpcodeResume:                  {},
	OpcodeReconnect:               {},
	OpcodeRequestGuildMember:      {},
	OpcodeInvalidSession:          {},
	OpcodeHello:                   {},
	OpcodeHeartbeatAck:            {},
	OpcodeRequestSoundboardSounds: {},
}

// Encode serializes an outbound command into a single transport frame.
func Encode(c *Command) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode op %d: %w", c.Op, err)
	}
	return data, nil
}

// Decode parses a transport frame into an envelope. A malformed frame
// returns a *ProtocolError; such errors do not terminate the session on
// their own.
func Decode(data []byte) (*Envelope, error) {
	e := &Envelope{}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, &ProtocolError{Reason: "malformed envelope", Err: err}
	}
	if _, ok := knownOpcodes[e.Op]; !ok {
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown opcode %d", e.Op)}
	}
	switch e.Op {
	case OpcodeDispatch:
		if e.T == "" {
			return nil, &ProtocolError{Reason: "dispatch without event name"}
		}
	case OpcodeHello:
		if len(e.D) == 0 {
			return nil, &ProtocolError{Reason: "hello without payload"}
		}
	}
	return e, nil
}

// ErrIncomplete signals that a compressed transport frame does not yet end
// a logical message; the caller must feed more frames before decoding.
var ErrIncomplete = errors.New("wire: incomplete compressed message")

// zlib-stream messages end with a sync flush.
var flushSuffix = []byte{0x00, 0x00, 0xff, 0xff}

// Inflator reassembles logical messages from a zlib-stream compressed
// transport. The deflate window is shared across the whole connection, so
// one Inflator must live as long as its transport and must not be reused
// across reconnects.
type Inflator struct {
	raw     []byte
	dict    []byte
	fr      io.ReadCloser
	started bool
}

func NewInflator() *Inflator {
	return &Inflator{}
}

// Push feeds one transport frame. It returns the decompressed logical
// message once complete, ErrIncomplete while more frames are needed, or a
// *ProtocolError for a corrupt stream.
func (z *Inflator) Push(frame []byte) ([]byte, error) {
	z.raw = append(z.raw, frame...)
	if !bytes.HasSuffix(frame, flushSuffix) {
		return nil, ErrIncomplete
	}

	chunk := z.raw
	z.raw = nil
	if !z.started {
		if len(chunk) < 2 || chunk[0]&0x0f != 0x08 {
			return nil, &ProtocolError{Reason: "invalid zlib stream header"}
		}
		// The stream never terminates, so the trailing adler32 is never
		// seen; strip the 2-byte zlib header and inflate raw deflate.
		chunk = chunk[2:]
		z.started = true
	}

	if z.fr == nil {
		z.fr = flate.NewReaderDict(bytes.NewReader(chunk), z.dict)
	} else {
		if err := z.fr.(flate.Resetter).Reset(bytes.NewReader(chunk), z.dict); err != nil {
			return nil, &ProtocolError{Reason: "zlib stream reset", Err: err}
		}
	}

	msg, err := io.ReadAll(z.fr)
	// The sync flush leaves the deflate stream open; hitting the end of
	// the chunk mid-stream is the expected success case.
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, &ProtocolError{Reason: "corrupt zlib stream", Err: err}
	}
	z.dict = appendWindow(z.dict, msg)
	return msg, nil
}

const deflateWindowSize = 32 * 1024

func appendWindow(dict, out []byte) []byte {
	dict = append(dict, out...)
	if len(dict) > deflateWindowSize {
		dict = dict[len(dict)-deflateWindowSize:]
	}
	return dict
}
