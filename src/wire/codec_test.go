package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/klauspost/compress/zlib"
)

func TestEncodeHeartbeat(t *testing.T) {
	data, err := Encode(&Command{Op: OpcodeHeartbeat, D: uint64(42)})
	if err != nil {
		t.Fatalf("Encode() = %v", err)
	}
	want := `{"op":1,"d":42}`
	if string(data) != want {
		t.Errorf("Encode() = %s, want %s", data, want)
	}
}

func TestDecodeDispatch(t *testing.T) {
	raw := []byte(`{"op":0,"s":17,"t":"MESSAGE_CREATE","d":{"id":"123"}}`)
	e, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() = %v", err)
	}
	if e.Op != OpcodeDispatch || e.S != 17 || e.T != EventNameMessageCreate {
		t.Errorf("Decode() = %+v", e)
	}
	var body struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(e.D, &body); err != nil || body.ID != "123" {
		t.Errorf("payload = %s, err = %v", e.D, err)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"unknown opcode", `{"op":99,"d":{}}`},
		{"dispatch without event name", `{"op":0,"s":1,"d":{}}`},
		{"hello without payload", `{"op":10}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			var pe *ProtocolError
			if !errors.As(err, &pe) {
				t.Fatalf("Decode(%s) = %v, want *ProtocolError", tt.raw, err)
			}
		})
	}
}

// compressStream compresses each message with a shared zlib stream and sync
// flush boundaries, the way the transport's compressed mode frames them.
func compressStream(t *testing.T, messages ...[]byte) [][]byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	var frames [][]byte
	for _, msg := range messages {
		if _, err := zw.Write(msg); err != nil {
			t.Fatalf("compress: %v", err)
		}
		if err := zw.Flush(); err != nil {
			t.Fatalf("flush: %v", err)
		}
		frame := make([]byte, buf.Len())
		copy(frame, buf.Bytes())
		buf.Reset()
		frames = append(frames, frame)
	}
	return frames
}

func TestInflatorRoundTrip(t *testing.T) {
	msgs := [][]byte{
		[]byte(`{"op":10,"d":{"heartbeat_interval":41250}}`),
		[]byte(`{"op":0,"s":1,"t":"READY","d":{"session_id":"abc"}}`),
		[]byte(`{"op":11}`),
	}
	frames := compressStream(t, msgs...)

	z := NewInflator()
	for i, frame := range frames {
		got, err := z.Push(frame)
		if err != nil {
			t.Fatalf("Push(#%d) = %v", i, err)
		}
		if !bytes.Equal(got, msgs[i]) {
			t.Errorf("Push(#%d) = %s, want %s", i, got, msgs[i])
		}
	}
}

func TestInflatorPartialFrames(t *testing.T) {
	msg := []byte(`{"op":0,"s":2,"t":"GUILD_CREATE","d":{"id":"42"}}`)
	frames := compressStream(t, msg)
	frame := frames[0]

	z := NewInflator()
	// Split the frame so the first half lacks the flush suffix.
	half := len(frame) / 2
	if _, err := z.Push(frame[:half]); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("Push(partial) = %v, want ErrIncomplete", err)
	}
	got, err := z.Push(frame[half:])
	if err != nil {
		t.Fatalf("Push(rest) = %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("Push(rest) = %s, want %s", got, msg)
	}
}

func TestInflatorCorruptStream(t *testing.T) {
	z := NewInflator()
	frame := []byte{0x78, 0x9c, 0xde, 0xad, 0xbe, 0xef, 0x00, 0x00, 0xff, 0xff}
	_, err := z.Push(frame)
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("Push(corrupt) = %v, want *ProtocolError", err)
	}

	bad := NewInflator()
	if _, err := bad.Push([]byte{0x12, 0x34, 0x00, 0x00, 0xff, 0xff}); !errors.As(err, &pe) {
		t.Fatalf("Push(bad header) = %v, want *ProtocolError", err)
	}
}
