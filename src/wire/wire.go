// Package wire implements the gateway wire envelope: the opcode-tagged
// frame exchanged over the websocket transport, its JSON codec and the
// optional zlib-stream transport compression.
package wire

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

type Opcode = int

// https://discord.com/developers/docs/events/gateway#gateway-opcodes
const (
	OpcodeDispatch                Opcode = 0
	OpcodeHeartbeat               Opcode = 1
	OpcodeIdentify                Opcode = 2
	OpcodePresenceUpdate          Opcode = 3
	OpcodeVoiceStateUpdate        Opcode = 4
	OpcodeResume                  Opcode = 6
	OpcodeReconnect               Opcode = 7
	OpcodeRequestGuildMember      Opcode = 8
	OpcodeInvalidSession          Opcode = 9
	OpcodeHello                   Opcode = 10
	OpcodeHeartbeatAck            Opcode = 11
	OpcodeRequestSoundboardSounds Opcode = 31
)

type EventName = string

const (
	EventNameReady             EventName = "READY"
	EventNameResumed           EventName = "RESUMED"
	EventNameMessageCreate     EventName = "MESSAGE_CREATE"
	EventNameInteractionCreate EventName = "INTERACTION_CREATE"
	EventNameGuildCreate       EventName = "GUILD_CREATE"
	EventNameVoiceServerUpdate EventName = "VOICE_SERVER_UPDATE"
	EventNameVoiceStateUpdate  EventName = "VOICE_STATE_UPDATE"
)

type CloseEventCode = int

const (
	CloseUnknownError         CloseEventCode = 4000
	CloseUnknownOpcode        CloseEventCode = 4001
	CloseDecodeError          CloseEventCode = 4002
	CloseNotAuthenticated     CloseEventCode = 4003
	CloseAuthenticationFailed CloseEventCode = 4004
	CloseAlreadyAuthenticated CloseEventCode = 4005
	CloseInvalidSeq           CloseEventCode = 4007
	CloseRateLimited          CloseEventCode = 4008
	CloseSessionTimedOut      CloseEventCode = 4009
	CloseInvalidShard         CloseEventCode = 4010
	CloseShardingRequired     CloseEventCode = 4011
	CloseInvalidAPIVersion    CloseEventCode = 4012
	CloseInvalidIntents       CloseEventCode = 4013
	CloseDisallowedIntents    CloseEventCode = 4014
)

// ResumableClose reports whether a server close with the given code still
// permits a resume of the same session.
func ResumableClose(code CloseEventCode) bool {
	switch code {
	case CloseAuthenticationFailed,
		CloseInvalidSeq,
		CloseSessionTimedOut,
		CloseInvalidShard,
		CloseShardingRequired,
		CloseInvalidAPIVersion,
		CloseInvalidIntents,
		CloseDisallowedIntents:
		return false
	}
	return true
}

// Envelope is a received frame. D is kept raw to delay payload decoding
// until the opcode/event name has routed it.
type Envelope struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  uint64          `json:"s,omitempty"`
	T  EventName       `json:"t,omitempty"`
}

func (e *Envelope) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("op_code", e.Op),
		slog.Uint64("sequence", e.S),
		slog.String("event_name", e.T),
	)
}

// Command is an outbound frame. D is any marshalable payload.
type Command struct {
	Op Opcode    `json:"op"`
	D  any       `json:"d"`
	S  uint64    `json:"s,omitempty"`
	T  EventName `json:"t,omitempty"`
}

func (c *Command) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("op_code", c.Op),
		slog.Any("event_data", c.D),
	)
}

// ProtocolError marks a structurally invalid envelope. It is non-fatal to
// the session unless it recurs; the session layer keeps the count.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
