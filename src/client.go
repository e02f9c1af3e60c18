// Package src wires the pieces into one client: a gateway session, the
// identify gate, and one voice session per guild. The client owns the
// dispatch loop that routes voice credential events to their sessions and
// hands everything else to the consumer.
package src

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hendrywilliam/nereid/src/audio"
	"github.com/hendrywilliam/nereid/src/gateway"
	"github.com/hendrywilliam/nereid/src/ratelimit"
	"github.com/hendrywilliam/nereid/src/structs"
	"github.com/hendrywilliam/nereid/src/voice"
	"github.com/hendrywilliam/nereid/src/voicemanager"
	"github.com/hendrywilliam/nereid/src/wire"
)

var (
	ErrVoiceActive = errors.New("client: guild already has a voice session")
	ErrNoVoice     = errors.New("client: no voice session for guild")
)

type ClientOptions struct {
	Token      string
	Intents    uint
	GatewayURL string
	Compress   bool
	Logger     *slog.Logger
	Dialer     gateway.Dialer
	// Limiter may be shared across clients running shards of one token.
	Limiter *ratelimit.IdentifyLimiter
}

type Client struct {
	log     *slog.Logger
	dialer  gateway.Dialer
	gw      *gateway.Gateway
	voices  *voicemanager.VoiceManager
	limiter *ratelimit.IdentifyLimiter

	events chan *wire.Envelope

	mu        sync.Mutex
	ctx       context.Context
	botUserID string

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NewIdentifyLimiter(0, 0)
	}
	if opts.Dialer == nil {
		opts.Dialer = gateway.NewWSDialer()
	}
	gw, err := gateway.New(gateway.Options{
		Token:      opts.Token,
		Intents:    opts.Intents,
		GatewayURL: opts.GatewayURL,
		Compress:   opts.Compress,
		Dialer:     opts.Dialer,
		Limiter:    opts.Limiter,
		Logger:     opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &Client{
		log:     opts.Logger.With(slog.String("component", "client")),
		dialer:  opts.Dialer,
		gw:      gw,
		voices:  voicemanager.NewVoiceManager(),
		limiter: opts.Limiter,
		events:  make(chan *wire.Envelope, 256),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Open starts the gateway session and the dispatch loop.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	if err := c.gw.Open(ctx); err != nil {
		return err
	}
	go c.dispatch()
	return nil
}

// Events returns the dispatch stream after voice routing. Closed when the
// client shuts down.
func (c *Client) Events() <-chan *wire.Envelope {
	return c.events
}

func (c *Client) Phase() gateway.Phase {
	return c.gw.Phase()
}

// Close shuts down the gateway, every voice session, and the event stream.
// It does not require the consumer to keep draining Events.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
	c.gw.Close()
	<-c.done
}

// dispatch consumes the gateway stream in order, peels off the events the
// voice layer needs, and forwards everything to the consumer.
func (c *Client) dispatch() {
	defer func() {
		c.voices.CloseAll()
		close(c.events)
		close(c.done)
	}()
	for env := range c.gw.Events() {
		switch env.T {
		case wire.EventNameReady:
			c.onReady(env)
		case wire.EventNameVoiceServerUpdate:
			c.onVoiceServerUpdate(env)
		case wire.EventNameVoiceStateUpdate:
			c.onVoiceStateUpdate(env)
		}
		select {
		case c.events <- env:
		case <-c.closed:
			return
		}
	}
}

func (c *Client) onReady(env *wire.Envelope) {
	var ready structs.ReadyEvent
	if err := json.Unmarshal(env.D, &ready); err != nil {
		c.log.Warn("bad ready payload", slog.Any("error", err))
		return
	}
	c.mu.Lock()
	c.botUserID = ready.User.ID
	c.mu.Unlock()
}

func (c *Client) onVoiceServerUpdate(env *wire.Envelope) {
	var ev structs.VoiceServerUpdateEvent
	if err := json.Unmarshal(env.D, &ev); err != nil {
		c.log.Warn("bad voice server update", slog.Any("error", err))
		return
	}
	if session := c.voices.Get(ev.GuildID); session != nil {
		session.UpdateServer(ev.Token, ev.Endpoint)
	}
}

func (c *Client) onVoiceStateUpdate(env *wire.Envelope) {
	var ev structs.VoiceStateUpdateEvent
	if err := json.Unmarshal(env.D, &ev); err != nil {
		c.log.Warn("bad voice state update", slog.Any("error", err))
		return
	}
	c.mu.Lock()
	botUserID := c.botUserID
	c.mu.Unlock()
	if ev.UserID != botUserID {
		return
	}
	if ev.ChannelID == "" {
		// We were moved out of the channel.
		if session := c.voices.Remove(ev.GuildID); session != nil {
			session.Close()
		}
		return
	}
	if session := c.voices.Get(ev.GuildID); session != nil {
		session.UpdateState(ev.SessionID)
	}
}

// JoinVoice requests a voice connection in the given channel and returns
// the session. The session connects in the background once the gateway
// delivers its credentials; SendOpus returns ErrNotReady until then.
func (c *Client) JoinVoice(ctx context.Context, guildID, channelID string, selfMute, selfDeaf bool) (*voice.Session, error) {
	c.mu.Lock()
	botUserID := c.botUserID
	clientCtx := c.ctx
	c.mu.Unlock()
	if clientCtx == nil {
		clientCtx = context.Background()
	}

	session := voice.New(clientCtx, voice.Options{
		GuildID: guildID,
		UserID:  botUserID,
		Dialer:  c.dialer,
		Logger:  c.log,
	})
	if !c.voices.Add(guildID, session) {
		session.Close()
		return nil, fmt.Errorf("%w: %s", ErrVoiceActive, guildID)
	}

	err := c.gw.Send(ctx, &wire.Command{
		Op: wire.OpcodeVoiceStateUpdate,
		D: structs.UpdateVoiceState{
			GuildID:   guildID,
			ChannelID: &channelID,
			SelfMute:  selfMute,
			SelfDeaf:  selfDeaf,
		},
	})
	if err != nil {
		c.voices.Remove(guildID)
		session.Close()
		return nil, err
	}
	return session, nil
}

// LeaveVoice announces the disconnect to the gateway and tears down the
// guild's voice session.
func (c *Client) LeaveVoice(ctx context.Context, guildID string) error {
	session := c.voices.Remove(guildID)
	if session == nil {
		return fmt.Errorf("%w: %s", ErrNoVoice, guildID)
	}
	defer session.Close()
	return c.gw.Send(ctx, &wire.Command{
		Op: wire.OpcodeVoiceStateUpdate,
		D: structs.UpdateVoiceState{
			GuildID:   guildID,
			ChannelID: nil,
		},
	})
}

// Voice returns the guild's active voice session, if any.
func (c *Client) Voice(guildID string) *voice.Session {
	return c.voices.Get(guildID)
}

// PlayFile transcodes a local media file and streams it into the guild's
// voice channel, blocking until the file ends or ctx is cancelled. The
// guild must already have a ready voice session.
func (c *Client) PlayFile(ctx context.Context, guildID, path string) error {
	session := c.voices.Get(guildID)
	if session == nil {
		return fmt.Errorf("%w: %s", ErrNoVoice, guildID)
	}
	if err := session.SetSpeaking(voice.SpeakingModeMicrophone); err != nil {
		return err
	}
	defer session.SetSpeaking(0)
	defer session.Pause(0)
	return audio.Stream(ctx, path, session.SendOpus)
}

func (c *Client) UpdatePresence(ctx context.Context, presence structs.PresenceUpdate) error {
	return c.gw.Send(ctx, &wire.Command{Op: wire.OpcodePresenceUpdate, D: presence})
}

func (c *Client) RequestGuildMembers(ctx context.Context, req structs.RequestGuildMembers) error {
	return c.gw.Send(ctx, &wire.Command{Op: wire.OpcodeRequestGuildMember, D: req})
}
