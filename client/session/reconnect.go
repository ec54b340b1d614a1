// Package session keeps a gateway connection alive across network drops and
// carries local voice state through the reconnect. The controller owns the
// user's intent (in voice, muted, deafened); the gateway and peer connection
// are disposable transports underneath it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/frisksitron/lobby-sub000/client/gateway"
)

type Phase string

const (
	PhaseConnected    Phase = "connected"
	PhaseReconnecting Phase = "reconnecting"
	PhaseOffline      Phase = "offline"
)

// Sound identifies a UI cue the controller wants played.
type Sound string

const (
	SoundJoin     Sound = "join"
	SoundLeave    Sound = "leave"
	SoundUndeafen Sound = "undeafen"
)

const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultOfflineAfter   = 3

	// pendingErrorWindow bounds how long an optimistic update waits for a
	// correlated rejection before its handler is discarded.
	pendingErrorWindow = 5 * time.Second
)

var ErrNotConnected = errors.New("gateway session is not established")

// Conn is the slice of the gateway connection the controller drives.
type Conn interface {
	Ready() gateway.Ready
	JoinVoice(muted, deafened bool, nonce string) error
	LeaveVoice() error
	SendVoiceState(muted, deafened *bool, nonce string) error
	NextNonce() string
	ExpectError(nonce string, fn func(gateway.ServerError)) (cancel func())
	Close() error
}

type Config struct {
	// Dial establishes a gateway session. It is called for the initial
	// connection and again on every reconnect attempt.
	Dial func(ctx context.Context) (Conn, error)

	// StopRTC tears down the peer connection when the gateway drops or the
	// user leaves voice. Must be safe to call repeatedly.
	StopRTC func()

	OnPhase func(Phase)
	OnSound func(Sound)

	// OnVoiceState reports the locally effective mute/deafen flags whenever
	// they change, whether optimistically or by server revert. The audio
	// layer keys its gating off this.
	OnVoiceState func(muted, deafened bool)

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// OfflineAfter is how many consecutive failed dials flip the phase to
	// offline. Retries continue regardless.
	OfflineAfter int
}

type Controller struct {
	cfg Config

	mu                sync.Mutex
	ctx               context.Context
	conn              Conn
	phase             Phase
	closed            bool
	inVoice           bool
	joining           bool
	muted             bool
	deafened          bool
	wasInVoice        bool
	rejoinMuted       bool
	rejoinDeafened    bool
	suppressJoinSound bool
	joinSoundPlayed   bool
	joinCancel        func()
}

func NewController(cfg Config) (*Controller, error) {
	if cfg.Dial == nil {
		return nil, errors.New("session: dial function is required")
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.OfflineAfter <= 0 {
		cfg.OfflineAfter = DefaultOfflineAfter
	}
	return &Controller{cfg: cfg}, nil
}

// Start establishes the initial gateway session. Failures here are returned
// to the caller; automatic recovery only covers sessions that were up once.
func (c *Controller) Start(ctx context.Context) error {
	conn, err := c.cfg.Dial(ctx)
	if err != nil {
		return fmt.Errorf("establishing gateway session: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return errors.New("session: controller is closed")
	}
	c.ctx = ctx
	c.conn = conn
	c.mu.Unlock()

	c.setPhase(PhaseConnected)
	return nil
}

// HandleDisconnect reacts to the gateway connection dying. Wire it to the
// gateway's OnClosed handler. A nil error means a deliberate local close
// and triggers nothing.
func (c *Controller) HandleDisconnect(err error) {
	if err == nil {
		return
	}

	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.wasInVoice = c.inVoice || c.joining
	c.rejoinMuted = c.muted
	c.rejoinDeafened = c.deafened
	c.inVoice = false
	c.joining = false
	c.joinCancel = nil
	c.conn = nil
	ctx := c.ctx
	c.mu.Unlock()

	slog.Warn("gateway connection lost", "component", "session", "error", err)
	if c.cfg.StopRTC != nil {
		c.cfg.StopRTC()
	}
	c.setPhase(PhaseReconnecting)

	if ctx == nil {
		ctx = context.Background()
	}
	go c.reconnectLoop(ctx)
}

func (c *Controller) reconnectLoop(ctx context.Context) {
	backoff := c.cfg.InitialBackoff
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		conn, err := c.cfg.Dial(ctx)
		if err != nil {
			failures++
			slog.Warn("reconnect attempt failed", "component", "session", "attempt", failures, "error", err)
			if failures == c.cfg.OfflineAfter {
				c.setPhase(PhaseOffline)
			}
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		rejoin := c.wasInVoice
		muted, deafened := c.rejoinMuted, c.rejoinDeafened
		c.wasInVoice = false
		if rejoin {
			// The user never left; restoring the session must not replay
			// the join cue.
			c.suppressJoinSound = true
		}
		c.mu.Unlock()

		slog.Info("gateway session restored", "component", "session")
		c.setPhase(PhaseConnected)

		if rejoin {
			if err := c.JoinVoice(muted, deafened); err != nil {
				slog.Error("voice rejoin failed", "component", "session", "error", err)
			}
		}
		return
	}
}

// JoinVoice requests voice entry with the given flags. The flags apply
// locally right away; a correlated server rejection aborts the join.
func (c *Controller) JoinVoice(muted, deafened bool) error {
	if deafened {
		muted = true
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.inVoice || c.joining {
		c.mu.Unlock()
		return nil
	}
	c.joining = true
	c.muted = muted
	c.deafened = deafened
	nonce := conn.NextNonce()
	cancel := conn.ExpectError(nonce, func(se gateway.ServerError) {
		c.mu.Lock()
		c.joining = false
		c.joinCancel = nil
		c.mu.Unlock()
		slog.Warn("voice join rejected", "component", "session", "code", se.Code, "retry_after_ms", se.RetryAfterMS)
	})
	c.joinCancel = cancel
	c.mu.Unlock()

	c.emitVoiceState(muted, deafened)

	if err := conn.JoinVoice(muted, deafened, nonce); err != nil {
		cancel()
		c.mu.Lock()
		c.joining = false
		c.joinCancel = nil
		c.mu.Unlock()
		return err
	}
	return nil
}

// HandleRtcReady marks the voice join as live. Wire it to the gateway's
// OnRtcReady handler, after the peer connection is constructed. The join
// cue plays here and only here, once per voice session.
func (c *Controller) HandleRtcReady() {
	c.mu.Lock()
	if c.joinCancel != nil {
		c.joinCancel()
		c.joinCancel = nil
	}
	if c.joining {
		c.joining = false
		c.inVoice = true
	}
	playSound := c.inVoice && !c.suppressJoinSound && !c.joinSoundPlayed
	if c.inVoice {
		c.joinSoundPlayed = true
		c.suppressJoinSound = false
	}
	c.mu.Unlock()

	if playSound && c.cfg.OnSound != nil {
		c.cfg.OnSound(SoundJoin)
	}
}

// LeaveVoice exits the voice room and resets the join-cue dedup so the next
// join plays it again.
func (c *Controller) LeaveVoice() error {
	c.mu.Lock()
	conn := c.conn
	// Leaving during a reconnect cancels the pending rejoin too.
	active := c.inVoice || c.joining || c.wasInVoice
	c.inVoice = false
	c.joining = false
	c.wasInVoice = false
	c.joinSoundPlayed = false
	c.suppressJoinSound = false
	if c.joinCancel != nil {
		c.joinCancel()
		c.joinCancel = nil
	}
	c.mu.Unlock()

	if !active {
		return nil
	}
	if c.cfg.StopRTC != nil {
		c.cfg.StopRTC()
	}
	if c.cfg.OnSound != nil {
		c.cfg.OnSound(SoundLeave)
	}
	if conn == nil {
		return nil
	}
	return conn.LeaveVoice()
}

// SetMuted toggles the microphone. Unmuting while deafened lifts the deafen
// too, matching what users expect from the combined control.
func (c *Controller) SetMuted(muted bool) error {
	c.mu.Lock()
	newMuted, newDeafened := muted, c.deafened
	if !muted && c.deafened {
		newDeafened = false
	}
	c.mu.Unlock()

	return c.updateVoiceState(newMuted, newDeafened)
}

// SetDeafened toggles incoming audio. Deafening forces mute; undeafening
// leaves the mute flag as it was.
func (c *Controller) SetDeafened(deafened bool) error {
	c.mu.Lock()
	newMuted := c.muted
	if deafened {
		newMuted = true
	}
	c.mu.Unlock()

	return c.updateVoiceState(newMuted, deafened)
}

// updateVoiceState applies flags locally, notifies listeners, and sends the
// change when in voice. A correlated rejection restores the prior snapshot.
func (c *Controller) updateVoiceState(newMuted, newDeafened bool) error {
	c.mu.Lock()
	prevMuted, prevDeafened := c.muted, c.deafened
	if newMuted == prevMuted && newDeafened == prevDeafened {
		c.mu.Unlock()
		return nil
	}
	c.muted, c.deafened = newMuted, newDeafened
	conn := c.conn
	active := c.inVoice || c.joining
	c.mu.Unlock()

	c.emitVoiceState(newMuted, newDeafened)
	if prevDeafened && !newDeafened && c.cfg.OnSound != nil {
		c.cfg.OnSound(SoundUndeafen)
	}

	if conn == nil || !active {
		return nil
	}

	nonce := conn.NextNonce()
	cancel := conn.ExpectError(nonce, func(se gateway.ServerError) {
		c.mu.Lock()
		c.muted, c.deafened = prevMuted, prevDeafened
		c.mu.Unlock()
		c.emitVoiceState(prevMuted, prevDeafened)
		slog.Warn("voice state reverted", "component", "session", "code", se.Code, "retry_after_ms", se.RetryAfterMS)
	})
	time.AfterFunc(pendingErrorWindow, cancel)

	muted, deafened := newMuted, newDeafened
	return conn.SendVoiceState(&muted, &deafened, nonce)
}

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) InVoice() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inVoice
}

func (c *Controller) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

func (c *Controller) Deafened() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deafened
}

func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Controller) emitVoiceState(muted, deafened bool) {
	if c.cfg.OnVoiceState != nil {
		c.cfg.OnVoiceState(muted, deafened)
	}
}

func (c *Controller) setPhase(phase Phase) {
	c.mu.Lock()
	if c.phase == phase || c.closed {
		c.mu.Unlock()
		return
	}
	c.phase = phase
	c.mu.Unlock()

	slog.Info("session phase changed", "component", "session", "phase", string(phase))
	if c.cfg.OnPhase != nil {
		c.cfg.OnPhase(phase)
	}
}
