package business

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// HeartbeatPhase is the supervisor's liveness phase.
type HeartbeatPhase int32

const (
	// PhaseActive means traffic is flowing and only the idle timer is armed.
	PhaseActive HeartbeatPhase = iota
	// PhaseAwaitingPong means a probe is outstanding and the pong timer is
	// armed. retryCount is positive exactly while in this phase.
	PhaseAwaitingPong
)

// Heartbeat defaults, tuned so that a dead peer is detected no later than
// IdleInterval + MaxPingRetries*PongWait after its last traffic.
const (
	DefaultIdleInterval   = 75 * time.Second
	DefaultPongWait       = 15 * time.Second
	DefaultMaxPingRetries = 2
)

// HeartbeatConfig tunes one supervisor.
type HeartbeatConfig struct {
	IdleInterval   time.Duration
	PongWait       time.Duration
	MaxPingRetries int
}

func (c HeartbeatConfig) withDefaults() HeartbeatConfig {
	if c.IdleInterval <= 0 {
		c.IdleInterval = DefaultIdleInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = DefaultPongWait
	}
	if c.MaxPingRetries <= 0 {
		c.MaxPingRetries = DefaultMaxPingRetries
	}
	return c
}

// HeartbeatSupervisor drives the liveness state machine of one connection.
// When the idle window elapses with no inbound traffic it sends a probe and
// waits for a pong, retrying up to MaxPingRetries times before declaring the
// peer dead. ping and expire run outside the internal lock, so they may call
// back into the supervisor freely. expire fires at most once.
type HeartbeatSupervisor struct {
	clk    clock.Clock
	cfg    HeartbeatConfig
	ping   func()
	expire func()

	mu         sync.Mutex
	phase      HeartbeatPhase
	retryCount int
	idleTimer  *clock.Timer
	pongTimer  *clock.Timer
	started    bool
	stopped    bool
	expired    bool
}

// NewHeartbeatSupervisor builds an idle supervisor. Start arms it.
func NewHeartbeatSupervisor(clk clock.Clock, cfg HeartbeatConfig, ping, expire func()) *HeartbeatSupervisor {
	if clk == nil {
		clk = clock.New()
	}
	return &HeartbeatSupervisor{
		clk:    clk,
		cfg:    cfg.withDefaults(),
		ping:   ping,
		expire: expire,
	}
}

// Start arms the idle timer. Calling Start twice is a no-op.
func (hb *HeartbeatSupervisor) Start() {
	hb.mu.Lock()
	defer hb.mu.Unlock()

	if hb.started || hb.stopped {
		return
	}
	hb.started = true
	hb.idleTimer = hb.clk.AfterFunc(hb.cfg.IdleInterval, hb.onIdle)
}

// OnInboundTraffic resets the state machine to the active phase. Any frame
// from the peer counts as proof of life, not just pongs.
func (hb *HeartbeatSupervisor) OnInboundTraffic() {
	hb.reset()
}

// OnPongReceived acknowledges an outstanding probe. Idempotent; pongs
// arriving in the active phase just re-arm the idle window.
func (hb *HeartbeatSupervisor) OnPongReceived() {
	hb.reset()
}

func (hb *HeartbeatSupervisor) reset() {
	hb.mu.Lock()
	defer hb.mu.Unlock()

	if !hb.started || hb.stopped {
		return
	}

	hb.phase = PhaseActive
	hb.retryCount = 0
	if hb.pongTimer != nil {
		hb.pongTimer.Stop()
		hb.pongTimer = nil
	}
	hb.idleTimer.Reset(hb.cfg.IdleInterval)
}

// Cancel stops all timers. After Cancel no callback will fire. Safe to call
// from within ping or expire, and safe to call repeatedly.
func (hb *HeartbeatSupervisor) Cancel() {
	hb.mu.Lock()
	defer hb.mu.Unlock()

	hb.stopped = true
	if hb.idleTimer != nil {
		hb.idleTimer.Stop()
	}
	if hb.pongTimer != nil {
		hb.pongTimer.Stop()
		hb.pongTimer = nil
	}
}

// Phase returns the current liveness phase.
func (hb *HeartbeatSupervisor) Phase() HeartbeatPhase {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	return hb.phase
}

// RetryCount returns the number of unanswered probes outstanding.
func (hb *HeartbeatSupervisor) RetryCount() int {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	return hb.retryCount
}

// Expired reports whether the terminal path has fired.
func (hb *HeartbeatSupervisor) Expired() bool {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	return hb.expired
}

// onIdle fires when the idle window lapses with no traffic. It sends the
// first probe and opens the pong window.
func (hb *HeartbeatSupervisor) onIdle() {
	hb.mu.Lock()
	if hb.stopped {
		hb.mu.Unlock()
		return
	}
	hb.phase = PhaseAwaitingPong
	hb.retryCount = 1
	hb.pongTimer = hb.clk.AfterFunc(hb.cfg.PongWait, hb.onPongWaitExpired)
	hb.mu.Unlock()

	hb.ping()
}

// onPongWaitExpired fires when a probe went unanswered. It either retries
// with a fresh probe or, past the retry budget, declares the peer dead.
func (hb *HeartbeatSupervisor) onPongWaitExpired() {
	hb.mu.Lock()
	if hb.stopped {
		hb.mu.Unlock()
		return
	}

	if hb.retryCount >= hb.cfg.MaxPingRetries {
		hb.stopped = true
		hb.expired = true
		if hb.idleTimer != nil {
			hb.idleTimer.Stop()
		}
		hb.mu.Unlock()

		hb.expire()
		return
	}

	hb.retryCount++
	hb.pongTimer = hb.clk.AfterFunc(hb.cfg.PongWait, hb.onPongWaitExpired)
	hb.mu.Unlock()

	hb.ping()
}
