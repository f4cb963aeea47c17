// Package congestion tracks the per-connection flight-window limit,
// adapted from the teacher's internal/quantum/bbr package: the same
// Config/Controller/Statistics() shape and RWMutex-guarded accessor style,
// but replacing BBR's bandwidth/pacing model entirely with a
// multiplicative halving/doubling rule: no bottleneck-bandwidth estimate
// or send pacing, just growing or shrinking a single flight-window
// ceiling based on whether a retransmit round made progress.
package congestion

import (
	"sync"

	"github.com/aetherflow/quantumudp/protocol"
	"github.com/aetherflow/quantumudp/seqnum"
)

// State is a coarse, observability-only classification of the last
// resize decision; it does not feed back into the algorithm itself, which
// tracks only a single limit value.
type State int

const (
	// StateProbing is the initial state before any retransmit round has run.
	StateProbing State = iota
	// StateGrowing means the last round made progress and the limit doubled.
	StateGrowing
	// StateBackoff means the last round made no progress and the limit halved.
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateProbing:
		return "PROBING"
	case StateGrowing:
		return "GROWING"
	case StateBackoff:
		return "BACKOFF"
	default:
		return "UNKNOWN"
	}
}

// WindowSizeMax is the congestion window ceiling.
const WindowSizeMax = 16 * 1024 * 1024

// DefaultInitialLimit is the flight-window limit a new connection starts
// with, before any retransmit round has adjusted it. The initial value is
// left implementation-defined; this picks 64 full packets' worth of
// headroom, matching the teacher's MinPipeCwnd-style conservative
// startup posture without adopting BBR's bandwidth estimate.
const DefaultInitialLimit = 64 * protocol.MaxPacketPayload

// Config configures a Controller.
type Config struct {
	InitialLimit uint32
}

// DefaultConfig returns a Config with DefaultInitialLimit.
func DefaultConfig() *Config {
	return &Config{InitialLimit: DefaultInitialLimit}
}

// Controller holds one connection's flight-window limit and the
// oldest-unacked-sequence bookkeeping used to detect progress across
// retransmit rounds.
type Controller struct {
	mu sync.RWMutex

	state State
	limit uint32

	oldestResentValid bool
	oldestResent      seqnum.Value
}

// New creates a Controller from config, or DefaultConfig() if nil.
func New(config *Config) *Controller {
	if config == nil {
		config = DefaultConfig()
	}
	limit := config.InitialLimit
	if limit < protocol.MaxPacketPayload {
		limit = protocol.MaxPacketPayload
	}
	return &Controller{limit: limit}
}

// Limit returns the current flight-window limit.
func (c *Controller) Limit() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.limit
}

// State returns the controller's last resize classification.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// OnRetransmitRound implements the window-resize rule: base is the
// oldest in-flight sequence number (seqnr - queue) at the time a
// retransmit ticker fires.
func (c *Controller) OnRetransmitRound(base seqnum.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case !c.oldestResentValid:
		c.oldestResent = base
		c.oldestResentValid = true
		c.state = StateProbing
	case c.oldestResent == base:
		c.limit /= 2
		if c.limit < protocol.MaxPacketPayload {
			c.limit = protocol.MaxPacketPayload
		}
		c.state = StateBackoff
	default:
		if c.limit > WindowSizeMax/2 {
			c.limit = WindowSizeMax
		} else {
			c.limit *= 2
		}
		c.oldestResent = base
		c.state = StateGrowing
	}
}

// Reset returns the controller to its initial limit and probing state,
// used when a connection's outbuf empties out entirely (queue reaches 0).
func (c *Controller) Reset(config *Config) {
	if config == nil {
		config = DefaultConfig()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limit = config.InitialLimit
	c.oldestResentValid = false
	c.state = StateProbing
}

// Statistics returns a snapshot suitable for logging or export, matching
// the teacher's bbr.BBR.Statistics() shape.
func (c *Controller) Statistics() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]interface{}{
		"state": c.state.String(),
		"limit": c.limit,
	}
}
