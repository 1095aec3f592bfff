package gateway

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/kstaniek/go-mysensors-gateway/internal/logging"
	"github.com/kstaniek/go-mysensors-gateway/internal/message"
	"github.com/kstaniek/go-mysensors-gateway/internal/metrics"
)

type State int

const (
	StateUnknown State = iota
	StateUp
	StateDown
)

func (s State) String() string {
	switch s {
	case StateUp:
		return "UP"
	case StateDown:
		return "DOWN"
	default:
		return "UNKNOWN"
	}
}

// Status is a point-in-time copy of a gateway's state.
type Status struct {
	ID          int                 `json:"id"`
	Name        string              `json:"name"`
	NetworkType message.NetworkType `json:"network_type"`
	State       string              `json:"state"`
	Reason      string              `json:"reason"`
	Since       time.Time           `json:"since"`
}

// Gateway holds the identity of one serial gateway and its shared UP/DOWN
// status. Status writes are safe from any goroutine.
type Gateway struct {
	ID          int
	Name        string
	NetworkType message.NetworkType

	mu     sync.RWMutex
	state  State
	reason string
	since  time.Time
	logger *slog.Logger
	now    func() time.Time
}

// New creates a gateway in StateUnknown. A nil logger uses the global one.
func New(id int, name string, nt message.NetworkType, l *slog.Logger) *Gateway {
	if l == nil {
		l = logging.L()
	}
	return &Gateway{
		ID:          id,
		Name:        name,
		NetworkType: nt,
		logger:      l.With("gateway_id", id, "gateway", name),
		now:         time.Now,
	}
}

// SetStatus records a new state and reason. Transitions are logged; repeated
// writes of the same state only refresh the reason.
func (g *Gateway) SetStatus(s State, reason string) {
	g.mu.Lock()
	prev := g.state
	g.state = s
	g.reason = reason
	if prev != s {
		g.since = g.now()
	}
	g.mu.Unlock()
	metrics.SetGatewayUp(g.label(), s == StateUp)
	if prev == s {
		return
	}
	if s == StateDown {
		g.logger.Warn("gateway_status", "from", prev.String(), "to", s.String(), "reason", reason)
		return
	}
	g.logger.Info("gateway_status", "from", prev.String(), "to", s.String(), "reason", reason)
}

// ReportDown marks the gateway DOWN with reason.
func (g *Gateway) ReportDown(reason string) { g.SetStatus(StateDown, reason) }

// Status returns a snapshot of the current status.
func (g *Gateway) Status() Status {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Status{
		ID:          g.ID,
		Name:        g.Name,
		NetworkType: g.NetworkType,
		State:       g.state.String(),
		Reason:      g.reason,
		Since:       g.since,
	}
}

func (g *Gateway) IsUp() bool { g.mu.RLock(); defer g.mu.RUnlock(); return g.state == StateUp }

func (g *Gateway) label() string {
	if g.Name != "" {
		return g.Name
	}
	return strconv.Itoa(g.ID)
}
