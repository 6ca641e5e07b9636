// Package relay implements the thin fan-out broadcaster in front of a
// set of consensus nodes: it inspects only HELLO/BYE for registration
// and otherwise forwards every frame to every other connected node,
// optionally dropping or delaying a single sender's outbound traffic
// per spec.md §5's closing paragraph ("drop/delay is applied by
// sender-id, not receiver-id"). It never touches message semantics —
// hedisam-ethtxparser/internal/eth's reader stage is the model for a
// goroutine-per-connection loop that only decodes and republishes, never
// interprets.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/posforge/posforge/internal/metrics"
	"github.com/posforge/posforge/internal/ringbuffer"
	"github.com/posforge/posforge/internal/transport"
	"github.com/posforge/posforge/internal/wire"
)

// recentHistorySize bounds the `detect`/`attacks` diagnostic trail kept
// per sender; only the most recent frame tags matter for a human
// operator eyeballing traffic, so older entries are simply dropped.
const recentHistorySize = 20

type peerState struct {
	conn    *transport.Conn
	dropped bool
	delay   time.Duration
	frames  int64
	recent  *ringbuffer.RingBuffer[string]
}

// Hub owns every registered connection and the per-sender drop/delay
// table; it is mutated only by its own connection-reader goroutines and
// by Admin command dispatch, both serialized behind mu.
type Hub struct {
	mu    sync.Mutex
	peers map[string]*peerState

	autoStep     bool
	stepInterval time.Duration
	threshold    float64

	ln      *transport.Listener
	log     *logrus.Logger
	metrics *metrics.Set
}

// New wraps an already-listening transport.Listener as a Hub.
func New(ln *transport.Listener, log *logrus.Logger, mset *metrics.Set, stepInterval time.Duration) *Hub {
	return &Hub{
		peers:        make(map[string]*peerState),
		stepInterval: stepInterval,
		autoStep:     stepInterval > 0,
		ln:           ln,
		log:          log,
		metrics:      mset,
	}
}

// Run accepts connections until ctx is done, and drives the optional
// auto-STEP ticker (spec.md §6's `step.interval`).
func (h *Hub) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	go h.runAutoStep(ctx)

	for {
		conn, err := h.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				h.log.WithError(err).Warn("relay: accept failed")
				return err
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.handleConn(ctx, conn)
		}()
	}
}

func (h *Hub) runAutoStep(ctx context.Context) {
	for {
		h.mu.Lock()
		interval := h.stepInterval
		enabled := h.autoStep
		h.mu.Unlock()
		if !enabled || interval <= 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			h.mu.Lock()
			stillEnabled := h.autoStep
			h.mu.Unlock()
			if stillEnabled {
				h.Broadcast(wire.Step{})
			}
		}
	}
}

func (h *Hub) handleConn(ctx context.Context, conn *transport.Conn) {
	var senderID string
	defer func() {
		if senderID != "" {
			h.unregister(senderID)
			h.fanOut(senderID, wire.Bye{SenderID: senderID})
		}
		_ = conn.Close()
	}()

	for msg := range conn.Frames(ctx) {
		switch m := msg.(type) {
		case wire.Hello:
			senderID = m.SenderID
			h.register(senderID, conn)
		case wire.Bye:
			return
		default:
			if senderID == "" {
				h.log.Warn("relay: frame received before HELLO; dropping")
				continue
			}
			h.fanOut(senderID, msg)
		}
	}
}

func (h *Hub) register(id string, conn *transport.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[id] = &peerState{conn: conn, recent: ringbuffer.New[string](recentHistorySize)}
	h.log.WithField("node", id).Info("relay: node connected")
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, id)
	h.log.WithField("node", id).Info("relay: node disconnected")
}

// fanOut forwards msg from senderID to every other registered peer,
// honoring senderID's own dropped/delay setting.
func (h *Hub) fanOut(senderID string, msg wire.Message) {
	h.mu.Lock()
	sender, senderKnown := h.peers[senderID]
	if senderKnown {
		sender.frames++
		if sender.recent.IsFull() {
			sender.recent.Pop()
		}
		sender.recent.Push(msg.Tag().String())
	}
	if senderKnown && sender.dropped {
		h.mu.Unlock()
		h.metrics.RelayFramesDropped.Inc()
		return
	}
	delay := time.Duration(0)
	if senderKnown {
		delay = sender.delay
	}
	targets := make([]*transport.Conn, 0, len(h.peers))
	for id, p := range h.peers {
		if id == senderID {
			continue
		}
		targets = append(targets, p.conn)
	}
	h.mu.Unlock()

	send := func() {
		for _, c := range targets {
			if err := c.Send(msg); err != nil {
				h.log.WithError(err).Debug("relay: forward failed")
			}
		}
	}
	if delay > 0 {
		time.AfterFunc(delay, send)
		return
	}
	send()
}

// Broadcast sends msg to every registered peer unconditionally (used for
// admin-triggered or auto STEP, which bypasses per-sender drop/delay
// since the relay itself is the sender).
func (h *Hub) Broadcast(msg wire.Message) {
	h.mu.Lock()
	targets := make([]*transport.Conn, 0, len(h.peers))
	for _, p := range h.peers {
		targets = append(targets, p.conn)
	}
	h.mu.Unlock()
	for _, c := range targets {
		if err := c.Send(msg); err != nil {
			h.log.WithError(err).Debug("relay: broadcast failed")
		}
	}
}

// SetDrop implements the `drop <id> on|off|toggle` admin command.
func (h *Hub) SetDrop(id, mode string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.peers[id]
	if !ok {
		return false
	}
	switch mode {
	case "on":
		p.dropped = true
	case "off":
		p.dropped = false
	case "toggle":
		p.dropped = !p.dropped
	}
	return true
}

// SetDelay implements `delay <id> <ms|off>`.
func (h *Hub) SetDelay(id string, d time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.peers[id]
	if !ok {
		return false
	}
	p.delay = d
	return true
}

// SetAutoStep implements `stop`/`continue`.
func (h *Hub) SetAutoStep(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.autoStep = enabled
}

// SetThreshold implements `threshold <x>`, recorded for `detect` to
// report; it never feeds into any consensus decision (spec.md §1: the
// relay does not inspect message semantics).
func (h *Hub) SetThreshold(x float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.threshold = x
}

// Summary implements `detect`/`attacks`: a diagnostic snapshot of
// per-sender frame counts and drop/delay state, nothing more.
type Summary struct {
	Threshold float64
	Peers     map[string]PeerSummary
}

// PeerSummary is one connected peer's diagnostic counters.
type PeerSummary struct {
	Frames  int64
	Dropped bool
	Delay   time.Duration
	Recent  []string // most recent frame tags, oldest first, per recentHistorySize
}

func (h *Hub) Summary() Summary {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Summary{Threshold: h.threshold, Peers: make(map[string]PeerSummary, len(h.peers))}
	for id, p := range h.peers {
		recent := make([]string, 0, p.recent.Size())
		tmp := ringbuffer.New[string](recentHistorySize)
		for p.recent.Size() > 0 {
			v, _ := p.recent.Pop()
			recent = append(recent, v)
			tmp.Push(v)
		}
		for tmp.Size() > 0 {
			v, _ := tmp.Pop()
			p.recent.Push(v)
		}
		s.Peers[id] = PeerSummary{Frames: p.frames, Dropped: p.dropped, Delay: p.delay, Recent: recent}
	}
	return s
}
