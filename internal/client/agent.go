package client

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/sharedtimer/relay-backend/internal/protocol"
)

const (
	// DefaultRequestTimeout is how long a leadership request waits for the
	// server before the agent optimistically assumes leadership. Local
	// usability is not held hostage to backend reachability.
	DefaultRequestTimeout = time.Second
	// DefaultSyncInterval is the clock-offset calibration cadence.
	DefaultSyncInterval = time.Minute
)

type Config struct {
	RequestTimeout time.Duration
	SyncInterval   time.Duration
}

// Conn is the agent's view of a relay connection. Production code uses the
// websocket dialer in this package; tests inject fakes.
type Conn interface {
	Send(protocol.Message) error
	Close() error
}

// Callbacks surface agent decisions to the embedding application (the UI).
// They are invoked from the goroutine driving the agent and must not call
// back into it.
type Callbacks struct {
	OnState      func(json.RawMessage)
	OnLeadership func(bool)
	OnConnection func(bool)
}

// Agent is the client-side counterpart of the relay's coordinator: it
// decides when to request leadership, accepts demotion, timestamps outgoing
// updates, and reconciles server-confirmed state with what arrived while a
// leadership decision was still outstanding.
type Agent struct {
	mu    sync.Mutex
	cfg   Config
	cb    Callbacks
	clock clockwork.Clock
	log   *zap.Logger

	conn      Conn
	connected bool
	isLeader  bool
	seq       uint64
	local     json.RawMessage
	// pending holds state received while this agent might still become
	// leader; it is applied only if leadership is later denied.
	pending json.RawMessage

	offsetMillis int64
	syncSentAt   time.Time

	reqTimer  clockwork.Timer
	reqCancel chan struct{}
	reqGen    uint64
	syncStop  chan struct{}
}

func NewAgent(cfg Config, cb Callbacks, clock clockwork.Clock, log *zap.Logger) *Agent {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	return &Agent{cfg: cfg, cb: cb, clock: clock, log: log.Named("agent")}
}

// HandleConnect wires a live connection in, announces presence, and starts
// periodic clock calibration.
func (a *Agent) HandleConnect(conn Conn) {
	a.mu.Lock()
	a.conn = conn
	a.connected = true
	a.syncSentAt = a.clock.Now()
	a.send(protocol.Message{Event: protocol.EventSyncTime})
	a.send(protocol.Message{Event: protocol.EventCheckLeadership})
	stop := make(chan struct{})
	if a.syncStop != nil {
		close(a.syncStop)
	}
	a.syncStop = stop
	a.mu.Unlock()

	if a.cb.OnConnection != nil {
		a.cb.OnConnection(true)
	}

	ticker := a.clock.NewTicker(a.cfg.SyncInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				a.mu.Lock()
				a.syncSentAt = a.clock.Now()
				a.send(protocol.Message{Event: protocol.EventSyncTime})
				a.mu.Unlock()
			case <-stop:
				return
			}
		}
	}()
}

// HandleDisconnect marks the agent offline. Leadership and the local timer
// survive; they are re-reconciled on the next connect.
func (a *Agent) HandleDisconnect() {
	a.mu.Lock()
	a.connected = false
	a.conn = nil
	if a.syncStop != nil {
		close(a.syncStop)
		a.syncStop = nil
	}
	a.mu.Unlock()

	if a.cb.OnConnection != nil {
		a.cb.OnConnection(false)
	}
}

// HandleMessage processes one inbound relay message.
func (a *Agent) HandleMessage(msg protocol.Message) {
	switch msg.Event {
	case protocol.EventTimerState:
		a.handleTimerState(msg.State)
	case protocol.EventLeadershipInfo:
		a.handleLeadershipInfo(msg)
	case protocol.EventTransferLeadership:
		a.handleTransfer()
	case protocol.EventSyncTime:
		a.handleSyncTime(msg.ServerTime)
	}
}

func (a *Agent) handleTimerState(state json.RawMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = state
	if !a.isLeader {
		a.applyState(state)
		a.pending = nil
	}
}

func (a *Agent) handleLeadershipInfo(msg protocol.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelRequestTimer()
	if msg.SequenceNumber != nil {
		a.seq = *msg.SequenceNumber
	}
	a.setLeader(msg.IsLeader)
	switch {
	case msg.State != nil:
		// Grant (or demotion) with authoritative state: adopt it.
		a.applyState(msg.State)
		a.pending = nil
	case !msg.IsLeader && a.pending != nil:
		// Denied; catch up with whatever arrived while we were deciding.
		a.applyState(a.pending)
		a.pending = nil
	}
	if msg.IsLeader && msg.State == nil {
		// Granted without state: local state is authoritative. Push it so
		// the relay and every peer converge to the right watermark.
		a.seq++
		a.send(protocol.Message{
			Event:          protocol.EventTimerState,
			SequenceNumber: protocol.Seq(a.seq),
			State:          a.local,
		})
	}
}

func (a *Agent) handleTransfer() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	a.send(protocol.Message{
		Event:          protocol.EventFinalTimerState,
		SequenceNumber: protocol.Seq(a.seq),
		State:          a.local,
	})
	a.setLeader(false)
}

func (a *Agent) handleSyncTime(serverTime int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	start := a.syncSentAt
	rtt := a.clock.Now().Sub(start)
	a.offsetMillis = serverTime - (start.UnixMilli() + rtt.Milliseconds()/2)
}

// RequestLeadership asks the relay for the writer role. If no answer comes
// within the request timeout, or there is no connection at all, the agent
// self-promotes so the device stays usable during a partition; the eventual
// authoritative answer reconciles it.
func (a *Agent) RequestLeadership() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		a.cancelRequestTimer()
		a.assumeLeadership()
		return
	}
	a.send(protocol.Message{
		Event:          protocol.EventRequestLeadership,
		SequenceNumber: protocol.Seq(a.seq),
	})
	a.cancelRequestTimer()
	a.reqGen++
	gen := a.reqGen
	timer := a.clock.NewTimer(a.cfg.RequestTimeout)
	cancel := make(chan struct{})
	a.reqTimer = timer
	a.reqCancel = cancel
	go func() {
		select {
		case <-timer.Chan():
		case <-cancel:
			return
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		if gen != a.reqGen {
			return
		}
		a.reqTimer = nil
		a.assumeLeadership()
	}()
}

func (a *Agent) assumeLeadership() {
	if a.isLeader {
		return
	}
	a.setLeader(true)
	if a.pending != nil {
		a.applyState(a.pending)
		a.pending = nil
	}
}

// LocalUpdate records a state change made on this device and, while leader
// and connected, pushes it at the next sequence number. Server-applied
// states never pass through here, so there is no echo loop.
func (a *Agent) LocalUpdate(state json.RawMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.local = state
	if a.isLeader && a.connected {
		a.seq++
		a.send(protocol.Message{
			Event:          protocol.EventTimerState,
			SequenceNumber: protocol.Seq(a.seq),
			State:          state,
		})
	}
}

// IsLeader reports the agent's current leadership view.
func (a *Agent) IsLeader() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isLeader
}

// State returns the agent's current local state.
func (a *Agent) State() json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.local
}

// ServerNow is the local clock corrected by the calibrated server offset.
func (a *Agent) ServerNow() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.clock.Now().Add(time.Duration(a.offsetMillis) * time.Millisecond)
}

// callers hold a.mu for everything below

func (a *Agent) applyState(state json.RawMessage) {
	a.local = state
	if a.cb.OnState != nil {
		a.cb.OnState(state)
	}
}

func (a *Agent) setLeader(v bool) {
	if a.isLeader == v {
		return
	}
	a.isLeader = v
	if a.cb.OnLeadership != nil {
		a.cb.OnLeadership(v)
	}
}

func (a *Agent) cancelRequestTimer() {
	a.reqGen++
	if a.reqTimer != nil {
		a.reqTimer.Stop()
		a.reqTimer = nil
	}
	if a.reqCancel != nil {
		close(a.reqCancel)
		a.reqCancel = nil
	}
}

func (a *Agent) send(msg protocol.Message) {
	if a.conn == nil {
		return
	}
	if err := a.conn.Send(msg); err != nil {
		a.log.Warn("send failed", zap.String("event", msg.Event), zap.Error(err))
	}
}
