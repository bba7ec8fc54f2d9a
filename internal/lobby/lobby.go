package lobby

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/sharedtimer/relay-backend/internal/protocol"
	"github.com/sharedtimer/relay-backend/internal/snapshot"
)

const (
	// DefaultHandoffTimeout bounds how long a leadership transfer waits for
	// the previous leader's final flush before granting anyway.
	DefaultHandoffTimeout = 2 * time.Second
	// DefaultGracePeriod is how long an empty lobby is kept around before
	// its record is deleted. Long enough to ride out reconnect gaps.
	DefaultGracePeriod = 24 * time.Hour
)

type Config struct {
	HandoffTimeout time.Duration
	GracePeriod    time.Duration
}

// Seed is the persisted state a rehydrated lobby starts from. Connection ids
// never survive a restart, so only the device-level leadership claim and the
// watermark carry over.
type Seed struct {
	LeaderDeviceID string
	LastSeq        uint64
	State          json.RawMessage
}

// Change notifies the owner (the registry) that this lobby's persisted state
// moved, or that the lobby deleted itself after sitting empty.
type Change struct {
	LobbyID  string
	Remove   bool
	Snapshot snapshot.Lobby
}

type Msg interface{ isLobbyMsg() }

type Join struct {
	ConnID   string
	DeviceID string
	Outbox   chan protocol.Message
}

type Leave struct {
	ConnID string
}

type CheckLeadership struct {
	ConnID   string
	DeviceID string
}

type RequestLeadership struct {
	ConnID   string
	DeviceID string
	Seq      uint64
}

// FinalState is the previous leader's flush resolving an in-flight handoff.
type FinalState struct {
	ConnID string
	Seq    uint64
	State  json.RawMessage
}

// Update is a leader's ordinary state push.
type Update struct {
	ConnID string
	Seq    uint64
	State  json.RawMessage
}

type GetView struct{ Reply chan View }

type Shutdown struct{}

// internal timer fires; generation counters drop stale ones
type handoffExpired struct{ gen uint64 }
type graceExpired struct{ gen uint64 }

func (Join) isLobbyMsg()              {}
func (Leave) isLobbyMsg()             {}
func (CheckLeadership) isLobbyMsg()   {}
func (RequestLeadership) isLobbyMsg() {}
func (FinalState) isLobbyMsg()        {}
func (Update) isLobbyMsg()            {}
func (GetView) isLobbyMsg()           {}
func (Shutdown) isLobbyMsg()          {}
func (handoffExpired) isLobbyMsg()    {}
func (graceExpired) isLobbyMsg()      {}

// View reflects internal state without data races; test-only.
type View struct {
	LeaderConnID   string
	LeaderDeviceID string
	LastSeq        uint64
	State          json.RawMessage
	NumConns       int
	PendingHandoff bool
}

type pendingTransfer struct {
	requesterConnID   string
	requesterDeviceID string
	requestedSeq      uint64
	prevLeaderConnID  string
	timer             clockwork.Timer
}

// Lobby serializes all coordination for one lobby id on a single goroutine.
// At most one connection is leader at a time; updates are gated on a strictly
// increasing sequence watermark; leadership transfers resolve exactly once,
// by flush or by deadline.
type Lobby struct {
	id     string
	inbox  chan Msg
	cfg    Config
	notify func(Change)
	clock  clockwork.Clock
	log    *zap.Logger

	leaderConnID   string
	leaderDeviceID string
	lastSeq        uint64
	state          json.RawMessage

	conns       map[string]chan protocol.Message
	connDevice  map[string]string
	deviceConns map[string]map[string]struct{}

	pending    *pendingTransfer
	handoffGen uint64

	graceTimer clockwork.Timer
	graceGen   uint64

	ctx    context.Context
	cancel context.CancelFunc
}

func New(parent context.Context, id string, cfg Config, seed Seed, notify func(Change), clock clockwork.Clock, log *zap.Logger) *Lobby {
	if cfg.HandoffTimeout <= 0 {
		cfg.HandoffTimeout = DefaultHandoffTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	ctx, cancel := context.WithCancel(parent)
	l := &Lobby{
		id:             id,
		inbox:          make(chan Msg, 64),
		cfg:            cfg,
		notify:         notify,
		clock:          clock,
		log:            log.With(zap.String("lobby", id)),
		leaderDeviceID: seed.LeaderDeviceID,
		lastSeq:        seed.LastSeq,
		state:          seed.State,
		conns:          make(map[string]chan protocol.Message),
		connDevice:     make(map[string]string),
		deviceConns:    make(map[string]map[string]struct{}),
		ctx:            ctx,
		cancel:         cancel,
	}
	// Born empty: the grace timer runs until the first join.
	l.armGrace()
	go l.loop()
	return l
}

// Inbox exposes the mailbox to the session layer and tests.
func (l *Lobby) Inbox() chan<- Msg { return l.inbox }

func (l *Lobby) loop() {
	for {
		select {
		case <-l.ctx.Done():
			l.shutdown()
			return

		case m := <-l.inbox:
			switch msg := m.(type) {
			case Join:
				l.handleJoin(msg)
			case Leave:
				l.handleLeave(msg.ConnID)
			case CheckLeadership:
				l.handleCheckLeadership(msg)
			case RequestLeadership:
				l.handleRequestLeadership(msg)
			case FinalState:
				l.handleFinalState(msg)
			case Update:
				l.handleUpdate(msg)
			case handoffExpired:
				if l.pending != nil && msg.gen == l.handoffGen {
					l.log.Info("handoff deadline expired, granting without flush")
					l.finalizeHandoff(0, nil, false)
				}
			case graceExpired:
				if msg.gen == l.graceGen && len(l.conns) == 0 {
					l.log.Info("empty lobby grace period elapsed, deleting")
					if l.notify != nil {
						l.notify(Change{LobbyID: l.id, Remove: true})
					}
					l.shutdown()
					return
				}
			case GetView:
				msg.Reply <- View{
					LeaderConnID:   l.leaderConnID,
					LeaderDeviceID: l.leaderDeviceID,
					LastSeq:        l.lastSeq,
					State:          l.state,
					NumConns:       len(l.conns),
					PendingHandoff: l.pending != nil,
				}
			case Shutdown:
				l.shutdown()
				return
			}
		}
	}
}

func (l *Lobby) handleJoin(msg Join) {
	l.cancelGrace()
	l.conns[msg.ConnID] = msg.Outbox
	l.connDevice[msg.ConnID] = msg.DeviceID
	if msg.DeviceID != "" {
		set := l.deviceConns[msg.DeviceID]
		if set == nil {
			set = make(map[string]struct{})
			l.deviceConns[msg.DeviceID] = set
		}
		set[msg.ConnID] = struct{}{}
	}
	// A reconnecting leader device reclaims the writer slot immediately;
	// any duplicate tabs of that device are told they lost it.
	l.promoteIfLeaderDevice(msg.ConnID, msg.DeviceID)
	if l.state != nil {
		l.sendTo(msg.ConnID, protocol.Message{Event: protocol.EventTimerState, State: l.state})
	}
}

func (l *Lobby) handleLeave(connID string) {
	if _, ok := l.conns[connID]; !ok {
		return
	}
	l.removeConn(connID)
	if len(l.conns) == 0 {
		l.armGrace()
	}
}

func (l *Lobby) handleCheckLeadership(msg CheckLeadership) {
	isLeader := l.promoteIfLeaderDevice(msg.ConnID, msg.DeviceID)
	l.sendTo(msg.ConnID, protocol.Message{
		Event:          protocol.EventLeadershipInfo,
		IsLeader:       isLeader,
		SequenceNumber: protocol.Seq(l.lastSeq),
	})
}

// promoteIfLeaderDevice re-points leaderConnID at this connection when the
// device id matches the lobby's leader device, demoting the device's other
// live connections. Device id matching is a heuristic, not an identity
// check; any client presenting the leader's device id is the leader.
func (l *Lobby) promoteIfLeaderDevice(connID, deviceID string) bool {
	if deviceID == "" || deviceID != l.leaderDeviceID {
		return false
	}
	for other := range l.deviceConns[deviceID] {
		if other != connID {
			l.sendTo(other, protocol.Message{Event: protocol.EventLeadershipInfo, IsLeader: false})
		}
	}
	l.leaderConnID = connID
	return true
}

func (l *Lobby) handleRequestLeadership(msg RequestLeadership) {
	switch {
	case l.leaderDeviceID == "" && l.leaderConnID == "":
		// First grant: no leader at all. The canonical state, when one
		// exists, rides along so a genuinely new leader starts from it.
		l.leaderConnID = msg.ConnID
		l.leaderDeviceID = msg.DeviceID
		l.adoptSeq(msg.Seq)
		l.log.Info("leadership granted",
			zap.String("conn", msg.ConnID), zap.String("device", msg.DeviceID))
		grant := protocol.Message{
			Event:          protocol.EventLeadershipInfo,
			IsLeader:       true,
			SequenceNumber: protocol.Seq(l.lastSeq),
		}
		if l.state != nil {
			grant.State = l.state
		}
		l.sendTo(msg.ConnID, grant)
		l.persist()

	case msg.DeviceID == l.leaderDeviceID:
		// The leader device asking again (reconnect after a brief drop, or
		// a duplicate tab) is never a race: re-grant on the spot.
		l.leaderConnID = msg.ConnID
		l.adoptSeq(msg.Seq)
		l.sendTo(msg.ConnID, protocol.Message{
			Event:          protocol.EventLeadershipInfo,
			IsLeader:       true,
			SequenceNumber: protocol.Seq(l.lastSeq),
		})
		l.persist()

	default:
		l.startHandoff(msg)
	}
}

// startHandoff begins the bounded transfer: the current leader device is
// demoted, its active connection is asked to flush, and a deadline ensures
// the requester is granted even if that flush never comes.
func (l *Lobby) startHandoff(msg RequestLeadership) {
	if l.pending != nil {
		// A newer request supersedes the in-flight one; the old deadline
		// is disarmed so there is only ever one resolution path.
		stopAndDrainTimer(l.pending.timer)
	}
	l.handoffGen++
	gen := l.handoffGen
	timer := l.clock.NewTimer(l.cfg.HandoffTimeout)
	l.pending = &pendingTransfer{
		requesterConnID:   msg.ConnID,
		requesterDeviceID: msg.DeviceID,
		requestedSeq:      msg.Seq,
		prevLeaderConnID:  l.leaderConnID,
		timer:             timer,
	}
	go func() {
		select {
		case <-timer.Chan():
			select {
			case l.inbox <- handoffExpired{gen: gen}:
			case <-l.ctx.Done():
			}
		case <-l.ctx.Done():
		}
	}()

	l.log.Info("handoff started",
		zap.String("requester", msg.ConnID),
		zap.String("prev_leader", l.leaderConnID))

	demoted := false
	for other := range l.deviceConns[l.leaderDeviceID] {
		l.sendTo(other, protocol.Message{Event: protocol.EventLeadershipInfo, IsLeader: false})
		demoted = true
	}
	if !demoted && l.leaderConnID != "" {
		l.sendTo(l.leaderConnID, protocol.Message{Event: protocol.EventLeadershipInfo, IsLeader: false})
	}
	if l.leaderConnID != "" {
		l.sendTo(l.leaderConnID, protocol.Message{Event: protocol.EventTransferLeadership})
	}
}

func (l *Lobby) handleFinalState(msg FinalState) {
	// Only the connection the handoff addressed may resolve it.
	if l.pending == nil || msg.ConnID != l.pending.prevLeaderConnID {
		return
	}
	l.finalizeHandoff(msg.Seq, msg.State, true)
}

// finalizeHandoff is the single resolution funnel for a pending transfer,
// reached either by the previous leader's flush or by deadline expiry.
func (l *Lobby) finalizeHandoff(flushSeq uint64, flushState json.RawMessage, flushed bool) {
	p := l.pending
	if p == nil {
		return
	}
	l.pending = nil
	l.handoffGen++
	stopAndDrainTimer(p.timer)

	if flushed {
		if flushState != nil {
			l.state = flushState
		}
		l.adoptSeq(flushSeq)
	}
	l.adoptSeq(p.requestedSeq)
	l.leaderConnID = p.requesterConnID
	l.leaderDeviceID = p.requesterDeviceID
	l.log.Info("handoff finalized",
		zap.String("leader", p.requesterConnID),
		zap.Bool("flushed", flushed),
		zap.Uint64("seq", l.lastSeq))

	grant := protocol.Message{
		Event:          protocol.EventLeadershipInfo,
		IsLeader:       true,
		SequenceNumber: protocol.Seq(l.lastSeq),
	}
	if l.state != nil {
		grant.State = l.state
	}
	l.sendTo(p.requesterConnID, grant)
	if l.state != nil {
		// New leader and previous leader both hold this state already.
		l.broadcastExcept(protocol.Message{Event: protocol.EventTimerState, State: l.state},
			p.requesterConnID, p.prevLeaderConnID)
	}
	l.persist()
}

func (l *Lobby) handleUpdate(msg Update) {
	// Non-leaders and stale sequence numbers are dropped silently: both are
	// expected race outcomes, not faults.
	if msg.ConnID != l.leaderConnID || msg.Seq <= l.lastSeq {
		l.log.Debug("update dropped",
			zap.String("conn", msg.ConnID), zap.Uint64("seq", msg.Seq),
			zap.Uint64("watermark", l.lastSeq))
		return
	}
	l.lastSeq = msg.Seq
	l.state = msg.State
	l.broadcastExcept(protocol.Message{Event: protocol.EventTimerState, State: l.state}, msg.ConnID)
	l.persist()
}

// adoptSeq moves the watermark forward; it never goes backwards, even when a
// grant carries a smaller requested sequence number.
func (l *Lobby) adoptSeq(seq uint64) {
	if seq > l.lastSeq {
		l.lastSeq = seq
	}
}

func (l *Lobby) sendTo(connID string, msg protocol.Message) {
	ch, ok := l.conns[connID]
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
		// Slow or stuck client: drop it rather than stall the lobby.
		l.log.Warn("dropping slow connection", zap.String("conn", connID))
		l.removeConn(connID)
		if len(l.conns) == 0 {
			l.armGrace()
		}
	}
}

func (l *Lobby) broadcastExcept(msg protocol.Message, except ...string) {
	for connID := range l.conns {
		skip := false
		for _, ex := range except {
			if connID == ex {
				skip = true
				break
			}
		}
		if !skip {
			l.sendTo(connID, msg)
		}
	}
}

func (l *Lobby) removeConn(connID string) {
	ch := l.conns[connID]
	delete(l.conns, connID)
	dev := l.connDevice[connID]
	delete(l.connDevice, connID)
	if set := l.deviceConns[dev]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(l.deviceConns, dev)
		}
	}
	if l.leaderConnID == connID {
		// The device keeps its leadership claim across reconnects; only
		// the transient connection binding is cleared.
		l.leaderConnID = ""
	}
	if ch != nil {
		close(ch)
	}
}

func (l *Lobby) armGrace() {
	l.graceGen++
	gen := l.graceGen
	timer := l.clock.NewTimer(l.cfg.GracePeriod)
	l.graceTimer = timer
	go func() {
		select {
		case <-timer.Chan():
			select {
			case l.inbox <- graceExpired{gen: gen}:
			case <-l.ctx.Done():
			}
		case <-l.ctx.Done():
		}
	}()
}

func (l *Lobby) cancelGrace() {
	if l.graceTimer != nil {
		stopAndDrainTimer(l.graceTimer)
		l.graceTimer = nil
	}
	l.graceGen++
}

func (l *Lobby) persist() {
	if l.notify == nil {
		return
	}
	snap := snapshot.Lobby{
		LeaderDeviceID:     l.leaderDeviceID,
		LastSequenceNumber: l.lastSeq,
	}
	if l.state != nil {
		snap.State = append(json.RawMessage(nil), l.state...)
	}
	l.notify(Change{LobbyID: l.id, Snapshot: snap})
}

func (l *Lobby) shutdown() {
	for connID, ch := range l.conns {
		close(ch)
		delete(l.conns, connID)
	}
	if l.pending != nil {
		stopAndDrainTimer(l.pending.timer)
		l.pending = nil
	}
	l.cancelGrace()
	l.cancel()
}

// stopAndDrainTimer stops a timer and drains a fire that slipped in, per the
// time.Timer.Stop contract.
func stopAndDrainTimer(t clockwork.Timer) {
	if !t.Stop() {
		select {
		case <-t.Chan():
		default:
		}
	}
}
