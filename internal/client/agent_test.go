package client

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sharedtimer/relay-backend/internal/protocol"
)

type fakeConn struct {
	mu   sync.Mutex
	sent []protocol.Message
}

func (c *fakeConn) Send(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) messages() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.sent...)
}

func (c *fakeConn) lastOf(event string) (protocol.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].Event == event {
			return c.sent[i], true
		}
	}
	return protocol.Message{}, false
}

func (c *fakeConn) countOf(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.sent {
		if m.Event == event {
			n++
		}
	}
	return n
}

type recorder struct {
	mu         sync.Mutex
	states     []string
	leadership []bool
	connected  []bool
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnState: func(s json.RawMessage) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, string(s))
		},
		OnLeadership: func(v bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.leadership = append(r.leadership, v)
		},
		OnConnection: func(v bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.connected = append(r.connected, v)
		},
	}
}

func (r *recorder) lastState() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return "", false
	}
	return r.states[len(r.states)-1], true
}

func newTestAgent(t *testing.T, clock clockwork.Clock) (*Agent, *fakeConn, *recorder) {
	t.Helper()
	rec := &recorder{}
	a := NewAgent(Config{RequestTimeout: time.Second, SyncInterval: time.Minute},
		rec.callbacks(), clock, zap.NewNop())
	conn := &fakeConn{}
	a.HandleConnect(conn)
	t.Cleanup(a.HandleDisconnect)
	return a, conn, rec
}

func TestConnect_AnnouncesAndChecksLeadership(t *testing.T) {
	_, conn, rec := newTestAgent(t, clockwork.NewFakeClock())
	msgs := conn.messages()
	require.Len(t, msgs, 2)
	require.Equal(t, protocol.EventSyncTime, msgs[0].Event)
	require.Equal(t, protocol.EventCheckLeadership, msgs[1].Event)
	require.Equal(t, []bool{true}, rec.connected)
}

func TestGrantWithState_AdoptsIt(t *testing.T) {
	a, conn, rec := newTestAgent(t, clockwork.NewFakeClock())

	a.HandleMessage(protocol.Message{
		Event:          protocol.EventLeadershipInfo,
		IsLeader:       true,
		SequenceNumber: protocol.Seq(5),
		State:          json.RawMessage(`{"s":"server"}`),
	})

	require.True(t, a.IsLeader())
	last, ok := rec.lastState()
	require.True(t, ok)
	require.JSONEq(t, `{"s":"server"}`, last)
	// State came with the grant, so nothing needs pushing back.
	require.Zero(t, conn.countOf(protocol.EventTimerState))
}

func TestGrantWithoutState_PushesLocalImmediately(t *testing.T) {
	a, conn, _ := newTestAgent(t, clockwork.NewFakeClock())
	a.LocalUpdate(json.RawMessage(`{"s":"mine"}`))

	a.HandleMessage(protocol.Message{
		Event:          protocol.EventLeadershipInfo,
		IsLeader:       true,
		SequenceNumber: protocol.Seq(4),
	})

	require.True(t, a.IsLeader())
	push, ok := conn.lastOf(protocol.EventTimerState)
	require.True(t, ok, "local state is authoritative and must converge the relay")
	require.EqualValues(t, 5, *push.SequenceNumber)
	require.JSONEq(t, `{"s":"mine"}`, string(push.State))
}

func TestDenial_AppliesPendingState(t *testing.T) {
	a, _, rec := newTestAgent(t, clockwork.NewFakeClock())
	a.RequestLeadership()

	// While the decision is outstanding we optimistically hold incoming
	// broadcasts instead of applying them...
	a.mu.Lock()
	a.isLeader = true
	a.mu.Unlock()
	a.HandleMessage(protocol.Message{
		Event: protocol.EventTimerState,
		State: json.RawMessage(`{"s":"peer"}`),
	})
	_, applied := rec.lastState()
	require.False(t, applied, "broadcast parked while still possibly-leader")

	// ...and a denial releases the parked state.
	a.HandleMessage(protocol.Message{
		Event:          protocol.EventLeadershipInfo,
		IsLeader:       false,
		SequenceNumber: protocol.Seq(9),
	})
	require.False(t, a.IsLeader())
	last, ok := rec.lastState()
	require.True(t, ok)
	require.JSONEq(t, `{"s":"peer"}`, last)
}

func TestTransfer_FlushesThenDemotes(t *testing.T) {
	a, conn, _ := newTestAgent(t, clockwork.NewFakeClock())
	a.HandleMessage(protocol.Message{
		Event:          protocol.EventLeadershipInfo,
		IsLeader:       true,
		SequenceNumber: protocol.Seq(7),
		State:          json.RawMessage(`{"s":"cur"}`),
	})
	require.True(t, a.IsLeader())

	a.HandleMessage(protocol.Message{Event: protocol.EventTransferLeadership})

	flush, ok := conn.lastOf(protocol.EventFinalTimerState)
	require.True(t, ok)
	require.EqualValues(t, 8, *flush.SequenceNumber)
	require.JSONEq(t, `{"s":"cur"}`, string(flush.State))
	require.False(t, a.IsLeader())
}

func TestRequestTimeout_SelfPromotes(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a, conn, rec := newTestAgent(t, clock)
	a.HandleMessage(protocol.Message{
		Event: protocol.EventTimerState,
		State: json.RawMessage(`{"s":"peer"}`),
	})

	a.RequestLeadership()
	req, ok := conn.lastOf(protocol.EventRequestLeadership)
	require.True(t, ok)
	require.NotNil(t, req.SequenceNumber)

	clock.Advance(time.Second)
	require.Eventually(t, a.IsLeader, time.Second, time.Millisecond,
		"no server answer within the timeout: assume leadership locally")
	last, _ := rec.lastState()
	require.JSONEq(t, `{"s":"peer"}`, last)
}

func TestServerAnswerCancelsOptimisticTimer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a, _, _ := newTestAgent(t, clock)

	a.RequestLeadership()
	a.HandleMessage(protocol.Message{
		Event:          protocol.EventLeadershipInfo,
		IsLeader:       false,
		SequenceNumber: protocol.Seq(3),
	})

	clock.Advance(2 * time.Second)
	time.Sleep(20 * time.Millisecond)
	require.False(t, a.IsLeader(), "authoritative denial beat the timer; no self-promotion")
}

func TestRequestWhileDisconnected_SelfPromotesImmediately(t *testing.T) {
	rec := &recorder{}
	a := NewAgent(Config{}, rec.callbacks(), clockwork.NewFakeClock(), zap.NewNop())

	a.RequestLeadership()
	require.True(t, a.IsLeader(), "local usability survives a full partition")
}

func TestLocalUpdate_EmitsOnlyWhileLeaderAndConnected(t *testing.T) {
	a, conn, _ := newTestAgent(t, clockwork.NewFakeClock())

	a.LocalUpdate(json.RawMessage(`{"n":1}`))
	require.Zero(t, conn.countOf(protocol.EventTimerState), "non-leaders never push")

	a.HandleMessage(protocol.Message{
		Event:          protocol.EventLeadershipInfo,
		IsLeader:       true,
		SequenceNumber: protocol.Seq(1),
		State:          json.RawMessage(`{"n":1}`),
	})
	a.LocalUpdate(json.RawMessage(`{"n":2}`))
	a.LocalUpdate(json.RawMessage(`{"n":3}`))

	msgs := conn.messages()
	var seqs []uint64
	for _, m := range msgs {
		if m.Event == protocol.EventTimerState {
			seqs = append(seqs, *m.SequenceNumber)
		}
	}
	require.Equal(t, []uint64{2, 3}, seqs, "sequence numbers increase per local change")
}

func TestServerAppliedStateDoesNotEcho(t *testing.T) {
	a, conn, _ := newTestAgent(t, clockwork.NewFakeClock())
	a.HandleMessage(protocol.Message{
		Event: protocol.EventTimerState,
		State: json.RawMessage(`{"s":"peer"}`),
	})
	require.JSONEq(t, `{"s":"peer"}`, string(a.State()))
	require.Zero(t, conn.countOf(protocol.EventTimerState),
		"adopting a broadcast must not produce an update loop")
}

func TestSyncTime_CalibratesServerOffset(t *testing.T) {
	clock := clockwork.NewFakeClock()
	a, _, _ := newTestAgent(t, clock)

	// The connect-time sync-time is in flight; the answer arrives 100ms
	// later claiming the server is 5s ahead of the request midpoint.
	start := clock.Now()
	clock.Advance(100 * time.Millisecond)
	serverTime := start.UnixMilli() + 50 + 5000
	a.HandleMessage(protocol.Message{Event: protocol.EventSyncTime, ServerTime: serverTime})

	now := a.ServerNow()
	require.Equal(t, clock.Now().Add(5*time.Second), now)
}

func TestDisconnect_RetainsLeadershipView(t *testing.T) {
	a, _, rec := newTestAgent(t, clockwork.NewFakeClock())
	a.HandleMessage(protocol.Message{
		Event:          protocol.EventLeadershipInfo,
		IsLeader:       true,
		SequenceNumber: protocol.Seq(2),
		State:          json.RawMessage(`{"s":"x"}`),
	})

	a.HandleDisconnect()
	require.True(t, a.IsLeader(), "leadership view survives the drop for local use")
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, []bool{true, false}, rec.connected)
}
