package protocol

import "encoding/json"

// Event names shared by the relay and its clients. The names travel on the
// wire, so they never change casing or spelling.
const (
	EventCheckLeadership    = "check-leadership"
	EventLeadershipInfo     = "leadership-info"
	EventRequestLeadership  = "request-leadership"
	EventTransferLeadership = "transfer-leadership"
	EventFinalTimerState    = "final-timer-state"
	EventTimerState         = "timer-state"
	EventSyncTime           = "sync-time"
)

// Message is the wire envelope for every event in both directions. Fields
// beyond Event are populated per event:
//
//	check-leadership     client->server  (no payload)
//	leadership-info      server->client  IsLeader, SequenceNumber?, State?
//	request-leadership   client->server  SequenceNumber
//	transfer-leadership  server->client  (no payload; addressed to the leader)
//	final-timer-state    client->server  SequenceNumber, State
//	timer-state          client->server  SequenceNumber, State
//	timer-state          server->client  State (broadcast)
//	sync-time            client->server  (no payload)
//	sync-time            server->client  ServerTime (epoch milliseconds)
//
// The timer document itself is opaque to the relay, so State stays a raw
// JSON value end to end.
type Message struct {
	Event          string          `json:"event"`
	IsLeader       bool            `json:"isLeader,omitempty"`
	SequenceNumber *uint64         `json:"sequenceNumber,omitempty"`
	State          json.RawMessage `json:"state,omitempty"`
	ServerTime     int64           `json:"serverTime,omitempty"`
}

// Seq is a convenience for building the optional SequenceNumber field.
func Seq(n uint64) *uint64 { return &n }
