package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/sharedtimer/relay-backend/internal/lobby"
	"github.com/sharedtimer/relay-backend/internal/protocol"
	"github.com/sharedtimer/relay-backend/internal/registry"
)

const writeTimeout = 3 * time.Second

// Handler accepts a websocket connection, binds it to a lobby and device
// identity from the handshake query, and relays protocol messages between
// the socket and the lobby actor. All durable state lives in the lobby; the
// session itself is just this binding.
func Handler(reg *registry.Registry, clock clockwork.Clock, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lobbyID := r.URL.Query().Get("lobby")
		if lobbyID == "" {
			lobbyID = "default"
		}
		deviceID := r.URL.Query().Get("clientId")

		reply := make(chan *lobby.Lobby, 1)
		reg.Inbox() <- registry.Ensure{ID: lobbyID, Reply: reply}
		lb := <-reply

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// The HTTP surface is open to any origin (mirrored by the CORS
			// middleware); the protocol has no authentication to protect.
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		connID := uuid.NewString()
		lg := log.With(zap.String("lobby", lobbyID), zap.String("conn", connID))
		out := make(chan protocol.Message, 16)

		lb.Inbox() <- lobby.Join{ConnID: connID, DeviceID: deviceID, Outbox: out}
		defer func() { lb.Inbox() <- lobby.Leave{ConnID: connID} }()

		// Writer goroutine: drains the outbox the lobby broadcasts into.
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for msg := range out {
				payload, err := json.Marshal(msg)
				if err != nil {
					lg.Error("encode outbound message", zap.Error(err))
					continue
				}
				ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
				_ = conn.Write(ctx, websocket.MessageText, payload)
				cancel()
			}
		}()

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				return
			}

			var msg protocol.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				lg.Debug("bad json from client", zap.Error(err))
				continue
			}

			switch msg.Event {
			case protocol.EventCheckLeadership:
				lb.Inbox() <- lobby.CheckLeadership{ConnID: connID, DeviceID: deviceID}

			case protocol.EventRequestLeadership:
				var seq uint64
				if msg.SequenceNumber != nil {
					seq = *msg.SequenceNumber
				}
				lb.Inbox() <- lobby.RequestLeadership{ConnID: connID, DeviceID: deviceID, Seq: seq}

			case protocol.EventFinalTimerState:
				var seq uint64
				if msg.SequenceNumber != nil {
					seq = *msg.SequenceNumber
				}
				lb.Inbox() <- lobby.FinalState{ConnID: connID, Seq: seq, State: msg.State}

			case protocol.EventTimerState:
				var seq uint64
				if msg.SequenceNumber != nil {
					seq = *msg.SequenceNumber
				}
				lb.Inbox() <- lobby.Update{ConnID: connID, Seq: seq, State: msg.State}

			case protocol.EventSyncTime:
				// Answered inline; the outbox belongs to the lobby and may
				// be closed under us. conn.Write serializes internally.
				ack, _ := json.Marshal(protocol.Message{
					Event:      protocol.EventSyncTime,
					ServerTime: clock.Now().UnixMilli(),
				})
				ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
				_ = conn.Write(ctx, websocket.MessageText, ack)
				cancel()

			default:
				lg.Debug("unknown event from client", zap.String("event", msg.Event))
			}
		}
	}
}
