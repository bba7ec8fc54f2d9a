package registry

import (
	"context"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/sharedtimer/relay-backend/internal/lobby"
	"github.com/sharedtimer/relay-backend/internal/snapshot"
)

// DefaultFlushInterval is the coalescing window for snapshot writes. Every
// accepted mutation marks the document dirty; at most one write per window
// reaches the store.
const DefaultFlushInterval = 100 * time.Millisecond

// readTimeout caps the startup rehydration read; a dead backend must not
// keep the relay from booting.
const readTimeout = 5 * time.Second

type Config struct {
	Lobby         lobby.Config
	FlushInterval time.Duration
}

type Msg interface{ isRegistryMsg() }

// Ensure returns the lobby for an id, creating it on first reference.
type Ensure struct {
	ID    string
	Reply chan *lobby.Lobby
}

// List returns the ids of all live lobbies, sorted.
type List struct {
	Reply chan []string
}

// FlushNow writes the current document synchronously; used at shutdown.
type FlushNow struct {
	Reply chan error
}

type ShutdownAll struct {
	Reply chan struct{}
}

// changed carries a lobby's persistence notification into the registry loop.
type changed struct{ ch lobby.Change }

// flushTick is the debounce timer firing.
type flushTick struct{ gen uint64 }

func (Ensure) isRegistryMsg()      {}
func (List) isRegistryMsg()        {}
func (FlushNow) isRegistryMsg()    {}
func (ShutdownAll) isRegistryMsg() {}
func (changed) isRegistryMsg()     {}
func (flushTick) isRegistryMsg()   {}

// Registry owns every lobby actor in the process plus the persisted snapshot
// document. Persistence is fire-and-forget from the protocol's perspective:
// lobbies notify the registry, the registry debounces whole-document writes
// onto a background writer, and a slow or failing store never blocks a
// broadcast.
type Registry struct {
	inbox   chan Msg
	lobbies map[string]*lobby.Lobby
	doc     snapshot.Document
	store   snapshot.Store
	cfg     Config
	clock   clockwork.Clock
	log     *zap.Logger

	dirty    bool
	flushArm bool
	flushGen uint64
	writeCh  chan snapshot.Document

	ctx    context.Context
	cancel context.CancelFunc
}

// New rehydrates the registry from the store and starts its loop. A failed
// read logs a warning and starts empty rather than refusing to boot.
func New(parent context.Context, store snapshot.Store, cfg Config, clock clockwork.Clock, log *zap.Logger) *Registry {
	ctx, cancel := context.WithCancel(parent)
	r := &Registry{
		inbox:   make(chan Msg, 256),
		lobbies: make(map[string]*lobby.Lobby),
		store:   store,
		cfg:     cfg,
		clock:   clock,
		log:     log.Named("registry"),
		writeCh: make(chan snapshot.Document, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	if r.cfg.FlushInterval <= 0 {
		r.cfg.FlushInterval = DefaultFlushInterval
	}

	r.doc = r.rehydrate()
	for id, snap := range r.doc {
		r.lobbies[id] = r.newLobby(id, lobby.Seed{
			LeaderDeviceID: snap.LeaderDeviceID,
			LastSeq:        snap.LastSequenceNumber,
			State:          snap.State,
		})
	}
	r.log.Info("registry started", zap.Int("lobbies", len(r.doc)))

	go r.writer()
	go r.loop()
	return r
}

func (r *Registry) Inbox() chan<- Msg { return r.inbox }

func (r *Registry) rehydrate() snapshot.Document {
	ctx, cancel := context.WithTimeout(r.ctx, readTimeout)
	defer cancel()
	doc, err := r.store.Read(ctx)
	if err != nil {
		r.log.Warn("snapshot read failed, starting empty", zap.Error(err))
		return snapshot.Document{}
	}
	return doc
}

func (r *Registry) newLobby(id string, seed lobby.Seed) *lobby.Lobby {
	notify := func(ch lobby.Change) {
		select {
		case r.inbox <- changed{ch: ch}:
		case <-r.ctx.Done():
		}
	}
	return lobby.New(r.ctx, id, r.cfg.Lobby, seed, notify, r.clock, r.log)
}

func (r *Registry) loop() {
	for {
		select {
		case <-r.ctx.Done():
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Ensure:
				lb := r.lobbies[msg.ID]
				if lb == nil {
					seed := lobby.Seed{}
					if snap, ok := r.doc[msg.ID]; ok {
						seed = lobby.Seed{
							LeaderDeviceID: snap.LeaderDeviceID,
							LastSeq:        snap.LastSequenceNumber,
							State:          snap.State,
						}
					} else {
						r.doc[msg.ID] = snapshot.Lobby{}
						r.markDirty()
					}
					lb = r.newLobby(msg.ID, seed)
					r.lobbies[msg.ID] = lb
					r.log.Info("lobby created", zap.String("lobby", msg.ID))
				}
				msg.Reply <- lb

			case List:
				ids := make([]string, 0, len(r.lobbies))
				for id := range r.lobbies {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				msg.Reply <- ids

			case changed:
				if msg.ch.Remove {
					delete(r.lobbies, msg.ch.LobbyID)
					delete(r.doc, msg.ch.LobbyID)
				} else {
					r.doc[msg.ch.LobbyID] = msg.ch.Snapshot
				}
				r.markDirty()

			case flushTick:
				if msg.gen != r.flushGen {
					break
				}
				r.flushArm = false
				if r.dirty {
					r.dirty = false
					r.queueWrite(snapshot.Clone(r.doc))
				}

			case FlushNow:
				r.dirty = false
				wctx, cancel := context.WithTimeout(context.Background(), readTimeout)
				err := r.store.Write(wctx, snapshot.Clone(r.doc))
				cancel()
				msg.Reply <- err

			case ShutdownAll:
				for _, lb := range r.lobbies {
					lb.Inbox() <- lobby.Shutdown{}
				}
				clear(r.lobbies)
				r.cancel()
				msg.Reply <- struct{}{}
				return
			}
		}
	}
}

func (r *Registry) markDirty() {
	r.dirty = true
	if r.flushArm {
		return
	}
	r.flushArm = true
	r.flushGen++
	gen := r.flushGen
	timer := r.clock.NewTimer(r.cfg.FlushInterval)
	go func() {
		select {
		case <-timer.Chan():
			select {
			case r.inbox <- flushTick{gen: gen}:
			case <-r.ctx.Done():
			}
		case <-r.ctx.Done():
			timer.Stop()
		}
	}()
}

// queueWrite hands a document to the background writer, replacing any write
// that has not started yet; only the latest document matters.
func (r *Registry) queueWrite(doc snapshot.Document) {
	for {
		select {
		case r.writeCh <- doc:
			return
		default:
			select {
			case <-r.writeCh:
			default:
			}
		}
	}
}

func (r *Registry) writer() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case doc := <-r.writeCh:
			wctx, cancel := context.WithTimeout(context.Background(), readTimeout)
			if err := r.store.Write(wctx, doc); err != nil {
				r.log.Warn("snapshot write failed", zap.Error(err))
			}
			cancel()
		}
	}
}
