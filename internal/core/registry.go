package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"bken/server/internal/apperr"
	"bken/server/internal/protocol"
)

// CreateParams is the input to Registry.Create, covering both the
// Discord-bound and simple (local) room creation paths.
type CreateParams struct {
	Title           string
	MovieName       string
	MovieInfo       string
	SelectedEpisode string
	Discord         *DiscordSession // nil for a simple room
	HostID          string          // simple rooms only; ignored for Discord-bound rooms
}

// DeleteHook is invoked by Registry.Delete before the room is dropped
// from the map, letting other components (upload TTL cache, media temp
// dirs) cascade their own cleanup without Registry importing them.
type DeleteHook func(room *Room)

// Registry is the process-wide Room Registry (component A): at most one
// room may exist at a time (the singleton-session rule).
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	deleteHooks []DeleteHook
	logger      *slog.Logger

	maxClientsPerRoom int
	maxBandwidthMbps  float64
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *slog.Logger, maxClientsPerRoom int, maxBandwidthMbps float64) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		rooms:             make(map[string]*Room),
		logger:            logger,
		maxClientsPerRoom: maxClientsPerRoom,
		maxBandwidthMbps:  maxBandwidthMbps,
	}
}

// AddDeleteHook registers a cascade to run whenever a room is deleted.
func (reg *Registry) AddDeleteHook(h DeleteHook) {
	reg.mu.Lock()
	reg.deleteHooks = append(reg.deleteHooks, h)
	reg.mu.Unlock()
}

// Create enforces the singleton-session rule (any existing room, of
// either kind, blocks creation) and mints the room plus its host token.
func (reg *Registry) Create(p CreateParams) (*Room, string, error) {
	reg.mu.Lock()
	if len(reg.rooms) > 0 {
		reg.mu.Unlock()
		return nil, "", apperr.ConflictErr("a session is already active")
	}
	id := uuid.New().String()
	room := NewRoom(id, p.Title, p.MovieName, p.MovieInfo, p.SelectedEpisode, p.Discord)
	reg.rooms[id] = room
	reg.mu.Unlock()

	var hostToken string
	if p.Discord != nil {
		tok, err := room.mintHostMember(p.Discord.HostDiscordID, p.Discord.HostUsername)
		if err != nil {
			reg.mu.Lock()
			delete(reg.rooms, id)
			reg.mu.Unlock()
			return nil, "", err
		}
		hostToken = tok
	} else {
		room.SetHostID(p.HostID)
	}

	reg.logger.Info("room created", "room_id", id, "discord_bound", p.Discord != nil, "title", p.Title)
	return room, hostToken, nil
}

// Get looks up a room by ID.
func (reg *Registry) Get(roomID string) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rooms[roomID]
	return r, ok
}

// ForEach calls fn for every room under a read lock snapshot.
func (reg *Registry) ForEach(fn func(*Room)) {
	reg.mu.RLock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.mu.RUnlock()
	for _, r := range rooms {
		fn(r)
	}
}

// Delete cascades room teardown: runs every registered hook, closes all
// live sockets with the given close code/reason, and drops the room
// from the map.
func (reg *Registry) Delete(roomID string, closeCode int, closeReason string) {
	reg.mu.RLock()
	room, ok := reg.rooms[roomID]
	hooks := append([]DeleteHook(nil), reg.deleteHooks...)
	reg.mu.RUnlock()
	if !ok {
		return
	}

	room.End()
	for _, c := range room.AllClients() {
		c.Sender.Close(closeCode, closeReason)
	}
	for _, h := range hooks {
		h(room)
	}

	reg.mu.Lock()
	delete(reg.rooms, roomID)
	reg.mu.Unlock()

	reg.logger.Info("room deleted", "room_id", roomID)
}

// MaxClientsPerRoom and MaxBandwidthMbps expose the admission caps
// (component H reads these rather than hardcoding the spec constants).
func (reg *Registry) MaxClientsPerRoom() int       { return reg.maxClientsPerRoom }
func (reg *Registry) MaxBandwidthMbps() float64    { return reg.maxBandwidthMbps }

// RunCleanupLoop implements §4.A's registry cleanup: every tick, rooms
// with zero clients are removed once either (a) idleTimeout has passed
// since the room's last state update, or (b) deleteDebounce has passed
// since the last client disconnected — whichever condition the room
// currently satisfies.
func (reg *Registry) RunCleanupLoop(ctx context.Context, tick, idleTimeout, deleteDebounce time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			reg.ForEach(func(r *Room) {
				if r.ClientCount() > 0 {
					return
				}
				state := r.StateSnapshot()
				idleByState := state.LastUpdate != 0 && now.Sub(time.UnixMilli(state.LastUpdate)) > idleTimeout
				idleSince, left := r.IdleSince(now)
				idleByDebounce := left && idleSince > deleteDebounce
				if idleByState || idleByDebounce {
					reg.Delete(r.ID, 1001, "idle timeout")
				}
			})
		}
	}
}

// RunHostCheckLoop implements §4.B's 15s host-inactivity check across
// every room, broadcasting host-changed on transfer.
func (reg *Registry) RunHostCheckLoop(ctx context.Context, tick, timeout time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			reg.ForEach(func(r *Room) {
				newHostID, newHostUsername, _, changed := r.CheckHostTransfer(now, timeout)
				if !changed {
					return
				}
				reg.logger.Info("host transferred", "room_id", r.ID, "new_host_id", newHostID)
				r.Broadcast(protocol.Message{
					Type:            protocol.TypeHostChanged,
					NewHostID:       newHostID,
					NewHostUsername: newHostUsername,
				})
			})
		}
	}
}

// RunSyncLoop implements §4.E's global 1Hz tick, broadcasting a "sync"
// frame to each room whose per-room interval has elapsed.
func (reg *Registry) RunSyncLoop(ctx context.Context, tickInterval, playingPeriod, pausedPeriod time.Duration) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			reg.ForEach(func(r *Room) {
				frame, due := r.DueForSync(now, playingPeriod, pausedPeriod)
				if !due {
					return
				}
				r.Broadcast(protocol.Message{
					Type:        protocol.TypeSync,
					CurrentTime: frame.CurrentTime,
					IsPlaying:   frame.IsPlaying,
					ServerTime:  frame.ServerTime,
				})
			})
		}
	}
}
