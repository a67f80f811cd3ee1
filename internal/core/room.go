// Package core implements the Room Registry, Membership & Tokens, the
// Sync Protocol Engine, the Rating Collector and the Session Status
// Projector (spec components A, B, E, I, J). It owns the single mutable
// aggregate, Room, and exposes methods that are always called with the
// room's own mutex held for the duration of the mutation.
package core

import (
	"crypto/rand"
	"encoding/base64"
	"math"
	"sort"
	"sync"
	"time"

	"bken/server/internal/apperr"
	"bken/server/internal/protocol"
)

// Status is the room lifecycle state. The machine is one-way:
// waiting -> playing -> ended.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusPlaying Status = "playing"
	StatusEnded   Status = "ended"
)

const (
	hostInactiveSentinel = 0 // RoomState.HostLastHeartbeat zero value
)

// Subtitle is one extracted subtitle track registered against a room.
type Subtitle struct {
	Filename    string `json:"filename"`
	DisplayName string `json:"displayName"`
}

// RoomState is the playback/pipeline state of a Room, §3 "RoomState".
type RoomState struct {
	VideoPath string

	CurrentTime float64 // seconds, the reference point
	LastUpdate  int64   // ms, server clock at which CurrentTime was last valid

	IsPlaying       bool
	PlaybackStarted bool

	IsUploading    bool
	UploadProgress int

	IsProcessing      bool
	ProcessingMessage string

	HostID            string // non-token host identifier, simple (non-Discord) rooms only
	HostLastHeartbeat int64  // ms
	LastCommandSeq    int64

	Subtitles []Subtitle
}

// EffectivePlayhead computes the current playhead per §3's reference-point
// formula: currentTime + (now-lastUpdate)/1000 while playing, else currentTime.
func (s *RoomState) EffectivePlayhead(now time.Time) float64 {
	if !s.IsPlaying {
		return s.CurrentTime
	}
	elapsedSec := float64(now.UnixMilli()-s.LastUpdate) / 1000.0
	if elapsedSec < 0 {
		elapsedSec = 0
	}
	return s.CurrentTime + elapsedSec
}

// Member is one entry of a room's token map, §3 "Member".
type Member struct {
	ExternalID  string
	DisplayName string
	IsHost      bool
	Connected   bool
	ConnectedAt time.Time
	LastPingMs  int64
}

// DiscordSession carries the bot-supplied binding for a Discord-created room.
type DiscordSession struct {
	ChannelID     string
	MessageID     string
	GuildID       string
	HostDiscordID string
	HostUsername  string
}

// Rating is one end-of-session rating, keyed by ExternalID (§3 "ratings").
type Rating struct {
	ExternalID string
	Value      int
}

// Sender abstracts the live transport for one connected client so that
// core never imports the ws package. Implementations must be safe for
// concurrent use.
type Sender interface {
	Send(msg protocol.Message) error
	Close(code int, reason string)
}

// Client is a live WebSocket connection attached to a room. Per the
// cyclic-reference design note, Client holds identity only — never a
// pointer back to its Room — callers look the room up by ID on use.
type Client struct {
	ID          string // clientId from the connect query
	Token       string // "" for untokened/simple-room clients
	RemoteIP    string
	ConnectedAt time.Time
	Sender      Sender
}

// Room is the sole top-level aggregate: at most one exists in
// waiting/playing status at a time (enforced by Registry).
type Room struct {
	mu sync.RWMutex

	ID              string
	Title           string
	MovieName       string
	MovieInfo       string
	SelectedEpisode string
	Discord         *DiscordSession // nil for simple (non-bot) rooms

	Status Status
	State  RoomState

	tokenMap    map[string]*Member // token -> member
	ratings     map[string]int     // externalId -> value
	ratingOrder []string           // insertion order, for the "ordered sequence" requirement

	clients map[string]*Client // clientId -> client

	createdAt        time.Time
	lastSyncSent     time.Time
	lastClientLeftAt time.Time
	hasHadClient     bool
	peakViewers      int
}

// CreatedAt returns the room's creation time.
func (r *Room) CreatedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.createdAt
}

// PeakViewers returns the highest connected-client count ever observed.
func (r *Room) PeakViewers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peakViewers
}

// NewRoom constructs an empty room in waiting status.
func NewRoom(id, title, movieName, movieInfo, selectedEpisode string, discord *DiscordSession) *Room {
	return &Room{
		ID:              id,
		Title:           title,
		MovieName:       movieName,
		MovieInfo:       movieInfo,
		SelectedEpisode: selectedEpisode,
		Discord:         discord,
		Status:          StatusWaiting,
		tokenMap:        make(map[string]*Member),
		ratings:         make(map[string]int),
		clients:         make(map[string]*Client),
		createdAt:       time.Now(),
	}
}

// generateToken mints >=32 bytes of cryptographic randomness, URL-safe
// base64, per §3's token format.
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// --- Membership & Tokens (component B) ---

// GenerateUserToken returns the existing token for externalID if one
// already exists (idempotent per §8), else mints and stores a fresh one.
func (r *Room) GenerateUserToken(externalID, displayName string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for tok, m := range r.tokenMap {
		if m.ExternalID == externalID {
			return tok, nil
		}
	}

	tok, err := generateToken()
	if err != nil {
		return "", apperr.InfraErr(err, "generate token")
	}
	r.tokenMap[tok] = &Member{
		ExternalID:  externalID,
		DisplayName: displayName,
	}
	return tok, nil
}

// mintHostMember is called once at room creation for Discord-bound rooms,
// creating the initial (and only, at that instant) host member.
func (r *Room) mintHostMember(externalID, displayName string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, err := generateToken()
	if err != nil {
		return "", apperr.InfraErr(err, "generate host token")
	}
	r.tokenMap[tok] = &Member{
		ExternalID:  externalID,
		DisplayName: displayName,
		IsHost:      true,
	}
	return tok, nil
}

// ValidateToken returns a copy of the member bound to token, if any.
func (r *Room) ValidateToken(token string) (Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.tokenMap[token]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// IsHostByToken reports whether token belongs to the current host.
func (r *Room) IsHostByToken(token string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.tokenMap[token]
	return ok && m.IsHost
}

// IsHostByID reports whether externalID matches the simple-room host
// identifier (non-Discord rooms authorize by hostId instead of token).
func (r *Room) IsHostByID(externalID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.State.HostID != "" && r.State.HostID == externalID
}

// AttachClient binds a live connection to the room's client set, and if
// the connection carries a token, marks the corresponding member
// connected. Returns apperr.Forbidden if the token does not resolve.
func (r *Room) AttachClient(c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.Token != "" {
		m, ok := r.tokenMap[c.Token]
		if !ok {
			return apperr.ForbiddenErr("unknown token")
		}
		m.Connected = true
		m.ConnectedAt = time.Now()
	}
	r.clients[c.ID] = c
	r.hasHadClient = true
	if len(r.clients) > r.peakViewers {
		r.peakViewers = len(r.clients)
	}
	return nil
}

// DetachClient removes a connection from the client set and marks its
// member disconnected if no other live connection carries the same token.
func (r *Room) DetachClient(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[clientID]
	if !ok {
		return
	}
	delete(r.clients, clientID)

	if c.Token != "" {
		stillLive := false
		for _, other := range r.clients {
			if other.Token == c.Token {
				stillLive = true
				break
			}
		}
		if !stillLive {
			if m, ok := r.tokenMap[c.Token]; ok {
				m.Connected = false
			}
		}
	}

	if len(r.clients) == 0 {
		r.lastClientLeftAt = time.Now()
	}
}

// ClientCount returns the number of live connections.
func (r *Room) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Broadcast sends msg to every connected client, best-effort. Targets
// are snapshotted under read lock and sent after release, matching the
// teacher's room.Broadcast discipline of never holding the lock during I/O.
func (r *Room) Broadcast(msg protocol.Message) {
	r.mu.RLock()
	targets := make([]Sender, 0, len(r.clients))
	for _, c := range r.clients {
		targets = append(targets, c.Sender)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		_ = s.Send(msg)
	}
}

// BroadcastExcept is Broadcast excluding one clientID (e.g. the sender
// of a message that is already reflected to it synchronously).
func (r *Room) BroadcastExcept(msg protocol.Message, exceptClientID string) {
	r.mu.RLock()
	targets := make([]Sender, 0, len(r.clients))
	for id, c := range r.clients {
		if id == exceptClientID {
			continue
		}
		targets = append(targets, c.Sender)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		_ = s.Send(msg)
	}
}

// SendTo delivers msg to exactly one client by ID, if connected.
func (r *Room) SendTo(clientID string, msg protocol.Message) {
	r.mu.RLock()
	c, ok := r.clients[clientID]
	r.mu.RUnlock()
	if ok {
		_ = c.Sender.Send(msg)
	}
}

// --- Host inactivity & transfer (component B) ---

// RecordHostHeartbeat updates hostLastHeartbeat; called on any accepted
// host command and on dedicated host-heartbeat messages.
func (r *Room) RecordHostHeartbeat(now time.Time) {
	r.mu.Lock()
	r.State.HostLastHeartbeat = now.UnixMilli()
	r.mu.Unlock()
}

// CheckHostTransfer implements §4.B's periodic host-check: if the host
// has been silent longer than timeout, no upload is in progress, and at
// least one non-host member is connected, promote the connected non-host
// member with the smallest ConnectedAt. Returns the new host's
// ExternalID, DisplayName, token, and true if a transfer happened.
func (r *Room) CheckHostTransfer(now time.Time, timeout time.Duration) (string, string, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.clients) == 0 || r.Status == StatusEnded {
		return "", "", "", false
	}
	if r.State.IsUploading {
		return "", "", "", false
	}
	if r.State.HostLastHeartbeat != hostInactiveSentinel {
		age := now.UnixMilli() - r.State.HostLastHeartbeat
		if time.Duration(age)*time.Millisecond <= timeout {
			return "", "", "", false
		}
	}

	var candidateTok string
	var candidate *Member
	for tok, m := range r.tokenMap {
		if m.IsHost || !m.Connected {
			continue
		}
		if candidate == nil || m.ConnectedAt.Before(candidate.ConnectedAt) {
			candidate = m
			candidateTok = tok
		}
	}
	if candidate == nil {
		return "", "", "", false
	}

	for _, m := range r.tokenMap {
		m.IsHost = false
	}
	candidate.IsHost = true
	r.State.HostLastHeartbeat = now.UnixMilli()
	return candidate.ExternalID, candidate.DisplayName, candidateTok, true
}

// --- Sync Protocol Engine (component E) ---

// SyncFrame is the payload of a "sync" server->client message.
type SyncFrame struct {
	CurrentTime float64
	IsPlaying   bool
	ServerTime  int64
}

// ApplyHostCommand validates and applies a play/pause/seek command per
// §4.E. Returns the resulting frame and whether the command caused the
// room to transition from waiting to playing (in which case the caller
// should also broadcast a session-status projection).
func (r *Room) ApplyHostCommand(token, cmdType string, currentTime float64, seq int64, now time.Time) (SyncFrame, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Status == StatusEnded {
		return SyncFrame{}, false, apperr.ForbiddenErr("session ended")
	}
	m, ok := r.tokenMap[token]
	if !ok || !m.IsHost {
		return SyncFrame{}, false, apperr.ForbiddenErr("not host")
	}
	if seq <= r.State.LastCommandSeq {
		// Stale/duplicate command: a silent no-op, not an error (§8.4).
		return SyncFrame{
			CurrentTime: r.State.EffectivePlayhead(now),
			IsPlaying:   r.State.IsPlaying,
			ServerTime:  now.UnixMilli(),
		}, false, nil
	}

	r.State.CurrentTime = currentTime
	switch cmdType {
	case protocol.TypePlay:
		r.State.IsPlaying = true
	case protocol.TypePause:
		r.State.IsPlaying = false
		// seek: IsPlaying unchanged
	}
	r.State.LastUpdate = now.UnixMilli()
	r.State.LastCommandSeq = seq
	r.State.HostLastHeartbeat = now.UnixMilli()

	transitioned := false
	if cmdType == protocol.TypePlay && !r.State.PlaybackStarted {
		r.State.PlaybackStarted = true
		if r.Discord != nil && r.Status == StatusWaiting {
			r.Status = StatusPlaying
			transitioned = true
		}
	}

	return SyncFrame{
		CurrentTime: r.State.CurrentTime,
		IsPlaying:   r.State.IsPlaying,
		ServerTime:  now.UnixMilli(),
	}, transitioned, nil
}

// CurrentSyncFrame returns the frame for the room's current playhead,
// used for the initial per-connection sync and the "state" drift request.
func (r *Room) CurrentSyncFrame(now time.Time) SyncFrame {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return SyncFrame{
		CurrentTime: r.State.EffectivePlayhead(now),
		IsPlaying:   r.State.IsPlaying,
		ServerTime:  now.UnixMilli(),
	}
}

// DueForSync reports whether the per-room sync period has elapsed, and
// if so marks lastSyncSent = now as a side effect (called once per tick
// per room from the global 1Hz loop).
func (r *Room) DueForSync(now time.Time, playingPeriod, pausedPeriod time.Duration) (SyncFrame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	interval := pausedPeriod
	if r.State.IsPlaying {
		interval = playingPeriod
	}
	if !r.lastSyncSent.IsZero() && now.Sub(r.lastSyncSent) < interval {
		return SyncFrame{}, false
	}
	r.lastSyncSent = now
	return SyncFrame{
		CurrentTime: r.State.EffectivePlayhead(now),
		IsPlaying:   r.State.IsPlaying,
		ServerTime:  now.UnixMilli(),
	}, true
}

// --- Rating Collector (component I) ---

// AddRating idempotently upserts a rating keyed by externalID, and
// reports whether every connected user has now rated, along with the
// current ordered rating list and the rounded average.
func (r *Room) AddRating(externalID string, value int) (allRated bool, ratings []Rating, average float64, err error) {
	if value < 1 || value > 10 {
		return false, nil, 0, apperr.ValidationErr("rating must be between 1 and 10")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Status == StatusEnded {
		return false, nil, 0, apperr.ForbiddenErr("session ended")
	}
	if _, exists := r.ratings[externalID]; !exists {
		r.ratingOrder = append(r.ratingOrder, externalID)
	}
	r.ratings[externalID] = value

	connected := make(map[string]struct{})
	for _, m := range r.tokenMap {
		if m.Connected {
			connected[m.ExternalID] = struct{}{}
		}
	}

	ratings = make([]Rating, 0, len(r.ratingOrder))
	sum := 0
	for _, id := range r.ratingOrder {
		v := r.ratings[id]
		ratings = append(ratings, Rating{ExternalID: id, Value: v})
		sum += v
	}
	if len(ratings) > 0 {
		average = math.Round(float64(sum)/float64(len(ratings))*10) / 10
	}

	allRated = len(connected) > 0
	for id := range connected {
		if _, rated := r.ratings[id]; !rated {
			allRated = false
			break
		}
	}

	return allRated, ratings, average, nil
}

// --- Session Status Projector (component J) ---

// Projection is the read-model built for poll clients and the
// "session-status" WebSocket message.
type Projection struct {
	Status      Status
	ViewerCount int
	Viewers     []protocol.Viewer
	Ratings     []Rating
	Average     float64
	AllRated    bool
	MovieInfo   string
	MovieName   string
}

// Project builds the current read-model. It is a pure function of the
// room's state at the instant it is called.
func (r *Room) Project() Projection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	viewers := make([]protocol.Viewer, 0, len(r.tokenMap))
	connectedCount := 0
	for _, m := range r.tokenMap {
		if !m.Connected {
			continue
		}
		connectedCount++
		viewers = append(viewers, protocol.Viewer{
			ExternalID: m.ExternalID,
			Username:   m.DisplayName,
			Ping:       m.LastPingMs,
		})
	}
	sort.Slice(viewers, func(i, j int) bool { return viewers[i].ExternalID < viewers[j].ExternalID })

	ratings := make([]Rating, 0, len(r.ratingOrder))
	sum := 0
	for _, id := range r.ratingOrder {
		v := r.ratings[id]
		ratings = append(ratings, Rating{ExternalID: id, Value: v})
		sum += v
	}
	var avg float64
	if len(ratings) > 0 {
		avg = math.Round(float64(sum)/float64(len(ratings))*10) / 10
	}

	allRated := connectedCount > 0
	for _, m := range r.tokenMap {
		if !m.Connected {
			continue
		}
		if _, ok := r.ratings[m.ExternalID]; !ok {
			allRated = false
			break
		}
	}

	return Projection{
		Status:      r.Status,
		ViewerCount: connectedCount,
		Viewers:     viewers,
		Ratings:     ratings,
		Average:     avg,
		AllRated:    allRated,
		MovieInfo:   r.MovieInfo,
		MovieName:   r.MovieName,
	}
}

// --- misc state accessors used by upload/media/httpapi ---

// WithState runs fn with the room's state exposed for read/modify under
// lock; fn must not block on I/O. Used by the upload and media packages
// to update IsUploading/IsProcessing/VideoPath/Subtitles atomically.
func (r *Room) WithState(fn func(s *RoomState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.State)
}

// StateSnapshot returns a copy of the current RoomState.
func (r *Room) StateSnapshot() RoomState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.State
}

// SetHostID sets the non-token host identifier used by simple rooms.
func (r *Room) SetHostID(id string) {
	r.mu.Lock()
	r.State.HostID = id
	r.mu.Unlock()
}

// End transitions the room to ended, the terminal state (no regression).
func (r *Room) End() {
	r.mu.Lock()
	r.Status = StatusEnded
	r.mu.Unlock()
}

// IdleSince reports how long the room has had zero clients; zero
// duration and false if it currently has clients or never had any.
func (r *Room) IdleSince(now time.Time) (time.Duration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.clients) > 0 || !r.hasHadClient || r.lastClientLeftAt.IsZero() {
		return 0, false
	}
	return now.Sub(r.lastClientLeftAt), true
}

// AllClients returns a snapshot of live client IDs and their senders,
// for cascaded shutdown (Registry.Delete closes every socket).
func (r *Room) AllClients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}
