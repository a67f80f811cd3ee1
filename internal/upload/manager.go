// Package upload implements the chunked resumable Upload Engine
// (spec component C): init/chunk/status/complete/abort, a cached
// writable file-handle pool, on-disk metadata mirroring, TTL garbage
// collection, and throttled progress broadcasting.
package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"bken/server/internal/apperr"
	"bken/server/internal/core"
	"bken/server/internal/protocol"
)

var unsafeNameChar = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SanitizeFilename collapses any character outside [A-Za-z0-9._-] to
// '_', per §6's filename sanitization rule.
func SanitizeFilename(name string) string {
	name = filepath.Base(name)
	return unsafeNameChar.ReplaceAllString(name, "_")
}

// Meta mirrors one active upload in memory, per §3 "UploadMeta". It is
// written to disk as meta.json once, at init; abort and complete remove
// the upload directory together with that file.
type Meta struct {
	RoomID         string       `json:"roomId"`
	UploadID       string       `json:"uploadId"`
	Filename       string       `json:"filename"`
	TotalChunks    int          `json:"totalChunks"`
	ChunkSize      int64        `json:"chunkSize"`
	TotalSize      int64        `json:"totalSize"`
	ReceivedChunks map[int]bool `json:"receivedChunks"`
	CreatedAt      time.Time    `json:"createdAt"`
	LastActivity   time.Time    `json:"lastActivity"`
}

func (m *Meta) progress() int {
	if m.TotalChunks <= 0 {
		return 0
	}
	pct := len(m.ReceivedChunks) * 100 / m.TotalChunks
	if pct > 99 {
		pct = 99
	}
	return pct
}

// handle is a cached writable file descriptor for one upload's part file.
type handle struct {
	mu       sync.Mutex
	f        *os.File
	refCount int
	lastUsed time.Time
}

// InitRequest is the decoded body of POST /api/upload/init/:roomId.
type InitRequest struct {
	Filename    string
	TotalChunks int
	ChunkSize   int64
	TotalSize   int64
}

// StatusResponse is the decoded response of the status endpoint.
type StatusResponse struct {
	UploadID       string `json:"uploadId"`
	Filename       string `json:"filename"`
	TotalChunks    int    `json:"totalChunks"`
	ExistingChunks []int  `json:"existingChunks"`
	LastActivity   int64  `json:"lastActivity"`
}

// Manager owns every active upload across the (single) room.
type Manager struct {
	mu            sync.Mutex
	uploadsDir    string
	active        map[string]*Meta  // roomID -> active meta
	metaByID      map[string]*Meta  // uploadID -> meta
	handles       map[string]*handle
	lastBroadcast map[string]time.Time // roomID -> last progress broadcast
	logger        *slog.Logger

	progressThrottle time.Duration
	onComplete       func(room *core.Room, finalPath string)
}

// NewManager constructs an upload Manager rooted at uploadsDir.
func NewManager(uploadsDir string, progressThrottle time.Duration, logger *slog.Logger, onComplete func(room *core.Room, finalPath string)) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(uploadsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads dir: %w", err)
	}
	return &Manager{
		uploadsDir:       uploadsDir,
		active:           make(map[string]*Meta),
		metaByID:         make(map[string]*Meta),
		handles:          make(map[string]*handle),
		lastBroadcast:    make(map[string]time.Time),
		logger:           logger,
		progressThrottle: progressThrottle,
		onComplete:       onComplete,
	}, nil
}

// resolvePath joins name under uploadsDir and refuses anything that
// would escape it (§5 "every file operation refuses paths escaping it").
func (m *Manager) resolvePath(name string) (string, error) {
	full := filepath.Join(m.uploadsDir, name)
	root, err := filepath.Abs(m.uploadsDir)
	if err != nil {
		return "", apperr.InfraErr(err, "resolve uploads root")
	}
	absFull, err := filepath.Abs(full)
	if err != nil {
		return "", apperr.InfraErr(err, "resolve path")
	}
	if absFull != root && !isWithin(root, absFull) {
		return "", apperr.ValidationErr("path escapes uploads root")
	}
	return full, nil
}

func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (m *Manager) partDir(uploadID string) string  { return filepath.Join(m.uploadsDir, uploadID) }
func (m *Manager) partFile(uploadID string) string { return filepath.Join(m.partDir(uploadID), "upload.part") }
func (m *Manager) metaFile(uploadID string) string { return filepath.Join(m.partDir(uploadID), "meta.json") }

func (m *Manager) writeMetaFile(meta *Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return apperr.InfraErr(err, "marshal upload metadata")
	}
	if err := os.WriteFile(m.metaFile(meta.UploadID), data, 0o644); err != nil {
		return apperr.InfraErr(err, "write upload metadata")
	}
	return nil
}

// Init handles §4.C's init contract: purges any previous active upload
// for the room, preallocates a sparse part file, mirrors metadata to
// disk, and marks the room uploading.
func (m *Manager) Init(room *core.Room, req InitRequest) (uploadID, safeFilename string, err error) {
	if req.TotalChunks <= 0 || req.ChunkSize <= 0 {
		return "", "", apperr.ValidationErr("totalChunks and chunkSize must be positive")
	}
	state := room.StateSnapshot()
	if state.IsProcessing {
		return "", "", apperr.ConflictErr("room is processing")
	}

	safeFilename = SanitizeFilename(req.Filename)
	uploadID = fmt.Sprintf("%s_%d", room.ID, time.Now().UnixMilli())

	m.mu.Lock()
	if prev, ok := m.active[room.ID]; ok {
		m.purgeLocked(prev)
	}
	m.mu.Unlock()

	dir := m.partDir(uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", apperr.InfraErr(err, "create upload directory")
	}
	f, err := os.Create(m.partFile(uploadID))
	if err != nil {
		return "", "", apperr.InfraErr(err, "create part file")
	}
	if err := f.Truncate(req.TotalSize); err != nil {
		f.Close()
		return "", "", apperr.InfraErr(err, "preallocate part file")
	}

	meta := &Meta{
		RoomID:         room.ID,
		UploadID:       uploadID,
		Filename:       safeFilename,
		TotalChunks:    req.TotalChunks,
		ChunkSize:      req.ChunkSize,
		TotalSize:      req.TotalSize,
		ReceivedChunks: make(map[int]bool),
		CreatedAt:      time.Now(),
		LastActivity:   time.Now(),
	}
	if err := m.writeMetaFile(meta); err != nil {
		f.Close()
		return "", "", err
	}

	m.mu.Lock()
	m.active[room.ID] = meta
	m.metaByID[uploadID] = meta
	m.handles[uploadID] = &handle{f: f, lastUsed: time.Now()}
	m.mu.Unlock()

	room.WithState(func(s *core.RoomState) {
		s.IsUploading = true
		s.UploadProgress = 0
	})
	room.Broadcast(protocol.Message{Type: protocol.TypeUploadStart, Filename: safeFilename})
	m.logger.Info("upload initialized", "room_id", room.ID, "upload_id", uploadID, "total_size", humanize.Bytes(uint64(req.TotalSize)))

	return uploadID, safeFilename, nil
}

// purgeLocked removes a superseded or aborted upload's in-memory state,
// closing its handle. Callers must hold m.mu.
func (m *Manager) purgeLocked(meta *Meta) {
	delete(m.active, meta.RoomID)
	delete(m.metaByID, meta.UploadID)
	if h, ok := m.handles[meta.UploadID]; ok {
		h.f.Close()
		delete(m.handles, meta.UploadID)
	}
}

func (m *Manager) getHandle(uploadID string) (*handle, error) {
	m.mu.Lock()
	h, ok := m.handles[uploadID]
	m.mu.Unlock()
	if ok {
		return h, nil
	}
	f, err := os.OpenFile(m.partFile(uploadID), os.O_WRONLY, 0o644)
	if err != nil {
		return nil, apperr.NotFoundErr("upload not found")
	}
	h = &handle{f: f, lastUsed: time.Now()}
	m.mu.Lock()
	m.handles[uploadID] = h
	m.mu.Unlock()
	return h, nil
}

// Chunk handles §4.C's chunk contract: one positional write, no
// temp-per-chunk file, throttled progress broadcast.
func (m *Manager) Chunk(room *core.Room, uploadID string, chunkIndex int, body []byte) (progress int, err error) {
	m.mu.Lock()
	meta, ok := m.metaByID[uploadID]
	m.mu.Unlock()
	if !ok {
		return 0, apperr.NotFoundErr("upload not found")
	}
	if chunkIndex < 0 || chunkIndex >= meta.TotalChunks {
		return 0, apperr.ValidationErr("chunk index out of range")
	}

	h, err := m.getHandle(uploadID)
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	h.refCount++
	h.lastUsed = time.Now()
	offset := int64(chunkIndex) * meta.ChunkSize
	_, werr := h.f.WriteAt(body, offset)
	h.refCount--
	h.mu.Unlock()
	if werr != nil {
		return 0, apperr.InfraErr(werr, "write chunk")
	}

	m.mu.Lock()
	meta.ReceivedChunks[chunkIndex] = true
	meta.LastActivity = time.Now()
	progress = meta.progress()
	shouldBroadcast := time.Since(m.lastBroadcast[room.ID]) >= m.progressThrottle
	if shouldBroadcast {
		m.lastBroadcast[room.ID] = time.Now()
	}
	m.mu.Unlock()

	room.WithState(func(s *core.RoomState) { s.UploadProgress = progress })
	if shouldBroadcast {
		room.Broadcast(protocol.Message{Type: protocol.TypeUploadProgress, Progress: progress})
	}

	return progress, nil
}

// Status implements §4.C's status/resume contract.
func (m *Manager) Status(uploadID string) (StatusResponse, error) {
	m.mu.Lock()
	meta, ok := m.metaByID[uploadID]
	m.mu.Unlock()
	if !ok {
		return StatusResponse{}, apperr.NotFoundErr("upload not found")
	}
	existing := make([]int, 0, len(meta.ReceivedChunks))
	for idx := range meta.ReceivedChunks {
		existing = append(existing, idx)
	}
	return StatusResponse{
		UploadID:       meta.UploadID,
		Filename:       meta.Filename,
		TotalChunks:    meta.TotalChunks,
		ExistingChunks: existing,
		LastActivity:   meta.LastActivity.UnixMilli(),
	}, nil
}

// Complete implements §4.C's complete contract: closes the handle,
// renames the part file to its final published path, transitions room
// state, and dispatches the post-processing job (via onComplete) off
// the request path.
func (m *Manager) Complete(room *core.Room, uploadID, filename string, totalChunks int) error {
	m.mu.Lock()
	meta, ok := m.metaByID[uploadID]
	m.mu.Unlock()
	if !ok {
		return apperr.NotFoundErr("upload not found")
	}
	if len(meta.ReceivedChunks) != meta.TotalChunks || meta.TotalChunks != totalChunks {
		return apperr.ValidationErr("incomplete upload: received %d of %d chunks", len(meta.ReceivedChunks), meta.TotalChunks)
	}

	m.mu.Lock()
	h, hasHandle := m.handles[uploadID]
	m.mu.Unlock()
	if hasHandle {
		h.f.Close()
	}

	finalName := fmt.Sprintf("%s_%s", uploadID, meta.Filename)
	finalPath, err := m.resolvePath(finalName)
	if err != nil {
		return err
	}
	if err := os.Rename(m.partFile(uploadID), finalPath); err != nil {
		return apperr.InfraErr(err, "publish uploaded file")
	}
	os.RemoveAll(m.partDir(uploadID))

	m.mu.Lock()
	m.purgeLocked(meta)
	m.mu.Unlock()

	room.WithState(func(s *core.RoomState) {
		s.IsUploading = false
		s.UploadProgress = 100
		s.IsProcessing = true
	})
	room.Broadcast(protocol.Message{Type: protocol.TypeProcessingProgress, Progress: 0, Text: "starting"})
	m.logger.Info("upload completed", "room_id", room.ID, "upload_id", uploadID, "final_path", finalPath)

	if m.onComplete != nil {
		go m.onComplete(room, finalPath)
	}
	return nil
}

// Abort implements §4.C's abort contract.
func (m *Manager) Abort(room *core.Room, uploadID string) error {
	m.mu.Lock()
	meta, ok := m.metaByID[uploadID]
	if ok {
		m.purgeLocked(meta)
	}
	m.mu.Unlock()
	if !ok {
		return apperr.NotFoundErr("upload not found")
	}

	os.RemoveAll(m.partDir(uploadID))
	room.WithState(func(s *core.RoomState) {
		s.IsUploading = false
		s.UploadProgress = 0
	})
	m.logger.Info("upload aborted", "room_id", room.ID, "upload_id", uploadID)
	return nil
}

// CleanupRoom is a core.DeleteHook: purges any active upload belonging
// to a deleted room and removes its on-disk directory.
func (m *Manager) CleanupRoom(room *core.Room) {
	m.mu.Lock()
	meta, ok := m.active[room.ID]
	if ok {
		m.purgeLocked(meta)
	}
	m.mu.Unlock()
	if ok {
		os.RemoveAll(m.partDir(meta.UploadID))
	}
}

// RunHandleSweep implements the file-handle pool's idle sweeper (§4.C):
// every tick, closes handles with zero in-flight writers idle longer
// than idleTimeout.
func (m *Manager) RunHandleSweep(ctx context.Context, tick, idleTimeout time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for id, h := range m.handles {
				h.mu.Lock()
				idle := h.refCount == 0 && now.Sub(h.lastUsed) > idleTimeout
				if idle {
					h.f.Close()
				}
				h.mu.Unlock()
				if idle {
					delete(m.handles, id)
				}
			}
			m.mu.Unlock()
		}
	}
}

// RunTTLGC implements §4.C's TTL GC: every tick, removes upload
// directories (other than *_subtitles) whose metadata is older than ttl.
func (m *Manager) RunTTLGC(ctx context.Context, tick, ttl time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			stale := make([]*Meta, 0)
			for _, meta := range m.metaByID {
				if now.Sub(meta.LastActivity) > ttl {
					stale = append(stale, meta)
				}
			}
			for _, meta := range stale {
				m.purgeLocked(meta)
			}
			m.mu.Unlock()
			for _, meta := range stale {
				os.RemoveAll(m.partDir(meta.UploadID))
				m.logger.Info("upload TTL expired", "upload_id", meta.UploadID)
			}

			entries, err := os.ReadDir(m.uploadsDir)
			if err != nil {
				continue
			}
			for _, e := range entries {
				if !e.IsDir() || strings.HasSuffix(e.Name(), "_subtitles") {
					continue
				}
				info, err := e.Info()
				if err != nil {
					continue
				}
				m.mu.Lock()
				_, active := m.metaByID[e.Name()]
				m.mu.Unlock()
				if !active && now.Sub(info.ModTime()) > ttl {
					os.RemoveAll(filepath.Join(m.uploadsDir, e.Name()))
				}
			}
		}
	}
}
