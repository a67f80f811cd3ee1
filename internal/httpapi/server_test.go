package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bken/server/internal/apperr"
	"bken/server/internal/core"
	"bken/server/internal/media"
	"bken/server/internal/ratelimit"
	"bken/server/internal/store"
	"bken/server/internal/upload"
	"bken/server/internal/ws"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	uploadsDir := t.TempDir()

	registry := core.NewRegistry(nil, 10, 150)
	uploadMgr, err := upload.NewManager(uploadsDir, time.Millisecond, nil, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	processor := media.NewProcessor(media.NewExecRunner("/bin/true", "/bin/true"), uploadsDir, nil)
	hist, err := store.Open(filepath.Join(uploadsDir, "history.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { hist.Close() })
	admission := ratelimit.Admission{MaxClients: 10, MaxBandwidthMbps: 150}
	wsHandler := ws.NewHandler(registry, admission, 30*time.Second, 500*time.Millisecond, ratelimit.NewCORS(nil), nil)

	s := New(Config{
		Registry:   registry,
		Uploads:    uploadMgr,
		Processor:  processor,
		History:    hist,
		WS:         wsHandler,
		IPLimiter:  nil,
		CORS:       ratelimit.NewCORS(nil),
		UploadsDir: uploadsDir,
	})
	return s, uploadsDir
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func TestHealthzReportsOK(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestDiscordSessionLifecycle(t *testing.T) {
	s, _ := newTestServer(t)

	createBody := map[string]any{
		"title":     "Movie Night",
		"movieName": "Arrival",
		"discordSession": map[string]any{
			"channelId":     "chan-1",
			"messageId":     "msg-1",
			"guildId":       "guild-1",
			"hostDiscordId": "host-1",
			"hostUsername":  "hostname",
		},
	}
	rec := doJSON(t, s, http.MethodPost, "/api/discord-session", createBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("create session status = %d, body=%s", rec.Code, rec.Body.String())
	}
	var created struct {
		RoomID    string `json:"roomId"`
		HostToken string `json:"hostToken"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal create response: %v", err)
	}
	if created.RoomID == "" || created.HostToken == "" {
		t.Fatalf("expected roomId and hostToken, got %+v", created)
	}

	// session-token for a viewer
	rec = doJSON(t, s, http.MethodPost, "/api/session-token/"+created.RoomID, map[string]any{"discordId": "viewer-1", "username": "viewer"})
	if rec.Code != http.StatusOK {
		t.Fatalf("session-token status = %d, body=%s", rec.Code, rec.Body.String())
	}
	var tokenResp struct {
		Token string `json:"token"`
	}
	json.Unmarshal(rec.Body.Bytes(), &tokenResp)
	if tokenResp.Token == "" {
		t.Fatal("expected a non-empty viewer token")
	}

	// validate-token
	rec = doJSON(t, s, http.MethodGet, "/api/validate-token/"+created.RoomID+"?token="+tokenResp.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("validate-token status = %d", rec.Code)
	}

	// session-status
	rec = doJSON(t, s, http.MethodGet, "/api/session-status/"+created.RoomID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("session-status status = %d", rec.Code)
	}

	// session-rating requires the viewer's token to resolve to a member
	rec = doJSON(t, s, http.MethodPost, "/api/session-rating/"+created.RoomID, map[string]any{"token": tokenResp.Token, "rating": 8})
	if rec.Code != http.StatusOK {
		t.Fatalf("session-rating status = %d, body=%s", rec.Code, rec.Body.String())
	}

	// end-session requires host token
	rec = doJSON(t, s, http.MethodPost, "/api/discord-end-session/"+created.RoomID, map[string]any{"token": "wrong-token"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("end-session with wrong token status = %d, want 403", rec.Code)
	}
	rec = doJSON(t, s, http.MethodPost, "/api/discord-end-session/"+created.RoomID, map[string]any{"token": created.HostToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("end-session status = %d, body=%s", rec.Code, rec.Body.String())
	}

	// finalize-session tears the room down
	rec = doJSON(t, s, http.MethodPost, "/api/discord-finalize-session/"+created.RoomID, map[string]any{"token": created.HostToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("finalize-session status = %d, body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, http.MethodGet, "/api/session-status/"+created.RoomID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("room should be gone after finalize, status = %d", rec.Code)
	}
}

func TestSessionHistoryByRoomRoundTripsAndReports404(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/api/sessions/history/does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status for unrecorded room = %d, want 404", rec.Code)
	}

	err := s.history.RecordSession(context.Background(), store.SessionRecord{
		RoomID: "room-1", Title: "Movie Night", MovieName: "Arrival",
		StartedAt: time.Now(), EndedAt: time.Now(), PeakViewers: 3, RatingAverage: 7.5,
	})
	if err != nil {
		t.Fatalf("RecordSession: %v", err)
	}

	rec = doJSON(t, s, http.MethodGet, "/api/sessions/history/room-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rec.Code, rec.Body.String())
	}
	var got store.SessionRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.RoomID != "room-1" || got.RatingAverage != 7.5 {
		t.Errorf("got = %+v, want room-1 @ 7.5", got)
	}
}

func TestSingletonSessionRejectsSecondCreate(t *testing.T) {
	s, _ := newTestServer(t)
	body := map[string]any{
		"title": "A", "movieName": "A",
		"discordSession": map[string]any{"channelId": "c", "messageId": "m", "guildId": "g", "hostDiscordId": "h"},
	}
	rec := doJSON(t, s, http.MethodPost, "/api/discord-session", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("first create status = %d", rec.Code)
	}
	rec = doJSON(t, s, http.MethodPost, "/api/discord-session", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second create status = %d, want 409", rec.Code)
	}
}

func TestSessionStatusUnknownRoomIsNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/session-status/does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["code"] != "not_found" {
		t.Errorf("error code = %q, want not_found", body["code"])
	}
}

func TestUploadLifecycleSimpleRoomUsesHostID(t *testing.T) {
	s, _ := newTestServer(t)

	reg := s.registry
	room, _, err := reg.Create(core.CreateParams{Title: "Movie Night", MovieName: "Arrival", HostID: "local-host"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec := doJSON(t, s, http.MethodPost, "/api/upload/init/"+room.ID+"?hostId=local-host", map[string]any{
		"filename": "movie.mp4", "totalChunks": 1, "chunkSize": 4, "totalSize": 4,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("upload init status = %d, body=%s", rec.Code, rec.Body.String())
	}
	var initResp struct {
		UploadID string `json:"uploadId"`
	}
	json.Unmarshal(rec.Body.Bytes(), &initResp)
	if initResp.UploadID == "" {
		t.Fatal("expected a non-empty uploadId")
	}

	req := httptest.NewRequest(http.MethodPost, "/api/upload/chunk/"+room.ID+"/"+initResp.UploadID+"/0?hostId=local-host", bytes.NewBufferString("abcd"))
	rec = httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload chunk status = %d, body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, http.MethodPost, "/api/upload/complete/"+room.ID+"/"+initResp.UploadID+"?hostId=local-host", map[string]any{
		"filename": "movie.mp4", "totalChunks": 1,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("upload complete status = %d, body=%s", rec.Code, rec.Body.String())
	}
}

func TestUploadInitRequiresHostAuthorization(t *testing.T) {
	s, _ := newTestServer(t)
	room, _, _ := s.registry.Create(core.CreateParams{Title: "Movie Night", HostID: "local-host"})

	rec := doJSON(t, s, http.MethodPost, "/api/upload/init/"+room.ID, map[string]any{
		"filename": "movie.mp4", "totalChunks": 1, "chunkSize": 4, "totalSize": 4,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status without hostId = %d, want 403", rec.Code)
	}
}

func TestVideoStreamingSupportsByteRange(t *testing.T) {
	s, uploadsDir := newTestServer(t)
	room, _, _ := s.registry.Create(core.CreateParams{Title: "Movie Night", HostID: "local-host"})

	videoPath := filepath.Join(uploadsDir, "video.mp4")
	content := bytes.Repeat([]byte("x"), 100)
	if err := os.WriteFile(videoPath, content, 0o644); err != nil {
		t.Fatalf("write video: %v", err)
	}
	room.WithState(func(st *core.RoomState) { st.VideoPath = videoPath })

	req := httptest.NewRequest(http.MethodGet, "/video/"+room.ID, nil)
	req.Header.Set("Range", "bytes=10-19")
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if got, want := rec.Header().Get("Content-Range"), "bytes 10-19/100"; got != want {
		t.Errorf("Content-Range = %q, want %q", got, want)
	}
	if rec.Body.Len() != 10 {
		t.Errorf("body length = %d, want 10", rec.Body.Len())
	}
}

func TestVideoStreamingWithoutRangeReturnsWholeFile(t *testing.T) {
	s, uploadsDir := newTestServer(t)
	room, _, _ := s.registry.Create(core.CreateParams{Title: "Movie Night", HostID: "local-host"})

	videoPath := filepath.Join(uploadsDir, "video.mp4")
	content := bytes.Repeat([]byte("y"), 50)
	os.WriteFile(videoPath, content, 0o644)
	room.WithState(func(st *core.RoomState) { st.VideoPath = videoPath })

	req := httptest.NewRequest(http.MethodGet, "/video/"+room.ID, nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() != 50 {
		t.Errorf("body length = %d, want 50", rec.Body.Len())
	}
}

func TestVideoNotAvailableBeforePublish(t *testing.T) {
	s, _ := newTestServer(t)
	room, _, _ := s.registry.Create(core.CreateParams{Title: "Movie Night", HostID: "local-host"})

	req := httptest.NewRequest(http.MethodGet, "/video/"+room.ID, nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestParseRangeFirstSegmentOnly(t *testing.T) {
	start, end, err := parseRange("bytes=5-9,20-29", 100)
	if err != nil {
		t.Fatalf("parseRange: %v", err)
	}
	if start != 5 || end != 9 {
		t.Errorf("start=%d end=%d, want 5,9 (multi-range not supported, first segment only)", start, end)
	}
}

func TestParseRangeOpenEnded(t *testing.T) {
	start, end, err := parseRange("bytes=10-", 100)
	if err != nil {
		t.Fatalf("parseRange: %v", err)
	}
	if start != 10 || end != -1 {
		t.Errorf("start=%d end=%d, want 10,-1", start, end)
	}
}

func TestParseRangeRejectsStartBeyondSize(t *testing.T) {
	if _, _, err := parseRange("bytes=200-", 100); err == nil {
		t.Error("expected an error when start is beyond file size")
	}
}

func TestDecodeSubtitleStripsUTF8BOM(t *testing.T) {
	raw := append([]byte{0xEF, 0xBB, 0xBF}, []byte("hello")...)
	if got := decodeSubtitle(raw); got != "hello" {
		t.Errorf("decodeSubtitle = %q, want %q", got, "hello")
	}
}

func TestDecodeSubtitleFallsBackToWindows1252(t *testing.T) {
	// 0xE9 is 'é' in Windows-1252 but is not valid standalone UTF-8.
	raw := []byte{'c', 'a', 'f', 0xE9}
	got := decodeSubtitle(raw)
	if got != "café" {
		t.Errorf("decodeSubtitle = %q, want %q (Windows-1252 fallback)", got, "café")
	}
}

func TestStatusForKindMapsEveryTaxonomyKind(t *testing.T) {
	cases := map[apperr.Kind]int{
		apperr.Validation: http.StatusBadRequest,
		apperr.Forbidden:  http.StatusForbidden,
		apperr.NotFound:   http.StatusNotFound,
		apperr.Conflict:   http.StatusConflict,
		apperr.Infra:      http.StatusInternalServerError,
	}
	for kind, want := range cases {
		got := statusForKind(kind)
		if got != want {
			t.Errorf("statusForKind(%q) = %d, want %d", kind, got, want)
		}
	}
}
