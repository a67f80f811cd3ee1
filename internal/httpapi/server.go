// Package httpapi wires the Echo application: every REST handler from
// the external interface table (components A, B, C, I, J), byte-range
// video streaming (G), and the admission/rate-limit middleware (H).
package httpapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/text/encoding/charmap"

	"bken/server/internal/apperr"
	"bken/server/internal/core"
	"bken/server/internal/media"
	"bken/server/internal/protocol"
	"bken/server/internal/ratelimit"
	"bken/server/internal/store"
	"bken/server/internal/upload"
	"bken/server/internal/ws"
)

const rangeChunkSize = 4 * 1024 * 1024

// Server is the Echo application serving every HTTP surface of the
// watch-party session engine.
type Server struct {
	echo *echo.Echo

	registry  *core.Registry
	uploads   *upload.Manager
	processor *media.Processor
	history   *store.Store
	ws        *ws.Handler

	ipLimiter *ratelimit.IPLimiter
	cors      ratelimit.CORS

	uploadsDir    string
	publicDir     string
	publicBaseURL string
	startedAt     time.Time
}

// Config bundles the dependencies New needs.
type Config struct {
	Registry      *core.Registry
	Uploads       *upload.Manager
	Processor     *media.Processor
	History       *store.Store
	WS            *ws.Handler
	IPLimiter     *ratelimit.IPLimiter
	CORS          ratelimit.CORS
	UploadsDir    string
	PublicDir     string
	PublicBaseURL string
}

// New constructs the Echo app and registers every route.
func New(cfg Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{
		echo:          e,
		registry:      cfg.Registry,
		uploads:       cfg.Uploads,
		processor:     cfg.Processor,
		history:       cfg.History,
		ws:            cfg.WS,
		ipLimiter:     cfg.IPLimiter,
		cors:          cfg.CORS,
		uploadsDir:    cfg.UploadsDir,
		publicDir:     cfg.PublicDir,
		publicBaseURL: cfg.PublicBaseURL,
		startedAt:     time.Now(),
	}
	e.HTTPErrorHandler = s.jsonErrorHandler
	e.Use(s.corsMiddleware())
	e.Use(s.rateLimitMiddleware())
	s.registerRoutes()
	return s
}

// Echo exposes the underlying instance for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// requestLogger mirrors the teacher's structured-request-log middleware.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			path := req.URL.Path
			if path == "/ws" || path == "/healthz" {
				slog.Debug("http request", "method", req.Method, "path", path, "status", c.Response().Status, "duration_ms", time.Since(start).Milliseconds())
			} else {
				slog.Info("http request", "method", req.Method, "path", path, "status", c.Response().Status, "duration_ms", time.Since(start).Milliseconds(), "remote", c.RealIP())
			}
			return nil
		}
	}
}

func (s *Server) corsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			origin := c.Request().Header.Get(echo.HeaderOrigin)
			if origin != "" {
				if !s.cors.Allowed(origin) {
					return echo.NewHTTPError(http.StatusForbidden, "origin not allowed")
				}
				c.Response().Header().Set(echo.HeaderAccessControlAllowOrigin, origin)
				c.Response().Header().Set(echo.HeaderVary, echo.HeaderOrigin)
			}
			if c.Request().Method == http.MethodOptions {
				c.Response().Header().Set(echo.HeaderAccessControlAllowMethods, "GET,POST,OPTIONS")
				c.Response().Header().Set(echo.HeaderAccessControlAllowHeaders, "Content-Type,X-Filename")
				return c.NoContent(http.StatusNoContent)
			}
			return next(c)
		}
	}
}

// rateLimitMiddleware implements §4.H's per-IP token bucket, exempting
// upload endpoints.
func (s *Server) rateLimitMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if s.ipLimiter == nil || ratelimit.IsExempt(c.Request().URL.Path) {
				return next(c)
			}
			if !s.ipLimiter.Allow(c.RealIP()) {
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealthz)
	s.echo.GET("/ws", s.ws.Serve)
	s.echo.GET("/video/:roomId", s.handleVideo)

	api := s.echo.Group("/api")
	api.POST("/discord-session", s.handleCreateDiscordSession)
	api.POST("/session-token/:roomId", s.handleSessionToken)
	api.GET("/validate-token/:roomId", s.handleValidateToken)
	api.GET("/session-status/:roomId", s.handleSessionStatus)
	api.POST("/session-rating/:roomId", s.handleSessionRating)
	api.POST("/discord-end-session/:roomId", s.handleEndSession)
	api.POST("/discord-finalize-session/:roomId", s.handleFinalizeSession)
	api.GET("/sessions/history", s.handleSessionsHistory)
	api.GET("/sessions/history/:roomId", s.handleSessionHistoryByRoom)

	api.POST("/upload/init/:roomId", s.handleUploadInit)
	api.POST("/upload/chunk/:roomId/:uploadId/:chunkIndex", s.handleUploadChunk)
	api.POST("/upload/complete/:roomId/:uploadId", s.handleUploadComplete)
	api.POST("/upload/abort/:roomId/:uploadId", s.handleUploadAbort)
	api.GET("/upload/status/:roomId/:uploadId", s.handleUploadStatus)
	api.POST("/upload/subtitle/:roomId", s.handleSubtitleUpload)
	api.GET("/upload/subtitle/:roomId/:filename", s.handleSubtitleDownload)

	if s.publicDir != "" {
		s.echo.Static("/", s.publicDir)
	}
}

// Run starts Echo and blocks until ctx cancellation or startup failure,
// matching the teacher's server.Run shutdown discipline.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("http server stopped")
		return nil
	}
}

// jsonErrorHandler renders apperr failures as {"error","code"}, mapping
// apperr.Kind to HTTP status per spec's error taxonomy (§7). Echo HTTP
// errors and any other error are rendered as {"error"} with no code.
func (s *Server) jsonErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		status := statusForKind(appErr.Kind)
		if appErr.Kind == apperr.Infra {
			slog.Error("request failed", "path", c.Request().URL.Path, "err", appErr.Err, "message", appErr.Message)
			_ = c.JSON(status, map[string]string{"error": "internal server error", "code": string(appErr.Kind)})
			return
		}
		slog.Warn("request rejected", "path", c.Request().URL.Path, "kind", appErr.Kind, "message", appErr.Message)
		_ = c.JSON(status, map[string]string{"error": appErr.Message, "code": string(appErr.Kind)})
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := fmt.Sprintf("%v", he.Message)
		_ = c.JSON(he.Code, map[string]string{"error": msg})
		return
	}

	slog.Error("unhandled request error", "path", c.Request().URL.Path, "err", err)
	_ = c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}

func statusForKind(k apperr.Kind) int {
	switch k {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.Forbidden:
		return http.StatusForbidden
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// --- shared helpers ---

func (s *Server) requireRoom(roomID string) (*core.Room, error) {
	room, ok := s.registry.Get(roomID)
	if !ok {
		return nil, apperr.NotFoundErr("room not found")
	}
	return room, nil
}

func (s *Server) requireDiscordRoom(roomID string) (*core.Room, error) {
	room, err := s.requireRoom(roomID)
	if err != nil {
		return nil, err
	}
	if room.Discord == nil {
		return nil, apperr.NotFoundErr("room not found")
	}
	return room, nil
}

// authorizeHost implements the upload/media authorization rule: a
// Discord-bound room requires a valid host token; a simple room
// requires a matching hostId.
func (s *Server) authorizeHost(room *core.Room, c echo.Context) error {
	if room.Discord != nil {
		token := c.QueryParam("token")
		if token == "" || !room.IsHostByToken(token) {
			return apperr.ForbiddenErr("not host")
		}
		return nil
	}
	hostID := c.QueryParam("hostId")
	if hostID == "" || !room.IsHostByID(hostID) {
		return apperr.ForbiddenErr("not host")
	}
	return nil
}

func (s *Server) roomURL(roomID string) string {
	base := strings.TrimRight(s.publicBaseURL, "/")
	return base + "/room/" + roomID
}

func toRatingViews(ratings []core.Rating) []protocol.RatingView {
	out := make([]protocol.RatingView, 0, len(ratings))
	for _, r := range ratings {
		out = append(out, protocol.RatingView{ExternalID: r.ExternalID, Value: r.Value})
	}
	return out
}

func projectionJSON(p core.Projection) map[string]any {
	return map[string]any{
		"status":      p.Status,
		"viewerCount": p.ViewerCount,
		"viewers":     p.Viewers,
		"ratings":     toRatingViews(p.Ratings),
		"average":     p.Average,
		"allRated":    p.AllRated,
		"movieInfo":   p.MovieInfo,
		"movieName":   p.MovieName,
	}
}

// --- health ---

func (s *Server) handleHealthz(c echo.Context) error {
	active := false
	s.registry.ForEach(func(*core.Room) { active = true })
	return c.JSON(http.StatusOK, map[string]any{
		"status":       "ok",
		"uptimeSec":    int64(time.Since(s.startedAt).Seconds()),
		"sessionActive": active,
	})
}

// --- session lifecycle (A, B, I, J) ---

type discordSessionRequest struct {
	Title           string `json:"title"`
	MovieName       string `json:"movieName"`
	MovieInfo       string `json:"movieInfo"`
	SelectedEpisode string `json:"selectedEpisode"`
	DiscordSession  struct {
		ChannelID     string `json:"channelId"`
		MessageID     string `json:"messageId"`
		GuildID       string `json:"guildId"`
		HostDiscordID string `json:"hostDiscordId"`
		HostUsername  string `json:"hostUsername"`
	} `json:"discordSession"`
}

func (s *Server) handleCreateDiscordSession(c echo.Context) error {
	var req discordSessionRequest
	if err := c.Bind(&req); err != nil {
		return apperr.ValidationErr("invalid request body")
	}
	if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.MovieName) == "" {
		return apperr.ValidationErr("title and movieName are required")
	}
	d := req.DiscordSession
	if d.ChannelID == "" || d.MessageID == "" || d.GuildID == "" || d.HostDiscordID == "" {
		return apperr.ValidationErr("discordSession.channelId, messageId, guildId and hostDiscordId are required")
	}

	room, hostToken, err := s.registry.Create(core.CreateParams{
		Title:           req.Title,
		MovieName:       req.MovieName,
		MovieInfo:       req.MovieInfo,
		SelectedEpisode: req.SelectedEpisode,
		Discord: &core.DiscordSession{
			ChannelID:     d.ChannelID,
			MessageID:     d.MessageID,
			GuildID:       d.GuildID,
			HostDiscordID: d.HostDiscordID,
			HostUsername:  d.HostUsername,
		},
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"roomId":    room.ID,
		"hostToken": hostToken,
		"url":       s.roomURL(room.ID),
	})
}

type sessionTokenRequest struct {
	DiscordID string `json:"discordId"`
	Username  string `json:"username"`
}

func (s *Server) handleSessionToken(c echo.Context) error {
	room, err := s.requireRoom(c.Param("roomId"))
	if err != nil {
		return err
	}
	var req sessionTokenRequest
	if err := c.Bind(&req); err != nil {
		return apperr.ValidationErr("invalid request body")
	}
	if strings.TrimSpace(req.DiscordID) == "" {
		return apperr.ValidationErr("discordId is required")
	}
	token, err := room.GenerateUserToken(req.DiscordID, req.Username)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"token": token, "url": s.roomURL(room.ID)})
}

func (s *Server) handleValidateToken(c echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		return apperr.ValidationErr("token is required")
	}
	room, err := s.requireRoom(c.Param("roomId"))
	if err != nil {
		return err
	}
	member, ok := room.ValidateToken(token)
	if !ok {
		return apperr.ForbiddenErr("invalid token")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"discordId": member.ExternalID,
		"username":  member.DisplayName,
		"isHost":    member.IsHost,
	})
}

func (s *Server) handleSessionStatus(c echo.Context) error {
	room, err := s.requireRoom(c.Param("roomId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, projectionJSON(room.Project()))
}

type sessionRatingRequest struct {
	Token  string `json:"token"`
	Rating int    `json:"rating"`
}

func (s *Server) handleSessionRating(c echo.Context) error {
	room, err := s.requireDiscordRoom(c.Param("roomId"))
	if err != nil {
		return err
	}
	var req sessionRatingRequest
	if err := c.Bind(&req); err != nil {
		return apperr.ValidationErr("invalid request body")
	}
	member, ok := room.ValidateToken(req.Token)
	if !ok {
		return apperr.ForbiddenErr("invalid token")
	}
	allRated, ratings, average, err := room.AddRating(member.ExternalID, req.Rating)
	if err != nil {
		return err
	}

	views := toRatingViews(ratings)
	room.Broadcast(protocol.Message{Type: protocol.TypeRatingReceived, Ratings: views})
	if allRated {
		room.Broadcast(protocol.Message{Type: protocol.TypeAllRatingsReceived, Ratings: views, Average: average})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success":  true,
		"allRated": allRated,
		"ratings":  views,
		"average":  average,
	})
}

type tokenOnlyRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleEndSession(c echo.Context) error {
	room, err := s.requireDiscordRoom(c.Param("roomId"))
	if err != nil {
		return err
	}
	var req tokenOnlyRequest
	if err := c.Bind(&req); err != nil {
		return apperr.ValidationErr("invalid request body")
	}
	if !room.IsHostByToken(req.Token) {
		return apperr.ForbiddenErr("not host")
	}
	room.Broadcast(protocol.Message{Type: protocol.TypeSessionEnding})
	slog.Info("session ending requested", "event", "session_end_requested", "room_id", room.ID)
	return c.JSON(http.StatusOK, map[string]any{"success": true, "status": "ending"})
}

func (s *Server) handleFinalizeSession(c echo.Context) error {
	room, err := s.requireDiscordRoom(c.Param("roomId"))
	if err != nil {
		return err
	}
	var req tokenOnlyRequest
	if err := c.Bind(&req); err != nil {
		return apperr.ValidationErr("invalid request body")
	}
	if !room.IsHostByToken(req.Token) {
		return apperr.ForbiddenErr("not host")
	}

	proj := room.Project()
	views := toRatingViews(proj.Ratings)
	discordSession := map[string]any{}
	if room.Discord != nil {
		discordSession = map[string]any{
			"channelId":     room.Discord.ChannelID,
			"messageId":     room.Discord.MessageID,
			"guildId":       room.Discord.GuildID,
			"hostDiscordId": room.Discord.HostDiscordID,
			"hostUsername":  room.Discord.HostUsername,
		}
	}

	room.Broadcast(protocol.Message{Type: protocol.TypeSessionEnded})

	if s.history != nil {
		rec := store.SessionRecord{
			RoomID:        room.ID,
			Title:         room.Title,
			MovieName:     room.MovieName,
			StartedAt:     room.CreatedAt(),
			EndedAt:       time.Now(),
			PeakViewers:   room.PeakViewers(),
			RatingCount:   len(proj.Ratings),
			RatingAverage: proj.Average,
		}
		if err := s.history.RecordSession(c.Request().Context(), rec); err != nil {
			slog.Error("record session history failed", "room_id", room.ID, "err", err)
		}
	}

	slog.Info("session finalized", "event", "session_finalize", "room_id", room.ID, "rating_average", proj.Average)
	s.registry.Delete(room.ID, 1000, "session finalized")

	return c.JSON(http.StatusOK, map[string]any{
		"success":        true,
		"ratings":        views,
		"average":        proj.Average,
		"discordSession": discordSession,
	})
}

func (s *Server) handleSessionsHistory(c echo.Context) error {
	if s.history == nil {
		return c.JSON(http.StatusOK, map[string]any{"sessions": []store.SessionRecord{}})
	}
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		limit = 0
		if parsed, convErr := strconv.Atoi(v); convErr == nil {
			limit = parsed
		}
	}
	records, err := s.history.RecentSessions(c.Request().Context(), limit)
	if err != nil {
		return apperr.InfraErr(err, "query session history")
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": records})
}

// handleSessionHistoryByRoom looks up a single ended session's recorded
// stats by its former room ID, for operators following up on a link
// after the room itself is gone.
func (s *Server) handleSessionHistoryByRoom(c echo.Context) error {
	if s.history == nil {
		return apperr.NotFoundErr("session history not found")
	}
	rec, err := s.history.SessionByRoomID(c.Request().Context(), c.Param("roomId"))
	if errors.Is(err, store.ErrSessionNotFound) {
		return apperr.NotFoundErr("session history not found")
	}
	if err != nil {
		return apperr.InfraErr(err, "query session history")
	}
	return c.JSON(http.StatusOK, rec)
}

// --- upload engine (C) ---

type uploadInitRequest struct {
	Filename    string `json:"filename"`
	TotalChunks int    `json:"totalChunks"`
	ChunkSize   int64  `json:"chunkSize"`
	TotalSize   int64  `json:"totalSize"`
}

func (s *Server) handleUploadInit(c echo.Context) error {
	room, err := s.requireRoom(c.Param("roomId"))
	if err != nil {
		return err
	}
	if err := s.authorizeHost(room, c); err != nil {
		return err
	}
	var req uploadInitRequest
	if err := c.Bind(&req); err != nil {
		return apperr.ValidationErr("invalid request body")
	}
	uploadID, safeFilename, err := s.uploads.Init(room, upload.InitRequest{
		Filename:    req.Filename,
		TotalChunks: req.TotalChunks,
		ChunkSize:   req.ChunkSize,
		TotalSize:   req.TotalSize,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"uploadId": uploadID, "safeFilename": safeFilename})
}

func (s *Server) handleUploadChunk(c echo.Context) error {
	room, err := s.requireRoom(c.Param("roomId"))
	if err != nil {
		return err
	}
	if err := s.authorizeHost(room, c); err != nil {
		return err
	}
	chunkIndex, convErr := strconv.Atoi(c.Param("chunkIndex"))
	if convErr != nil || chunkIndex < 0 {
		return apperr.ValidationErr("invalid chunk index")
	}
	body, readErr := io.ReadAll(c.Request().Body)
	if readErr != nil {
		return apperr.InfraErr(readErr, "read chunk body")
	}
	progress, err := s.uploads.Chunk(room, c.Param("uploadId"), chunkIndex, body)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "chunkIndex": chunkIndex, "progress": progress})
}

type uploadCompleteRequest struct {
	Filename    string `json:"filename"`
	TotalChunks int    `json:"totalChunks"`
}

func (s *Server) handleUploadComplete(c echo.Context) error {
	room, err := s.requireRoom(c.Param("roomId"))
	if err != nil {
		return err
	}
	if err := s.authorizeHost(room, c); err != nil {
		return err
	}
	var req uploadCompleteRequest
	if err := c.Bind(&req); err != nil {
		return apperr.ValidationErr("invalid request body")
	}
	if err := s.uploads.Complete(room, c.Param("uploadId"), req.Filename, req.TotalChunks); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "filename": req.Filename, "processing": true})
}

func (s *Server) handleUploadAbort(c echo.Context) error {
	room, err := s.requireRoom(c.Param("roomId"))
	if err != nil {
		return err
	}
	if err := s.authorizeHost(room, c); err != nil {
		return err
	}
	if err := s.uploads.Abort(room, c.Param("uploadId")); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleUploadStatus(c echo.Context) error {
	room, err := s.requireRoom(c.Param("roomId"))
	if err != nil {
		return err
	}
	if err := s.authorizeHost(room, c); err != nil {
		return err
	}
	status, err := s.uploads.Status(c.Param("uploadId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) handleSubtitleUpload(c echo.Context) error {
	room, err := s.requireRoom(c.Param("roomId"))
	if err != nil {
		return err
	}
	if err := s.authorizeHost(room, c); err != nil {
		return err
	}
	filename := c.Request().Header.Get("x-filename")
	if filename == "" {
		return apperr.ValidationErr("x-filename header is required")
	}
	safe := upload.SanitizeFilename(filename)

	body, readErr := io.ReadAll(c.Request().Body)
	if readErr != nil {
		return apperr.InfraErr(readErr, "read subtitle body")
	}

	subsDir := filepath.Join(s.uploadsDir, room.ID+"_subtitles")
	if err := os.MkdirAll(subsDir, 0o755); err != nil {
		return apperr.InfraErr(err, "create subtitles directory")
	}
	destName := fmt.Sprintf("%s_%s", room.ID, safe)
	if err := os.WriteFile(filepath.Join(subsDir, destName), body, 0o644); err != nil {
		return apperr.InfraErr(err, "write subtitle file")
	}

	room.WithState(func(rs *core.RoomState) {
		rs.Subtitles = append(rs.Subtitles, core.Subtitle{Filename: destName, DisplayName: filename})
	})
	room.Broadcast(protocol.Message{Type: protocol.TypeSubtitleAdded, Filename: destName, DisplayName: filename})

	return c.JSON(http.StatusOK, map[string]any{"success": true, "filename": destName, "displayName": filename})
}

func (s *Server) handleSubtitleDownload(c echo.Context) error {
	roomID := c.Param("roomId")
	if _, err := s.requireRoom(roomID); err != nil {
		return err
	}
	filename := c.Param("filename")
	if filename == "" || strings.ContainsAny(filename, "/\\") {
		return apperr.ValidationErr("invalid filename")
	}

	subsDir := filepath.Join(s.uploadsDir, roomID+"_subtitles")
	root, err := filepath.Abs(subsDir)
	if err != nil {
		return apperr.InfraErr(err, "resolve subtitles root")
	}
	abs, err := filepath.Abs(filepath.Join(subsDir, filename))
	if err != nil || (abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator))) {
		return apperr.ValidationErr("invalid filename")
	}

	raw, err := os.ReadFile(abs)
	if err != nil {
		return apperr.NotFoundErr("subtitle not found")
	}

	c.Response().Header().Set(echo.HeaderContentType, "text/plain; charset=utf-8")
	return c.String(http.StatusOK, decodeSubtitle(raw))
}

// decodeSubtitle implements §4.G's subtitle-decode fallback: strip a
// UTF-8 BOM, keep valid UTF-8 as-is, else fall back to Windows-1252.
func decodeSubtitle(raw []byte) string {
	trimmed := bytes.TrimPrefix(raw, []byte{0xEF, 0xBB, 0xBF})
	if utf8.Valid(trimmed) {
		return string(trimmed)
	}
	decoded, err := charmap.Windows1252.NewDecoder().Bytes(trimmed)
	if err != nil {
		return string(trimmed)
	}
	return string(decoded)
}

// --- HTTP streaming (G) ---

func (s *Server) handleVideo(c echo.Context) error {
	room, err := s.requireRoom(c.Param("roomId"))
	if err != nil {
		return err
	}
	path := room.StateSnapshot().VideoPath
	if path == "" {
		return apperr.NotFoundErr("video not available")
	}

	f, openErr := os.Open(path)
	if openErr != nil {
		return apperr.NotFoundErr("video not available")
	}
	defer f.Close()

	info, statErr := f.Stat()
	if statErr != nil {
		return apperr.InfraErr(statErr, "stat video file")
	}
	size := info.Size()

	ctype := mime.TypeByExtension(filepath.Ext(path))
	if ctype == "" {
		ctype = "application/octet-stream"
	}

	rangeHeader := c.Request().Header.Get(echo.HeaderRange)
	resp := c.Response()
	resp.Header().Set("Accept-Ranges", "bytes")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")

	if rangeHeader == "" {
		resp.Header().Set(echo.HeaderContentType, ctype)
		resp.Header().Set(echo.HeaderContentLength, strconv.FormatInt(size, 10))
		resp.WriteHeader(http.StatusOK)
		_, copyErr := io.Copy(resp.Writer, f)
		return ignoreClientAbort(copyErr)
	}

	start, requestedEnd, parseErr := parseRange(rangeHeader, size)
	if parseErr != nil {
		return echo.NewHTTPError(http.StatusRequestedRangeNotSatisfiable, "invalid range")
	}
	end := start + rangeChunkSize - 1
	if requestedEnd >= 0 && requestedEnd < end {
		end = requestedEnd
	}
	if end > size-1 {
		end = size - 1
	}
	length := end - start + 1

	if _, seekErr := f.Seek(start, io.SeekStart); seekErr != nil {
		return apperr.InfraErr(seekErr, "seek video file")
	}

	resp.Header().Set(echo.HeaderContentType, ctype)
	resp.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	resp.Header().Set(echo.HeaderContentLength, strconv.FormatInt(length, 10))
	resp.WriteHeader(http.StatusPartialContent)
	_, copyErr := io.CopyN(resp.Writer, f, length)
	return ignoreClientAbort(copyErr)
}

func ignoreClientAbort(err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return nil // client aborted mid-stream; the response is already committed
}

// parseRange parses a single "bytes=start-end?" range header. end is -1
// when the client omitted the upper bound.
func parseRange(header string, size int64) (start, end int64, err error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, -1, fmt.Errorf("unsupported range unit")
	}
	spec := strings.TrimPrefix(header, prefix)
	spec = strings.SplitN(spec, ",", 2)[0] // first range only; multi-range is not supported
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, -1, fmt.Errorf("malformed range")
	}
	start, err = strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, -1, fmt.Errorf("invalid range start")
	}
	end = -1
	if e := strings.TrimSpace(parts[1]); e != "" {
		end, err = strconv.ParseInt(e, 10, 64)
		if err != nil || end < start {
			return 0, -1, fmt.Errorf("invalid range end")
		}
	}
	return start, end, nil
}
