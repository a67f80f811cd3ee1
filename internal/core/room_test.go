package core

import (
	"testing"
	"time"

	"bken/server/internal/protocol"
)

// fakeSender records every message sent to it; safe for concurrent use
// via the room's own locking discipline (callers never hold r.mu while
// calling Send).
type fakeSender struct {
	sent   []protocol.Message
	closed bool
	code   int
	reason string
}

func (f *fakeSender) Send(msg protocol.Message) error {
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) Close(code int, reason string) {
	f.closed = true
	f.code = code
	f.reason = reason
}

func newTestRoom() *Room {
	return NewRoom("room-1", "Movie Night", "Arrival", "", "", nil)
}

func attachClient(t *testing.T, r *Room, id, token string) *fakeSender {
	t.Helper()
	fs := &fakeSender{}
	c := &Client{ID: id, Token: token, ConnectedAt: time.Now(), Sender: fs}
	if err := r.AttachClient(c); err != nil {
		t.Fatalf("AttachClient(%s): %v", id, err)
	}
	return fs
}

func TestGenerateUserTokenIsIdempotent(t *testing.T) {
	r := newTestRoom()
	tok1, err := r.GenerateUserToken("ext-1", "alice")
	if err != nil {
		t.Fatalf("GenerateUserToken: %v", err)
	}
	tok2, err := r.GenerateUserToken("ext-1", "alice")
	if err != nil {
		t.Fatalf("GenerateUserToken (second call): %v", err)
	}
	if tok1 != tok2 {
		t.Errorf("token changed across calls: %q != %q", tok1, tok2)
	}
}

func TestAttachClientUnknownTokenForbidden(t *testing.T) {
	r := newTestRoom()
	fs := &fakeSender{}
	c := &Client{ID: "c1", Token: "bogus", Sender: fs}
	if err := r.AttachClient(c); err == nil {
		t.Fatal("expected forbidden error for unknown token")
	}
}

func TestDetachClientKeepsMemberConnectedWhileAnotherSocketLive(t *testing.T) {
	r := newTestRoom()
	tok, _ := r.GenerateUserToken("ext-1", "alice")
	attachClient(t, r, "c1", tok)
	attachClient(t, r, "c2", tok)

	r.DetachClient("c1")
	m, _ := r.ValidateToken(tok)
	if !m.Connected {
		t.Error("member should remain connected while a second socket for the same token is live")
	}

	r.DetachClient("c2")
	m, _ = r.ValidateToken(tok)
	if m.Connected {
		t.Error("member should be disconnected once its last socket detaches")
	}
}

func TestBroadcastReachesAllClients(t *testing.T) {
	r := newTestRoom()
	fs1 := attachClient(t, r, "c1", "")
	fs2 := attachClient(t, r, "c2", "")

	r.Broadcast(protocol.Message{Type: protocol.TypePong})

	if len(fs1.sent) != 1 || len(fs2.sent) != 1 {
		t.Fatalf("expected both clients to receive 1 message, got %d and %d", len(fs1.sent), len(fs2.sent))
	}
}

func TestBroadcastExceptSkipsGivenClient(t *testing.T) {
	r := newTestRoom()
	fs1 := attachClient(t, r, "c1", "")
	fs2 := attachClient(t, r, "c2", "")

	r.BroadcastExcept(protocol.Message{Type: protocol.TypePong}, "c1")

	if len(fs1.sent) != 0 {
		t.Error("excepted client should not receive the broadcast")
	}
	if len(fs2.sent) != 1 {
		t.Error("other client should receive the broadcast")
	}
}

func TestApplyHostCommandRejectsNonHost(t *testing.T) {
	r := newTestRoom()
	tok, _ := r.GenerateUserToken("ext-1", "alice")
	attachClient(t, r, "c1", tok)

	_, _, err := r.ApplyHostCommand(tok, protocol.TypePlay, 10, 1, time.Now())
	if err == nil {
		t.Fatal("expected forbidden error: ext-1 is not host")
	}
}

func TestApplyHostCommandSeqGating(t *testing.T) {
	r := newTestRoom()
	hostTok, err := r.mintHostMember("host-1", "host")
	if err != nil {
		t.Fatalf("mintHostMember: %v", err)
	}
	attachClient(t, r, "host-conn", hostTok)

	now := time.Now()
	frame, _, err := r.ApplyHostCommand(hostTok, protocol.TypePlay, 5, 10, now)
	if err != nil {
		t.Fatalf("ApplyHostCommand: %v", err)
	}
	if !frame.IsPlaying || frame.CurrentTime != 5 {
		t.Fatalf("unexpected frame after play: %+v", frame)
	}

	// A stale/duplicate seq must be a silent no-op, not an error, and must
	// not move CurrentTime.
	staleFrame, transitioned, err := r.ApplyHostCommand(hostTok, protocol.TypeSeek, 999, 10, now.Add(time.Second))
	if err != nil {
		t.Fatalf("stale command should not error: %v", err)
	}
	if transitioned {
		t.Error("stale command must not report a transition")
	}
	if staleFrame.CurrentTime == 999 {
		t.Error("stale command must not move CurrentTime")
	}

	// A newer seq is accepted.
	frame2, _, err := r.ApplyHostCommand(hostTok, protocol.TypePause, 42, 11, now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("ApplyHostCommand (seq 11): %v", err)
	}
	if frame2.IsPlaying {
		t.Error("pause command should set IsPlaying false")
	}
	if frame2.CurrentTime != 42 {
		t.Errorf("CurrentTime = %v, want 42", frame2.CurrentTime)
	}
}

func TestApplyHostCommandRejectedAfterEnded(t *testing.T) {
	r := newTestRoom()
	hostTok, _ := r.mintHostMember("host-1", "host")
	r.End()

	_, _, err := r.ApplyHostCommand(hostTok, protocol.TypePlay, 5, 1, time.Now())
	if err == nil {
		t.Fatal("expected forbidden error once room has ended")
	}
}

func TestCheckHostTransferPromotesOldestConnectedNonHost(t *testing.T) {
	r := newTestRoom()
	hostTok, _ := r.mintHostMember("host-1", "host")
	attachClient(t, r, "host-conn", hostTok)

	tokA, _ := r.GenerateUserToken("ext-a", "alice")
	attachClient(t, r, "a-conn", tokA)
	time.Sleep(time.Millisecond)
	tokB, _ := r.GenerateUserToken("ext-b", "bob")
	attachClient(t, r, "b-conn", tokB)

	past := time.Now().Add(time.Hour)
	newHostID, newHostUsername, newHostTok, changed := r.CheckHostTransfer(past, time.Minute)
	if !changed {
		t.Fatal("expected a host transfer after the inactivity timeout")
	}
	if newHostID != "ext-a" {
		t.Errorf("new host = %q, want ext-a (oldest connected non-host)", newHostID)
	}
	if newHostUsername != "alice" {
		t.Errorf("new host username = %q, want alice", newHostUsername)
	}
	if !r.IsHostByToken(newHostTok) {
		t.Error("promoted token should now report as host")
	}
	if r.IsHostByToken(hostTok) {
		t.Error("previous host token should no longer report as host")
	}
}

func TestCheckHostTransferSkipsWhileUploading(t *testing.T) {
	r := newTestRoom()
	hostTok, _ := r.mintHostMember("host-1", "host")
	attachClient(t, r, "host-conn", hostTok)
	tokA, _ := r.GenerateUserToken("ext-a", "alice")
	attachClient(t, r, "a-conn", tokA)

	r.WithState(func(s *RoomState) { s.IsUploading = true })

	_, _, _, changed := r.CheckHostTransfer(time.Now().Add(time.Hour), time.Minute)
	if changed {
		t.Error("host transfer must not happen while an upload is in progress")
	}
}

func TestAddRatingAggregatesAndDetectsAllRated(t *testing.T) {
	r := newTestRoom()
	tokA, _ := r.GenerateUserToken("ext-a", "alice")
	attachClient(t, r, "a-conn", tokA)
	tokB, _ := r.GenerateUserToken("ext-b", "bob")
	attachClient(t, r, "b-conn", tokB)

	allRated, ratings, avg, err := r.AddRating("ext-a", 8)
	if err != nil {
		t.Fatalf("AddRating: %v", err)
	}
	if allRated {
		t.Error("not all connected members have rated yet")
	}
	if len(ratings) != 1 || avg != 8 {
		t.Errorf("ratings=%v avg=%v, want one rating averaging 8", ratings, avg)
	}

	allRated, ratings, avg, err = r.AddRating("ext-b", 9)
	if err != nil {
		t.Fatalf("AddRating: %v", err)
	}
	if !allRated {
		t.Error("all connected members have now rated")
	}
	if len(ratings) != 2 || avg != 8.5 {
		t.Errorf("ratings=%v avg=%v, want average 8.5", ratings, avg)
	}

	// Re-rating the same external ID is an idempotent update, not a second entry.
	_, ratings, avg, _ = r.AddRating("ext-a", 10)
	if len(ratings) != 2 {
		t.Fatalf("re-rating should update in place, got %d entries", len(ratings))
	}
	if avg != 9.5 {
		t.Errorf("avg after update = %v, want 9.5", avg)
	}
}

func TestAddRatingRejectsOutOfRange(t *testing.T) {
	r := newTestRoom()
	if _, _, _, err := r.AddRating("ext-a", 0); err == nil {
		t.Error("rating 0 should be rejected")
	}
	if _, _, _, err := r.AddRating("ext-a", 11); err == nil {
		t.Error("rating 11 should be rejected")
	}
}

func TestProjectReflectsConnectedViewersOnly(t *testing.T) {
	r := newTestRoom()
	tokA, _ := r.GenerateUserToken("ext-a", "alice")
	attachClient(t, r, "a-conn", tokA)
	r.GenerateUserToken("ext-b", "bob") // never connects

	proj := r.Project()
	if proj.ViewerCount != 1 {
		t.Errorf("ViewerCount = %d, want 1", proj.ViewerCount)
	}
	if proj.Status != StatusWaiting {
		t.Errorf("Status = %q, want waiting", proj.Status)
	}
}

func TestIdleSinceTracksLastClientLeft(t *testing.T) {
	r := newTestRoom()
	if _, ok := r.IdleSince(time.Now()); ok {
		t.Error("a room that never had a client should report not-idle")
	}

	attachClient(t, r, "c1", "")
	r.DetachClient("c1")

	d, ok := r.IdleSince(time.Now().Add(time.Minute))
	if !ok {
		t.Fatal("expected IdleSince to report true once the last client left")
	}
	if d < time.Minute-time.Second {
		t.Errorf("idle duration too small: %v", d)
	}
}
