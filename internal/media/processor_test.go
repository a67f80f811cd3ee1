package media

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"bken/server/internal/core"
	"bken/server/internal/protocol"
)

// recordingSender captures every message broadcast to a room client.
type recordingSender struct {
	sent []protocol.Message
}

func (s *recordingSender) Send(msg protocol.Message) error {
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) Close(code int, reason string) {}

// mockRunner is a fake Runner for exercising the Processor state machine
// without a real ffprobe/ffmpeg binary on the test machine.
type mockRunner struct {
	probe             ProbeResult
	probeErr          error
	extractErr        map[int]error
	transcodeErr      error
	extractedStreams  []int
	transcodedInput   string
	transcodedOutPath string
}

func (m *mockRunner) Probe(ctx context.Context, path string) (ProbeResult, error) {
	return m.probe, m.probeErr
}

func (m *mockRunner) ExtractSubtitle(ctx context.Context, input string, streamIndex int, outPath string) error {
	m.extractedStreams = append(m.extractedStreams, streamIndex)
	if err, ok := m.extractErr[streamIndex]; ok {
		return err
	}
	return os.WriteFile(outPath, []byte("1\n00:00:00,000 --> 00:00:01,000\nhi\n"), 0o644)
}

func (m *mockRunner) TranscodeAudio(ctx context.Context, input string, audioStreamIndex int, outPath string) error {
	m.transcodedInput = input
	m.transcodedOutPath = outPath
	if m.transcodeErr != nil {
		return m.transcodeErr
	}
	return os.WriteFile(outPath, []byte("transcoded"), 0o644)
}

func newTestRoomWithVideo(t *testing.T, dir string) (*core.Room, string) {
	t.Helper()
	room := core.NewRoom("room-1", "Movie Night", "Arrival", "", "", nil)
	path := filepath.Join(dir, "video.mp4")
	if err := os.WriteFile(path, []byte("fake video bytes"), 0o644); err != nil {
		t.Fatalf("write fake video: %v", err)
	}
	room.WithState(func(s *core.RoomState) { s.IsProcessing = true })
	return room, path
}

func TestProcessSkipsBitmapSubtitles(t *testing.T) {
	dir := t.TempDir()
	room, path := newTestRoomWithVideo(t, dir)
	runner := &mockRunner{probe: ProbeResult{Streams: []StreamInfo{
		{Index: 0, CodecType: "video", CodecName: "h264"},
		{Index: 1, CodecType: "audio", CodecName: "aac"},
		{Index: 2, CodecType: "subtitle", CodecName: "hdmv_pgs_subtitle"},
	}}}
	p := NewProcessor(runner, dir, nil)
	rs := &recordingSender{}
	if err := room.AttachClient(&core.Client{ID: "c1", Sender: rs}); err != nil {
		t.Fatalf("AttachClient: %v", err)
	}

	p.Process(context.Background(), room, path, -1)

	if len(runner.extractedStreams) != 0 {
		t.Error("bitmap subtitle stream must not be extracted")
	}
	notified := false
	for _, msg := range rs.sent {
		if msg.Type == protocol.TypeProcessingProgress && msg.Text == "bitmap subtitles ignored" {
			notified = true
		}
	}
	if !notified {
		t.Error("expected a processing-progress broadcast carrying the bitmap-ignored notice")
	}
	state := room.StateSnapshot()
	if state.IsProcessing {
		t.Error("room should no longer be processing once Process returns")
	}
}

func TestProcessExtractsTextSubtitles(t *testing.T) {
	dir := t.TempDir()
	room, path := newTestRoomWithVideo(t, dir)
	runner := &mockRunner{probe: ProbeResult{Streams: []StreamInfo{
		{Index: 0, CodecType: "video", CodecName: "h264"},
		{Index: 1, CodecType: "audio", CodecName: "aac"},
		{Index: 2, CodecType: "subtitle", CodecName: "subrip", Language: "eng"},
	}}}
	p := NewProcessor(runner, dir, nil)

	p.Process(context.Background(), room, path, -1)

	if len(runner.extractedStreams) != 1 || runner.extractedStreams[0] != 2 {
		t.Errorf("extractedStreams = %v, want [2]", runner.extractedStreams)
	}
	state := room.StateSnapshot()
	if len(state.Subtitles) != 1 {
		t.Fatalf("expected 1 subtitle registered, got %d", len(state.Subtitles))
	}
}

func TestProcessSkipsTranscodeWhenAudioAlreadyAAC(t *testing.T) {
	dir := t.TempDir()
	room, path := newTestRoomWithVideo(t, dir)
	runner := &mockRunner{probe: ProbeResult{Streams: []StreamInfo{
		{Index: 0, CodecType: "video", CodecName: "h264"},
		{Index: 1, CodecType: "audio", CodecName: "aac"},
	}}}
	p := NewProcessor(runner, dir, nil)

	p.Process(context.Background(), room, path, -1)

	if runner.transcodedOutPath != "" {
		t.Error("no transcode should run when the only audio track is already AAC")
	}
	if room.StateSnapshot().VideoPath != path {
		t.Errorf("VideoPath = %q, want original path %q", room.StateSnapshot().VideoPath, path)
	}
}

func TestProcessTranscodesNonAACAudio(t *testing.T) {
	dir := t.TempDir()
	room, path := newTestRoomWithVideo(t, dir)
	runner := &mockRunner{probe: ProbeResult{Streams: []StreamInfo{
		{Index: 0, CodecType: "video", CodecName: "h264"},
		{Index: 1, CodecType: "audio", CodecName: "dts"},
	}}}
	p := NewProcessor(runner, dir, nil)

	p.Process(context.Background(), room, path, -1)

	if runner.transcodedOutPath == "" {
		t.Fatal("expected a transcode to run for a non-AAC/MP3 audio track")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("final path should exist after transcode replaces the original: %v", err)
	}
	if room.StateSnapshot().VideoPath != path {
		t.Error("published VideoPath should still be the original path (rename-in-place)")
	}
}

func TestProcessContainsProbeFailure(t *testing.T) {
	dir := t.TempDir()
	room, path := newTestRoomWithVideo(t, dir)
	runner := &mockRunner{probeErr: context.DeadlineExceeded}
	p := NewProcessor(runner, dir, nil)

	p.Process(context.Background(), room, path, -1)

	state := room.StateSnapshot()
	if state.IsProcessing {
		t.Error("a probe failure must still clear IsProcessing")
	}
	if state.ProcessingMessage != "Error" {
		t.Errorf("ProcessingMessage = %q, want Error", state.ProcessingMessage)
	}
}

func TestProcessContainsSubtitleExtractionFailureWithoutAbortingPipeline(t *testing.T) {
	dir := t.TempDir()
	room, path := newTestRoomWithVideo(t, dir)
	runner := &mockRunner{
		probe: ProbeResult{Streams: []StreamInfo{
			{Index: 0, CodecType: "video", CodecName: "h264"},
			{Index: 1, CodecType: "audio", CodecName: "aac"},
			{Index: 2, CodecType: "subtitle", CodecName: "subrip"},
		}},
		extractErr: map[int]error{2: context.Canceled},
	}
	p := NewProcessor(runner, dir, nil)

	p.Process(context.Background(), room, path, -1)

	state := room.StateSnapshot()
	if state.IsProcessing {
		t.Error("subtitle extraction failure must not abort the pipeline")
	}
	if len(state.Subtitles) != 0 {
		t.Error("failed subtitle extraction should not register a subtitle")
	}
	if state.VideoPath != path {
		t.Error("video should still publish even when subtitle extraction failed")
	}
}
