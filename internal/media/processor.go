// Package media implements the Media Post-Processor (spec component D):
// probe, subtitle extraction, and conditional audio transcode. The
// actual muxer/demuxer is an external subprocess collaborator — this
// package only orchestrates the probe/extract/transcode state machine
// and shells out via os/exec, per spec.md's explicit framing of the
// media tool as "a subprocess that accepts an input path, a stream
// index, and produces an output file; exit-code + stderr is the result
// contract".
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"bken/server/internal/core"
	"bken/server/internal/protocol"
)

// bitmapSubtitleCodecs is the closed set of non-text subtitle codecs
// §4.D excludes from extraction.
var bitmapSubtitleCodecs = map[string]bool{
	"hdmv_pgs_subtitle": true,
	"dvd_subtitle":       true,
	"dvb_subtitle":       true,
	"xsub":               true,
}

// StreamInfo is one stream entry from a probe.
type StreamInfo struct {
	Index     int
	CodecType string // "video", "audio", "subtitle"
	CodecName string
	Language  string
}

// ProbeResult is the decoded output of a container probe.
type ProbeResult struct {
	Streams []StreamInfo
}

// Runner is the external media-tool collaborator. Implementations shell
// out to a real probe/mux binary; tests substitute a fake.
type Runner interface {
	Probe(ctx context.Context, path string) (ProbeResult, error)
	ExtractSubtitle(ctx context.Context, input string, streamIndex int, outPath string) error
	TranscodeAudio(ctx context.Context, input string, audioStreamIndex int, outPath string) error
}

// execRunner invokes ffprobe/ffmpeg as subprocesses.
type execRunner struct {
	ffprobePath string
	ffmpegPath  string
}

// NewExecRunner returns a Runner backed by real ffprobe/ffmpeg binaries.
func NewExecRunner(ffprobePath, ffmpegPath string) Runner {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &execRunner{ffprobePath: ffprobePath, ffmpegPath: ffmpegPath}
}

type ffprobeOutput struct {
	Streams []struct {
		Index     int    `json:"index"`
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Tags      struct {
			Language string `json:"language"`
		} `json:"tags"`
	} `json:"streams"`
}

func (e *execRunner) Probe(ctx context.Context, path string) (ProbeResult, error) {
	cmd := exec.CommandContext(ctx, e.ffprobePath,
		"-v", "quiet", "-print_format", "json", "-show_streams", path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return ProbeResult{}, fmt.Errorf("probe: %w: %s", err, stderr.String())
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(stdout.Bytes(), &parsed); err != nil {
		return ProbeResult{}, fmt.Errorf("parse probe output: %w", err)
	}
	result := ProbeResult{Streams: make([]StreamInfo, 0, len(parsed.Streams))}
	for _, s := range parsed.Streams {
		result.Streams = append(result.Streams, StreamInfo{
			Index:     s.Index,
			CodecType: s.CodecType,
			CodecName: s.CodecName,
			Language:  s.Tags.Language,
		})
	}
	return result, nil
}

func (e *execRunner) ExtractSubtitle(ctx context.Context, input string, streamIndex int, outPath string) error {
	cmd := exec.CommandContext(ctx, e.ffmpegPath,
		"-y", "-i", input,
		"-map", fmt.Sprintf("0:%d", streamIndex),
		"-c:s", "srt",
		outPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("extract subtitle: %w: %s", err, stderr.String())
	}
	return nil
}

func (e *execRunner) TranscodeAudio(ctx context.Context, input string, audioStreamIndex int, outPath string) error {
	cmd := exec.CommandContext(ctx, e.ffmpegPath,
		"-y", "-i", input,
		"-map", "0:v:0",
		"-map", fmt.Sprintf("0:%d", audioStreamIndex),
		"-c:v", "copy",
		"-c:a", "aac", "-ac", "2", "-b:a", "192k",
		"-movflags", "+faststart",
		outPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("transcode audio: %w: %s", err, stderr.String())
	}
	return nil
}

// Processor orchestrates §4.D's probe -> subtitle extraction ->
// conditional audio transcode state machine.
type Processor struct {
	runner     Runner
	uploadsDir string
	logger     *slog.Logger
}

// NewProcessor builds a Processor over the given Runner.
func NewProcessor(runner Runner, uploadsDir string, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{runner: runner, uploadsDir: uploadsDir, logger: logger}
}

// Process runs the full pipeline for one completed upload. It is meant
// to be invoked off the request path (the caller already returned
// {processing:true} to the client); all failures are contained here —
// they update room state and are never propagated as an HTTP error.
func (p *Processor) Process(ctx context.Context, room *core.Room, finalPath string, selectedStreamIndex int) {
	p.logger.Info("post-processing started", "room_id", room.ID, "path", finalPath)

	probe, err := p.runner.Probe(ctx, finalPath)
	if err != nil {
		p.fail(room, fmt.Errorf("probe failed: %w", err))
		return
	}

	p.extractSubtitles(ctx, room, finalPath, probe)

	published, err := p.transcodeIfNeeded(ctx, room, finalPath, probe, selectedStreamIndex)
	if err != nil {
		p.fail(room, fmt.Errorf("transcode failed: %w", err))
		return
	}

	room.WithState(func(s *core.RoomState) {
		s.VideoPath = published
		s.IsProcessing = false
		s.ProcessingMessage = ""
	})
	room.Broadcast(protocol.Message{Type: protocol.TypeVideoReady})
	p.logger.Info("post-processing complete", "room_id", room.ID, "published", published)
}

func (p *Processor) fail(room *core.Room, err error) {
	p.logger.Error("post-processing failed", "room_id", room.ID, "err", err)
	room.WithState(func(s *core.RoomState) {
		s.IsProcessing = false
		s.ProcessingMessage = "Error"
	})
	room.Broadcast(protocol.Message{Type: protocol.TypeProcessingProgress, Text: "Error"})
}

// extractSubtitles implements §4.D phase 1. Per-stream failures are
// logged and skipped; they never fail the pipeline.
func (p *Processor) extractSubtitles(ctx context.Context, room *core.Room, finalPath string, probe ProbeResult) {
	sawBitmapOnly := true
	sawAnySubtitle := false
	subsDir := filepath.Join(p.uploadsDir, room.ID+"_subtitles")

	for _, s := range probe.Streams {
		if s.CodecType != "subtitle" {
			continue
		}
		sawAnySubtitle = true
		if bitmapSubtitleCodecs[s.CodecName] {
			continue
		}
		sawBitmapOnly = false

		if err := os.MkdirAll(subsDir, 0o755); err != nil {
			p.logger.Warn("create subtitles dir failed", "room_id", room.ID, "err", err)
			continue
		}
		lang := s.Language
		if lang == "" {
			lang = "und"
		}
		destName := fmt.Sprintf("%s_sub_%d_%s.srt", room.ID, s.Index, lang)
		destPath := filepath.Join(subsDir, destName)

		if err := p.runner.ExtractSubtitle(ctx, finalPath, s.Index, destPath); err != nil {
			p.logger.Warn("subtitle extraction failed, skipping", "room_id", room.ID, "stream_index", s.Index, "err", err)
			continue
		}

		displayName := destName
		room.WithState(func(rs *core.RoomState) {
			rs.Subtitles = append(rs.Subtitles, core.Subtitle{Filename: destName, DisplayName: displayName})
		})
		room.Broadcast(protocol.Message{Type: protocol.TypeSubtitleAdded, Filename: destName, DisplayName: displayName})
	}

	if sawAnySubtitle && sawBitmapOnly {
		room.WithState(func(s *core.RoomState) { s.ProcessingMessage = "bitmap subtitles ignored" })
		room.Broadcast(protocol.Message{Type: protocol.TypeProcessingProgress, Text: "bitmap subtitles ignored"})
	}
}

// transcodeIfNeeded implements §4.D phase 2, returning the path that
// should be published as the room's playable video.
func (p *Processor) transcodeIfNeeded(ctx context.Context, room *core.Room, finalPath string, probe ProbeResult, selectedStreamIndex int) (string, error) {
	var audioStreams []StreamInfo
	for _, s := range probe.Streams {
		if s.CodecType == "audio" {
			audioStreams = append(audioStreams, s)
		}
	}
	if len(audioStreams) == 0 {
		return finalPath, nil
	}

	target := audioStreams[0]
	explicitSelection := false
	if selectedStreamIndex >= 0 {
		for _, s := range audioStreams {
			if s.Index == selectedStreamIndex {
				target = s
				explicitSelection = true
				break
			}
		}
	}

	if (target.CodecName == "aac" || target.CodecName == "mp3") && !(explicitSelection && len(audioStreams) > 1) {
		return finalPath, nil
	}

	convertedPath := finalPath[:len(finalPath)-len(filepath.Ext(finalPath))] + "_converted.mp4"
	room.WithState(func(s *core.RoomState) { s.ProcessingMessage = "transcoding audio" })
	room.Broadcast(protocol.Message{Type: protocol.TypeProcessingProgress, Progress: 0, Text: "transcoding audio"})

	if err := p.runner.TranscodeAudio(ctx, finalPath, target.Index, convertedPath); err != nil {
		return "", err
	}

	if err := os.Remove(finalPath); err != nil {
		p.logger.Warn("remove pre-transcode original failed", "room_id", room.ID, "err", err)
	}
	if err := os.Rename(convertedPath, finalPath); err != nil {
		return "", fmt.Errorf("replace original with transcoded file: %w", err)
	}

	info, statErr := os.Stat(finalPath)
	if statErr == nil {
		p.logger.Info("audio transcode complete", "room_id", room.ID, "size", humanize.Bytes(uint64(info.Size())))
	}
	room.Broadcast(protocol.Message{Type: protocol.TypeProcessingProgress, Progress: 100, Text: "transcoding audio"})

	return finalPath, nil
}
