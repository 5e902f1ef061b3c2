package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"meshcast/internal/models"
)

var (
	// ErrInvalidInput marks a segment that is missing, empty, or carries no
	// decodable streams.
	ErrInvalidInput = errors.New("media: invalid input segment")

	// ErrUnrepairable marks a corrupt segment that a re-mux could not recover.
	ErrUnrepairable = errors.New("media: segment could not be repaired")

	// ErrEncoderFailure marks a nonzero ffmpeg exit during transcoding.
	ErrEncoderFailure = errors.New("media: encoder failure")
)

// Encoder owns the ffmpeg/ffprobe invocations for one process.
type Encoder struct {
	runner  Runner
	logger  *slog.Logger
	ffmpeg  string
	ffprobe string
}

// EncoderConfig configures binary paths and collaborators. Zero values select
// an exec-backed runner and the binaries from PATH.
type EncoderConfig struct {
	Runner      Runner
	Logger      *slog.Logger
	FFmpegPath  string
	FFprobePath string
}

// NewEncoder builds an Encoder from the config defaults.
func NewEncoder(cfg EncoderConfig) *Encoder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runner := cfg.Runner
	if runner == nil {
		runner = &ExecRunner{Logger: logger}
	}
	ffmpeg := cfg.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	ffprobe := cfg.FFprobePath
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	return &Encoder{runner: runner, logger: logger, ffmpeg: ffmpeg, ffprobe: ffprobe}
}

// Validate checks that the segment exists, is non-empty, and carries at least
// one decodable stream according to ffprobe.
func (e *Encoder) Validate(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidInput, path, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: %s is empty", ErrInvalidInput, path)
	}

	out, err := e.runner.Output(ctx, e.ffprobe,
		"-v", "error",
		"-show_entries", "stream=codec_type",
		"-of", "csv=p=0",
		path)
	if err != nil {
		return fmt.Errorf("%w: probe %s: %v", ErrInvalidInput, path, err)
	}
	streams := 0
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) != "" {
			streams++
		}
	}
	if streams == 0 {
		return fmt.Errorf("%w: %s has no streams", ErrInvalidInput, path)
	}
	e.logger.Debug("segment validated", "path", path, "streams", streams)
	return nil
}

// Repair re-muxes a corrupt segment into a fresh copy at dst: copy the streams
// with the annex-b bitstream filter, then re-validate the copy. The source is
// never touched; jobs for other renditions may be reading it concurrently.
func (e *Encoder) Repair(ctx context.Context, src, dst string) error {
	err := e.runner.Run(ctx, e.ffmpeg,
		"-y",
		"-i", src,
		"-c", "copy",
		"-f", "mpegts",
		"-bsf:v", "h264_mp4toannexb",
		dst)
	if err != nil {
		os.Remove(dst)
		return fmt.Errorf("%w: remux %s: %v", ErrUnrepairable, src, err)
	}
	if err := e.Validate(ctx, dst); err != nil {
		os.Remove(dst)
		return fmt.Errorf("%w: remuxed %s still invalid: %v", ErrUnrepairable, src, err)
	}
	e.logger.Info("segment repaired", "src", src, "dst", dst)
	return nil
}

// Transcode re-encodes one segment to the target rendition. The output is
// written directly to outputPath; callers wanting atomic publication should
// pass a staging path and promote it themselves.
func (e *Encoder) Transcode(ctx context.Context, inputPath, outputPath string, rendition models.Rendition) error {
	args := TranscodeArgs(inputPath, outputPath, rendition)
	e.logger.Info("transcoding segment",
		"input", inputPath,
		"output", outputPath,
		"rendition", rendition.Name)
	if err := e.runner.Run(ctx, e.ffmpeg, args...); err != nil {
		return fmt.Errorf("%w: %s -> %s (%s): %v", ErrEncoderFailure, inputPath, outputPath, rendition.Name, err)
	}
	return nil
}

// TranscodeArgs is the per-rendition argument contract: libx264/aac with the
// rendition's geometry and bitrates, a fixed 48-frame GOP, scene-change
// detection off, MPEG-TS out.
func TranscodeArgs(inputPath, outputPath string, r models.Rendition) []string {
	return []string{
		"-y",
		"-i", inputPath,
		"-c:v", "libx264",
		"-s", fmt.Sprintf("%dx%d", r.Width, r.Height),
		"-b:v", strconv.Itoa(r.VideoBitrate) + "k",
		"-r", strconv.Itoa(r.FPS),
		"-c:a", "aac",
		"-b:a", strconv.Itoa(r.AudioBitrate) + "k",
		"-preset", "veryfast",
		"-profile:v", "main",
		"-level", "3.1",
		"-sc_threshold", "0",
		"-g", "48",
		"-f", "mpegts",
		outputPath,
	}
}

// SegmentArgs is the ingestion segmenter contract: keyframes forced at
// segment boundaries, fixed-duration MPEG-TS segments named by sequence
// number.
func SegmentArgs(inputURL, outputDir string, segmentDuration int) []string {
	return []string{
		"-i", inputURL,
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", segmentDuration),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-g", strconv.Itoa(2 * segmentDuration * 30),
		"-sc_threshold", "0",
		"-c:a", "aac",
		"-f", "segment",
		"-segment_time", strconv.Itoa(segmentDuration),
		"-segment_format", "mpegts",
		"-reset_timestamps", "1",
		filepath.Join(outputDir, "%d.ts"),
	}
}
