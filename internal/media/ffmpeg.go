// Package media wraps the ffmpeg and ffprobe binaries for composing the final
// video out of generated segments.
package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/bobarin/longform/internal/logging"
)

const (
	videoFPS  = 30
	audioRate = 48000
)

// Resolution1080 returns the frame size clips are normalised to before
// joining.
func Resolution1080(aspectRatio string) (width, height int) {
	switch aspectRatio {
	case "9:16":
		return 1080, 1920
	case "1:1":
		return 1080, 1080
	default:
		return 1920, 1080
	}
}

// Resolution4K returns the 4K frame size for an aspect ratio.
func Resolution4K(aspectRatio string) (width, height int) {
	switch aspectRatio {
	case "9:16":
		return 2160, 3840
	case "1:1":
		return 2160, 2160
	default:
		return 3840, 2160
	}
}

type FFmpeg struct {
	tempDir string
	log     zerolog.Logger
}

func NewFFmpeg(tempDir string, log zerolog.Logger) (*FFmpeg, error) {
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	return &FFmpeg{tempDir: tempDir, log: logging.Component(log, "ffmpeg")}, nil
}

// WorkDir creates a fresh scratch directory. The caller removes it.
func (f *FFmpeg) WorkDir(prefix string) (string, error) {
	return os.MkdirTemp(f.tempDir, prefix+"-")
}

// Concatenate joins clips in the given order into one file. Each input is
// scaled and padded to width x height at a fixed frame rate, and inputs
// without sound get silence, so clips from different sources line up.
func (f *FFmpeg) Concatenate(ctx context.Context, clipPaths []string, outputPath string, width, height int) error {
	if len(clipPaths) == 0 {
		return fmt.Errorf("no clips to concatenate")
	}

	clips := make([]clipInfo, len(clipPaths))
	args := make([]string, 0, 2*len(clipPaths)+16)
	for i, path := range clipPaths {
		info, err := f.probe(ctx, path)
		if err != nil {
			return fmt.Errorf("failed to probe clip %d: %w", i, err)
		}
		clips[i] = info
		args = append(args, "-i", path)
	}

	graph, withAudio := concatFilter(clips, width, height)
	args = append(args, "-filter_complex", graph, "-map", "[v]")
	if withAudio {
		args = append(args, "-map", "[a]", "-c:a", "aac")
	} else {
		args = append(args, "-an")
	}
	args = append(args,
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "18",
		"-movflags", "+faststart",
		"-y",
		outputPath,
	)
	if err := f.run(ctx, "ffmpeg", args...); err != nil {
		return fmt.Errorf("ffmpeg concatenate failed: %w", err)
	}
	f.logOutput("concatenated", outputPath, len(clipPaths))
	return nil
}

type clipInfo struct {
	seconds  float64
	hasAudio bool
}

// concatFilter builds the filter graph for Concatenate. Audio is kept only if
// at least one clip has it; silent clips then get an empty track of their own
// length. Every audio track is padded or cut to its clip's duration so the
// picture and the sound stay aligned across joins.
func concatFilter(clips []clipInfo, width, height int) (string, bool) {
	withAudio := false
	for _, c := range clips {
		withAudio = withAudio || c.hasAudio
	}

	var graph, pads strings.Builder
	for i, c := range clips {
		fmt.Fprintf(&graph,
			"[%d:v]scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1,fps=%d,format=yuv420p[v%d];",
			i, width, height, width, height, videoFPS, i)
		fmt.Fprintf(&pads, "[v%d]", i)
		if !withAudio {
			continue
		}
		if c.hasAudio {
			fmt.Fprintf(&graph, "[%d:a]aresample=%d,aformat=sample_fmts=fltp:channel_layouts=stereo,apad,atrim=duration=%.3f[a%d];",
				i, audioRate, c.seconds, i)
		} else {
			fmt.Fprintf(&graph, "anullsrc=r=%d:cl=stereo,aformat=sample_fmts=fltp,atrim=duration=%.3f[a%d];",
				audioRate, c.seconds, i)
		}
		fmt.Fprintf(&pads, "[a%d]", i)
	}

	if withAudio {
		fmt.Fprintf(&graph, "%sconcat=n=%d:v=1:a=1[v][a]", pads.String(), len(clips))
	} else {
		fmt.Fprintf(&graph, "%sconcat=n=%d:v=1:a=0[v]", pads.String(), len(clips))
	}
	return graph.String(), withAudio
}

// probe reads a clip's duration and whether it carries an audio stream.
func (f *FFmpeg) probe(ctx context.Context, path string) (clipInfo, error) {
	ms, err := f.Duration(ctx, path)
	if err != nil {
		return clipInfo{}, err
	}
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "a",
		"-show_entries", "stream=index",
		"-of", "csv=p=0",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return clipInfo{}, fmt.Errorf("ffprobe failed: %w", err)
	}
	return clipInfo{
		seconds:  float64(ms) / 1000,
		hasAudio: strings.TrimSpace(string(output)) != "",
	}, nil
}

// Trim cuts the video to at most seconds.
func (f *FFmpeg) Trim(ctx context.Context, inputPath, outputPath string, seconds int) error {
	args := []string{
		"-i", inputPath,
		"-t", fmt.Sprint(seconds),
		"-c", "copy",
		"-movflags", "+faststart",
		"-y",
		outputPath,
	}
	if err := f.run(ctx, "ffmpeg", args...); err != nil {
		return fmt.Errorf("ffmpeg trim failed: %w", err)
	}
	return nil
}

// Upscale resamples the video to width x height.
func (f *FFmpeg) Upscale(ctx context.Context, inputPath, outputPath string, width, height int) error {
	args := []string{
		"-i", inputPath,
		"-vf", fmt.Sprintf("scale=%d:%d:flags=lanczos", width, height),
		"-c:v", "libx264",
		"-preset", "slow",
		"-crf", "18",
		"-pix_fmt", "yuv420p",
		"-c:a", "copy",
		"-movflags", "+faststart",
		"-y",
		outputPath,
	}
	if err := f.run(ctx, "ffmpeg", args...); err != nil {
		return fmt.Errorf("ffmpeg upscale failed: %w", err)
	}
	f.logOutput("upscaled", outputPath, 1)
	return nil
}

// Duration returns the length of a media file in milliseconds.
func (f *FFmpeg) Duration(ctx context.Context, path string) (int, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	var durationSec float64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(output)), "%f", &durationSec); err != nil {
		return 0, fmt.Errorf("failed to parse duration: %w", err)
	}
	return int(durationSec * 1000), nil
}

func (f *FFmpeg) run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, tail(stderr.String(), 2000))
	}
	return nil
}

func (f *FFmpeg) logOutput(action, path string, inputs int) {
	ev := f.log.Info().Str("file", filepath.Base(path)).Int("inputs", inputs)
	if info, err := os.Stat(path); err == nil {
		ev = ev.Str("size", humanize.Bytes(uint64(info.Size())))
	}
	ev.Msg(action)
}

// tail keeps the end of ffmpeg's stderr, where the actual error is printed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
