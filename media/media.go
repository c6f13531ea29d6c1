// Package media extracts metadata and poster frames from local video files
// by shelling out to ffprobe and ffmpeg.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Info describes a video asset well enough to register an upload for it.
type Info struct {
	DurationMs int64
	Width      int
	Height     int
}

// AspectRatio returns width over height, the shape the canvas metadata
// expects. Zero height yields 0 rather than a division panic.
func (i Info) AspectRatio() float64 {
	if i.Height == 0 {
		return 0
	}
	return float64(i.Width) / float64(i.Height)
}

// Prober reports video metadata for a local file.
type Prober interface {
	Probe(ctx context.Context, path string) (Info, error)
}

// FrameExtractor renders a poster image from a video's first frame and
// returns the path of the written file. The caller owns cleanup.
type FrameExtractor interface {
	ExtractFrame(ctx context.Context, videoPath string) (string, error)
}

// FFProbe probes files with the ffprobe binary.
type FFProbe struct {
	// Bin overrides the binary name, mainly for tests.
	Bin string
}

func (p FFProbe) bin() string {
	if p.Bin != "" {
		return p.Bin
	}
	return "ffprobe"
}

// ffprobeOutput mirrors the subset of `ffprobe -print_format json` we read.
type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

// Probe runs ffprobe and extracts the duration plus the first video
// stream's dimensions.
func (p FFProbe) Probe(ctx context.Context, path string) (Info, error) {
	cmd := exec.CommandContext(ctx, p.bin(),
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return Info{}, fmt.Errorf("ffprobe %s: %w", filepath.Base(path), err)
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return Info{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(parsed.Format.Duration), 64)
	if err != nil {
		return Info{}, fmt.Errorf("parse duration %q: %w", parsed.Format.Duration, err)
	}

	info := Info{DurationMs: int64(seconds * 1000)}
	for _, s := range parsed.Streams {
		if s.CodecType == "video" {
			info.Width = s.Width
			info.Height = s.Height
			break
		}
	}
	if info.Width == 0 || info.Height == 0 {
		return Info{}, fmt.Errorf("no video stream in %s", filepath.Base(path))
	}
	return info, nil
}

// FFMpeg extracts frames with the ffmpeg binary.
type FFMpeg struct {
	// Bin overrides the binary name, mainly for tests.
	Bin string
}

func (f FFMpeg) bin() string {
	if f.Bin != "" {
		return f.Bin
	}
	return "ffmpeg"
}

// ExtractFrame writes the first frame of the video to a temp PNG and
// returns its path.
func (f FFMpeg) ExtractFrame(ctx context.Context, videoPath string) (string, error) {
	tmp, err := os.CreateTemp("", "poster-*.png")
	if err != nil {
		return "", fmt.Errorf("create poster file: %w", err)
	}
	dest := tmp.Name()
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close poster file: %w", err)
	}

	cmd := exec.CommandContext(ctx, f.bin(),
		"-y",
		"-i", videoPath,
		"-frames:v", "1",
		dest,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("ffmpeg frame extraction: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return dest, nil
}
