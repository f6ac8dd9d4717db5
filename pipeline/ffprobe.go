package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/deepnoodle-ai/stateflow"
)

// MediaInfo is the subset of probe output the pipeline routes on.
type MediaInfo struct {
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	DurationSeconds float64 `json:"duration_seconds"`
	VideoCodec      string  `json:"video_codec"`
	AudioCodec      string  `json:"audio_codec,omitempty"`
	FormatName      string  `json:"format_name"`
	SizeBytes       int64   `json:"size_bytes"`
	BitRate         int64   `json:"bit_rate"`
}

// Map returns the info as a context document.
func (m *MediaInfo) Map() map[string]any {
	return map[string]any{
		"width":           m.Width,
		"height":          m.Height,
		"durationSeconds": m.DurationSeconds,
		"videoCodec":      m.VideoCodec,
		"audioCodec":      m.AudioCodec,
		"formatName":      m.FormatName,
		"sizeBytes":       m.SizeBytes,
		"bitRate":         m.BitRate,
	}
}

// PathResolver maps an object to a local file the media tools can open.
type PathResolver interface {
	Path(bucket, key string) (string, error)
}

var _ Prober = (*FFProbe)(nil)

// FFProbe probes objects by running ffprobe on their local path.
type FFProbe struct {
	binary string
	paths  PathResolver
}

// NewFFProbe returns a prober running binary, "ffprobe" when empty.
func NewFFProbe(binary string, paths PathResolver) *FFProbe {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffprobe"
	}
	return &FFProbe{binary: binary, paths: paths}
}

func (p *FFProbe) Probe(ctx context.Context, bucket, key string) (*MediaInfo, error) {
	path, err := p.paths.Path(bucket, key)
	if err != nil {
		return nil, stateflow.Fatal(err)
	}
	cmd := exec.CommandContext(ctx, p.binary, "-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", path)
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// ffprobe exits non-zero for unreadable media; retrying will not help.
			return nil, stateflow.Fatal(fmt.Errorf("ffprobe %s/%s: invalid media: %s", bucket, key, strings.TrimSpace(string(exitErr.Stderr))))
		}
		return nil, fmt.Errorf("ffprobe %s/%s: %w", bucket, key, err)
	}
	return ParseProbeOutput(output)
}

type probeOutput struct {
	Streams []struct {
		CodecName string `json:"codec_name"`
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration   string `json:"duration"`
		Size       string `json:"size"`
		BitRate    string `json:"bit_rate"`
		FormatName string `json:"format_name"`
	} `json:"format"`
}

// ParseProbeOutput decodes ffprobe JSON output. Sources without a video
// stream are rejected as fatal.
func ParseProbeOutput(data []byte) (*MediaInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, stateflow.Fatal(fmt.Errorf("ffprobe parse: %w", err))
	}
	info := &MediaInfo{
		DurationSeconds: parseNumber(out.Format.Duration),
		SizeBytes:       int64(parseNumber(out.Format.Size)),
		BitRate:         int64(parseNumber(out.Format.BitRate)),
		FormatName:      out.Format.FormatName,
	}
	for _, stream := range out.Streams {
		switch strings.ToLower(stream.CodecType) {
		case "video":
			if info.VideoCodec == "" {
				info.VideoCodec = stream.CodecName
				info.Width = stream.Width
				info.Height = stream.Height
			}
		case "audio":
			if info.AudioCodec == "" {
				info.AudioCodec = stream.CodecName
			}
		}
	}
	if info.VideoCodec == "" {
		return nil, stateflow.Fatal(errors.New("invalid media: no video stream"))
	}
	return info, nil
}

func parseNumber(value string) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || math.IsNaN(parsed) || parsed < 0 {
		return 0
	}
	return parsed
}
