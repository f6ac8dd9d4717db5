package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

const (
	FormatMP4 = "mp4"
	FormatHLS = "hls"

	ProfileHD = "hd"
	ProfileSD = "sd"
)

// profileHeights maps an encoding profile to its output height.
var profileHeights = map[string]int{
	ProfileHD: 720,
	ProfileSD: 480,
}

// RenditionKey returns the object key a job writes.
func RenditionKey(job EncodeJob) string {
	base := strings.TrimSuffix(path.Base(job.SrcKey), path.Ext(job.SrcKey))
	switch job.Format {
	case FormatHLS:
		return path.Join(job.DestPrefix, FormatHLS, base+".m3u8")
	default:
		return path.Join(job.DestPrefix, FormatMP4, base+".mp4")
	}
}

var _ Transcoder = (*FFmpeg)(nil)

// FFmpeg encodes renditions with a local ffmpeg binary. Submitted jobs run
// on background goroutines bounded by the concurrency limit.
type FFmpeg struct {
	binary string
	paths  PathResolver
	logger *slog.Logger
	slots  chan struct{}
	wg     sync.WaitGroup
}

// NewFFmpeg returns a transcoder running binary, "ffmpeg" when empty.
func NewFFmpeg(binary string, paths PathResolver, concurrency int, logger *slog.Logger) *FFmpeg {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	if concurrency <= 0 {
		concurrency = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpeg{
		binary: binary,
		paths:  paths,
		logger: logger,
		slots:  make(chan struct{}, concurrency),
	}
}

// Args returns the ffmpeg arguments for a job.
func Args(job EncodeJob, in, out string) ([]string, error) {
	height, ok := profileHeights[job.Profile]
	if !ok {
		return nil, fmt.Errorf("invalid profile %q", job.Profile)
	}
	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", in,
		"-vf", "scale=-2:" + strconv.Itoa(height),
		"-c:v", "libx264", "-preset", "veryfast",
		"-c:a", "aac",
	}
	switch job.Format {
	case FormatMP4:
		args = append(args, "-movflags", "+faststart", out)
	case FormatHLS:
		args = append(args,
			"-f", "hls",
			"-hls_time", "6",
			"-hls_playlist_type", "vod",
			"-hls_segment_filename", strings.TrimSuffix(out, ".m3u8")+"_%04d.ts",
			out)
	default:
		return nil, fmt.Errorf("invalid format %q", job.Format)
	}
	return args, nil
}

func (f *FFmpeg) Transcode(ctx context.Context, job EncodeJob) (*EncodeResult, error) {
	in, err := f.paths.Path(job.SrcBucket, job.SrcKey)
	if err != nil {
		return nil, err
	}
	key := RenditionKey(job)
	out, err := f.paths.Path(job.DestBucket, key)
	if err != nil {
		return nil, err
	}
	args, err := Args(job, in, out)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return nil, err
	}

	select {
	case f.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-f.slots }()

	f.logger.Debug("encoding rendition", "job_id", job.ID, "format", job.Format, "profile", job.Profile)
	cmd := exec.CommandContext(ctx, f.binary, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("ffmpeg %s: exit %d: %s", job.ID, exitErr.ExitCode(), strings.TrimSpace(string(output)))
		}
		return nil, fmt.Errorf("ffmpeg %s: %w", job.ID, err)
	}
	return &EncodeResult{JobID: job.ID, Format: job.Format, Bucket: job.DestBucket, Key: key}, nil
}

// Submit runs the job in the background and reports through done. The job
// outlives ctx cancellation; only its values are kept.
func (f *FFmpeg) Submit(ctx context.Context, job EncodeJob, done CompletionFunc) error {
	if _, ok := profileHeights[job.Profile]; !ok {
		return fmt.Errorf("invalid profile %q", job.Profile)
	}
	jobCtx := context.WithoutCancel(ctx)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		result, err := f.Transcode(jobCtx, job)
		done(jobCtx, result, err)
	}()
	return nil
}

// Wait blocks until every submitted job has reported.
func (f *FFmpeg) Wait() {
	f.wg.Wait()
}
