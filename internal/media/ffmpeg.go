package media

import (
	"bufio"
	"context"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// FFmpeg shells out to ffprobe and ffmpeg. It implements both VideoProber
// and VideoCompressor.
type FFmpeg struct {
	FFmpegPath  string
	FFprobePath string
	TempDir     string
}

func NewFFmpeg(ffmpegPath, ffprobePath string) *FFmpeg {
	return &FFmpeg{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath}
}

func (x *FFmpeg) GetVideoMetadata(ctx context.Context, f File) (VideoMetadata, error) {
	input, cleanup, err := x.spill(f)
	if err != nil {
		return VideoMetadata{}, err
	}
	defer cleanup()

	out, err := exec.CommandContext(ctx, x.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		input,
	).Output()
	if err != nil {
		return VideoMetadata{}, errors.Wrap(err, "ffprobe")
	}

	duration, err := parseSeconds(strings.TrimSpace(string(out)))
	if err != nil {
		return VideoMetadata{}, err
	}
	return VideoMetadata{Duration: duration}, nil
}

// CompressVideo transcodes to H.264/AAC MP4 and reports progress from
// ffmpeg's -progress stream.
func (x *FFmpeg) CompressVideo(ctx context.Context, f File, opts VideoOptions) (File, error) {
	input, cleanup, err := x.spill(f)
	if err != nil {
		return File{}, err
	}
	defer cleanup()

	output := input + ".out.mp4"
	defer os.Remove(output)

	args := []string{
		"-y", "-i", input,
		"-c:v", "libx264", "-preset", "veryfast",
		"-crf", strconv.Itoa(opts.Quality),
		"-vf", "scale='min(1280,iw)':-2",
		"-c:a", "aac", "-b:a", "128k",
		"-movflags", "+faststart",
		"-progress", "pipe:1", "-nostats",
	}
	if opts.MaxDuration > 0 {
		args = append(args, "-t", strconv.FormatFloat(opts.MaxDuration.Seconds(), 'f', 3, 64))
	}
	if opts.MaxSizeMB > 0 {
		args = append(args, "-fs", strconv.FormatInt(int64(opts.MaxSizeMB*(1<<20)), 10))
	}
	args = append(args, output)

	cmd := exec.CommandContext(ctx, x.FFmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return File{}, err
	}
	if err := cmd.Start(); err != nil {
		return File{}, errors.Wrap(err, "start ffmpeg")
	}

	total := opts.MaxDuration
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok || key != "out_time_us" || total <= 0 {
			continue
		}
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		percent := int(time.Duration(us) * time.Microsecond * 100 / total)
		if percent > 99 {
			percent = 99
		}
		opts.OnProgress.report(percent)
	}

	if err := cmd.Wait(); err != nil {
		return File{}, errors.Wrap(err, "ffmpeg")
	}

	data, err := os.ReadFile(output)
	if err != nil {
		return File{}, err
	}
	opts.OnProgress.report(100)

	name := strings.TrimSuffix(f.Name, filepath.Ext(f.Name)) + ".mp4"
	return File{Name: name, ContentType: "video/mp4", Size: int64(len(data)), Data: data}, nil
}

// spill writes the in-memory file to disk for the external tools.
func (x *FFmpeg) spill(f File) (string, func(), error) {
	tmp, err := os.CreateTemp(x.TempDir, "upload-*"+filepath.Ext(f.Name))
	if err != nil {
		return "", nil, err
	}
	name := tmp.Name()
	cleanup := func() { os.Remove(name) }

	if _, err := tmp.Write(f.Data); err != nil {
		tmp.Close()
		cleanup()
		return "", nil, err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return name, cleanup, nil
}

// parseSeconds reads ffprobe's duration. Containers without a duration in
// the header report "N/A", which is an error: the clip cannot be checked
// against the duration limit.
func parseSeconds(s string) (time.Duration, error) {
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Errorf("unknown video duration %q", s)
	}
	if secs <= 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return 0, errors.Errorf("invalid video duration %q", s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
