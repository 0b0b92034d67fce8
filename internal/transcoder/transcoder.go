// Package transcoder converts source media files to the output
// constraints a ticket requests, shelling out to ffmpeg the way the
// teacher's torrent pieces are handled as opaque external work (it has no
// direct analogue in the teacher, which never transcodes — this package
// is grounded on original_source's crates/core/src/transcoder module
// described in spec §4.4/§6, expressed with Go's os/exec the way the
// teacher shells out to external tools in internal/torrent/generator.go).
package transcoder

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/torrentino/torrentino/internal/ticket"
)

// Probe describes what ffprobe (or equivalent) found about a source file.
type Probe struct {
	Path       string
	Format     string
	DurationMS int64
	AudioCodec string
	VideoCodec string
	Supported  bool
}

// Job is one file to convert.
type Job struct {
	SourcePath      string
	DestPath        string // temp-dir output path; placer moves it from here
	Constraints     *ticket.OutputConstraints
	TimeoutSecs     int
	SourceDurationMS int64 // from a prior Probe call, used to turn out_time_ms into a percent
	FileIndex       int
	TotalFiles      int
}

// Progress reports conversion advancement for one file within a batch.
type Progress struct {
	CurrentFile string
	FileIndex   int
	TotalFiles  int
	Percent     float64
}

// UnsupportedFormatError marks a hard, non-retryable conversion failure
// (spec §4.4: "unsupported format" is a contract violation, not transient).
type UnsupportedFormatError struct {
	Path   string
	Format string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("transcoder: unsupported format %q for %s", e.Format, e.Path)
}

// Transcoder is the external collaborator the conversion pool drives.
type Transcoder interface {
	Probe(ctx context.Context, path string) (Probe, error)
	Convert(ctx context.Context, job Job) error
	ConvertWithProgress(ctx context.Context, job Job, onProgress func(Progress)) error
}

// FFmpeg shells out to ffprobe/ffmpeg binaries on PATH.
type FFmpeg struct {
	log            zerolog.Logger
	ffmpegBinary   string
	ffprobeBinary  string
}

// New returns an FFmpeg-backed Transcoder using the given binaries (empty
// strings default to "ffmpeg"/"ffprobe" on PATH).
func New(ffmpegBinary, ffprobeBinary string, log zerolog.Logger) *FFmpeg {
	if ffmpegBinary == "" {
		ffmpegBinary = "ffmpeg"
	}
	if ffprobeBinary == "" {
		ffprobeBinary = "ffprobe"
	}
	return &FFmpeg{
		log:           log.With().Str("component", "transcoder").Logger(),
		ffmpegBinary:  ffmpegBinary,
		ffprobeBinary: ffprobeBinary,
	}
}

func (f *FFmpeg) Probe(ctx context.Context, path string) (Probe, error) {
	cmd := exec.CommandContext(ctx, f.ffprobeBinary,
		"-v", "error",
		"-show_entries", "format=format_name,duration:stream=codec_name,codec_type",
		"-of", "default=noprint_wrappers=1",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return Probe{Path: path}, fmt.Errorf("transcoder: probe %s: %w", path, err)
	}

	p := Probe{Path: path, Supported: true}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case hasPrefix(line, "format_name="):
			p.Format = line[len("format_name="):]
		case hasPrefix(line, "duration="):
			if secs, err := strconv.ParseFloat(line[len("duration="):], 64); err == nil {
				p.DurationMS = int64(secs * 1000)
			}
		case hasPrefix(line, "codec_name="):
			// Paired with the preceding codec_type line in ffprobe's flat
			// output; good enough for our "was anything decodable found"
			// supported check without a full structured parse.
			codec := line[len("codec_name="):]
			if p.AudioCodec == "" {
				p.AudioCodec = codec
			} else if p.VideoCodec == "" {
				p.VideoCodec = codec
			}
		}
	}
	if p.Format == "" {
		p.Supported = false
	}
	return p, nil
}

func (f *FFmpeg) Convert(ctx context.Context, job Job) error {
	return f.ConvertWithProgress(ctx, job, nil)
}

func (f *FFmpeg) ConvertWithProgress(ctx context.Context, job Job, onProgress func(Progress)) error {
	timeout := time.Duration(job.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = time.Hour
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"-y", "-i", job.SourcePath}
	args = append(args, ffmpegArgsFor(job.Constraints)...)
	args = append(args, "-progress", "pipe:1", "-nostats", job.DestPath)

	cmd := exec.CommandContext(ctx, f.ffmpegBinary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("transcoder: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("transcoder: start ffmpeg: %w", err)
	}

	if onProgress != nil {
		go scanProgress(stdout, job, job.SourceDurationMS, job.FileIndex, job.TotalFiles, onProgress)
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("transcoder: ffmpeg failed for %s: %w", job.SourcePath, err)
	}
	return nil
}

var (
	outTimeRE  = regexp.MustCompile(`out_time_ms=(\d+)`)
	progressRE = regexp.MustCompile(`progress=(\w+)`)
)

// scanProgress reads ffmpeg's "-progress pipe:1" key=value stream and
// reports a coarse percent-complete based on elapsed out_time_ms versus
// the job's known total duration; it stops when the stream reports
// progress=end or closes.
func scanProgress(r io.Reader, job Job, totalDurationMS int64, fileIndex, totalFiles int, onProgress func(Progress)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if m := outTimeRE.FindStringSubmatch(line); m != nil && totalDurationMS > 0 {
			outMS, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil {
				continue
			}
			percent := float64(outMS/1000) / float64(totalDurationMS) * 100
			if percent > 100 {
				percent = 100
			}
			onProgress(Progress{
				CurrentFile: job.SourcePath,
				FileIndex:   fileIndex,
				TotalFiles:  totalFiles,
				Percent:     percent,
			})
		}
		if m := progressRE.FindStringSubmatch(line); m != nil && m[1] == "end" {
			onProgress(Progress{CurrentFile: job.SourcePath, FileIndex: fileIndex, TotalFiles: totalFiles, Percent: 100})
			return
		}
	}
}

func ffmpegArgsFor(c *ticket.OutputConstraints) []string {
	if c == nil {
		return nil
	}
	var args []string
	if c.Audio != nil {
		if c.Audio.Codec != "" {
			args = append(args, "-c:a", c.Audio.Codec)
		}
		if c.Audio.BitrateKbp > 0 {
			args = append(args, "-b:a", fmt.Sprintf("%dk", c.Audio.BitrateKbp))
		}
		if c.Audio.SampleRate > 0 {
			args = append(args, "-ar", strconv.Itoa(c.Audio.SampleRate))
		}
	}
	if c.Video != nil {
		if c.Video.Codec != "" {
			args = append(args, "-c:v", c.Video.Codec)
		}
		if c.Video.Resolution != "" {
			args = append(args, "-s", c.Video.Resolution)
		}
	}
	return args
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
