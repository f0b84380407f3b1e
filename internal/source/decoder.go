package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/skypro1111/stt-pipeline/internal/audio"
)

func init() {
	// compiled commands are logged through slog at debug level instead
	ffmpeg.LogCompiledCommand = false
}

// DecodeInput names what to decode: a local file path or an already
// retrieved byte stream. Exactly one of the two is set.
type DecodeInput struct {
	Path   string
	Reader io.Reader
}

// Stream is a running decode pipeline producing raw PCM-16. Close
// terminates the pipeline and is idempotent.
type Stream interface {
	io.Reader
	Close() error
}

// Decoder turns media into PCM-16 mono at the configured sample rate
type Decoder interface {
	Decode(ctx context.Context, in DecodeInput) (Stream, error)
}

// FFmpeg decodes media through an ffmpeg subprocess writing s16le to stdout
type FFmpeg struct {
	path   string
	format audio.Format
	logger *slog.Logger
}

// NewFFmpeg creates a decoder; an empty binary path resolves "ffmpeg" on PATH
func NewFFmpeg(binary string, format audio.Format, logger *slog.Logger) *FFmpeg {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpeg{path: binary, format: format, logger: logger}
}

// Command builds the ffmpeg invocation for in without starting it
func (f *FFmpeg) Command(in DecodeInput) (*exec.Cmd, error) {
	var stream *ffmpeg.Stream
	globals := []string{"-hide_banner", "-loglevel", "error"}
	switch {
	case in.Path != "" && in.Reader != nil:
		return nil, fmt.Errorf("decode input must be a path or a reader, not both")
	case in.Path != "":
		stream = ffmpeg.Input(in.Path)
		globals = append(globals, "-nostdin")
	case in.Reader != nil:
		stream = ffmpeg.Input("pipe:0")
	default:
		return nil, fmt.Errorf("decode input is empty")
	}

	cmd := stream.
		Output("pipe:1", ffmpeg.KwArgs{
			"format": "s16le",
			"acodec": "pcm_s16le",
			"ac":     f.format.Channels,
			"ar":     f.format.SampleRate,
		}).
		GlobalArgs(globals...).
		SetFfmpegPath(f.path).
		Compile()

	// GlobalArgs starts a new node, so stdin is attached to the compiled
	// command rather than through WithInput
	if in.Reader != nil {
		cmd.Stdin = in.Reader
	}
	// bounds Wait when the stdin copy is stuck on a stalled reader
	cmd.WaitDelay = 2 * time.Second

	return cmd, nil
}

// Decode starts ffmpeg and returns its stdout as a Stream
func (f *FFmpeg) Decode(ctx context.Context, in DecodeInput) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd, err := f.Command(in)
	if err != nil {
		return nil, err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}

	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	f.logger.Debug("Decoder started",
		slog.Int("pid", cmd.Process.Pid),
		slog.String("args", strings.Join(cmd.Args, " ")),
	)

	return &ffmpegProcess{cmd: cmd, stdout: stdout, stderr: stderr, logger: f.logger}, nil
}

type ffmpegProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *tailBuffer
	logger *slog.Logger

	closeOnce sync.Once
	waitErr   error
	exited    bool
	mu        sync.Mutex
}

func (p *ffmpegProcess) Read(b []byte) (int, error) {
	n, err := p.stdout.Read(b)
	if errors.Is(err, io.EOF) {
		if werr := p.wait(); werr != nil {
			return n, fmt.Errorf("ffmpeg exited: %w: %s", werr, p.stderr.String())
		}
	}
	return n, err
}

// SetReadDeadline forwards to the pipe so reads honour the source timeout
func (p *ffmpegProcess) SetReadDeadline(t time.Time) error {
	if d, ok := p.stdout.(readDeadliner); ok {
		return d.SetReadDeadline(t)
	}
	return nil
}

func (p *ffmpegProcess) wait() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.exited {
		p.waitErr = p.cmd.Wait()
		p.exited = true
	}
	return p.waitErr
}

func (p *ffmpegProcess) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		exited := p.exited
		p.mu.Unlock()

		if !exited {
			if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				p.logger.Warn("Failed to kill decoder", slog.String("error", err.Error()))
			}
		}
		// exit status after Kill is expected
		_ = p.wait()

		p.logger.Debug("Decoder stopped", slog.Int("pid", p.cmd.Process.Pid))
	})
	return nil
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(t.buf.String())
}
