package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
)

// Device acquires the platform recording stream.
type Device interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream is a continuous recording. ReadSegment returns the bytes buffered
// since the previous call; an empty slice means nothing new yet.
type Stream interface {
	ReadSegment(ctx context.Context) ([]byte, error)
	Close() error
}

// FFmpegDevice records by shelling out to ffmpeg, remuxing the configured
// input into webm on stdout. Input can be any source ffmpeg accepts (an HLS
// playlist URL, a pulse/avfoundation device, a file for testing).
type FFmpegDevice struct {
	Input string
	// Binary overrides the ffmpeg executable name, for tests.
	Binary string
}

func (d *FFmpegDevice) Open(ctx context.Context) (Stream, error) {
	if d.Input == "" {
		return nil, fmt.Errorf("no capture input configured")
	}
	bin := d.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	//nolint:gosec // G204: input comes from operator configuration, not request data
	cmd := exec.CommandContext(ctx, bin,
		"-hide_banner", "-loglevel", "error",
		"-i", d.Input,
		"-c:a", "libopus", "-c:v", "copy",
		"-f", "webm", "-",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg start: %w", err)
	}
	st := &ffmpegStream{cmd: cmd}
	go st.drain(stdout)
	return st, nil
}

type ffmpegStream struct {
	cmd *exec.Cmd

	mu     sync.Mutex
	buf    []byte
	srcErr error
	closed bool
}

// drain keeps the pipe empty so ffmpeg never blocks on a full stdout buffer.
func (st *ffmpegStream) drain(r io.Reader) {
	chunk := make([]byte, 64*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			st.mu.Lock()
			st.buf = append(st.buf, chunk[:n]...)
			st.mu.Unlock()
		}
		if err != nil {
			st.mu.Lock()
			if err != io.EOF {
				st.srcErr = err
			}
			st.mu.Unlock()
			return
		}
	}
}

func (st *ffmpegStream) ReadSegment(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.srcErr != nil && len(st.buf) == 0 {
		return nil, fmt.Errorf("capture stream: %w", st.srcErr)
	}
	out := st.buf
	st.buf = nil
	return out, nil
}

func (st *ffmpegStream) Close() error {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil
	}
	st.closed = true
	st.mu.Unlock()
	if st.cmd.Process != nil {
		if err := st.cmd.Process.Kill(); err != nil {
			slog.Debug("ffmpeg kill", slog.Any("err", err))
		}
	}
	_ = st.cmd.Wait()
	return nil
}
