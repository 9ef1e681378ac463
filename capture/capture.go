// Package capture owns the recording device and the chunked relay pipeline.
// A Session segments the live stream at a fixed interval, caches a container
// header from the first segment, and transmits every segment header-prefixed
// and base64-encoded. Transmissions are strictly serialized: one in flight at
// a time, later segments wait. A failed transmission is logged and dropped;
// the recording itself keeps going.
package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loudwire/spacetap/telemetry"
)

// State is the capture session lifecycle.
type State int

const (
	Idle State = iota
	Recording
	Stopping
)

func (s State) String() string {
	switch s {
	case Recording:
		return "recording"
	case Stopping:
		return "stopping"
	default:
		return "idle"
	}
}

// DeviceError reports that the capture device could not be acquired. The
// session never starts when this is returned.
type DeviceError struct {
	Reason error
}

func (e *DeviceError) Error() string { return fmt.Sprintf("capture device: %v", e.Reason) }
func (e *DeviceError) Unwrap() error { return e.Reason }

// Transport carries one encoded segment toward the coordinator. final marks
// the combined flush emitted on stop. Implementations may block for the whole
// upload round trip; the session serializes calls.
type Transport interface {
	Transmit(ctx context.Context, audioData, mimeType string, size int, final bool) error
}

// Options tune a session. Zero values fall back to production defaults.
type Options struct {
	Interval   time.Duration // forced segmentation cadence
	HeaderSize int           // container header byte count taken from the first segment
	MimeType   string
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 60 * time.Second
	}
	if o.HeaderSize <= 0 {
		o.HeaderSize = 1000
	}
	if o.MimeType == "" {
		o.MimeType = "audio/webm"
	}
	return o
}

type job struct {
	data  string // base64 payload
	size  int    // original segment byte size
	final bool
}

// Session drives one recording from start to final flush.
type Session struct {
	ID   string
	dev  Device
	tr   Transport
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	state   State
	header  []byte   // immutable once captured
	chunks  [][]byte // every segment of the session, for the final blob
	queue   []job
	busy    bool // a transmission is in flight
	done    bool // no further jobs will be enqueued
	ctx     context.Context
	stream  Stream
	stopSeg chan struct{}
	segDone chan struct{} // closed when segmentLoop returns
}

// NewSession builds an idle session around a device and a transport.
func NewSession(dev Device, tr Transport, opts Options) *Session {
	s := &Session{
		ID:   uuid.New().String(),
		dev:  dev,
		tr:   tr,
		opts: opts.withDefaults(),
	}
	s.cond = sync.NewCond(&s.mu)
	s.log = slog.Default().With(slog.String("component", "capture"), slog.String("session_id", s.ID))
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start acquires the device and begins periodic segmentation. It fails with
// DeviceError when the device cannot be opened; in that case no session state
// changes. ctx bounds the whole session: cancelling it abandons in-flight
// transmissions too.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return fmt.Errorf("capture session already active (state %s)", s.state)
	}
	s.mu.Unlock()

	stream, err := s.dev.Open(ctx)
	if err != nil {
		return &DeviceError{Reason: err}
	}

	s.mu.Lock()
	s.state = Recording
	s.ctx = ctx
	s.stream = stream
	s.header = nil
	s.chunks = nil
	s.queue = nil
	s.done = false
	s.stopSeg = make(chan struct{})
	s.segDone = make(chan struct{})
	segDone := s.segDone
	s.mu.Unlock()

	telemetry.SetRecording(true)
	s.log.Info("recording started", slog.Duration("interval", s.opts.Interval))
	go func() {
		defer close(segDone)
		s.segmentLoop(ctx, stream)
	}()
	go s.sendLoop()
	return nil
}

// segmentLoop forces a segment out of the stream at every interval tick.
func (s *Session) segmentLoop(ctx context.Context, stream Stream) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopSeg:
			return
		case <-ticker.C:
			data, err := stream.ReadSegment(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Warn("segment read failed", slog.Any("err", err))
				continue
			}
			if len(data) == 0 {
				continue
			}
			s.addSegment(data, true)
		}
	}
}

// addSegment records a segment and, when transmit is set, queues its
// header-prefixed payload. The header is cut from the first segment and never
// changes afterwards.
func (s *Session) addSegment(data []byte, transmit bool) {
	s.mu.Lock()
	if s.header == nil {
		n := s.opts.HeaderSize
		if n > len(data) {
			n = len(data)
		}
		s.header = bytes.Clone(data[:n])
		s.log.Debug("container header cached", slog.Int("bytes", len(s.header)))
	}
	s.chunks = append(s.chunks, data)
	if !transmit {
		s.mu.Unlock()
		return
	}
	payload := make([]byte, 0, len(s.header)+len(data))
	payload = append(payload, s.header...)
	payload = append(payload, data...)
	s.queue = append(s.queue, job{
		data: base64.StdEncoding.EncodeToString(payload),
		size: len(data),
	})
	s.cond.Broadcast()
	s.mu.Unlock()
}

// sendLoop is the single-flight sender: it pops one job at a time and blocks
// on the transport until that transmission finishes. A transport error drops
// only that segment.
func (s *Session) sendLoop() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.done {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.done {
			s.mu.Unlock()
			return
		}
		j := s.queue[0]
		s.queue = s.queue[1:]
		s.busy = true
		ctx := s.ctx
		s.mu.Unlock()

		start := time.Now()
		err := s.tr.Transmit(ctx, j.data, s.opts.MimeType, j.size, j.final)
		if err != nil {
			s.log.Warn("segment transmission failed", slog.Any("err", err), slog.Int("size", j.size), slog.Bool("final", j.final))
		} else {
			s.log.Debug("segment transmitted", slog.Int("size", j.size), slog.Bool("final", j.final), slog.Duration("took", time.Since(start)))
		}

		s.mu.Lock()
		s.busy = false
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

// Stop cancels the segmentation timer, drains the stream tail, transmits the
// combined recording as one final blob, and waits for the sender to finish
// before returning to Idle. In-flight transmissions are allowed to complete.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Recording {
		s.mu.Unlock()
		return fmt.Errorf("capture session not recording (state %s)", s.state)
	}
	s.state = Stopping
	stream := s.stream
	segDone := s.segDone
	close(s.stopSeg)
	s.mu.Unlock()

	// Join the segmentation loop first: an iteration already past its read
	// must land its segment in chunks before the final blob is assembled.
	<-segDone

	// The tail segment joins the final blob but is not relayed on its own.
	if tail, err := stream.ReadSegment(ctx); err == nil && len(tail) > 0 {
		s.addSegment(tail, false)
	}
	if err := stream.Close(); err != nil {
		s.log.Warn("stream close failed", slog.Any("err", err))
	}

	s.mu.Lock()
	var combined []byte
	for _, c := range s.chunks {
		combined = append(combined, c...)
	}
	if len(combined) > 0 {
		s.queue = append(s.queue, job{
			data:  base64.StdEncoding.EncodeToString(combined),
			size:  len(combined),
			final: true,
		})
	}
	s.done = true
	s.cond.Broadcast()
	// Wait for the sender to drain; the single-flight slot must be empty
	// before the session is considered idle.
	for len(s.queue) > 0 || s.busy {
		if s.ctx.Err() != nil {
			break
		}
		s.cond.Wait()
	}
	s.state = Idle
	s.chunks = nil
	s.mu.Unlock()

	telemetry.SetRecording(false)
	s.log.Info("recording stopped", slog.Int("final_bytes", len(combined)))
	return nil
}
