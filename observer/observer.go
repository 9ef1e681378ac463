// Package observer is the page-side context: it watches the broadcast page
// for live-Space markers, owns the capture session, and reports everything to
// the coordinator over a reconnect-managed channel.
package observer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loudwire/spacetap/capture"
	"github.com/loudwire/spacetap/detector"
	"github.com/loudwire/spacetap/link"
)

const channelName = "contentScript"

// Options configures an Observer.
type Options struct {
	PollInterval time.Duration         // page snapshot cadence
	Reconnect    link.ReconnectPolicy  // channel recovery policy
	Capture      capture.Options       // segmenting parameters
	Log          *slog.Logger
}

// Observer drives detection and capture against one watched page.
type Observer struct {
	hub  *link.Hub
	src  detector.Source
	dev  capture.Device
	det  *detector.Detector
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	port    *link.Port
	session *capture.Session
}

func New(hub *link.Hub, src detector.Source, dev capture.Device, opts Options) *Observer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Observer{
		hub:  hub,
		src:  src,
		dev:  dev,
		det:  detector.New(),
		opts: opts,
		log:  log.With(slog.String("component", "observer")),
	}
}

// Run connects to the hub and watches the page until ctx is cancelled. It
// blocks; run it in its own goroutine.
func (o *Observer) Run(ctx context.Context) {
	o.mu.Lock()
	o.ctx = ctx
	o.mu.Unlock()

	rec := link.NewReconnector(
		func() (*link.Port, error) { return o.hub.Open(channelName) },
		func() bool { return !o.hub.Closed() },
		o.opts.Reconnect,
		o.attach,
	)
	rec.Start(ctx)

	o.det.Watch(ctx, o.src, o.opts.PollInterval, o.handlePresence)

	// Page watch ended; stop any in-flight recording before leaving.
	o.mu.Lock()
	session := o.session
	o.session = nil
	o.mu.Unlock()
	if session != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := session.Stop(stopCtx); err != nil {
			o.log.Error("stop recording on shutdown", "error", err)
		}
	}
}

// attach adopts a freshly connected port. Any prior port is already dead.
func (o *Observer) attach(p *link.Port) {
	p.OnMessage(o.handleCommand)
	o.mu.Lock()
	o.port = p
	o.mu.Unlock()
	// Re-announce current presence so the coordinator is not stale after a
	// reconnect.
	if o.det.Active() {
		o.send(link.Message{Action: link.ActionSpaceDetected})
	}
}

// send delivers a message on the current port. Loss during a reconnect window
// is accepted; the reconnector re-establishes the channel and presence is
// re-announced on attach.
func (o *Observer) send(m link.Message) {
	o.mu.Lock()
	p := o.port
	o.mu.Unlock()
	if p == nil {
		o.log.Debug("channel down, dropping message", "action", m.Action)
		return
	}
	if err := p.Send(m); err != nil {
		if !errors.Is(err, link.ErrChannelClosed) {
			o.log.Warn("send failed", "action", m.Action, "error", err)
		}
	}
}

// handlePresence reacts to a presence transition from the detector.
func (o *Observer) handlePresence(ev detector.Event) {
	switch ev.Kind {
	case detector.Appeared:
		o.send(link.Message{Action: link.ActionSpaceDetected, Selector: ev.Marker})
	case detector.Disappeared:
		o.send(link.Message{Action: link.ActionSpaceEnded})
		// The broadcast is over; a running recording ends with it.
		o.stopRecording()
	}
}

// handleCommand reacts to a coordinator command on the channel.
func (o *Observer) handleCommand(m link.Message) {
	switch m.Action {
	case link.ActionStartRecording:
		if !o.det.Active() {
			o.log.Info("start ignored, no live broadcast on page")
			return
		}
		o.startRecording()
	case link.ActionStopRecording:
		o.stopRecording()
	default:
		o.log.Warn("unhandled command", "action", m.Action)
	}
}

func (o *Observer) startRecording() {
	o.mu.Lock()
	if o.session != nil {
		o.mu.Unlock()
		o.log.Info("start ignored, recording already active")
		return
	}
	ctx := o.ctx
	session := capture.NewSession(o.dev, transport{o}, o.opts.Capture)
	o.session = session
	o.mu.Unlock()

	if err := session.Start(ctx); err != nil {
		o.mu.Lock()
		o.session = nil
		o.mu.Unlock()
		o.log.Error("start recording", "error", err)
		o.send(link.Message{Action: link.ActionRecordingError, Error: err.Error()})
		return
	}
	o.send(link.Message{Action: link.ActionRecordingStarted})
}

func (o *Observer) stopRecording() {
	o.mu.Lock()
	session := o.session
	o.session = nil
	ctx := o.ctx
	o.mu.Unlock()
	if session == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := session.Stop(ctx); err != nil {
		o.log.Error("stop recording", "error", err)
		o.send(link.Message{Action: link.ActionRecordingError, Error: err.Error()})
		return
	}
	o.send(link.Message{Action: link.ActionRecordingStopped})
}

// Recording reports whether a capture session is active.
func (o *Observer) Recording() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session != nil
}

// transport adapts the channel into the capture session's segment sink.
type transport struct{ o *Observer }

func (t transport) Transmit(ctx context.Context, audioData, mimeType string, size int, final bool) error {
	action := link.ActionSaveChunk
	if final {
		action = link.ActionSaveRecording
	}
	t.o.mu.Lock()
	p := t.o.port
	t.o.mu.Unlock()
	if p == nil {
		return link.ErrChannelClosed
	}
	return p.Send(link.Message{
		Action:    action,
		AudioData: audioData,
		MimeType:  mimeType,
		Size:      size,
	})
}
