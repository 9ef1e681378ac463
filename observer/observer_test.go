package observer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/loudwire/spacetap/capture"
	"github.com/loudwire/spacetap/link"
)

// pageSource serves a mutable content snapshot.
type pageSource struct {
	mu      sync.Mutex
	content string
}

func (p *pageSource) set(content string) {
	p.mu.Lock()
	p.content = content
	p.mu.Unlock()
}

func (p *pageSource) Snapshot(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.content, nil
}

// loopStream produces one fixed segment per read.
type loopStream struct{}

func (loopStream) ReadSegment(ctx context.Context) ([]byte, error) { return []byte("segmentdata"), nil }
func (loopStream) Close() error                                    { return nil }

type loopDevice struct{}

func (loopDevice) Open(ctx context.Context) (capture.Stream, error) { return loopStream{}, nil }

func testOptions() Options {
	return Options{
		PollInterval: 5 * time.Millisecond,
		Reconnect: link.ReconnectPolicy{
			MaxAttempts:   5,
			InitialDelay:  time.Millisecond,
			HostRecheck:   10 * time.Millisecond,
			HostFailLimit: 3,
		},
		Capture: capture.Options{Interval: 10 * time.Millisecond, HeaderSize: 4},
	}
}

// collect wires the hub side of the observer channel and returns the message
// feed plus the port for issuing commands.
func collect(t *testing.T, hub *link.Hub) (<-chan link.Message, func() *link.Port) {
	t.Helper()
	var mu sync.Mutex
	var current *link.Port
	msgs := make(chan link.Message, 64)
	hub.OnConnect(func(p *link.Port) {
		p.OnMessage(func(m link.Message) { msgs <- m })
		mu.Lock()
		current = p
		mu.Unlock()
	})
	return msgs, func() *link.Port {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
}

func nextAction(t *testing.T, msgs <-chan link.Message, want link.Action) link.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-msgs:
			if m.Action == want {
				return m
			}
			// Interleaved saveChunk traffic is expected while recording.
			if m.Action == link.ActionSaveChunk || m.Action == link.ActionSaveRecording {
				continue
			}
			t.Fatalf("got action %s while waiting for %s", m.Action, want)
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestObserverLifecycle(t *testing.T) {
	hub := link.NewHub()
	defer hub.Close()
	msgs, port := collect(t, hub)

	src := &pageSource{content: "<html></html>"}
	o := New(hub, src, loopDevice{}, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { o.Run(ctx); close(done) }()

	// Wait for the channel, then light up the page.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && port() == nil {
		time.Sleep(5 * time.Millisecond)
	}
	if port() == nil {
		t.Fatal("observer never connected")
	}

	src.set(`<div id="SpaceDockExpanded"></div>`)
	m := nextAction(t, msgs, link.ActionSpaceDetected)
	if m.Selector != "#SpaceDockExpanded" {
		t.Fatalf("selector = %q", m.Selector)
	}

	// Start recording and watch segments flow.
	if err := port().Send(link.Message{Action: link.ActionStartRecording}); err != nil {
		t.Fatalf("send startRecording: %v", err)
	}
	nextAction(t, msgs, link.ActionRecordingStarted)
	if !o.Recording() {
		t.Fatal("observer should report an active recording")
	}

	var chunk link.Message
	deadline2 := time.After(2 * time.Second)
waitChunk:
	for {
		select {
		case m := <-msgs:
			if m.Action == link.ActionSaveChunk {
				chunk = m
				break waitChunk
			}
		case <-deadline2:
			t.Fatal("no saveChunk while recording")
		}
	}
	if chunk.AudioData == "" || chunk.Size != len("segmentdata") {
		t.Fatalf("chunk = %+v", chunk)
	}

	// Broadcast ends: the observer reports it and stops the recording.
	src.set("<html></html>")
	nextAction(t, msgs, link.ActionSpaceEnded)
	nextAction(t, msgs, link.ActionRecordingStopped)
	if o.Recording() {
		t.Fatal("recording should have stopped with the broadcast")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("observer did not shut down")
	}
}

func TestStartIgnoredWithoutLiveBroadcast(t *testing.T) {
	hub := link.NewHub()
	defer hub.Close()
	msgs, port := collect(t, hub)

	src := &pageSource{content: "<html></html>"}
	o := New(hub, src, loopDevice{}, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && port() == nil {
		time.Sleep(5 * time.Millisecond)
	}
	if port() == nil {
		t.Fatal("observer never connected")
	}

	if err := port().Send(link.Message{Action: link.ActionStartRecording}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case m := <-msgs:
		t.Fatalf("unexpected message %s", m.Action)
	case <-time.After(50 * time.Millisecond):
	}
	if o.Recording() {
		t.Fatal("recording must not start without a live broadcast")
	}
}

func TestObserverReconnectsAndReannouncesPresence(t *testing.T) {
	hub := link.NewHub()
	defer hub.Close()
	msgs, port := collect(t, hub)

	src := &pageSource{content: `<div class="live"></div>`}
	o := New(hub, src, loopDevice{}, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	nextAction(t, msgs, link.ActionSpaceDetected)

	// Tear the channel down from the hub side. The reconnector must dial a
	// fresh channel and re-announce the live broadcast.
	old := port()
	old.Close()

	nextAction(t, msgs, link.ActionSpaceDetected)
	if port() == old {
		t.Fatal("expected a fresh channel after teardown")
	}
}
