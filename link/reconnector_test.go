package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func fastPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts:   5,
		InitialDelay:  time.Millisecond,
		HostRecheck:   10 * time.Millisecond,
		HostFailLimit: 3,
	}
}

func TestDelayLadder(t *testing.T) {
	p := DefaultReconnectPolicy()
	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
	}
	for i, w := range want {
		if got := p.Delay(i); got != w {
			t.Fatalf("Delay(%d) = %v, want %v", i, got, w)
		}
	}
}

func TestReconnectorConnectsImmediately(t *testing.T) {
	h := NewHub()
	defer h.Close()
	h.OnConnect(func(p *Port) {})

	connected := make(chan *Port, 1)
	r := NewReconnector(
		func() (*Port, error) { return h.Open("contentScript") },
		func() bool { return !h.Closed() },
		fastPolicy(),
		func(p *Port) { connected <- p },
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("never connected")
	}
	if got := r.State(); got != StateConnected {
		t.Fatalf("state = %v, want %v", got, StateConnected)
	}
	if got := r.Attempts(); got != 0 {
		t.Fatalf("attempts = %d, want 0 after success", got)
	}
}

func TestReconnectorRetriesAfterChannelLoss(t *testing.T) {
	h := NewHub()
	defer h.Close()

	var mu sync.Mutex
	var hubSide []*Port
	h.OnConnect(func(p *Port) {
		mu.Lock()
		hubSide = append(hubSide, p)
		mu.Unlock()
	})

	connected := make(chan *Port, 4)
	r := NewReconnector(
		func() (*Port, error) { return h.Open("contentScript") },
		func() bool { return !h.Closed() },
		fastPolicy(),
		func(p *Port) { connected <- p },
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("initial connect never happened")
	}

	// Kill the channel from the hub side; the reconnector must dial again.
	mu.Lock()
	hubSide[0].Close()
	mu.Unlock()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect after channel loss")
	}
	if got := r.State(); got != StateConnected {
		t.Fatalf("state = %v, want %v", got, StateConnected)
	}
}

func TestReconnectorRetriesAfterLossDuringDial(t *testing.T) {
	h := NewHub()
	defer h.Close()

	var mu sync.Mutex
	var hubSide *Port
	h.OnConnect(func(p *Port) {
		mu.Lock()
		hubSide = p
		mu.Unlock()
	})

	// The first dial's channel dies before the reconnector can hook it up.
	var dials int
	dial := func() (*Port, error) {
		p, err := h.Open("contentScript")
		if err != nil {
			return nil, err
		}
		mu.Lock()
		dials++
		first := dials == 1
		dead := hubSide
		mu.Unlock()
		if first {
			dead.Close()
		}
		return p, err
	}

	connected := make(chan *Port, 4)
	r := NewReconnector(dial, func() bool { return !h.Closed() }, fastPolicy(),
		func(p *Port) { connected <- p })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		redialed := dials >= 2
		mu.Unlock()
		if redialed && r.State() == StateConnected {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	redialed := dials >= 2
	mu.Unlock()
	if !redialed {
		t.Fatal("channel lost during dial was never redialed")
	}
	if got := r.State(); got != StateConnected {
		t.Fatalf("state = %v, want %v", got, StateConnected)
	}
}

func TestReconnectorGivesUpAtAttemptCap(t *testing.T) {
	r := NewReconnector(
		func() (*Port, error) { return nil, fmt.Errorf("dial refused") },
		func() bool { return true },
		fastPolicy(),
		func(p *Port) { t.Error("unexpected connect") },
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.State() == StateGaveUp {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := r.State(); got != StateGaveUp {
		t.Fatalf("state = %v, want %v", got, StateGaveUp)
	}
	if got := r.Attempts(); got != 5 {
		t.Fatalf("attempts = %d, want 5", got)
	}
}

func TestReconnectorResetLeavesGaveUp(t *testing.T) {
	var mu sync.Mutex
	fail := true

	h := NewHub()
	defer h.Close()
	h.OnConnect(func(p *Port) {})

	connected := make(chan *Port, 1)
	r := NewReconnector(
		func() (*Port, error) {
			mu.Lock()
			defer mu.Unlock()
			if fail {
				return nil, errors.New("dial refused")
			}
			return h.Open("contentScript")
		},
		func() bool { return true },
		fastPolicy(),
		func(p *Port) { connected <- p },
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && r.State() != StateGaveUp {
		time.Sleep(5 * time.Millisecond)
	}
	if r.State() != StateGaveUp {
		t.Fatal("never gave up")
	}

	mu.Lock()
	fail = false
	mu.Unlock()
	r.Reset()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("reset did not reconnect")
	}
}

func TestReconnectorHostUnreachableThenRecovers(t *testing.T) {
	var mu sync.Mutex
	hostUp := false

	h := NewHub()
	defer h.Close()
	h.OnConnect(func(p *Port) {})

	connected := make(chan *Port, 1)
	r := NewReconnector(
		func() (*Port, error) {
			mu.Lock()
			defer mu.Unlock()
			if !hostUp {
				return nil, fmt.Errorf("open channel: %w", ErrHostInvalidated)
			}
			return h.Open("contentScript")
		},
		func() bool {
			mu.Lock()
			defer mu.Unlock()
			return hostUp
		},
		fastPolicy(),
		func(p *Port) { connected <- p },
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	// Three consecutive host-invalidated dials move the state machine to the
	// slow revalidation poll.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && r.State() != StateHostUnreachable {
		time.Sleep(5 * time.Millisecond)
	}
	if got := r.State(); got != StateHostUnreachable {
		t.Fatalf("state = %v, want %v", got, StateHostUnreachable)
	}

	mu.Lock()
	hostUp = true
	mu.Unlock()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("host recovery never reconnected")
	}
	if got := r.Attempts(); got != 0 {
		t.Fatalf("attempts = %d, want 0 after recovery", got)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateDisconnected:    "disconnected",
		StateConnecting:      "connecting",
		StateConnected:       "connected",
		StateHostUnreachable: "host-unreachable",
		StateGaveUp:          "gave-up",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
