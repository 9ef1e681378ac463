package link

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loudwire/spacetap/telemetry"
)

// State is the reconnection lifecycle of a channel owner whose context can be
// torn down independently of the hub.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateHostUnreachable means the hub itself is gone, not just the
	// channel. Backoff stops and a slow revalidation poll takes over.
	StateHostUnreachable
	// StateGaveUp is terminal: the attempt cap was exhausted. Only an
	// external Reset resumes dialing.
	StateGaveUp
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateHostUnreachable:
		return "host-unreachable"
	case StateGaveUp:
		return "gave-up"
	default:
		return "unknown"
	}
}

// ReconnectPolicy bounds the backoff ladder and the host revalidation cadence.
type ReconnectPolicy struct {
	MaxAttempts   int           // retry cap before giving up
	InitialDelay  time.Duration // first retry delay; doubles per attempt
	HostRecheck   time.Duration // poll interval while host unreachable
	HostFailLimit int           // consecutive host-invalidated dials before declaring the host gone
}

// DefaultReconnectPolicy matches the observer's production cadence:
// 1000/2000/4000/8000/16000ms then stop, with a one minute host poll.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts:   5,
		InitialDelay:  time.Second,
		HostRecheck:   time.Minute,
		HostFailLimit: 3,
	}
}

// Delay returns the backoff delay preceding the given retry attempt
// (0-based): InitialDelay * 2^attempt.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	return p.InitialDelay << uint(attempt)
}

// Dialer opens a fresh port. It must fail with ErrHostInvalidated (possibly
// wrapped) when the hub itself is gone, so the two failure modes get their
// separate recovery cadences.
type Dialer func() (*Port, error)

// HostCheck reports whether the host runtime is reachable again.
type HostCheck func() bool

// Reconnector keeps a context connected to the hub across teardowns of either
// side. Transient channel loss walks a capped exponential backoff ladder; a
// dead host is polled on a long fixed interval instead, so a gone hub is not
// hammered by retries.
type Reconnector struct {
	dial      Dialer
	checkHost HostCheck
	onConnect func(*Port)
	policy    ReconnectPolicy
	log       *slog.Logger

	mu        sync.Mutex
	state     State
	attempt   int
	hostFails int
	ctx       context.Context
	timer     *time.Timer
}

// NewReconnector builds a manager around dial. onConnect receives every
// freshly connected port; the previous port is dead by that point and must
// not be reused.
func NewReconnector(dial Dialer, check HostCheck, policy ReconnectPolicy, onConnect func(*Port)) *Reconnector {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultReconnectPolicy().MaxAttempts
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = DefaultReconnectPolicy().InitialDelay
	}
	if policy.HostRecheck <= 0 {
		policy.HostRecheck = DefaultReconnectPolicy().HostRecheck
	}
	if policy.HostFailLimit <= 0 {
		policy.HostFailLimit = DefaultReconnectPolicy().HostFailLimit
	}
	return &Reconnector{
		dial:      dial,
		checkHost: check,
		onConnect: onConnect,
		policy:    policy,
		log:       slog.Default().With(slog.String("component", "reconnector")),
	}
}

// Start performs the initial connection attempt and arms automatic recovery.
// It returns immediately; connection outcomes are reported via onConnect and
// the state machine.
func (r *Reconnector) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
	go r.connect()
}

// State returns the current lifecycle state.
func (r *Reconnector) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Attempts returns the consecutive failed attempt count.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

// Reset clears the attempt counter and dials again. It is the external
// trigger required to leave StateGaveUp.
func (r *Reconnector) Reset() {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.attempt = 0
	r.hostFails = 0
	r.state = StateDisconnected
	r.mu.Unlock()
	go r.connect()
}

func (r *Reconnector) connect() {
	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	r.state = StateConnecting
	r.mu.Unlock()

	telemetry.IncReconnectAttempts()
	port, err := r.dial()
	if err != nil {
		if errors.Is(err, ErrHostInvalidated) {
			r.hostFailed()
		} else {
			r.channelFailed(err)
		}
		return
	}

	r.mu.Lock()
	r.state = StateConnected
	r.attempt = 0
	r.hostFails = 0
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()
	r.log.Info("channel connected", slog.String("channel", port.Name()))

	port.OnDisconnect(func() {
		r.log.Info("channel lost", slog.String("channel", port.Name()))
		r.mu.Lock()
		r.state = StateDisconnected
		r.mu.Unlock()
		r.scheduleRetry()
	})
	r.onConnect(port)
}

// channelFailed handles a transient dial failure: walk the backoff ladder or
// give up at the cap.
func (r *Reconnector) channelFailed(err error) {
	r.mu.Lock()
	r.state = StateDisconnected
	r.mu.Unlock()
	r.log.Warn("connect failed", slog.Any("err", err))
	r.scheduleRetry()
}

func (r *Reconnector) scheduleRetry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx == nil || r.ctx.Err() != nil {
		return
	}
	if r.attempt >= r.policy.MaxAttempts {
		r.state = StateGaveUp
		r.log.Error("reconnect attempts exhausted; giving up", slog.Int("attempts", r.attempt))
		return
	}
	delay := r.policy.Delay(r.attempt)
	r.attempt++
	r.log.Info("scheduling reconnect", slog.Int("attempt", r.attempt), slog.Duration("delay", delay))
	r.timer = time.AfterFunc(delay, r.connect)
}

// hostFailed counts consecutive host-invalidated dials; past the limit the
// backoff ladder is abandoned for the slow revalidation poll.
func (r *Reconnector) hostFailed() {
	r.mu.Lock()
	r.hostFails++
	if r.hostFails < r.policy.HostFailLimit {
		r.state = StateDisconnected
		r.mu.Unlock()
		r.scheduleRetry()
		return
	}
	r.state = StateHostUnreachable
	r.mu.Unlock()
	r.log.Warn("host unreachable; suspending reconnect", slog.Duration("recheck", r.policy.HostRecheck))
	go r.pollHost()
}

func (r *Reconnector) pollHost() {
	ticker := time.NewTicker(r.policy.HostRecheck)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if r.checkHost == nil || !r.checkHost() {
				continue
			}
			r.log.Info("host reachable again; resuming reconnect")
			r.mu.Lock()
			r.hostFails = 0
			r.attempt = 0
			r.state = StateDisconnected
			r.mu.Unlock()
			go r.connect()
			return
		}
	}
}
