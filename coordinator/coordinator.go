// Package coordinator is the always-on hub between the page observer, the UI
// panel, storage, the relay, and the AI provider. It routes capture events to
// the panel, queues notifications while no panel is attached, and drives the
// chat and image-generation flows.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/loudwire/spacetap/completion"
	"github.com/loudwire/spacetap/link"
	"github.com/loudwire/spacetap/telemetry"
)

// systemPrimer is inserted once at the head of an empty conversation so the
// assistant knows it is answering questions about a recorded X Space.
const systemPrimer = "There is a chrome extension it records text and stores it in a vector database. The text it records pertains to an Twitter (now called X refer to it as such) Space. A user will input prompts with these prompt text will be retrieved to provide additional context about the X Space that has been recorded and saved to the vector DB. The user asks questions about the Space, please provide answers. Do not provide Bolded Text in your response."

// Channel names the coordinator routes by.
const (
	ChannelPanel    = "popup"
	ChannelObserver = "contentScript"
)

// Badge is the presence indicator surfaced to the UI.
type Badge string

const (
	BadgeNone Badge = ""
	BadgeLive Badge = "LIVE"
	BadgeRec  Badge = "REC"
)

// Store persists settings, conversation history, and the segment audit trail.
type Store interface {
	Settings(ctx context.Context) (apiKey, apiModel string, err error)
	History(ctx context.Context) ([]completion.Message, error)
	SaveHistory(ctx context.Context, history []completion.Message) error
	RecordSegment(ctx context.Context, sessionID string, size int, final bool, uploadErr string) error
}

// Relay forwards captured audio segments to the processing backend.
type Relay interface {
	Upload(ctx context.Context, audioData, mimeType string, size int) error
}

// Completer answers conversation turns and renders images.
type Completer interface {
	Complete(ctx context.Context, history []completion.Message, apiKey, model string) (completion.Message, error)
	GenerateImage(ctx context.Context, prompt, apiKey, model string) (string, error)
}

// Coordinator routes messages between the observer and panel channels. It is
// safe for concurrent use; notification delivery order is preserved.
type Coordinator struct {
	store Store
	relay Relay
	ai    Completer
	log   *slog.Logger

	mu        sync.Mutex
	panel     *link.Port
	observer  *link.Port
	pending   []link.Message
	badge     Badge
	live      bool
	recording bool
	sessionID string
}

func New(store Store, relay Relay, ai Completer, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{store: store, relay: relay, ai: ai, log: log}
}

// Bind registers the coordinator as the hub's connect listener so it picks up
// panel and observer channels as they open.
func (c *Coordinator) Bind(hub *link.Hub) {
	hub.OnConnect(func(p *link.Port) {
		switch p.Name() {
		case ChannelPanel:
			c.AttachPanel(p)
		case ChannelObserver:
			c.AttachObserver(p)
		default:
			c.log.Warn("ignoring channel with unknown name", "name", p.Name())
			p.Close()
		}
	})
}

// AttachPanel wires a panel channel and drains every queued notification to
// it, oldest first. Each queued message is delivered at most once.
func (c *Coordinator) AttachPanel(p *link.Port) {
	p.OnMessage(func(m link.Message) {
		if err := c.HandlePanelCommand(context.Background(), m); err != nil {
			c.log.Error("panel command failed", "action", m.Action, "error", err)
		}
	})
	p.OnDisconnect(func() {
		c.mu.Lock()
		if c.panel == p {
			c.panel = nil
		}
		c.mu.Unlock()
		c.log.Info("panel disconnected")
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.panel != nil {
		c.panel.Close()
	}
	c.panel = p
	c.log.Info("panel connected", "queued", len(c.pending))
	for len(c.pending) > 0 && c.panel == p {
		m := c.pending[0]
		c.pending = c.pending[1:]
		if err := p.Send(m); err != nil {
			c.log.Warn("panel dropped while draining queue", "error", err)
			break
		}
		telemetry.IncPanelNotification()
	}
	telemetry.SetQueueDepth(len(c.pending))
}

// AttachObserver wires the page observer channel.
func (c *Coordinator) AttachObserver(p *link.Port) {
	p.OnMessage(func(m link.Message) {
		c.HandleObserverMessage(context.Background(), m)
	})
	p.OnDisconnect(func() {
		c.mu.Lock()
		if c.observer == p {
			c.observer = nil
		}
		c.mu.Unlock()
		c.log.Info("observer disconnected")
	})

	c.mu.Lock()
	if c.observer != nil {
		c.observer.Close()
	}
	c.observer = p
	c.mu.Unlock()
	c.log.Info("observer connected")
}

// HandleObserverMessage routes one message from the page observer.
func (c *Coordinator) HandleObserverMessage(ctx context.Context, m link.Message) {
	switch m.Action {
	case link.ActionSpaceDetected:
		c.setPresence(true)
		c.log.Info("live broadcast detected", "marker", m.Selector)
		c.deliverOrQueue(link.Message{Action: link.ActionSpaceDetected})
	case link.ActionSpaceEnded:
		c.setPresence(false)
		c.log.Info("live broadcast ended")
		c.deliverOrQueue(link.Message{Action: link.ActionSpaceEnded})
	case link.ActionSaveChunk, link.ActionSaveRecording:
		c.handleSave(ctx, m)
	case link.ActionRecordingStarted:
		c.setRecording(true)
		c.deliverOrQueue(m)
	case link.ActionRecordingStopped:
		c.setRecording(false)
		c.deliverOrQueue(m)
	case link.ActionRecordingError:
		c.deliverOrQueue(m)
	default:
		c.log.Warn("unhandled observer message", "action", m.Action)
	}
}

// HandlePanelCommand routes one command from the UI. Recording commands go to
// the observer channel; user input drives the chat flow inline, so commands
// from a single panel are processed in order.
func (c *Coordinator) HandlePanelCommand(ctx context.Context, m link.Message) error {
	switch m.Action {
	case link.ActionStartRecording, link.ActionStopRecording:
		c.mu.Lock()
		obs := c.observer
		c.mu.Unlock()
		if obs == nil {
			err := fmt.Errorf("no page observer connected")
			c.deliverOrQueue(link.Message{Action: link.ActionRecordingError, Error: err.Error()})
			return err
		}
		if err := obs.Send(link.Message{Action: m.Action}); err != nil {
			c.deliverOrQueue(link.Message{Action: link.ActionRecordingError, Error: err.Error()})
			return fmt.Errorf("forward %s: %w", m.Action, err)
		}
		return nil
	case link.ActionUserInput:
		return c.handleUserInput(ctx, m.UserInput)
	default:
		return fmt.Errorf("unhandled panel command %q", m.Action)
	}
}

// handleSave relays one audio segment and records the outcome in the audit
// trail. Upload failure is reported to the panel but never stops the session.
func (c *Coordinator) handleSave(ctx context.Context, m link.Message) {
	c.mu.Lock()
	session := c.sessionID
	c.mu.Unlock()

	final := m.Action == link.ActionSaveRecording
	uploadErr := ""
	if err := c.relay.Upload(ctx, m.AudioData, m.MimeType, m.Size); err != nil {
		uploadErr = err.Error()
		c.log.Error("segment relay failed", "session_id", session, "size", m.Size, "final", final, "error", err)
		c.deliverOrQueue(link.Message{Action: link.ActionRecordingError, Error: err.Error()})
	} else {
		c.log.Info("segment relayed", "session_id", session, "size", m.Size, "final", final)
		c.deliverOrQueue(link.Message{Action: link.ActionRecordingSaved})
	}
	if c.store != nil {
		if err := c.store.RecordSegment(ctx, session, m.Size, final, uploadErr); err != nil {
			c.log.Error("segment audit insert failed", "session_id", session, "error", err)
		}
	}
}

// handleUserInput runs one conversation turn: load settings and history, seed
// the system primer on first use, then take the image path or the chat path
// depending on the configured model.
func (c *Coordinator) handleUserInput(ctx context.Context, input string) error {
	apiKey, model, err := c.store.Settings(ctx)
	if err != nil {
		c.deliverOrQueue(link.Message{Error: err.Error()})
		return fmt.Errorf("load settings: %w", err)
	}
	history, err := c.store.History(ctx)
	if err != nil {
		c.deliverOrQueue(link.Message{Error: err.Error()})
		return fmt.Errorf("load history: %w", err)
	}
	if len(history) == 0 {
		history = []completion.Message{{Role: completion.RoleSystem, Content: systemPrimer}}
	}
	history = append(history, completion.Message{Role: completion.RoleUser, Content: input})

	if model == "dall-e-3" {
		url, err := c.ai.GenerateImage(ctx, input, apiKey, model)
		if err != nil {
			c.deliverOrQueue(link.Message{Error: err.Error()})
			return fmt.Errorf("image generation: %w", err)
		}
		history = append(history, completion.Message{Role: completion.RoleAssistant, Content: url})
		if err := c.store.SaveHistory(ctx, history); err != nil {
			c.log.Error("history save failed", "error", err)
		}
		c.deliverOrQueue(link.Message{ImageURL: url})
		return nil
	}

	reply, err := c.ai.Complete(ctx, history, apiKey, model)
	if err != nil {
		c.deliverOrQueue(link.Message{Error: err.Error()})
		return fmt.Errorf("chat completion: %w", err)
	}
	history = append(history, reply)
	if err := c.store.SaveHistory(ctx, history); err != nil {
		c.log.Error("history save failed", "error", err)
	}
	c.deliverOrQueue(link.Message{Answer: reply.Content})
	return nil
}

// deliverOrQueue sends a notification to the attached panel, or appends it to
// the pending queue when no panel is attached. The queue is unbounded and
// drained in FIFO order on the next attach.
func (c *Coordinator) deliverOrQueue(m link.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.panel != nil {
		if err := c.panel.Send(m); err == nil {
			telemetry.IncPanelNotification()
			return
		}
		c.panel = nil
	}
	c.pending = append(c.pending, m)
	telemetry.SetQueueDepth(len(c.pending))
}

func (c *Coordinator) setPresence(live bool) {
	c.mu.Lock()
	c.live = live
	if live {
		c.badge = BadgeLive
	} else if !c.recording {
		c.badge = BadgeNone
	}
	c.mu.Unlock()
	telemetry.SetPresence(live)
}

func (c *Coordinator) setRecording(active bool) {
	c.mu.Lock()
	c.recording = active
	if active {
		c.badge = BadgeRec
		c.sessionID = uuid.New().String()
	} else if c.live {
		c.badge = BadgeLive
	} else {
		c.badge = BadgeNone
	}
	c.mu.Unlock()
	telemetry.SetRecording(active)
}

// Status is a point-in-time snapshot for the status endpoint.
type Status struct {
	Badge     Badge `json:"badge"`
	Live      bool  `json:"live"`
	Recording bool  `json:"recording"`
	Queued    int   `json:"queued_notifications"`
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{Badge: c.badge, Live: c.live, Recording: c.recording, Queued: len(c.pending)}
}
