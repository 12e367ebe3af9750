// Package engine runs the single event loop that applies buffer events from
// Neovim to the document store and the contribution trackers.
package engine

import (
	"context"
	"sync"
	"time"

	"codepercent/contribution"
	"codepercent/document"
	"codepercent/logger"
	"codepercent/metrics"
	"codepercent/settings"

	"github.com/neovim/go-client/nvim"
)

type EngineConfig struct {
	TimeWindow time.Duration
	// TracksLanguage filters acceptances by language. nil tracks every language.
	TracksLanguage func(language string) bool
}

type Engine struct {
	documents *document.Store
	registry  *contribution.Registry
	n         *nvim.Nvim
	mu        sync.RWMutex
	eventChan chan Event

	// Main context and cancel for the engine lifecycle
	mainCtx    context.Context
	mainCancel context.CancelFunc
	stopped    bool
	stopOnce   sync.Once

	config EngineConfig
}

func NewEngine(config EngineConfig, sender metrics.Sender, provider settings.Provider) *Engine {
	e := &Engine{
		documents: document.NewStore(),
		eventChan: make(chan Event, 100),
		config:    config,
	}
	e.registry = contribution.NewRegistry(contribution.Options{
		TimeWindow: config.TimeWindow,
		Source:     e.documents,
		Settings:   provider,
		Sender:     sender,
		Scheduler:  e,
	})
	return e
}

// Documents returns the engine's document store.
func (e *Engine) Documents() *document.Store { return e.documents }

// Registry returns the engine's per-language trackers.
func (e *Engine) Registry() *contribution.Registry { return e.registry }

func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}

	e.mainCtx, e.mainCancel = context.WithCancel(ctx)
	e.mu.Unlock()

	go e.eventLoop(e.mainCtx)
	logger.Info("engine started")
}

// Stop flushes every active tracker one last time and shuts the loop down.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		defer e.mu.Unlock()

		logger.Info("stopping engine...")

		e.stopped = true
		if e.mainCancel != nil {
			e.mainCancel()
		}
		e.registry.FlushAll()
		e.registry.Reset()

		logger.Info("engine stopped")
	})
}

// Post queues an event for the loop. It returns false once the engine has
// stopped or before it has started.
func (e *Engine) Post(event Event) bool {
	e.mu.RLock()
	stopped := e.stopped
	mainCtx := e.mainCtx
	e.mu.RUnlock()

	if stopped || mainCtx == nil {
		return false
	}

	select {
	case e.eventChan <- event:
		return true
	case <-mainCtx.Done():
		return false
	}
}

func (e *Engine) eventLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event loop panic recovered: %v", r)
			e.eventLoop(ctx)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-e.eventChan:
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Error("event handler panic recovered for event %v: %v", event.Type, r)
					}
				}()
				e.handleEvent(event)
			}()
		}
	}
}

func (e *Engine) handleEvent(event Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return
	}

	logger.Debug("handle event: %v", event.Type)

	switch event.Type {
	case EventDocumentOpened:
		e.handleOpen(event.Data.(*OpenPayload))
	case EventDocumentReloaded:
		e.handleReload(event.Data.(*ReloadPayload))
	case EventDocumentChanged:
		e.handleChange(event.Data.(*ChangePayload))
	case EventDocumentClosed:
		e.handleClose(event.Data.(*ClosePayload))
	case EventSuggestionAccepted:
		e.handleAccept(event.Data.(*AcceptPayload))
	case EventFlush:
		e.registry.FlushAll()
	case EventStatus:
		e.handleStatus()
	case EventTimer:
		event.Data.(func())()
	default:
		logger.Warn("unknown event type %q", event.Type)
	}
}

// SetNvim attaches an nvim connection and registers the RPC handlers the
// plugin notifies.
func (e *Engine) SetNvim(n *nvim.Nvim) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return nil
	}
	e.n = n

	handlers := map[string]any{
		"codepercent_open": func(_ *nvim.Nvim, p OpenPayload) {
			e.Post(Event{Type: EventDocumentOpened, Data: &p})
		},
		"codepercent_reload": func(_ *nvim.Nvim, p ReloadPayload) {
			e.Post(Event{Type: EventDocumentReloaded, Data: &p})
		},
		"codepercent_change": func(_ *nvim.Nvim, p ChangePayload) {
			e.Post(Event{Type: EventDocumentChanged, Data: &p})
		},
		"codepercent_close": func(_ *nvim.Nvim, p ClosePayload) {
			e.Post(Event{Type: EventDocumentClosed, Data: &p})
		},
		"codepercent_accept": func(_ *nvim.Nvim, p AcceptPayload) {
			e.Post(Event{Type: EventSuggestionAccepted, Data: &p})
		},
		"codepercent_event": func(_ *nvim.Nvim, name string) {
			if eventType := EventTypeFromString(name); eventType != "" {
				e.Post(Event{Type: eventType})
			} else {
				logger.Warn("unknown plugin event %q", name)
			}
		},
	}
	for method, fn := range handlers {
		if err := n.RegisterHandler(method, fn); err != nil {
			return err
		}
	}
	return nil
}
