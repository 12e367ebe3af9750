// Package contribution measures, per language, how much of the code written
// in a time window came from accepted suggestions and survived later edits.
package contribution

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"codepercent/document"
	"codepercent/logger"
	"codepercent/metrics"
	"codepercent/settings"
)

// DefaultTimeWindow is the flush interval used when Options leaves it unset.
const DefaultTimeWindow = 60 * time.Second

// Marker is the span of an accepted suggestion. *document.RangeMarker
// implements it.
type Marker interface {
	DocumentID() document.ID
	OriginalText() string
	IsValid() bool
	// Text returns the span's current text, or false once it is gone.
	Text() (string, bool)
	// Dispose releases the span once its window has been flushed.
	Dispose()
}

// ChangeSource publishes document edits. *document.Store implements it.
type ChangeSource interface {
	Subscribe(fn func(document.ChangeEvent)) (unsubscribe func())
}

// InvocationContext describes the completion request a suggestion came from.
type InvocationContext struct {
	RequestID   string
	Language    string
	TriggerType string
}

// SessionContext describes the suggestion session.
type SessionContext struct {
	SessionID string
}

// Acceptance is delivered when the user accepts a suggestion.
type Acceptance struct {
	Invocation InvocationContext
	Session    SessionContext
	Marker     Marker
}

// CodeCoverageTokens counts characters for one document within a window.
type CodeCoverageTokens struct {
	TotalTokens    int
	AcceptedTokens int
}

// Options configures the trackers created by a Registry.
type Options struct {
	TimeWindow time.Duration
	Source     ChangeSource
	Settings   settings.Provider
	Sender     metrics.Sender
	Scheduler  Scheduler
}

func (o Options) withDefaults() Options {
	if o.TimeWindow <= 0 {
		o.TimeWindow = DefaultTimeWindow
	}
	if o.Settings == nil {
		o.Settings = settings.Static(true)
	}
	if o.Sender == nil {
		o.Sender = metrics.LogSender{}
	}
	if o.Scheduler == nil {
		o.Scheduler = WallClock
	}
	return o
}

// Tracker accumulates contribution counts for one language and flushes them
// as a metric every time window. All methods are safe for concurrent use.
type Tracker struct {
	language   string
	timeWindow time.Duration
	source     ChangeSource
	settings   settings.Provider
	sender     metrics.Sender
	scheduler  Scheduler
	delta      func(original, modified string) int

	mu            sync.Mutex
	active        bool
	unsubscribe   func()
	timer         Timer
	timerGen      uint64
	markers       []Marker
	tokens        map[document.ID]*CodeCoverageTokens
	acceptedCount int
}

func newTracker(language string, opts Options) *Tracker {
	opts = opts.withDefaults()
	return &Tracker{
		language:   language,
		timeWindow: opts.TimeWindow,
		source:     opts.Source,
		settings:   opts.Settings,
		sender:     opts.Sender,
		scheduler:  opts.Scheduler,
		delta:      AcceptedTokensDelta,
		tokens:     make(map[document.ID]*CodeCoverageTokens),
	}
}

// Language returns the normalized language id.
func (t *Tracker) Language() string { return t.language }

// TimeWindow returns the flush interval.
func (t *Tracker) TimeWindow() time.Duration { return t.timeWindow }

// IsActive reports whether the tracker is listening and has a flush pending.
func (t *Tracker) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// ActivateIfNotActive starts listening for edits and schedules the first
// flush. Calling it again is a no-op.
func (t *Tracker) ActivateIfNotActive() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.activateLocked()
}

func (t *Tracker) activateLocked() {
	if t.active {
		return
	}
	t.active = true
	if t.source != nil {
		t.unsubscribe = t.source.Subscribe(t.OnDocumentChanged)
	}
	t.scheduleFlushLocked()
	logger.Debug("contribution: %s tracker active, window %v", t.language, t.timeWindow)
}

// OnDocumentChanged counts a typed or deleted span. Edits are ignored while
// inactive, for other languages, for whole-text replacements and for the
// insertion of an accepted suggestion, which OnSuggestionAccepted counts.
func (t *Tracker) OnDocumentChanged(ev document.ChangeEvent) {
	if normalizeLanguage(ev.Language) != t.language || ev.WholeTextReplaced || ev.FromSuggestion {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return
	}
	tokens := t.tokensLocked(ev.Document)
	tokens.TotalTokens = max(0, tokens.TotalTokens+ev.InsertedLength()-ev.RemovedLength)
}

// OnSuggestionAccepted records the accepted span. The original suggestion
// text counts toward the document's total, and at flush time the part of it
// that is still unchanged counts as accepted.
func (t *Tracker) OnSuggestionAccepted(a Acceptance) {
	if a.Marker == nil || normalizeLanguage(a.Invocation.Language) != t.language {
		return
	}
	original := a.Marker.OriginalText()
	if original == "" || !a.Marker.IsValid() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.activateLocked()
	t.markers = append(t.markers, a.Marker)
	t.tokensLocked(a.Marker.DocumentID()).TotalTokens += utf8.RuneCountInString(original)
	t.acceptedCount++

	logger.Debug("contribution: %s accepted request=%s session=%s len=%d",
		t.language, a.Invocation.RequestID, a.Session.SessionID, len(original))
}

// ForceFlush flushes now. On an active tracker the pending flush is replaced
// by a new one a full window away.
func (t *Tracker) ForceFlush() {
	t.mu.Lock()
	event, ok := t.flushLocked()
	t.mu.Unlock()

	if ok {
		t.sender.SendMetric(context.Background(), event)
	}
}

// onTimer runs a scheduled flush. Callbacks from replaced timers are dropped.
func (t *Tracker) onTimer(gen uint64) {
	t.mu.Lock()
	if gen != t.timerGen || !t.active {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	event, ok := t.flushLocked()
	t.mu.Unlock()

	if ok {
		t.sender.SendMetric(context.Background(), event)
	}
}

// flushLocked folds surviving marker text into the accepted counts, builds
// the metric event if one should be sent, resets the window and reschedules.
func (t *Tracker) flushLocked() (metrics.Event, bool) {
	defer logger.Trace("contribution.flush")()

	for _, m := range t.markers {
		if kept, ok := t.keptLocked(m); ok {
			t.tokens[m.DocumentID()].AcceptedTokens += kept
		}
	}

	total, accepted := t.totalsLocked()

	var event metrics.Event
	send := false
	if total > 0 && t.settings.TelemetryEnabled() {
		pct, _ := percentage(accepted, total)
		event = metrics.NewCodePercentage(metrics.CodePercentage{
			Percentage:     &pct,
			AcceptedTokens: accepted,
			TotalTokens:    total,
			Language:       t.language,
		})
		send = true
	}
	logger.Debug("contribution: %s flush total=%d accepted=%d send=%v", t.language, total, accepted, send)

	t.resetLocked()
	if t.active {
		t.scheduleFlushLocked()
	}
	return event, send
}

func (t *Tracker) scheduleFlushLocked() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timerGen++
	gen := t.timerGen
	t.timer = t.scheduler.AfterFunc(t.timeWindow, func() { t.onTimer(gen) })
}

func (t *Tracker) resetLocked() {
	for _, m := range t.markers {
		m.Dispose()
	}
	t.markers = nil
	t.tokens = make(map[document.ID]*CodeCoverageTokens)
}

// Stop cancels the pending flush, stops listening and discards counts.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.timerGen++
	if t.unsubscribe != nil {
		t.unsubscribe()
		t.unsubscribe = nil
	}
	t.active = false
	t.resetLocked()
}

// keptLocked returns the unchanged length of an accepted span. Spans that are
// gone, or whose document has no counts, report false without diffing.
func (t *Tracker) keptLocked(m Marker) (int, bool) {
	if !m.IsValid() {
		return 0, false
	}
	if _, ok := t.tokens[m.DocumentID()]; !ok {
		return 0, false
	}
	current, ok := m.Text()
	if !ok {
		return 0, false
	}
	return t.delta(m.OriginalText(), current), true
}

// Percentage returns round(100*accepted/total) for the current window,
// including the pending accepted spans, or false when nothing has been
// counted. The value can exceed 100 because the diff is approximate.
func (t *Tracker) Percentage() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	total, accepted := t.totalsLocked()
	for _, m := range t.markers {
		if kept, ok := t.keptLocked(m); ok {
			accepted += kept
		}
	}
	return percentage(accepted, total)
}

// Totals returns the total and accepted counts across documents.
func (t *Tracker) Totals() (total, accepted int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalsLocked()
}

// DocumentTokens returns the counts for one document.
func (t *Tracker) DocumentTokens(id document.ID) (CodeCoverageTokens, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tokens, ok := t.tokens[id]
	if !ok {
		return CodeCoverageTokens{}, false
	}
	return *tokens, true
}

// ActiveRequestCount returns the number of pending flush timers.
func (t *Tracker) ActiveRequestCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer == nil {
		return 0
	}
	return 1
}

// PendingMarkers returns the number of accepted spans awaiting the next flush.
func (t *Tracker) PendingMarkers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.markers)
}

// AcceptedRecommendationCount returns how many suggestions were accepted
// since the tracker was created.
func (t *Tracker) AcceptedRecommendationCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acceptedCount
}

func (t *Tracker) tokensLocked(id document.ID) *CodeCoverageTokens {
	tokens, ok := t.tokens[id]
	if !ok {
		tokens = &CodeCoverageTokens{}
		t.tokens[id] = tokens
	}
	return tokens
}

func (t *Tracker) totalsLocked() (total, accepted int) {
	for _, tokens := range t.tokens {
		total += tokens.TotalTokens
		accepted += tokens.AcceptedTokens
	}
	return total, accepted
}

func percentage(accepted, total int) (int, bool) {
	if total == 0 {
		return 0, false
	}
	return int(math.Round(float64(accepted) / float64(total) * 100)), true
}

func normalizeLanguage(language string) string {
	return strings.ToLower(strings.TrimSpace(language))
}
