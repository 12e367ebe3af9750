package contribution

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"codepercent/document"
	"codepercent/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	fn      func()
	stopped bool
	fired   bool
}

func (ft *fakeTimer) Stop() bool {
	wasPending := !ft.stopped && !ft.fired
	ft.stopped = true
	return wasPending
}

// fakeScheduler records timers instead of running them.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
	delays []time.Duration
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	ft := &fakeTimer{fn: f}
	s.timers = append(s.timers, ft)
	s.delays = append(s.delays, d)
	return ft
}

func (s *fakeScheduler) pending() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTimer
	for _, ft := range s.timers {
		if !ft.stopped && !ft.fired {
			out = append(out, ft)
		}
	}
	return out
}

// fireAll runs every pending timer, as if the window elapsed.
func (s *fakeScheduler) fireAll() {
	for _, ft := range s.pending() {
		ft.fired = true
		ft.fn()
	}
}

type fakeSender struct {
	mu     sync.Mutex
	events []metrics.Event
}

func (s *fakeSender) SendMetric(_ context.Context, event metrics.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *fakeSender) sent() []metrics.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]metrics.Event(nil), s.events...)
}

type fakeSettings struct{ enabled atomic.Bool }

func (s *fakeSettings) TelemetryEnabled() bool { return s.enabled.Load() }

func newFakeSettings(enabled bool) *fakeSettings {
	s := &fakeSettings{}
	s.enabled.Store(enabled)
	return s
}

// fakeMarker is a marker whose validity the test controls.
type fakeMarker struct {
	doc      document.ID
	original string
	current  string
	valid    bool
	disposed bool
}

func (m *fakeMarker) DocumentID() document.ID { return m.doc }
func (m *fakeMarker) OriginalText() string    { return m.original }
func (m *fakeMarker) IsValid() bool           { return m.valid }
func (m *fakeMarker) Text() (string, bool)    { return m.current, m.valid }
func (m *fakeMarker) Dispose()                { m.disposed = true; m.valid = false }

type trackerHarness struct {
	store     *document.Store
	scheduler *fakeScheduler
	sender    *fakeSender
	settings  *fakeSettings
	registry  *Registry
}

func newHarness(t *testing.T) *trackerHarness {
	t.Helper()
	h := &trackerHarness{
		store:     document.NewStore(),
		scheduler: &fakeScheduler{},
		sender:    &fakeSender{},
		settings:  newFakeSettings(true),
	}
	h.registry = NewRegistry(Options{
		TimeWindow: 60 * time.Second,
		Source:     h.store,
		Settings:   h.settings,
		Sender:     h.sender,
		Scheduler:  h.scheduler,
	})
	t.Cleanup(h.registry.Reset)
	return h
}

func (h *trackerHarness) apply(t *testing.T, edit document.Edit) {
	t.Helper()
	_, err := h.store.Apply(edit)
	require.NoError(t, err)
}

// accept inserts text at offset as an accepted suggestion and reports it.
func (h *trackerHarness) accept(t *testing.T, doc document.ID, language string, offset int, text string) *document.RangeMarker {
	t.Helper()
	h.apply(t, document.Edit{Document: doc, Offset: offset, Text: text, FromSuggestion: true})
	m, err := h.store.MarkRange(doc, offset, offset+len([]rune(text)))
	require.NoError(t, err)
	h.registry.Get(language).OnSuggestionAccepted(Acceptance{
		Invocation: InvocationContext{RequestID: "req-1", Language: language},
		Session:    SessionContext{SessionID: "sess-1"},
		Marker:     m,
	})
	return m
}

func TestGetInstancePerLanguage(t *testing.T) {
	h := newHarness(t)

	python := h.registry.Get("python")
	java := h.registry.Get("java")

	assert.NotSame(t, python, java, "different languages get different trackers")
	assert.Same(t, python, h.registry.Get("python"), "same language returns the same tracker")
	assert.Same(t, python, h.registry.Get(" Python "), "language ids are normalized")
	assert.Equal(t, []string{"java", "python"}, h.registry.Languages(), "languages")
	assert.Equal(t, 60*time.Second, python.TimeWindow(), "time window")
}

func TestGetInstanceConcurrent(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	got := make([]*Tracker, 32)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = h.registry.Get("go")
		}(i)
	}
	wg.Wait()

	for _, tr := range got {
		assert.Same(t, got[0], tr, "one tracker per language")
	}
}

func TestLookupDoesNotCreate(t *testing.T) {
	h := newHarness(t)

	_, ok := h.registry.Lookup("rust")
	assert.False(t, ok, "no tracker before Get")
	h.registry.Get("rust")
	_, ok = h.registry.Lookup("RUST")
	assert.True(t, ok, "tracker after Get")
}

func TestActivateIfNotActiveIsIdempotent(t *testing.T) {
	h := newHarness(t)
	tr := h.registry.Get("python")

	assert.False(t, tr.IsActive(), "inactive before activation")
	assert.Equal(t, 0, tr.ActiveRequestCount(), "no timer before activation")

	tr.ActivateIfNotActive()
	tr.ActivateIfNotActive()

	assert.True(t, tr.IsActive(), "active")
	assert.Equal(t, 1, tr.ActiveRequestCount(), "one timer")
	assert.Len(t, h.scheduler.pending(), 1, "one scheduled callback")
	assert.Equal(t, []time.Duration{60 * time.Second}, h.scheduler.delays, "scheduled one window ahead")
}

func TestTotalTokensNetSum(t *testing.T) {
	h := newHarness(t)
	h.store.Open("a.py", "python", "")
	tr := h.registry.Get("python")
	tr.ActivateIfNotActive()

	h.apply(t, document.Edit{Document: "a.py", Offset: 0, Text: "import os\n"})
	h.apply(t, document.Edit{Document: "a.py", Offset: 10, Text: "print()"})
	h.apply(t, document.Edit{Document: "a.py", Offset: 0, RemovedLength: 7})
	h.apply(t, document.Edit{Document: "a.py", Offset: 2, RemovedLength: 1, Text: "XYZ"})

	total, accepted := tr.Totals()
	assert.Equal(t, 10+7-7-1+3, total, "net inserted minus deleted")
	assert.Equal(t, 0, accepted, "nothing accepted")
}

func TestTotalTokensFlooredPerDocument(t *testing.T) {
	h := newHarness(t)
	h.store.Open("a.py", "python", "existing text")
	h.store.Open("b.py", "python", "")
	tr := h.registry.Get("python")
	tr.ActivateIfNotActive()

	h.apply(t, document.Edit{Document: "b.py", Offset: 0, Text: "abc"})
	h.apply(t, document.Edit{Document: "a.py", Offset: 0, Text: "x"})
	h.apply(t, document.Edit{Document: "a.py", Offset: 0, RemovedLength: 10})

	a, ok := tr.DocumentTokens("a.py")
	require.True(t, ok)
	assert.Equal(t, 0, a.TotalTokens, "deleting pre-existing text clamps at zero")

	total, _ := tr.Totals()
	assert.Equal(t, 3, total, "other documents are unaffected")
}

func TestIgnoredDocumentChanges(t *testing.T) {
	h := newHarness(t)
	h.store.Open("a.py", "python", "")
	h.store.Open("a.java", "java", "")
	tr := h.registry.Get("python")

	h.apply(t, document.Edit{Document: "a.py", Offset: 0, Text: "before activation"})
	tr.ActivateIfNotActive()
	h.apply(t, document.Edit{Document: "a.java", Offset: 0, Text: "other language"})
	h.apply(t, document.Edit{Document: "a.py", Offset: 0, Text: "suggested", FromSuggestion: true})
	require.NoError(t, h.store.Reload("a.py", "reloaded from disk"))

	total, _ := tr.Totals()
	assert.Equal(t, 0, total, "no counted edits")
}

func TestFlushEmitsCodePercentage(t *testing.T) {
	h := newHarness(t)
	h.store.Open("a.py", "python", "")
	tr := h.registry.Get("python")

	h.accept(t, "a.py", "python", 0, "foo")
	assert.True(t, tr.IsActive(), "acceptance activates the tracker")
	assert.Equal(t, 1, tr.AcceptedRecommendationCount(), "accepted count")

	h.apply(t, document.Edit{Document: "a.py", Offset: 3, Text: "\nbar"})
	// user types inside the accepted span: "foo" -> "f11111oo"
	h.apply(t, document.Edit{Document: "a.py", Offset: 1, Text: "11111"})

	total, _ := tr.Totals()
	assert.Equal(t, 3+4+5, total, "suggestion plus typed text")
	pct, ok := tr.Percentage()
	require.True(t, ok)
	assert.Equal(t, 25, pct, "3 of 12 characters survive from the suggestion")

	tr.ForceFlush()

	events := h.sender.sent()
	require.Len(t, events, 1, "one metric per flush")
	assert.Equal(t, metrics.CodePercentageMetric, events[0].Name, "metric name")
	fields, ok := events[0].Fields.(metrics.CodePercentage)
	require.True(t, ok, "fields type")
	require.NotNil(t, fields.Percentage)
	assert.Equal(t, 25, *fields.Percentage, "percentage")
	assert.Equal(t, 3, fields.AcceptedTokens, "accepted tokens")
	assert.Equal(t, 12, fields.TotalTokens, "total tokens")
	assert.Equal(t, "python", fields.Language, "language")

	total, accepted := tr.Totals()
	assert.Equal(t, 0, total, "total reset")
	assert.Equal(t, 0, accepted, "accepted reset")
	assert.Equal(t, 0, tr.PendingMarkers(), "markers consumed")
	_, ok = tr.Percentage()
	assert.False(t, ok, "no data after flush")
	assert.Equal(t, 1, tr.ActiveRequestCount(), "one timer after flush")
	assert.Len(t, h.scheduler.pending(), 1, "flush replaced the timer")
}

func TestFlushWithTelemetryDisabled(t *testing.T) {
	h := newHarness(t)
	h.settings.enabled.Store(false)
	h.store.Open("a.py", "python", "")
	tr := h.registry.Get("python")

	h.accept(t, "a.py", "python", 0, "print('hi')")
	h.apply(t, document.Edit{Document: "a.py", Offset: 11, Text: "\n"})

	h.scheduler.fireAll()

	assert.Empty(t, h.sender.sent(), "nothing emitted")
	total, accepted := tr.Totals()
	assert.Equal(t, 0, total, "total reset")
	assert.Equal(t, 0, accepted, "accepted reset")
	assert.Equal(t, 1, tr.ActiveRequestCount(), "timer rescheduled")
	assert.Len(t, h.scheduler.pending(), 1, "exactly one pending callback")
}

func TestFlushWithoutTokensSendsNothing(t *testing.T) {
	h := newHarness(t)
	tr := h.registry.Get("python")
	tr.ActivateIfNotActive()

	h.scheduler.fireAll()

	assert.Empty(t, h.sender.sent(), "no metric without data")
	assert.Equal(t, 1, tr.ActiveRequestCount(), "timer rescheduled")
}

func TestInvalidMarkerSkipsDelta(t *testing.T) {
	h := newHarness(t)
	tr := h.registry.Get("python")

	calls := 0
	tr.delta = func(original, modified string) int {
		calls++
		return AcceptedTokensDelta(original, modified)
	}

	m := &fakeMarker{doc: "a.py", original: "foo", current: "foo", valid: true}
	tr.OnSuggestionAccepted(Acceptance{Invocation: InvocationContext{Language: "python"}, Marker: m})
	m.valid = false

	tr.ForceFlush()

	assert.Equal(t, 0, calls, "delta not computed for invalid markers")
	events := h.sender.sent()
	require.Len(t, events, 1)
	fields := events[0].Fields.(metrics.CodePercentage)
	assert.Equal(t, 0, fields.AcceptedTokens, "invalid marker contributes nothing")
	assert.Equal(t, 3, fields.TotalTokens, "original suggestion still counted as written")
	assert.Equal(t, 0, *fields.Percentage, "percentage")
}

func TestDeletedSuggestionContributesNothing(t *testing.T) {
	h := newHarness(t)
	h.store.Open("a.py", "python", "x = ")
	tr := h.registry.Get("python")

	m := h.accept(t, "a.py", "python", 4, "compute()")
	h.apply(t, document.Edit{Document: "a.py", Offset: 4, RemovedLength: 9})
	assert.False(t, m.IsValid(), "span deleted")

	tr.ForceFlush()

	events := h.sender.sent()
	require.Len(t, events, 0, "all counted text was deleted again")
}

func TestAcceptanceForOtherLanguageIgnored(t *testing.T) {
	h := newHarness(t)
	tr := h.registry.Get("python")

	m := &fakeMarker{doc: "a.go", original: "fmt.Println()", current: "fmt.Println()", valid: true}
	tr.OnSuggestionAccepted(Acceptance{Invocation: InvocationContext{Language: "go"}, Marker: m})
	tr.OnSuggestionAccepted(Acceptance{Invocation: InvocationContext{Language: "python"}, Marker: nil})

	assert.False(t, tr.IsActive(), "not activated")
	assert.Equal(t, 0, tr.AcceptedRecommendationCount(), "not counted")
}

func TestTimerLoopKeepsOneTimer(t *testing.T) {
	h := newHarness(t)
	h.store.Open("a.py", "python", "")
	tr := h.registry.Get("python")
	h.accept(t, "a.py", "python", 0, "pass")

	for i := 0; i < 5; i++ {
		h.apply(t, document.Edit{Document: "a.py", Offset: 0, Text: "#"})
		h.scheduler.fireAll()
		assert.Equal(t, 1, tr.ActiveRequestCount(), "one timer after flush %d", i)
		assert.Len(t, h.scheduler.pending(), 1, "one pending callback after flush %d", i)
	}

	assert.Len(t, h.sender.sent(), 5, "one metric per window with data")
}

func TestStaleTimerCallbackIgnored(t *testing.T) {
	h := newHarness(t)
	h.store.Open("a.py", "python", "")
	tr := h.registry.Get("python")
	h.accept(t, "a.py", "python", 0, "pass")

	stale := h.scheduler.pending()[0]
	tr.ForceFlush()
	require.Len(t, h.sender.sent(), 1, "forced flush emitted")

	h.apply(t, document.Edit{Document: "a.py", Offset: 0, Text: "#"})
	// a callback that raced with the forced flush must not flush again
	stale.fn()

	total, _ := tr.Totals()
	assert.Equal(t, 1, total, "counts untouched by stale callback")
	assert.Len(t, h.sender.sent(), 1, "no extra metric")
}

func TestForceFlushInactiveSchedulesNothing(t *testing.T) {
	h := newHarness(t)
	tr := h.registry.Get("python")

	tr.ForceFlush()

	assert.Equal(t, 0, tr.ActiveRequestCount(), "no timer for inactive tracker")
	assert.Empty(t, h.sender.sent(), "nothing to send")
}

func TestPercentageNoData(t *testing.T) {
	h := newHarness(t)
	tr := h.registry.Get("python")

	_, ok := tr.Percentage()
	assert.False(t, ok, "no data without tokens")
}

func TestPercentageRounding(t *testing.T) {
	tests := []struct {
		accepted, total int
		expected        int
	}{
		{1, 3, 33},
		{2, 3, 67},
		{1, 8, 13},
		{5, 5, 100},
		{7, 5, 140},
	}
	for _, tt := range tests {
		pct, ok := percentage(tt.accepted, tt.total)
		assert.True(t, ok)
		assert.Equal(t, tt.expected, pct, "%d/%d", tt.accepted, tt.total)
	}
}

func TestRegistryResetStopsTrackers(t *testing.T) {
	h := newHarness(t)
	h.store.Open("a.py", "python", "")
	tr := h.registry.Get("python")
	h.accept(t, "a.py", "python", 0, "pass")

	h.registry.Reset()

	assert.False(t, tr.IsActive(), "stopped")
	assert.Equal(t, 0, tr.ActiveRequestCount(), "timer cancelled")
	assert.Empty(t, h.scheduler.pending(), "no pending callbacks")
	assert.Empty(t, h.registry.Languages(), "registry cleared")
	assert.NotSame(t, tr, h.registry.Get("python"), "new tracker after reset")

	h.apply(t, document.Edit{Document: "a.py", Offset: 0, Text: "typed"})
	total, _ := tr.Totals()
	assert.Equal(t, 0, total, "stopped tracker no longer listens")
}

func TestFlushAll(t *testing.T) {
	h := newHarness(t)
	h.store.Open("a.py", "python", "")
	h.store.Open("a.go", "go", "")

	h.accept(t, "a.py", "python", 0, "pass")
	h.accept(t, "a.go", "go", 0, "return")
	h.registry.Get("rust")

	h.registry.FlushAll()

	events := h.sender.sent()
	require.Len(t, events, 2, "one metric per active language")
	assert.Equal(t, "go", events[0].Fields.(metrics.CodePercentage).Language, "sorted by language")
	assert.Equal(t, "python", events[1].Fields.(metrics.CodePercentage).Language, "sorted by language")
}

func TestWallClockFlush(t *testing.T) {
	store := document.NewStore()
	sender := &fakeSender{}
	registry := NewRegistry(Options{
		TimeWindow: 10 * time.Millisecond,
		Source:     store,
		Sender:     sender,
	})
	defer registry.Reset()

	store.Open("a.py", "python", "")
	tr := registry.Get("python")
	tr.ActivateIfNotActive()
	_, err := store.Apply(document.Edit{Document: "a.py", Offset: 0, Text: "x = 1"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(sender.sent()) == 1
	}, 2*time.Second, 5*time.Millisecond, "timer flushes on its own")
	assert.Equal(t, 1, tr.ActiveRequestCount(), "timer rescheduled")
}

func TestFlushDisposesMarkers(t *testing.T) {
	h := newHarness(t)
	h.store.Open("a.py", "python", "")
	tr := h.registry.Get("python")

	m := h.accept(t, "a.py", "python", 0, "pass")
	fake := &fakeMarker{doc: "a.py", original: "x", current: "x", valid: true}
	tr.OnSuggestionAccepted(Acceptance{Invocation: InvocationContext{Language: "python"}, Marker: fake})
	require.Equal(t, 2, tr.PendingMarkers())

	tr.ForceFlush()

	assert.Equal(t, 0, tr.PendingMarkers(), "window reset")
	assert.True(t, fake.disposed, "flushed marker disposed")
	assert.False(t, m.IsValid(), "store marker released")

	// later edits no longer touch the released span
	h.apply(t, document.Edit{Document: "a.py", Offset: 0, Text: "# "})
	start, end := m.Range()
	assert.Equal(t, 0, start)
	assert.Equal(t, 4, end)
}

func TestStopDisposesPendingMarkers(t *testing.T) {
	h := newHarness(t)
	tr := h.registry.Get("python")
	fake := &fakeMarker{doc: "a.py", original: "x", current: "x", valid: true}
	tr.OnSuggestionAccepted(Acceptance{Invocation: InvocationContext{Language: "python"}, Marker: fake})

	tr.Stop()

	assert.True(t, fake.disposed, "pending marker disposed on stop")
	assert.Equal(t, 0, tr.PendingMarkers())
}
