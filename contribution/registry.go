package contribution

import (
	"sort"
	"sync"

	"codepercent/logger"
)

// Registry owns one Tracker per language.
type Registry struct {
	opts Options

	mu       sync.Mutex
	trackers map[string]*Tracker
}

// NewRegistry creates an empty registry whose trackers share opts.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:     opts.withDefaults(),
		trackers: make(map[string]*Tracker),
	}
}

// Get returns the tracker for language, creating it on first use. Language
// ids are compared case-insensitively.
func (r *Registry) Get(language string) *Tracker {
	key := normalizeLanguage(language)

	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.trackers[key]; ok {
		return t
	}
	t := newTracker(key, r.opts)
	r.trackers[key] = t
	logger.Debug("contribution: created tracker for %s", key)
	return t
}

// Lookup returns the tracker for language without creating one.
func (r *Registry) Lookup(language string) (*Tracker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[normalizeLanguage(language)]
	return t, ok
}

// Languages returns the languages that have a tracker, sorted.
func (r *Registry) Languages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	languages := make([]string, 0, len(r.trackers))
	for l := range r.trackers {
		languages = append(languages, l)
	}
	sort.Strings(languages)
	return languages
}

// FlushAll force-flushes every active tracker.
func (r *Registry) FlushAll() {
	for _, l := range r.Languages() {
		if t, ok := r.Lookup(l); ok && t.IsActive() {
			t.ForceFlush()
		}
	}
}

// Reset stops every tracker and forgets them.
func (r *Registry) Reset() {
	r.mu.Lock()
	trackers := r.trackers
	r.trackers = make(map[string]*Tracker)
	r.mu.Unlock()

	for _, t := range trackers {
		t.Stop()
	}
}
