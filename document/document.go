// Package document keeps the text of open editor buffers and the range
// markers placed over accepted suggestions.
//
// Offsets and lengths are counted in runes. Markers follow non-greedy rules:
// text inserted exactly at a marker's start or end lands outside the marker,
// and a marker whose whole span is deleted or replaced becomes invalid.
package document

import (
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"
)

var (
	ErrUnknownDocument = errors.New("unknown document")
	ErrOutOfRange      = errors.New("range out of bounds")
	ErrEmptyRange      = errors.New("empty range")
)

// ID identifies an open document, typically its path or buffer handle.
type ID string

// Edit replaces RemovedLength runes at Offset with Text.
type Edit struct {
	Document      ID
	Offset        int
	RemovedLength int
	Text          string
	// FromSuggestion marks the edit that inserts an accepted suggestion.
	FromSuggestion bool
}

// ChangeEvent is published to subscribers after a document changes.
type ChangeEvent struct {
	Document       ID
	Language       string
	Offset         int
	RemovedLength  int
	InsertedText   string
	FromSuggestion bool
	// WholeTextReplaced is set for reloads, which are not user typing.
	WholeTextReplaced bool
}

// InsertedLength returns the rune length of the inserted text.
func (e ChangeEvent) InsertedLength() int {
	return utf8.RuneCountInString(e.InsertedText)
}

type document struct {
	id       ID
	language string
	text     []rune
	markers  []*RangeMarker
}

// Store holds open documents. It is safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	docs        map[ID]*document
	subscribers map[int]func(ChangeEvent)
	nextSubID   int
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		docs:        make(map[ID]*document),
		subscribers: make(map[int]func(ChangeEvent)),
	}
}

// Open registers a document with its current text. Re-opening an open
// document replaces its text and invalidates its markers.
func (s *Store) Open(id ID, language, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc, ok := s.docs[id]; ok {
		doc.invalidateMarkers()
	}
	s.docs[id] = &document{
		id:       id,
		language: language,
		text:     []rune(text),
	}
}

// Close forgets a document and invalidates its markers.
func (s *Store) Close(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc, ok := s.docs[id]; ok {
		doc.invalidateMarkers()
		delete(s.docs, id)
	}
}

// IsOpen reports whether id is open.
func (s *Store) IsOpen(id ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.docs[id]
	return ok
}

// Language returns the language of an open document.
func (s *Store) Language(id ID) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return "", false
	}
	return doc.language, true
}

// Text returns the full text of an open document.
func (s *Store) Text(id ID) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return "", false
	}
	return string(doc.text), true
}

// Reload replaces the whole text of a document, for example after it was
// re-read from disk. Markers are invalidated and subscribers see a
// WholeTextReplaced event.
func (s *Store) Reload(id ID, text string) error {
	s.mu.Lock()
	doc, ok := s.docs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("reload %s: %w", id, ErrUnknownDocument)
	}
	ev := ChangeEvent{
		Document:          id,
		Language:          doc.language,
		Offset:            0,
		RemovedLength:     len(doc.text),
		InsertedText:      text,
		WholeTextReplaced: true,
	}
	doc.invalidateMarkers()
	doc.text = []rune(text)
	subs := s.subscribersLocked()
	s.mu.Unlock()

	notify(subs, ev)
	return nil
}

// Apply applies an edit, updates markers and notifies subscribers.
func (s *Store) Apply(edit Edit) (ChangeEvent, error) {
	s.mu.Lock()
	doc, ok := s.docs[edit.Document]
	if !ok {
		s.mu.Unlock()
		return ChangeEvent{}, fmt.Errorf("apply edit to %s: %w", edit.Document, ErrUnknownDocument)
	}
	if edit.Offset < 0 || edit.RemovedLength < 0 || edit.Offset+edit.RemovedLength > len(doc.text) {
		n := len(doc.text)
		s.mu.Unlock()
		return ChangeEvent{}, fmt.Errorf("apply edit [%d,+%d) to %s of length %d: %w",
			edit.Offset, edit.RemovedLength, edit.Document, n, ErrOutOfRange)
	}

	inserted := []rune(edit.Text)
	end := edit.Offset + edit.RemovedLength
	text := make([]rune, 0, len(doc.text)-edit.RemovedLength+len(inserted))
	text = append(text, doc.text[:edit.Offset]...)
	text = append(text, inserted...)
	text = append(text, doc.text[end:]...)
	doc.text = text

	live := doc.markers[:0]
	for _, m := range doc.markers {
		m.adjust(edit.Offset, edit.RemovedLength, len(inserted))
		if m.valid {
			live = append(live, m)
		}
	}
	doc.markers = live

	ev := ChangeEvent{
		Document:       edit.Document,
		Language:       doc.language,
		Offset:         edit.Offset,
		RemovedLength:  edit.RemovedLength,
		InsertedText:   edit.Text,
		FromSuggestion: edit.FromSuggestion,
	}
	subs := s.subscribersLocked()
	s.mu.Unlock()

	notify(subs, ev)
	return ev, nil
}

// MarkRange places a marker over [start, end) of an open document. The
// marker's original text is the text currently in that span.
func (s *Store) MarkRange(id ID, start, end int) (*RangeMarker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("mark range in %s: %w", id, ErrUnknownDocument)
	}
	if start < 0 || end > len(doc.text) || start > end {
		return nil, fmt.Errorf("mark range [%d,%d) in %s of length %d: %w", start, end, id, len(doc.text), ErrOutOfRange)
	}
	if start == end {
		return nil, fmt.Errorf("mark range [%d,%d) in %s: %w", start, end, id, ErrEmptyRange)
	}

	m := &RangeMarker{
		store:        s,
		document:     id,
		language:     doc.language,
		start:        start,
		end:          end,
		originalText: string(doc.text[start:end]),
		valid:        true,
	}
	doc.markers = append(doc.markers, m)
	return m, nil
}

// Subscribe registers fn for change events and returns a function that
// removes it. fn runs on the goroutine that applied the change, after the
// store lock is released.
func (s *Store) Subscribe(fn func(ChangeEvent)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
		})
	}
}

// subscribersLocked snapshots subscribers in registration order.
func (s *Store) subscribersLocked() []func(ChangeEvent) {
	subs := make([]func(ChangeEvent), 0, len(s.subscribers))
	for id := 0; id < s.nextSubID; id++ {
		if fn, ok := s.subscribers[id]; ok {
			subs = append(subs, fn)
		}
	}
	return subs
}

func notify(subs []func(ChangeEvent), ev ChangeEvent) {
	for _, fn := range subs {
		fn(ev)
	}
}

func (d *document) invalidateMarkers() {
	for _, m := range d.markers {
		m.valid = false
	}
	d.markers = nil
}
