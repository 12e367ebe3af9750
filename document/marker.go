package document

// RangeMarker tracks a span of a document across edits.
type RangeMarker struct {
	store        *Store
	document     ID
	language     string
	start, end   int
	originalText string
	valid        bool
}

// DocumentID returns the document the marker belongs to.
func (m *RangeMarker) DocumentID() ID { return m.document }

// Language returns the language of the marker's document.
func (m *RangeMarker) Language() string { return m.language }

// OriginalText returns the text the span held when the marker was placed.
func (m *RangeMarker) OriginalText() string { return m.originalText }

// IsValid reports whether the span still exists.
func (m *RangeMarker) IsValid() bool {
	m.store.mu.RLock()
	defer m.store.mu.RUnlock()
	return m.valid
}

// Range returns the current [start, end) offsets.
func (m *RangeMarker) Range() (start, end int) {
	m.store.mu.RLock()
	defer m.store.mu.RUnlock()
	return m.start, m.end
}

// Text returns the current text of the span, or false if the marker is no
// longer valid.
func (m *RangeMarker) Text() (string, bool) {
	m.store.mu.RLock()
	defer m.store.mu.RUnlock()

	if !m.valid {
		return "", false
	}
	doc, ok := m.store.docs[m.document]
	if !ok || m.end > len(doc.text) {
		return "", false
	}
	return string(doc.text[m.start:m.end]), true
}

// Dispose invalidates the marker and stops tracking it. The store no longer
// adjusts it on edits. Disposing twice is a no-op.
func (m *RangeMarker) Dispose() {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()

	m.valid = false
	doc, ok := m.store.docs[m.document]
	if !ok {
		return
	}
	for i, other := range doc.markers {
		if other == m {
			doc.markers = append(doc.markers[:i], doc.markers[i+1:]...)
			return
		}
	}
}

// adjust moves the marker for a change that replaced removed runes at offset
// with inserted runes. Caller holds the store lock.
func (m *RangeMarker) adjust(offset, removed, inserted int) {
	if !m.valid {
		return
	}
	changeEnd := offset + removed
	delta := inserted - removed

	switch {
	case removed == 0:
		switch {
		case offset <= m.start:
			m.start += inserted
			m.end += inserted
		case offset < m.end:
			m.end += inserted
		}

	case changeEnd <= m.start:
		m.start += delta
		m.end += delta

	case offset >= m.end:
		// after the marker

	case offset <= m.start && changeEnd >= m.end:
		m.valid = false

	case offset < m.start:
		// change overlaps the head; replacement text stays outside
		m.end += delta
		m.start = offset + inserted

	case changeEnd >= m.end:
		// change overlaps the tail; replacement text stays outside
		m.end = offset

	default:
		m.end += delta
	}

	if m.start >= m.end {
		m.valid = false
	}
}
