package conversation

// EventKind distinguishes store notifications.
type EventKind string

const (
	EventAppended EventKind = "appended"
	EventCleared  EventKind = "cleared"
)

// Event is delivered to subscribers after the store has changed.
type Event struct {
	Kind    EventKind `json:"kind"`
	Message Message   `json:"message,omitzero"`
}

// Subscribe registers fn to be called synchronously after every append or
// clear. fn may read from the store but must not modify it. The returned
// function removes the subscription.
func (s *Store) Subscribe(fn func(Event)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) publish(ev Event) {
	s.subMu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
