package mcp

import (
	"errors"
	"strconv"
	"strings"
	"sync"
)

const (
	// DefaultEventRetention is the number of events a session keeps for resumption.
	DefaultEventRetention = 1000

	subscriberBuffer = 64
)

var (
	// ErrUnknownEvent is returned when a Last-Event-ID does not name a known stream.
	ErrUnknownEvent = errors.New("mcp: unknown event id")
	// ErrLogClosed is returned by Append after the log has been closed.
	ErrLogClosed = errors.New("mcp: event log closed")
	// ErrSubscriberLagged ends a subscription whose consumer fell behind.
	// The consumer should reconnect with its last seen event id.
	ErrSubscriberLagged = errors.New("mcp: subscriber lagged behind event log")
)

// Event is one entry in a session's event log.
type Event struct {
	ID     string
	Stream string
	Data   []byte

	seq uint64
}

// Subscription delivers events appended to one stream after it was opened.
type Subscription struct {
	ch     chan Event
	stream string
	once   sync.Once
	err    error
}

// Events returns the live event channel. It is closed when the stream ends,
// the log closes or the subscriber lags.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Err reports why the subscription ended. Only meaningful once Events is closed.
func (s *Subscription) Err() error {
	return s.err
}

func (s *Subscription) close(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.ch)
	})
}

// Replay is the result of opening or resuming a stream: the retained events
// after the cursor followed by a live subscription.
type Replay struct {
	Stream    string
	Backlog   []Event
	Truncated bool
	Sub       *Subscription
}

type streamState struct {
	subs     map[*Subscription]struct{}
	ended    bool
	retained int
	// highest sequence trimmed out of the retention window for this stream
	trimmed uint64
}

// EventLog is an append-only, capped, per-session log of outgoing messages.
// Event ids are "<stream>_<seq>" where seq increases across the whole session
// and is never reused.
type EventLog struct {
	mu        sync.Mutex
	seq       uint64
	retention int
	// events[head:] are retained; the dead prefix is compacted once it
	// reaches retention entries
	events []Event
	head   int
	streams   map[string]*streamState
	closed    bool
}

// NewEventLog creates a log keeping at most retention events.
func NewEventLog(retention int) *EventLog {
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	return &EventLog{
		retention: retention,
		streams:   make(map[string]*streamState),
	}
}

// Append records data on stream and fans it out to live subscribers.
func (l *EventLog) Append(stream string, data []byte) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Event{}, ErrLogClosed
	}

	st := l.stateLocked(stream)
	l.seq++
	ev := Event{
		ID:     stream + "_" + strconv.FormatUint(l.seq, 10),
		Stream: stream,
		Data:   data,
		seq:    l.seq,
	}
	l.events = append(l.events, ev)
	st.retained++
	l.trimLocked()

	for sub := range st.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(st.subs, sub)
			sub.close(ErrSubscriberLagged)
		}
	}
	return ev, nil
}

// Subscribe opens a live subscription on stream with no backlog.
func (l *EventLog) Subscribe(stream string) (*Replay, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrLogClosed
	}
	st := l.stateLocked(stream)
	return &Replay{Stream: stream, Sub: l.subscribeLocked(stream, st)}, nil
}

// Resume replays the events of lastEventID's stream that follow it and then
// continues live. Backlog capture and subscription happen atomically, so no
// event is skipped or delivered twice.
func (l *EventLog) Resume(lastEventID string) (*Replay, error) {
	stream, seq, err := ParseEventID(lastEventID)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrLogClosed
	}
	st, ok := l.streams[stream]
	if !ok || seq > l.seq {
		return nil, ErrUnknownEvent
	}

	replay := &Replay{Stream: stream, Truncated: st.trimmed > seq}
	for _, ev := range l.events[l.head:] {
		if ev.Stream == stream && ev.seq > seq {
			replay.Backlog = append(replay.Backlog, ev)
		}
	}
	replay.Sub = l.subscribeLocked(stream, st)
	return replay, nil
}

// Unsubscribe detaches sub from its stream.
func (l *EventLog) Unsubscribe(sub *Subscription) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if st, ok := l.streams[sub.stream]; ok {
		delete(st.subs, sub)
	}
	sub.close(nil)
}

// EndStream marks stream finished; its subscribers are released once they
// drain. Retained events stay resumable until trimmed.
func (l *EventLog) EndStream(stream string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.streams[stream]
	if !ok {
		return
	}
	st.ended = true
	for sub := range st.subs {
		sub.close(nil)
	}
	st.subs = nil
	if st.retained == 0 {
		delete(l.streams, stream)
	}
}

// Close releases every subscriber and rejects further appends.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	for _, st := range l.streams {
		for sub := range st.subs {
			sub.close(nil)
		}
	}
	l.streams = nil
	l.events = nil
	l.head = 0
	return nil
}

// Len returns the number of retained events.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events) - l.head
}

func (l *EventLog) stateLocked(stream string) *streamState {
	st, ok := l.streams[stream]
	if !ok {
		st = &streamState{subs: make(map[*Subscription]struct{})}
		l.streams[stream] = st
	}
	return st
}

func (l *EventLog) subscribeLocked(stream string, st *streamState) *Subscription {
	sub := &Subscription{ch: make(chan Event, subscriberBuffer), stream: stream}
	if st.ended {
		sub.close(nil)
		return sub
	}
	st.subs[sub] = struct{}{}
	return sub
}

func (l *EventLog) trimLocked() {
	for len(l.events)-l.head > l.retention {
		ev := l.events[l.head]
		l.events[l.head] = Event{}
		l.head++
		st, ok := l.streams[ev.Stream]
		if !ok {
			continue
		}
		st.retained--
		st.trimmed = ev.seq
		if st.ended && st.retained == 0 {
			delete(l.streams, ev.Stream)
		}
	}
	if l.head >= l.retention {
		n := copy(l.events, l.events[l.head:])
		clear(l.events[n:])
		l.events = l.events[:n]
		l.head = 0
	}
}

// ParseEventID splits an event id into its stream and sequence number.
func ParseEventID(id string) (string, uint64, error) {
	i := strings.LastIndex(id, "_")
	if i <= 0 || i == len(id)-1 {
		return "", 0, ErrUnknownEvent
	}
	seq, err := strconv.ParseUint(id[i+1:], 10, 64)
	if err != nil {
		return "", 0, ErrUnknownEvent
	}
	return id[:i], seq, nil
}
