package realtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// EventThreadCreated announces a new thread on its category channel.
	EventThreadCreated = "thread_created"
	// EventReplyCreated announces a new reply on the thread and category channels.
	EventReplyCreated = "reply_created"
	// EventReplyEdited announces an edited reply body on the thread channel.
	EventReplyEdited = "reply_edited"
	// EventScoreUpdated announces a vote-driven score change.
	EventScoreUpdated = "score_updated"
	// EventThreadStatusChanged announces an open/locked/archived transition.
	EventThreadStatusChanged = "thread_status_changed"

	defaultBufferSize   = 16
	defaultReplayWindow = 50
)

// ThreadChannel names the subscription topic for a single thread.
func ThreadChannel(threadID string) string {
	return "thread:" + threadID
}

// CategoryChannel names the subscription topic for a category listing.
func CategoryChannel(categoryID string) string {
	return "category:" + categoryID
}

// Event is a committed mutation fanned out to channel subscribers.
// SequenceNumber is monotonic per channel so clients detect gaps and resync
// instead of silently missing updates.
type Event struct {
	Channel        string      `json:"channel"`
	Type           string      `json:"type"`
	Payload        interface{} `json:"payload"`
	SequenceNumber uint64      `json:"sequence_number"`
	PublishedAt    time.Time   `json:"-"`
}

type subscriber struct {
	id       int64
	stream   chan Event
	channels []string
}

type channelState struct {
	sequence    uint64
	replay      []Event
	subscribers map[int64]*subscriber
}

// HubConfig tunes the broadcaster.
type HubConfig struct {
	BufferSize   int
	ReplayWindow int
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Hub fans out events to channel subscribers. Delivery is non-blocking: a
// subscriber whose buffer is full loses the event and recovers through the
// sequence gap plus Replay. Publishing never blocks a writer.
type Hub struct {
	mu           sync.RWMutex
	channels     map[string]*channelState
	nextID       int64
	bufferSize   int
	replayWindow int
	clock        func() time.Time
	logger       *zap.Logger
}

// NewHub constructs a Hub.
func NewHub(cfg HubConfig) *Hub {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	replayWindow := cfg.ReplayWindow
	if replayWindow < 0 {
		replayWindow = defaultReplayWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		channels:     make(map[string]*channelState),
		bufferSize:   bufferSize,
		replayWindow: replayWindow,
		clock:        clock,
		logger:       logger,
	}
}

// Subscribe registers a connection on the given channels and returns its event
// stream plus a release function. Cancelling ctx releases the subscriptions,
// so a transport disconnect cleans up without further coordination.
func (h *Hub) Subscribe(ctx context.Context, channels []string) (<-chan Event, func()) {
	if len(channels) == 0 {
		closed := make(chan Event)
		close(closed)
		return closed, func() {}
	}

	h.mu.Lock()
	h.nextID++
	sub := &subscriber{
		id:       h.nextID,
		stream:   make(chan Event, h.bufferSize),
		channels: append([]string(nil), channels...),
	}
	for _, channel := range sub.channels {
		state := h.channelState(channel)
		state.subscribers[sub.id] = sub
	}
	h.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			h.unsubscribe(sub)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish assigns the next sequence number on the channel, records the event
// in the replay window, and delivers it to current subscribers. Safe to call
// with no subscribers; the sequence still advances.
func (h *Hub) Publish(channel, eventType string, payload interface{}) {
	if channel == "" || eventType == "" {
		return
	}

	h.mu.Lock()
	state := h.channelState(channel)
	state.sequence++
	event := Event{
		Channel:        channel,
		Type:           eventType,
		Payload:        payload,
		SequenceNumber: state.sequence,
		PublishedAt:    h.clock().UTC(),
	}
	if h.replayWindow > 0 {
		state.replay = append(state.replay, event)
		if len(state.replay) > h.replayWindow {
			state.replay = state.replay[len(state.replay)-h.replayWindow:]
		}
	}
	targets := make([]*subscriber, 0, len(state.subscribers))
	for _, sub := range state.subscribers {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.stream <- event:
		default:
			h.logger.Debug("subscriber buffer full, dropping event",
				zap.String("channel", channel),
				zap.String("type", eventType),
				zap.Uint64("sequence", event.SequenceNumber))
		}
	}
}

// Replay returns the buffered events on channel with sequence numbers greater
// than afterSequence, oldest first. The second return value is false when the
// requested position has fallen out of the replay window, in which case the
// client must re-fetch full state instead.
func (h *Hub) Replay(channel string, afterSequence uint64) ([]Event, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	state, ok := h.channels[channel]
	if !ok || state.sequence == 0 {
		return nil, afterSequence == 0
	}
	oldestCovered := state.sequence - uint64(len(state.replay))
	if afterSequence < oldestCovered {
		return nil, false
	}
	var events []Event
	for _, event := range state.replay {
		if event.SequenceNumber > afterSequence {
			events = append(events, event)
		}
	}
	return events, true
}

// Sequence reports the latest sequence number assigned on the channel.
func (h *Hub) Sequence(channel string) uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if state, ok := h.channels[channel]; ok {
		return state.sequence
	}
	return 0
}

// channelState returns the state for channel, creating it if needed.
// Callers must hold h.mu.
func (h *Hub) channelState(channel string) *channelState {
	state, ok := h.channels[channel]
	if !ok {
		state = &channelState{subscribers: make(map[int64]*subscriber)}
		h.channels[channel] = state
	}
	return state
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	for _, channel := range sub.channels {
		state, ok := h.channels[channel]
		if !ok {
			continue
		}
		delete(state.subscribers, sub.id)
		if len(state.subscribers) == 0 && len(state.replay) == 0 && state.sequence == 0 {
			delete(h.channels, channel)
		}
	}
	h.mu.Unlock()
}
