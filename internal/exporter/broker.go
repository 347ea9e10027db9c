package exporter

import (
	"sync"

	"github.com/seantiz/cutline/internal/progress"
)

// subscriberBufferSize is the channel buffer for each progress subscriber.
// Updates are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// ProgressBroker fans progress updates of each export out to subscribers.
// It is safe for concurrent use.
//
// Closed topics are retained as markers with their final update so that late
// subscribers receive that update on an already closed channel.
type ProgressBroker struct {
	mu     sync.Mutex
	topics map[string]*progressTopic
}

type progressTopic struct {
	subs    map[int]chan progress.Progress
	nextID  int
	last    progress.Progress
	hasLast bool
	closed  bool
}

// NewProgressBroker creates a new progress broker.
func NewProgressBroker() *ProgressBroker {
	return &ProgressBroker{
		topics: make(map[string]*progressTopic),
	}
}

func (b *ProgressBroker) topic(exportID string) *progressTopic {
	t, ok := b.topics[exportID]
	if !ok {
		t = &progressTopic{subs: make(map[int]chan progress.Progress)}
		b.topics[exportID] = t
	}
	return t
}

// Subscribe returns a channel that receives progress updates for the export
// and an unsubscribe function. The latest update, if any, is delivered first.
// If the export has already finished the channel is closed after it.
func (b *ProgressBroker) Subscribe(exportID string) (<-chan progress.Progress, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(exportID)
	ch := make(chan progress.Progress, subscriberBufferSize)
	if t.hasLast {
		ch <- t.last
	}
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends an update to all subscribers of the export. Updates are
// dropped for subscribers whose buffers are full.
func (b *ProgressBroker) Publish(exportID string, p progress.Progress) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(exportID)
	if t.closed {
		return
	}
	t.last, t.hasLast = p, true
	for _, ch := range t.subs {
		select {
		case ch <- p:
		default:
		}
	}
}

// Last returns the most recent update of the export.
func (b *ProgressBroker) Last(exportID string) (progress.Progress, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[exportID]
	if !ok || !t.hasLast {
		return progress.Progress{}, false
	}
	return t.last, true
}

// Close signals that no more updates will be published for the export.
// All subscriber channels are closed.
func (b *ProgressBroker) Close(exportID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(exportID)
	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
