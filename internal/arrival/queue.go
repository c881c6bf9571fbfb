// Package arrival buffers inbound transport data per topic name until a
// consumer drains it.
package arrival

import (
	"slices"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/rmacdonaldsmith/qmsg-go/internal/metrics"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/shortname"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/transport"
)

var log = logging.Logger("qmsg/arrival")

// DefaultClosedBuffer is the capacity of the connection-closed signal channel.
const DefaultClosedBuffer = 64

// Queue implements transport.Delegate. Inbound messages are appended under a
// lock that covers only the queue map, so transport callbacks never wait on
// consumers. Messages for one name are drained in arrival order; there is no
// ordering across names.
//
// Data for names nobody asked for is still queued. Consumers drain or
// Discard it explicitly.
type Queue struct {
	mu     sync.Mutex
	queues map[shortname.ShortName][]transport.Message
	depth  int

	ready  chan struct{}
	closed chan shortname.ShortName

	metrics *metrics.Metrics
}

// NewQueue creates an empty queue. m may be nil.
func NewQueue(m *metrics.Metrics) *Queue {
	return &Queue{
		queues:  make(map[shortname.ShortName][]transport.Message),
		ready:   make(chan struct{}, 1),
		closed:  make(chan shortname.ShortName, DefaultClosedBuffer),
		metrics: m,
	}
}

// OnDataArrived appends a message to the queue for name.
func (q *Queue) OnDataArrived(name shortname.ShortName, payload []byte, groupID, objectID uint64) {
	msg := transport.NewMessage(name, payload, groupID, objectID)

	q.mu.Lock()
	q.queues[name] = append(q.queues[name], msg)
	q.depth++
	depth := q.depth
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.MessagesEnqueued.Inc()
		q.metrics.QueueDepth.Set(float64(depth))
	}

	// Coalescing wakeup: one pending signal is enough for any number of messages.
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// OnConnectionClosed logs the event and signals it on ConnectionClosed.
// Resubscribing is up to whoever reads the signal.
func (q *Queue) OnConnectionClosed(name shortname.ShortName) {
	log.Infow("connection closed", "name", name)
	if q.metrics != nil {
		q.metrics.ConnectionClosed.Inc()
	}

	select {
	case q.closed <- name:
	default:
		log.Warnw("connection-closed signal dropped, consumer is behind", "name", name)
	}
}

// Log forwards transport log lines to the package logger.
func (q *Queue) Log(level transport.LogLevel, message string) {
	switch level {
	case transport.LevelDebug:
		log.Debug(message)
	case transport.LevelInfo:
		log.Info(message)
	case transport.LevelWarn:
		log.Warn(message)
	default:
		log.Error(message)
	}
}

// Drain pops the oldest message queued for name.
func (q *Queue) Drain(name shortname.ShortName) (transport.Message, bool) {
	q.mu.Lock()
	pending := q.queues[name]
	if len(pending) == 0 {
		q.mu.Unlock()
		return transport.Message{}, false
	}

	msg := pending[0]
	pending[0] = transport.Message{}
	if len(pending) == 1 {
		delete(q.queues, name)
	} else {
		q.queues[name] = pending[1:]
	}
	q.depth--
	depth := q.depth
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.MessagesDrained.Inc()
		q.metrics.QueueDepth.Set(float64(depth))
	}
	return msg, true
}

// Discard drops every message queued for name and returns how many were dropped.
func (q *Queue) Discard(name shortname.ShortName) int {
	q.mu.Lock()
	n := len(q.queues[name])
	delete(q.queues, name)
	q.depth -= n
	depth := q.depth
	q.mu.Unlock()

	if q.metrics != nil && n > 0 {
		q.metrics.MessagesDropped.WithLabelValues("discarded").Add(float64(n))
		q.metrics.QueueDepth.Set(float64(depth))
	}
	return n
}

// Pending returns the number of messages queued for name.
func (q *Queue) Pending(name shortname.ShortName) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[name])
}

// Len returns the number of messages queued across all names.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

// Names returns every name with queued messages, sorted.
func (q *Queue) Names() []shortname.ShortName {
	q.mu.Lock()
	names := make([]shortname.ShortName, 0, len(q.queues))
	for name := range q.queues {
		names = append(names, name)
	}
	q.mu.Unlock()

	slices.SortFunc(names, shortname.ShortName.Compare)
	return names
}

// Depths returns the number of queued messages per name.
func (q *Queue) Depths() map[shortname.ShortName]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[shortname.ShortName]int, len(q.queues))
	for name, pending := range q.queues {
		out[name] = len(pending)
	}
	return out
}

// Ready is signalled after data arrives. A single signal may cover many
// messages, so consumers drain until empty after waking.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// ConnectionClosed delivers names whose transport connection closed.
func (q *Queue) ConnectionClosed() <-chan shortname.ShortName {
	return q.closed
}

// Verify that Queue implements the Delegate interface at compile time
var _ transport.Delegate = (*Queue)(nil)
