package acquisition

import "github.com/norasector/carp/pkg/digitiser"

const DefaultDisplayBuffer = 1024

// DisplayQueue is the bounded data plane between the worker and the
// consumer. When full, publishing evicts the oldest record.
type DisplayQueue struct {
	ch chan *digitiser.Record
}

func NewDisplayQueue(capacity int) *DisplayQueue {
	if capacity <= 0 {
		capacity = DefaultDisplayBuffer
	}
	return &DisplayQueue{ch: make(chan *digitiser.Record, capacity)}
}

// Publish inserts rec, evicting old records until it fits. It never blocks
// and returns the number of records evicted.
func (q *DisplayQueue) Publish(rec *digitiser.Record) int {
	dropped := 0
	for {
		select {
		case q.ch <- rec:
			return dropped
		default:
		}

		select {
		case <-q.ch:
			dropped++
		default:
			// a consumer made room between the two selects
		}
	}
}

// TryNext returns the oldest queued record, or false when the queue is empty.
func (q *DisplayQueue) TryNext() (*digitiser.Record, bool) {
	select {
	case rec := <-q.ch:
		return rec, true
	default:
		return nil, false
	}
}

// C exposes the receive side for consumers that prefer to select on it.
func (q *DisplayQueue) C() <-chan *digitiser.Record { return q.ch }

func (q *DisplayQueue) Len() int { return len(q.ch) }
func (q *DisplayQueue) Cap() int { return cap(q.ch) }
