package broker

import (
	"sync"

	"github.com/segmentio/kafka-go"
)

type partition struct {
	topic string
	id    int
}

// partitionOffsets holds the fetched offsets of one partition that are not
// committed yet, in fetch order.
type partitionOffsets struct {
	inflight []int64
	settled  map[int64]kafka.Message
}

// offsetTracker turns out-of-order settlements from concurrent lanes into
// in-order commits. A kafka commit of offset N marks every earlier offset of
// the partition as consumed, so only the highest offset below which every
// fetched message is settled may be committed.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[partition]*partitionOffsets
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[partition]*partitionOffsets)}
}

// track records a fetched message. It must be called in fetch order.
func (t *offsetTracker) track(km kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := partition{km.Topic, km.Partition}
	p, ok := t.partitions[key]
	if !ok {
		p = &partitionOffsets{settled: make(map[int64]kafka.Message)}
		t.partitions[key] = p
	}
	p.inflight = append(p.inflight, km.Offset)
}

// settle marks km as settled and calls commit with the highest contiguous
// settled message of its partition, if the low watermark moved. commit runs
// under the tracker lock so commits of a partition never go backwards.
func (t *offsetTracker) settle(km kafka.Message, commit func(kafka.Message) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.partitions[partition{km.Topic, km.Partition}]
	if !ok {
		return commit(km)
	}
	p.settled[km.Offset] = km

	var last kafka.Message
	advanced := false
	for len(p.inflight) > 0 {
		head, done := p.settled[p.inflight[0]]
		if !done {
			break
		}
		delete(p.settled, p.inflight[0])
		p.inflight = p.inflight[1:]
		last, advanced = head, true
	}
	if !advanced {
		return nil
	}
	return commit(last)
}
