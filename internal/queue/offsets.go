package queue

import "sync"

type partitionID struct {
	topic     string
	partition int
}

// offsetTracker lets concurrent handlers ack out of order while commits only ever cover a
// contiguous run of handled offsets. A message that is never acked holds back its
// partition so it is redelivered after a restart.
type offsetTracker struct {
	mu    sync.Mutex
	parts map[partitionID]*partitionOffsets
}

type partitionOffsets struct {
	inflight []int64 // fetch order
	acked    map[int64]struct{}
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{parts: make(map[partitionID]*partitionOffsets)}
}

func (t *offsetTracker) fetched(topic string, partition int, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := partitionID{topic, partition}
	p, ok := t.parts[id]
	if !ok {
		p = &partitionOffsets{acked: make(map[int64]struct{})}
		t.parts[id] = p
	}
	p.inflight = append(p.inflight, offset)
}

// ack records offset as handled and returns the highest offset that may now be committed.
// ok is false while an earlier offset of the partition is still in flight.
func (t *offsetTracker) ack(topic string, partition int, offset int64) (upTo int64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, found := t.parts[partitionID{topic, partition}]
	if !found {
		return 0, false
	}
	p.acked[offset] = struct{}{}

	n := 0
	for _, o := range p.inflight {
		if _, done := p.acked[o]; !done {
			break
		}
		delete(p.acked, o)
		upTo, ok = o, true
		n++
	}
	p.inflight = p.inflight[n:]
	return upTo, ok
}
