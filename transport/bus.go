// Package transport carries framed messages between clients and
// cluster members over named channels. A channel is a bounded FIFO:
// publishing to a full channel fails instead of blocking, which is the
// back-pressure signal callers retry on.
package transport

import (
	"sync"
)

// Handler consumes one polled fragment. The position is the fragment's
// sequence number on its channel, assigned at publish time; it only
// ever grows, so consumers can use it to spot redelivery.
type Handler func(data []byte, position uint64)

// Bus publishes to and polls from named channels.
type Bus interface {
	// Publish appends data to the channel and reports whether it was
	// accepted. False means the channel is full and the caller should
	// retry after draining makes room.
	Publish(channel string, data []byte) bool

	// Poll delivers up to limit pending fragments on the channel to the
	// handler and returns how many were delivered.
	Poll(channel string, handler Handler, limit int) int
}

const defaultChannelCapacity = 128

type fragment struct {
	position uint64
	data     []byte
}

// MemoryBus is an in-process Bus. All members of an in-process cluster
// and their clients share one instance.
type MemoryBus struct {
	mutex    sync.Mutex
	capacity int
	channels map[string][]fragment
	next     map[string]uint64
}

func MakeMemoryBus() *MemoryBus {
	return MakeMemoryBusWithCapacity(defaultChannelCapacity)
}

func MakeMemoryBusWithCapacity(capacity int) *MemoryBus {
	return &MemoryBus{
		capacity: capacity,
		channels: make(map[string][]fragment),
		next:     make(map[string]uint64),
	}
}

func (b *MemoryBus) Publish(channel string, data []byte) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	queue := b.channels[channel]
	if len(queue) >= b.capacity {
		return false
	}

	// callers may reuse the buffer after Publish returns
	owned := make([]byte, len(data))
	copy(owned, data)

	b.next[channel]++
	b.channels[channel] = append(queue, fragment{
		position: b.next[channel],
		data:     owned,
	})
	return true
}

func (b *MemoryBus) Poll(channel string, handler Handler, limit int) int {
	b.mutex.Lock()
	queue := b.channels[channel]
	count := len(queue)
	if limit < count {
		count = limit
	}
	batch := queue[:count]
	b.channels[channel] = queue[count:]
	b.mutex.Unlock()

	// handlers run outside the lock so they may publish responses
	for _, f := range batch {
		handler(f.data, f.position)
	}
	return count
}

// Pending returns the number of undelivered fragments on the channel.
func (b *MemoryBus) Pending(channel string) int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return len(b.channels[channel])
}
