package metrics

import (
	"sync"
	"sync/atomic"
)

// realtimeStats holds counters for the room router.
// Kept simple/thread-safe for use from the hub and exposition.
type realtimeStats struct {
	connects    uint64
	disconnects uint64
	messages    uint64

	mu            sync.Mutex
	signalsByType map[string]uint64
}

var rt realtimeStats

// IncWSConnect increments the websocket connect counter.
func IncWSConnect() {
	atomic.AddUint64(&rt.connects, 1)
}

// IncWSDisconnect increments the websocket disconnect counter.
func IncWSDisconnect() {
	atomic.AddUint64(&rt.disconnects, 1)
}

// IncMessageRouted increments the chat message fan-out counter.
func IncMessageRouted() {
	atomic.AddUint64(&rt.messages, 1)
}

// IncCallSignal increments the relay counter for the given signaling event type.
func IncCallSignal(eventType string) {
	rt.mu.Lock()
	if rt.signalsByType == nil {
		rt.signalsByType = make(map[string]uint64)
	}
	rt.signalsByType[eventType]++
	rt.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func Snapshot() (connects, disconnects, messages uint64, signals map[string]uint64) {
	connects = atomic.LoadUint64(&rt.connects)
	disconnects = atomic.LoadUint64(&rt.disconnects)
	messages = atomic.LoadUint64(&rt.messages)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	signals = make(map[string]uint64, len(rt.signalsByType))
	for k, v := range rt.signalsByType {
		signals[k] = v
	}
	return connects, disconnects, messages, signals
}
