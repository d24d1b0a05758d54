// Package metrics holds the process-wide operation counters recorded by the drivers.
package metrics

import (
	"sync/atomic"
	"time"
)

var (
	// Operation counters
	pauseRequests    uint64
	pauseAcks        uint64
	eventsDelivered  uint64
	eventsReplied    uint64
	listenTimeouts   uint64
	physicalReads    uint64
	bytesRead        uint64
	registerOps      uint64
	interceptToggles uint64

	// Timing metrics (nanoseconds)
	totalListenTime uint64
	listenCalls     uint64

	// Error counters
	backendErrors uint64
	desyncErrors  uint64
)

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	PauseRequests    uint64
	PauseAcks        uint64
	EventsDelivered  uint64
	EventsReplied    uint64
	ListenTimeouts   uint64
	PhysicalReads    uint64
	BytesRead        uint64
	RegisterOps      uint64
	InterceptToggles uint64
	ListenCalls      uint64
	TotalListenNs    uint64
	BackendErrors    uint64
	DesyncErrors     uint64
}

// Load returns the current counters.
func Load() Snapshot {
	return Snapshot{
		PauseRequests:    atomic.LoadUint64(&pauseRequests),
		PauseAcks:        atomic.LoadUint64(&pauseAcks),
		EventsDelivered:  atomic.LoadUint64(&eventsDelivered),
		EventsReplied:    atomic.LoadUint64(&eventsReplied),
		ListenTimeouts:   atomic.LoadUint64(&listenTimeouts),
		PhysicalReads:    atomic.LoadUint64(&physicalReads),
		BytesRead:        atomic.LoadUint64(&bytesRead),
		RegisterOps:      atomic.LoadUint64(&registerOps),
		InterceptToggles: atomic.LoadUint64(&interceptToggles),
		ListenCalls:      atomic.LoadUint64(&listenCalls),
		TotalListenNs:    atomic.LoadUint64(&totalListenTime),
		BackendErrors:    atomic.LoadUint64(&backendErrors),
		DesyncErrors:     atomic.LoadUint64(&desyncErrors),
	}
}

// Reset clears all counters.
func Reset() {
	atomic.StoreUint64(&pauseRequests, 0)
	atomic.StoreUint64(&pauseAcks, 0)
	atomic.StoreUint64(&eventsDelivered, 0)
	atomic.StoreUint64(&eventsReplied, 0)
	atomic.StoreUint64(&listenTimeouts, 0)
	atomic.StoreUint64(&physicalReads, 0)
	atomic.StoreUint64(&bytesRead, 0)
	atomic.StoreUint64(&registerOps, 0)
	atomic.StoreUint64(&interceptToggles, 0)
	atomic.StoreUint64(&listenCalls, 0)
	atomic.StoreUint64(&totalListenTime, 0)
	atomic.StoreUint64(&backendErrors, 0)
	atomic.StoreUint64(&desyncErrors, 0)
}

func RecordPauseRequest() {
	atomic.AddUint64(&pauseRequests, 1)
}

func RecordPauseAck() {
	atomic.AddUint64(&pauseAcks, 1)
}

func RecordEventDelivered() {
	atomic.AddUint64(&eventsDelivered, 1)
}

func RecordEventReplied() {
	atomic.AddUint64(&eventsReplied, 1)
}

// RecordListen accounts one Listen call; timedOut is true when it returned no event.
func RecordListen(d time.Duration, timedOut bool) {
	atomic.AddUint64(&listenCalls, 1)
	atomic.AddUint64(&totalListenTime, uint64(d.Nanoseconds()))
	if timedOut {
		atomic.AddUint64(&listenTimeouts, 1)
	}
}

func RecordPhysicalRead(n int) {
	atomic.AddUint64(&physicalReads, 1)
	atomic.AddUint64(&bytesRead, uint64(n))
}

func RecordRegisterOp() {
	atomic.AddUint64(&registerOps, 1)
}

func RecordInterceptToggle() {
	atomic.AddUint64(&interceptToggles, 1)
}

func RecordBackendError() {
	atomic.AddUint64(&backendErrors, 1)
}

func RecordDesync() {
	atomic.AddUint64(&desyncErrors, 1)
}
