package client

import "time"

// SyncMode selects when queued local operations are sent
type SyncMode int

const (
	// ModeImmediate sends every operation as soon as it is created
	ModeImmediate SyncMode = iota
	// ModeBatched sends once BatchSize operations are queued or Interval elapses
	ModeBatched
)

func (m SyncMode) String() string {
	if m == ModeBatched {
		return "batched"
	}
	return "immediate"
}

// SyncStrategy controls outbox flushing while live
type SyncStrategy struct {
	Mode      SyncMode
	BatchSize int
	Interval  time.Duration
}

// Immediate sends each operation as it is created
func Immediate() SyncStrategy {
	return SyncStrategy{Mode: ModeImmediate}
}

// Batched flushes when size operations are queued or interval elapses
func Batched(size int, interval time.Duration) SyncStrategy {
	if size < 1 {
		size = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return SyncStrategy{Mode: ModeBatched, BatchSize: size, Interval: interval}
}

// due reports whether n unsent operations should be flushed now
func (s SyncStrategy) due(n int) bool {
	if n == 0 {
		return false
	}
	return s.Mode == ModeImmediate || n >= s.BatchSize
}
