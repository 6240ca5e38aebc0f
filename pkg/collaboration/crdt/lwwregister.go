package crdt

// LWWRegister is a Last-Write-Wins register ordered by Lamport stamps.
// It is not safe for concurrent use.
type LWWRegister[T any] struct {
	value T
	stamp Stamp
	set   bool
}

// NewLWWRegister creates an empty register
func NewLWWRegister[T any]() *LWWRegister[T] {
	return &LWWRegister[T]{}
}

// Set stores value if stamp is newer than the current one. It reports
// whether the write won.
func (r *LWWRegister[T]) Set(value T, stamp Stamp) bool {
	if r.set && !r.stamp.Less(stamp) {
		return false
	}
	r.value = value
	r.stamp = stamp
	r.set = true
	return true
}

// Get returns the current value and whether one was ever written
func (r *LWWRegister[T]) Get() (T, bool) {
	return r.value, r.set
}

// Stamp returns the stamp of the winning write
func (r *LWWRegister[T]) Stamp() Stamp {
	return r.stamp
}

// Merge combines this register with another
func (r *LWWRegister[T]) Merge(other *LWWRegister[T]) {
	if other == nil || !other.set {
		return
	}
	r.Set(other.value, other.stamp)
}

// Clone creates a copy of the register
func (r *LWWRegister[T]) Clone() *LWWRegister[T] {
	clone := *r
	return &clone
}
