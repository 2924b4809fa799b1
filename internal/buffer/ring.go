package buffer

// Ring is a fixed-capacity FIFO that overwrites its oldest entry when full.
// It is not safe for concurrent use.
type Ring[T any] struct {
	entries []T
	start   int
	count   int
}

func NewRing[T any](size int) *Ring[T] {
	if size <= 0 {
		size = 1
	}
	return &Ring[T]{
		entries: make([]T, size),
	}
}

// Add appends entry and reports whether an older entry was evicted.
func (r *Ring[T]) Add(entry T) bool {
	if r == nil || len(r.entries) == 0 {
		return false
	}

	if r.count < len(r.entries) {
		r.entries[r.index(r.count)] = entry
		r.count++
		return false
	}

	r.entries[r.start] = entry
	r.start = (r.start + 1) % len(r.entries)
	return true
}

func (r *Ring[T]) Len() int {
	if r == nil {
		return 0
	}
	return r.count
}

func (r *Ring[T]) Cap() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}

// List returns all entries, oldest first.
func (r *Ring[T]) List() []T {
	return r.Tail(0)
}

// Tail returns the newest n entries, oldest first. n <= 0 returns everything.
func (r *Ring[T]) Tail(n int) []T {
	if r == nil || r.count == 0 {
		return nil
	}
	if n <= 0 || n > r.count {
		n = r.count
	}

	out := make([]T, n)
	offset := r.count - n
	for i := 0; i < n; i++ {
		out[i] = r.entries[r.index(offset+i)]
	}
	return out
}

func (r *Ring[T]) Reset() {
	if r == nil {
		return
	}
	var zero T
	for i := range r.entries {
		r.entries[i] = zero
	}
	r.start = 0
	r.count = 0
}

func (r *Ring[T]) index(position int) int {
	return (r.start + position) % len(r.entries)
}
