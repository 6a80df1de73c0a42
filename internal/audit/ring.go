package audit

// ring is a fixed-capacity circular buffer of entries. Not safe for
// concurrent use; callers hold their own lock.
type ring struct {
	buf  []Entry
	next int
	full bool
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Entry, capacity)}
}

func (r *ring) add(e Entry) {
	r.buf[r.next] = e
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

func (r *ring) cap() int { return len(r.buf) }

// list returns entries oldest first.
func (r *ring) list() []Entry {
	if !r.full {
		return append([]Entry(nil), r.buf[:r.next]...)
	}
	out := make([]Entry, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// tail returns the newest n entries, oldest first.
func (r *ring) tail(n int) []Entry {
	all := r.list()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}
