package memory

// ringBuffer keeps the most recent cap messages in arrival order.
type ringBuffer struct {
	buf   []Message
	start int
	size  int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{buf: make([]Message, capacity)}
}

func (r *ringBuffer) push(m Message) {
	if len(r.buf) == 0 {
		return
	}
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = m
		r.size++
		return
	}
	r.buf[r.start] = m
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ringBuffer) len() int { return r.size }

// items returns a copy, oldest first.
func (r *ringBuffer) items() []Message {
	out := make([]Message, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

func (r *ringBuffer) reset() {
	clear(r.buf)
	r.start, r.size = 0, 0
}

// importantList is bounded; overflow evicts the oldest entry that is not an
// identity-override attempt, falling back to the oldest overall.
type importantList struct {
	items    []Message
	capacity int
}

func newImportantList(capacity int) *importantList {
	return &importantList{capacity: capacity}
}

func (l *importantList) push(m Message) {
	l.items = append(l.items, m)
	for len(l.items) > l.capacity {
		l.evictOne()
	}
}

func (l *importantList) evictOne() {
	for i, m := range l.items {
		if !IsDangerous(m.Content) {
			l.items = append(l.items[:i], l.items[i+1:]...)
			return
		}
	}
	l.items = l.items[1:]
}

func (l *importantList) len() int { return len(l.items) }

// last returns a copy of the newest n entries.
func (l *importantList) last(n int) []Message {
	if n > len(l.items) {
		n = len(l.items)
	}
	out := make([]Message, n)
	copy(out, l.items[len(l.items)-n:])
	return out
}

func (l *importantList) all() []Message {
	return l.last(len(l.items))
}

func (l *importantList) reset() {
	l.items = nil
}
