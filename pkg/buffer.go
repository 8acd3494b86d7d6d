package protocol

// BUFFER_SIZE is the default per-direction socket buffer size in bytes.
const BUFFER_SIZE = 1024

// SocketBuffer is a byte stream ring buffer over caller-owned storage.
//
// The valid region is the length bytes starting at readAt, wrapping modulo the
// storage length. The write cursor is always derived from those two fields.
// Enqueue and Dequeue hand out contiguous regions of the storage and never
// linearize across the storage boundary; a transfer that straddles the end of
// the storage takes two calls.
//
// A SocketBuffer is not safe for concurrent use.
type SocketBuffer struct {
	storage []byte
	readAt  int
	length  int
}

// NewSocketBuffer creates a buffer that owns storage for its whole lifetime.
// The capacity is len(storage) and never changes.
func NewSocketBuffer(storage []byte) *SocketBuffer {
	return &SocketBuffer{storage: storage}
}

// Cap returns the capacity of the buffer.
func (buf *SocketBuffer) Cap() int { return len(buf.storage) }

// Len returns the number of queued bytes.
func (buf *SocketBuffer) Len() int { return buf.length }

// Free returns the number of bytes that can still be enqueued.
func (buf *SocketBuffer) Free() int { return len(buf.storage) - buf.length }

func (buf *SocketBuffer) IsEmpty() bool { return buf.length == 0 }

func (buf *SocketBuffer) IsFull() bool { return buf.length == len(buf.storage) }

// Enqueue reserves up to size bytes at the write cursor and returns them for
// the caller to fill. The returned region counts as queued data immediately.
//
// The region may be shorter than requested, down to empty, when the buffer is
// full or when the write cursor is close to the end of the storage.
func (buf *SocketBuffer) Enqueue(size int) []byte {
	capacity := len(buf.storage)
	if capacity == 0 || size <= 0 {
		return buf.storage[:0]
	}
	writeAt := (buf.readAt + buf.length) % capacity

	// Can't enqueue more than there is free space.
	if free := capacity - buf.length; size > free {
		size = free
	}
	// Can't enqueue contiguously past the end of the storage.
	if untilEnd := capacity - writeAt; size > untilEnd {
		size = untilEnd
	}

	buf.length += size
	return buf.storage[writeAt : writeAt+size : writeAt+size]
}

// Dequeue releases up to size bytes from the read cursor and returns them.
// The returned region stays valid until the next Enqueue overwrites it.
//
// The region may be shorter than requested, down to empty, when fewer bytes
// are queued or when the queued bytes wrap around the end of the storage.
// Draining the buffer completely rewinds both cursors to the start of the
// storage.
func (buf *SocketBuffer) Dequeue(size int) []byte {
	capacity := len(buf.storage)
	if capacity == 0 || size <= 0 {
		return buf.storage[:0]
	}
	readAt := buf.readAt

	if size > buf.length {
		size = buf.length
	}
	if untilEnd := capacity - readAt; size > untilEnd {
		size = untilEnd
	}

	buf.length -= size
	if buf.length == 0 {
		// Rewind so the next Enqueue gets the whole storage as one run.
		buf.readAt = 0
	} else {
		buf.readAt = (readAt + size) % capacity
	}
	return buf.storage[readAt : readAt+size : readAt+size]
}

// EnqueueSlice copies as much of data as fits into the buffer, splitting the
// copy at the storage boundary if needed. It returns the number of bytes
// copied.
func (buf *SocketBuffer) EnqueueSlice(data []byte) int {
	n := copy(buf.Enqueue(len(data)), data)
	if n < len(data) {
		n += copy(buf.Enqueue(len(data)-n), data[n:])
	}
	return n
}

// DequeueSlice moves up to len(dst) queued bytes into dst and returns the
// number of bytes moved.
func (buf *SocketBuffer) DequeueSlice(dst []byte) int {
	n := copy(dst, buf.Dequeue(len(dst)))
	if n < len(dst) {
		n += copy(dst[n:], buf.Dequeue(len(dst)-n))
	}
	return n
}
