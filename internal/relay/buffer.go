package relay

// ChunkBuffer accumulates binary audio frames received from a device.
// It holds no flush policy; the owning Session decides when to Drain.
// Not safe for concurrent use.
type ChunkBuffer struct {
	chunks [][]byte
	size   int
}

// NewChunkBuffer creates an empty chunk buffer
func NewChunkBuffer() *ChunkBuffer {
	return &ChunkBuffer{
		chunks: make([][]byte, 0, 64),
	}
}

// Append takes ownership of chunk and appends it. Empty chunks are ignored.
func (b *ChunkBuffer) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.chunks = append(b.chunks, chunk)
	b.size += len(chunk)
}

// Size returns the total number of buffered bytes
func (b *ChunkBuffer) Size() int {
	return b.size
}

// Len returns the number of buffered chunks
func (b *ChunkBuffer) Len() int {
	return len(b.chunks)
}

// Drain concatenates and removes all buffered chunks. It returns an empty
// slice when nothing is buffered.
func (b *ChunkBuffer) Drain() []byte {
	out := make([]byte, 0, b.size)
	for _, chunk := range b.chunks {
		out = append(out, chunk...)
	}
	b.Clear()
	return out
}

// Clear discards all buffered chunks
func (b *ChunkBuffer) Clear() {
	for i := range b.chunks {
		b.chunks[i] = nil
	}
	b.chunks = b.chunks[:0]
	b.size = 0
}
