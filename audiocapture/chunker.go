package audiocapture

// Chunker accumulates converted samples and emits them in fixed-size
// chunks, retaining any remainder for the next emission.
type Chunker struct {
	size int
	buf  []float32
}

// NewChunker creates a chunker emitting chunks of size samples.
func NewChunker(size int) *Chunker {
	return &Chunker{
		size: size,
		buf:  make([]float32, 0, size*2),
	}
}

// Add appends samples and returns every complete chunk now available,
// in order. Returned slices are copies owned by the caller.
func (c *Chunker) Add(samples []float32) [][]float32 {
	c.buf = append(c.buf, samples...)

	var chunks [][]float32
	for len(c.buf) >= c.size {
		chunk := make([]float32, c.size)
		copy(chunk, c.buf[:c.size])
		chunks = append(chunks, chunk)
		c.buf = c.buf[:copy(c.buf, c.buf[c.size:])]
	}
	return chunks
}

// Flush returns the buffered remainder as one final, possibly short,
// chunk and resets the buffer. Returns nil when empty.
func (c *Chunker) Flush() []float32 {
	if len(c.buf) == 0 {
		return nil
	}
	out := make([]float32, len(c.buf))
	copy(out, c.buf)
	c.buf = c.buf[:0]
	return out
}

// Len returns the number of buffered samples.
func (c *Chunker) Len() int { return len(c.buf) }
