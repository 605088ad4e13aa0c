package audio

// Chunker accumulates PCM of arbitrary length and hands it back in blocks of
// a fixed number of samples, preserving order. Not safe for concurrent use.
type Chunker struct {
	size int
	buf  []int16
}

// NewChunker returns a Chunker producing blocks of size samples.
func NewChunker(size int) *Chunker {
	if size <= 0 {
		panic("audio: chunk size must be positive")
	}
	return &Chunker{size: size, buf: make([]int16, 0, size*4)}
}

// Size returns the block size in samples.
func (c *Chunker) Size() int { return c.size }

// Write appends samples and returns every block that is now complete.
// Returned blocks do not alias the chunker's buffer.
func (c *Chunker) Write(samples []int16) [][]int16 {
	c.buf = append(c.buf, samples...)

	var blocks [][]int16
	for len(c.buf) >= c.size {
		block := make([]int16, c.size)
		copy(block, c.buf[:c.size])
		blocks = append(blocks, block)
		c.buf = c.buf[c.size:]
	}

	// Compact so the backing array does not grow without bound.
	if len(c.buf) == 0 {
		c.buf = c.buf[:0:cap(c.buf)]
	} else if cap(c.buf) > c.size*8 {
		c.buf = append(make([]int16, 0, c.size*4), c.buf...)
	}
	return blocks
}

// Buffered returns the number of samples waiting for a complete block.
func (c *Chunker) Buffered() int { return len(c.buf) }

// Reset discards any partial block.
func (c *Chunker) Reset() { c.buf = c.buf[:0] }
