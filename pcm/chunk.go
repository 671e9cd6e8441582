package pcm

// Chunk is a contiguous run of audio tracked as one unit. Data may be shared
// with other chunks and other buffers; it must not be written to. Trimming
// the front of a chunk reslices Data, so the original allocation lives as
// long as any view of it does.
type Chunk struct {
	Data []byte
	Size uint64
}

// Bytes returns the logically present part of the payload.
func (c Chunk) Bytes() []byte {
	return c.Data[:c.Size]
}

// trim drops n bytes from the front without copying. n must not exceed
// Size.
func (c *Chunk) trim(n uint64) {
	c.Data = c.Data[n:]
	c.Size -= n
}
