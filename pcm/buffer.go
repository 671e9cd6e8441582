package pcm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
)

// ErrCorrupt means the buffer's byte accounting no longer matches its
// chunks. It is never caused by caller input and must not be retried.
var ErrCorrupt = errors.New("pcm buffer accounting is inconsistent")

// Buffer holds audio from the moment it is captured until the recognition
// service has acknowledged it.
//
// Chunks before the cursor have been handed out by GetNext but not yet
// discarded; chunks from the cursor on are stashed. Discarding always
// happens at the front and advances two counters: the turn offset, which
// NewTurn resets, and the absolute offset, which only ever grows.
type Buffer struct {
	format                Format
	bytesPerSample        uint64
	samplesPerMillisecond uint64

	mu             sync.Mutex
	chunks         []*Chunk
	totalSize      uint64
	cursor         int
	turnOffset     uint64
	absoluteOffset uint64

	overDiscards uint64
	staleOffsets uint64

	logger *log.Logger
}

type Option func(*Buffer)

func WithLogger(logger *log.Logger) Option {
	return func(b *Buffer) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// Stats is a point-in-time view of a buffer.
type Stats struct {
	Chunks         int    `json:"chunks"`
	Cursor         int    `json:"cursor"`
	TotalBytes     uint64 `json:"total_bytes"`
	StashedBytes   uint64 `json:"stashed_bytes"`
	TurnOffset     uint64 `json:"turn_offset_bytes"`
	AbsoluteOffset uint64 `json:"absolute_offset_bytes"`
	OverDiscards   uint64 `json:"over_discards"`
	StaleOffsets   uint64 `json:"stale_offsets"`
}

func NewBuffer(format Format, opts ...Option) (*Buffer, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}

	b := &Buffer{
		format:                format,
		bytesPerSample:        format.BytesPerSample(),
		samplesPerMillisecond: format.SamplesPerMillisecond(),
		logger:                log.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Buffer) Format() Format {
	return b.format
}

// Add appends size bytes of data. The buffer keeps a reference to data
// rather than a copy. A size larger than len(data) is clamped to len(data),
// and a chunk that ends up empty is ignored.
func (b *Buffer) Add(data []byte, size uint64) {
	if size > uint64(len(data)) {
		size = uint64(len(data))
	}
	if size == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = append(b.chunks, &Chunk{Data: data, Size: size})
	b.totalSize += size
}

// GetNext hands out the chunk under the cursor and advances it. It reports
// false when everything added so far has already been handed out.
func (b *Buffer) GetNext() (Chunk, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.getNextLocked()
}

func (b *Buffer) getNextLocked() (Chunk, bool) {
	if b.cursor >= len(b.chunks) {
		return Chunk{}, false
	}

	chunk := *b.chunks[b.cursor]
	b.cursor++
	return chunk, true
}

// NewTurn makes every buffered byte available to GetNext again and starts
// turn-relative offsets from the current front of the buffer.
func (b *Buffer) NewTurn() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.turnOffset = 0
	b.cursor = 0
}

func (b *Buffer) DiscardBytes(bytes uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.discardBytesLocked(bytes)
}

func (b *Buffer) discardBytesLocked(bytes uint64) error {
	for len(b.chunks) > 0 && bytes > 0 && b.chunks[0].Size <= bytes {
		size := b.chunks[0].Size
		if b.totalSize < size {
			return fmt.Errorf(
				"%w: total size %d is smaller than front chunk %d",
				ErrCorrupt,
				b.totalSize,
				size,
			)
		}

		b.chunks[0] = nil
		b.chunks = b.chunks[1:]
		if b.cursor > 0 {
			b.cursor--
		}
		bytes -= size
		b.totalSize -= size
		b.turnOffset += size
		b.absoluteOffset += size
	}

	if len(b.chunks) == 0 {
		if b.totalSize != 0 {
			b.logger.Error(
				"no chunks left but total size is not zero",
				"total", b.totalSize,
			)
			return fmt.Errorf(
				"%w: no chunks but total size %d",
				ErrCorrupt,
				b.totalSize,
			)
		}
		if bytes > 0 {
			b.overDiscards++
			b.logger.Warn(
				"discarding more data than is buffered",
				"excess", bytes,
			)
		}
		b.chunks = nil
		b.cursor = 0
		return nil
	}

	if bytes > 0 {
		if b.totalSize < bytes {
			return fmt.Errorf(
				"%w: total size %d is smaller than trimmed %d",
				ErrCorrupt,
				b.totalSize,
				bytes,
			)
		}
		b.chunks[0].trim(bytes)
		b.totalSize -= bytes
		b.turnOffset += bytes
		b.absoluteOffset += bytes
	}

	return nil
}

// DiscardTill drops everything before a turn-relative offset. Offsets
// behind what was already discarded in this turn are ignored.
func (b *Buffer) DiscardTill(offsetInTicks uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.discardTillLocked(offsetInTicks)
}

func (b *Buffer) discardTillLocked(offsetInTicks uint64) error {
	target := b.DurationToBytes(offsetInTicks)
	if target < b.turnOffset {
		b.staleOffsets++
		b.logger.Warn(
			"discard offset is not monotonically increasing",
			"turn_offset", b.turnOffset,
			"target", target,
		)
		return nil
	}
	return b.discardBytesLocked(target - b.turnOffset)
}

// StashedSizeInBytes is the amount of data not yet handed out by GetNext.
func (b *Buffer) StashedSizeInBytes() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.stashedLocked()
}

func (b *Buffer) stashedLocked() uint64 {
	var size uint64
	for _, c := range b.chunks[b.cursor:] {
		size += c.Size
	}
	return size
}

func (b *Buffer) TotalSizeInBytes() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.totalSize
}

// Drop discards everything, whether it has been handed out or not.
func (b *Buffer) Drop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Sent to the service but never confirmed.
	var unconfirmed uint64
	for _, c := range b.chunks[:b.cursor] {
		unconfirmed += c.Size
	}
	if err := b.discardBytesLocked(unconfirmed); err != nil {
		return err
	}

	for {
		chunk, ok := b.getNextLocked()
		if !ok {
			return nil
		}
		if err := b.discardBytesLocked(chunk.Size); err != nil {
			return err
		}
	}
}

// CopyNonAcknowledgedDataTo appends every chunk still held by b to target.
// Payloads are shared, not copied.
func (b *Buffer) CopyNonAcknowledgedDataTo(target *Buffer) {
	if target == nil || target == b {
		return
	}

	b.mu.Lock()
	chunks := make([]Chunk, len(b.chunks))
	for i, c := range b.chunks {
		chunks[i] = *c
	}
	b.mu.Unlock()

	for _, c := range chunks {
		target.Add(c.Data, c.Size)
	}
}

func (b *Buffer) DurationToBytes(durationInTicks uint64) uint64 {
	return uint64(b.format.Channels) * b.bytesPerSample * b.samplesPerMillisecond *
		(durationInTicks / TicksPerMillisecond)
}

func (b *Buffer) BytesToDurationInTicks(bytes uint64) uint64 {
	return (bytes * TicksPerMillisecond) /
		(uint64(b.format.Channels) * b.bytesPerSample * b.samplesPerMillisecond)
}

// ToAbsolute maps a turn-relative offset onto the stream's own timeline,
// which keeps counting across turns.
func (b *Buffer) ToAbsolute(offsetInTicksTurnRelative uint64) uint64 {
	b.mu.Lock()
	turnOffset, absoluteOffset := b.turnOffset, b.absoluteOffset
	b.mu.Unlock()

	delta := int64(b.DurationToBytes(offsetInTicksTurnRelative)) - int64(turnOffset)
	absolute := int64(absoluteOffset) + delta
	if absolute < 0 {
		absolute = 0
	}
	return b.BytesToDurationInTicks(uint64(absolute))
}

func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Chunks:         len(b.chunks),
		Cursor:         b.cursor,
		TotalBytes:     b.totalSize,
		StashedBytes:   b.stashedLocked(),
		TurnOffset:     b.turnOffset,
		AbsoluteOffset: b.absoluteOffset,
		OverDiscards:   b.overDiscards,
		StaleOffsets:   b.staleOffsets,
	}
}
