package pcm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"runtime"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
)

func newTestBuffer(t *testing.T, format Format) *Buffer {
	t.Helper()
	b, err := NewBuffer(format, WithLogger(log.New(io.Discard)))
	if err != nil {
		t.Fatalf("NewBuffer() failed: %v", err)
	}
	return b
}

func payload(n int, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, n)
}

func checkTotal(t *testing.T, b *Buffer) {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()

	var sum uint64
	for _, c := range b.chunks {
		sum += c.Size
	}
	if sum != b.totalSize {
		t.Errorf("total size %d does not match chunk sum %d", b.totalSize, sum)
	}
	if b.cursor < 0 || b.cursor > len(b.chunks) {
		t.Errorf("cursor %d out of range [0, %d]", b.cursor, len(b.chunks))
	}
}

func TestGetNextReturnsChunksInOrder(t *testing.T) {
	b := newTestBuffer(t, Format16kHz16BitMono)

	var added [][]byte
	for i := 0; i < 10; i++ {
		data := payload(10+i, byte(i))
		added = append(added, data)
		b.Add(data, uint64(len(data)))
	}

	for i, want := range added {
		chunk, ok := b.GetNext()
		if !ok {
			t.Fatalf("GetNext() #%d returned no data", i)
		}
		if !bytes.Equal(chunk.Bytes(), want) {
			t.Errorf("GetNext() #%d = %v, want %v", i, chunk.Bytes(), want)
		}
	}

	if _, ok := b.GetNext(); ok {
		t.Fatal("GetNext() returned data after the backlog was consumed")
	}
	if _, ok := b.GetNext(); ok {
		t.Fatal("GetNext() returned data on repeated call")
	}

	b.Add([]byte{42, 43}, 2)
	chunk, ok := b.GetNext()
	if !ok || !bytes.Equal(chunk.Bytes(), []byte{42, 43}) {
		t.Errorf("GetNext() after Add = %v, %v", chunk.Bytes(), ok)
	}
	checkTotal(t, b)
}

func TestAddClampsAndIgnoresEmpty(t *testing.T) {
	b := newTestBuffer(t, Format16kHz16BitMono)

	b.Add(payload(10, 1), 4)
	b.Add(payload(10, 2), 100)
	b.Add(nil, 0)
	b.Add(payload(3, 3), 0)

	if got := b.TotalSizeInBytes(); got != 14 {
		t.Errorf("TotalSizeInBytes() = %d, want 14", got)
	}
	if got := b.Stats().Chunks; got != 2 {
		t.Errorf("Stats().Chunks = %d, want 2", got)
	}
	chunk, _ := b.GetNext()
	if len(chunk.Bytes()) != 4 {
		t.Errorf("first chunk has %d bytes, want 4", len(chunk.Bytes()))
	}
	checkTotal(t, b)
}

func TestDiscardPartialConsumedChunk(t *testing.T) {
	b := newTestBuffer(t, Format16kHz16BitMono)

	b.Add(payload(1000, 1), 1000)
	b.Add(payload(1000, 2), 1000)
	if got := b.TotalSizeInBytes(); got != 2000 {
		t.Fatalf("TotalSizeInBytes() = %d, want 2000", got)
	}

	chunk, ok := b.GetNext()
	if !ok || chunk.Size != 1000 {
		t.Fatalf("GetNext() = %d bytes, %v", chunk.Size, ok)
	}
	if got := b.StashedSizeInBytes(); got != 1000 {
		t.Errorf("StashedSizeInBytes() = %d, want 1000", got)
	}

	if err := b.DiscardBytes(500); err != nil {
		t.Fatalf("DiscardBytes() failed: %v", err)
	}
	if got := b.TotalSizeInBytes(); got != 1500 {
		t.Errorf("TotalSizeInBytes() = %d, want 1500", got)
	}

	st := b.Stats()
	if st.Chunks != 2 || st.Cursor != 1 {
		t.Errorf("chunks=%d cursor=%d, want 2 and 1", st.Chunks, st.Cursor)
	}
	if st.TurnOffset != 500 || st.AbsoluteOffset != 500 {
		t.Errorf("offsets = %d/%d, want 500/500", st.TurnOffset, st.AbsoluteOffset)
	}
	if b.chunks[0].Size != 500 {
		t.Errorf("front chunk size = %d, want 500", b.chunks[0].Size)
	}
	checkTotal(t, b)
}

func TestDiscardTrimSharesPayload(t *testing.T) {
	b := newTestBuffer(t, Format16kHz16BitMono)

	data := []byte{0, 1, 2, 3, 4, 5, 6, 7}
	b.Add(data, uint64(len(data)))

	if err := b.DiscardBytes(3); err != nil {
		t.Fatalf("DiscardBytes() failed: %v", err)
	}

	chunk, ok := b.GetNext()
	if !ok {
		t.Fatal("GetNext() returned no data")
	}
	if !bytes.Equal(chunk.Bytes(), []byte{3, 4, 5, 6, 7}) {
		t.Errorf("trimmed chunk = %v", chunk.Bytes())
	}
	if &chunk.Data[0] != &data[3] {
		t.Error("trimmed chunk does not share the original allocation")
	}
}

func TestDiscardBytesIsAdditive(t *testing.T) {
	sizes := []int{100, 200, 300, 50}
	fill := func() *Buffer {
		b := newTestBuffer(t, Format16kHz16BitMono)
		for i, n := range sizes {
			data := make([]byte, n)
			for j := range data {
				data[j] = byte(i*31 + j)
			}
			b.Add(data, uint64(n))
		}
		b.GetNext()
		b.GetNext()
		return b
	}

	pairs := [][2]uint64{
		{0, 0}, {0, 100}, {50, 50}, {100, 200}, {150, 250},
		{99, 1}, {1, 599}, {300, 350}, {649, 1}, {0, 650},
	}

	for _, p := range pairs {
		split := fill()
		if err := split.DiscardBytes(p[0]); err != nil {
			t.Fatalf("DiscardBytes(%d) failed: %v", p[0], err)
		}
		if err := split.DiscardBytes(p[1]); err != nil {
			t.Fatalf("DiscardBytes(%d) failed: %v", p[1], err)
		}

		whole := fill()
		if err := whole.DiscardBytes(p[0] + p[1]); err != nil {
			t.Fatalf("DiscardBytes(%d) failed: %v", p[0]+p[1], err)
		}

		a, w := split.Stats(), whole.Stats()
		if a.TotalBytes != w.TotalBytes || a.TurnOffset != w.TurnOffset ||
			a.AbsoluteOffset != w.AbsoluteOffset || a.Chunks != w.Chunks {
			t.Errorf("discard %d+%d: split %+v, whole %+v", p[0], p[1], a, w)
			continue
		}
		for i := range split.chunks {
			if !bytes.Equal(split.chunks[i].Bytes(), whole.chunks[i].Bytes()) {
				t.Errorf("discard %d+%d: chunk %d differs", p[0], p[1], i)
			}
		}
		checkTotal(t, split)
		checkTotal(t, whole)
	}
}

func TestDiscardMoreThanBuffered(t *testing.T) {
	b := newTestBuffer(t, Format16kHz16BitMono)
	b.Add(payload(100, 1), 100)
	b.GetNext()

	if err := b.DiscardBytes(150); err != nil {
		t.Fatalf("DiscardBytes() returned %v, over-discard must be tolerated", err)
	}

	st := b.Stats()
	if st.TotalBytes != 0 || st.Chunks != 0 || st.Cursor != 0 {
		t.Errorf("stats after over-discard = %+v", st)
	}
	if st.OverDiscards != 1 {
		t.Errorf("OverDiscards = %d, want 1", st.OverDiscards)
	}
	if st.AbsoluteOffset != 100 {
		t.Errorf("AbsoluteOffset = %d, want 100", st.AbsoluteOffset)
	}
}

func TestDiscardUnreadChunksKeepsCursorInRange(t *testing.T) {
	b := newTestBuffer(t, Format16kHz16BitMono)
	b.Add(payload(10, 1), 10)
	b.Add(payload(10, 2), 10)
	b.Add(payload(10, 3), 10)

	if err := b.DiscardBytes(20); err != nil {
		t.Fatalf("DiscardBytes() failed: %v", err)
	}

	chunk, ok := b.GetNext()
	if !ok || chunk.Bytes()[0] != 3 {
		t.Errorf("GetNext() = %v, %v, want third chunk", chunk.Bytes(), ok)
	}
	checkTotal(t, b)
}

func TestDiscardDetectsCorruption(t *testing.T) {
	t.Run("residual size without chunks", func(t *testing.T) {
		b := newTestBuffer(t, Format16kHz16BitMono)
		b.totalSize = 10

		err := b.DiscardBytes(5)
		if !errors.Is(err, ErrCorrupt) {
			t.Errorf("DiscardBytes() = %v, want ErrCorrupt", err)
		}
	})

	t.Run("total smaller than chunk", func(t *testing.T) {
		b := newTestBuffer(t, Format16kHz16BitMono)
		b.Add(payload(100, 1), 100)
		b.totalSize = 50

		err := b.DiscardBytes(100)
		if !errors.Is(err, ErrCorrupt) {
			t.Errorf("DiscardBytes() = %v, want ErrCorrupt", err)
		}
	})

	t.Run("total smaller than trim", func(t *testing.T) {
		b := newTestBuffer(t, Format16kHz16BitMono)
		b.Add(payload(100, 1), 100)
		b.totalSize = 20

		err := b.DiscardBytes(40)
		if !errors.Is(err, ErrCorrupt) {
			t.Errorf("DiscardBytes() = %v, want ErrCorrupt", err)
		}
	})
}

func TestDiscardTill(t *testing.T) {
	// 16kHz mono 16 bit is 32 bytes per millisecond.
	b := newTestBuffer(t, Format16kHz16BitMono)
	b.Add(payload(1000, 1), 1000)
	b.Add(payload(1000, 2), 1000)
	b.GetNext()

	if err := b.DiscardBytes(500); err != nil {
		t.Fatalf("DiscardBytes() failed: %v", err)
	}

	// 10ms is 320 bytes, behind the 500 already discarded.
	if err := b.DiscardTill(10 * TicksPerMillisecond); err != nil {
		t.Fatalf("DiscardTill() failed: %v", err)
	}
	st := b.Stats()
	if st.TotalBytes != 1500 {
		t.Errorf("stale DiscardTill changed total to %d", st.TotalBytes)
	}
	if st.StaleOffsets != 1 {
		t.Errorf("StaleOffsets = %d, want 1", st.StaleOffsets)
	}

	// 50ms is 1600 bytes: 1100 more.
	if err := b.DiscardTill(50 * TicksPerMillisecond); err != nil {
		t.Fatalf("DiscardTill() failed: %v", err)
	}
	st = b.Stats()
	if st.TotalBytes != 400 || st.Chunks != 1 || st.Cursor != 0 {
		t.Errorf("stats = %+v, want 400 bytes in one chunk with cursor 0", st)
	}
	if st.TurnOffset != 1600 || st.AbsoluteOffset != 1600 {
		t.Errorf("offsets = %d/%d, want 1600/1600", st.TurnOffset, st.AbsoluteOffset)
	}

	// Sub-millisecond ticks are floored.
	if err := b.DiscardTill(50*TicksPerMillisecond + 9999); err != nil {
		t.Fatalf("DiscardTill() failed: %v", err)
	}
	if got := b.TotalSizeInBytes(); got != 400 {
		t.Errorf("TotalSizeInBytes() = %d, want 400", got)
	}
	checkTotal(t, b)
}

func TestNewTurn(t *testing.T) {
	b := newTestBuffer(t, Format16kHz16BitMono)
	b.Add(payload(1000, 1), 1000)
	b.Add(payload(1000, 2), 1000)
	b.GetNext()
	b.GetNext()

	if err := b.DiscardBytes(500); err != nil {
		t.Fatalf("DiscardBytes() failed: %v", err)
	}
	if got := b.StashedSizeInBytes(); got != 0 {
		t.Errorf("StashedSizeInBytes() = %d, want 0", got)
	}

	b.NewTurn()

	if got, total := b.StashedSizeInBytes(), b.TotalSizeInBytes(); got != total {
		t.Errorf("StashedSizeInBytes() = %d, want total %d", got, total)
	}
	chunk, ok := b.GetNext()
	if !ok || chunk.Size != 500 {
		t.Errorf("GetNext() after NewTurn = %d bytes, %v", chunk.Size, ok)
	}

	// 10ms into the new turn is 320 bytes past the new origin.
	if err := b.DiscardTill(10 * TicksPerMillisecond); err != nil {
		t.Fatalf("DiscardTill() failed: %v", err)
	}
	st := b.Stats()
	if st.TurnOffset != 320 || st.AbsoluteOffset != 820 {
		t.Errorf("offsets = %d/%d, want 320/820", st.TurnOffset, st.AbsoluteOffset)
	}
	if st.TotalBytes != 1180 {
		t.Errorf("TotalBytes = %d, want 1180", st.TotalBytes)
	}

	if got := b.ToAbsolute(10 * TicksPerMillisecond); got != 256250 {
		t.Errorf("ToAbsolute(10ms) = %d, want 256250", got)
	}
	if got := b.ToAbsolute(20 * TicksPerMillisecond); got != 356250 {
		t.Errorf("ToAbsolute(20ms) = %d, want 356250", got)
	}
	checkTotal(t, b)
}

func TestDrop(t *testing.T) {
	b := newTestBuffer(t, Format16kHz16BitMono)
	b.Add(payload(100, 1), 100)
	b.Add(payload(200, 2), 200)
	b.Add(payload(300, 3), 300)
	b.GetNext()

	if err := b.Drop(); err != nil {
		t.Fatalf("Drop() failed: %v", err)
	}

	st := b.Stats()
	if st.TotalBytes != 0 || st.Chunks != 0 || st.Cursor != 0 {
		t.Errorf("stats after Drop = %+v", st)
	}
	if st.AbsoluteOffset != 600 {
		t.Errorf("AbsoluteOffset = %d, want 600", st.AbsoluteOffset)
	}
	if st.OverDiscards != 0 {
		t.Errorf("Drop over-discarded %d times", st.OverDiscards)
	}
	if _, ok := b.GetNext(); ok {
		t.Error("GetNext() returned data after Drop")
	}
}

func TestDropAfterPartialDiscard(t *testing.T) {
	b := newTestBuffer(t, Format16kHz16BitMono)
	b.Add(payload(100, 1), 100)
	b.Add(payload(100, 2), 100)
	b.GetNext()
	b.GetNext()
	if err := b.DiscardBytes(30); err != nil {
		t.Fatalf("DiscardBytes() failed: %v", err)
	}

	if err := b.Drop(); err != nil {
		t.Fatalf("Drop() failed: %v", err)
	}
	if got := b.TotalSizeInBytes(); got != 0 {
		t.Errorf("TotalSizeInBytes() = %d, want 0", got)
	}
}

func TestCopyNonAcknowledgedDataTo(t *testing.T) {
	src := newTestBuffer(t, Format16kHz16BitMono)
	first := []byte{1, 2, 3, 4}
	second := []byte{5, 6, 7, 8}
	src.Add(first, 4)
	src.Add(second, 4)
	src.GetNext()
	if err := src.DiscardBytes(1); err != nil {
		t.Fatalf("DiscardBytes() failed: %v", err)
	}

	src.CopyNonAcknowledgedDataTo(src)
	if got := src.TotalSizeInBytes(); got != 7 {
		t.Errorf("self copy changed total to %d", got)
	}

	dst := newTestBuffer(t, Format16kHz16BitMono)
	src.CopyNonAcknowledgedDataTo(dst)

	if got := dst.TotalSizeInBytes(); got != 7 {
		t.Errorf("dst total = %d, want 7", got)
	}
	c1, _ := dst.GetNext()
	c2, _ := dst.GetNext()
	if !bytes.Equal(c1.Bytes(), []byte{2, 3, 4}) || !bytes.Equal(c2.Bytes(), second) {
		t.Errorf("copied chunks = %v %v", c1.Bytes(), c2.Bytes())
	}
	if &c1.Data[0] != &first[1] {
		t.Error("copied chunk does not share the source payload")
	}

	if err := dst.DiscardBytes(5); err != nil {
		t.Fatalf("DiscardBytes() failed: %v", err)
	}
	if got := src.TotalSizeInBytes(); got != 7 {
		t.Errorf("discarding in dst changed src total to %d", got)
	}
	chunk, _ := src.GetNext()
	if !bytes.Equal(chunk.Bytes(), second) {
		t.Errorf("src second chunk = %v", chunk.Bytes())
	}
}

func TestDurationConversions(t *testing.T) {
	formats := []Format{
		Format16kHz16BitMono,
		{Channels: 2, BitsPerSample: 16, SampleRate: 48000},
		{Channels: 1, BitsPerSample: 8, SampleRate: 8000},
		{Channels: 6, BitsPerSample: 32, SampleRate: 96000},
	}

	for _, f := range formats {
		t.Run(f.String(), func(t *testing.T) {
			b := newTestBuffer(t, f)
			for _, ms := range []uint64{0, 1, 7, 20, 1000, 123456} {
				ticks := ms * TicksPerMillisecond
				bytes := b.DurationToBytes(ticks)
				if bytes != ms*f.BytesPerMillisecond() {
					t.Errorf("DurationToBytes(%dms) = %d", ms, bytes)
				}
				if got := b.BytesToDurationInTicks(bytes); got != ticks {
					t.Errorf("round trip of %dms = %d ticks", ms, got)
				}
			}
			if got := b.DurationToBytes(TicksPerMillisecond - 1); got != 0 {
				t.Errorf("DurationToBytes(<1ms) = %d, want 0", got)
			}
		})
	}
}

func TestConcurrentProducerConsumer(t *testing.T) {
	const n = 2000

	b := newTestBuffer(t, Format16kHz16BitMono)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			data := make([]byte, 4)
			binary.LittleEndian.PutUint32(data, uint32(i))
			b.Add(data, 4)
		}
	}()

	errs := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for next := 0; next < n; {
			chunk, ok := b.GetNext()
			if !ok {
				runtime.Gosched()
				continue
			}
			if got := binary.LittleEndian.Uint32(chunk.Bytes()); got != uint32(next) {
				errs <- errors.New("chunks out of order")
				return
			}
			if err := b.DiscardBytes(chunk.Size); err != nil {
				errs <- err
				return
			}
			next++
		}
	}()

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	st := b.Stats()
	if st.TotalBytes != 0 || st.AbsoluteOffset != 4*n {
		t.Errorf("final stats = %+v", st)
	}
}
