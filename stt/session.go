package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"node.town/speechbuf/etc"
	"node.town/speechbuf/pcm"
)

const (
	StateIdle         = "idle"
	StateConnecting   = "connecting"
	StateStreaming    = "streaming"
	StateReconnecting = "reconnecting"
	StateFinished     = "finished"
	StateFailed       = "failed"
	StateCancelled    = "cancelled"
)

// Session streams audio written to it to a recognition service. Audio stays
// in the session's buffer until a final transcript covers it, so after a
// dropped connection everything the service had not finished with is sent
// again on the next one.
type Session struct {
	id     string
	format pcm.Format
	dialer Dialer
	logger *log.Logger
	sink   ResultSink

	reconnectDelay time.Duration
	maxReconnects  int

	buf     *pcm.Buffer
	notify  chan struct{}
	results chan Result

	mu         sync.Mutex
	started    bool
	sendClosed bool
	cancel     context.CancelFunc
	state      string
	turn       int
	sentChunks int
	ackedSeqNo int
	sentBytes  uint64
	finals     int
	reconnects int
	lastErr    error
	startedAt  time.Time
}

type SessionStats struct {
	ID              string        `json:"id"`
	Format          string        `json:"format"`
	State           string        `json:"state"`
	Turn            int           `json:"turn"`
	SentChunks      int           `json:"sent_chunks"`
	AckedSeqNo      int           `json:"acked_seq_no"`
	SentBytes       uint64        `json:"sent_bytes"`
	Finals          int           `json:"finals"`
	Reconnects      int           `json:"reconnects"`
	PendingDuration time.Duration `json:"pending_duration"`
	LastError       string        `json:"last_error,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	Buffer          pcm.Stats     `json:"buffer"`
}

type SessionOption func(*Session)

func WithLogger(logger *log.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithResultSink(sink ResultSink) SessionOption {
	return func(s *Session) {
		s.sink = sink
	}
}

func WithReconnectDelay(delay time.Duration) SessionOption {
	return func(s *Session) {
		s.reconnectDelay = delay
	}
}

// WithMaxReconnects bounds how many times Run reconnects after a
// recoverable failure. Zero means never.
func WithMaxReconnects(max int) SessionOption {
	return func(s *Session) {
		s.maxReconnects = max
	}
}

func NewSession(
	id string,
	format pcm.Format,
	dialer Dialer,
	opts ...SessionOption,
) (*Session, error) {
	s := &Session{
		id:             id,
		format:         format,
		dialer:         dialer,
		logger:         log.Default(),
		reconnectDelay: time.Second,
		maxReconnects:  5,
		notify:         make(chan struct{}, 1),
		results:        make(chan Result, 64),
		state:          StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session", id)

	buf, err := pcm.NewBuffer(format, pcm.WithLogger(s.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create audio buffer: %w", err)
	}
	s.buf = buf

	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Format() pcm.Format {
	return s.format
}

// Results delivers partial and final transcripts. It is closed when Run
// returns. Partials are dropped if nobody keeps up; finals are not.
func (s *Session) Results() <-chan Result {
	return s.results
}

// Write queues a copy of p for upload.
func (s *Session) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	data := make([]byte, len(p))
	copy(data, p)

	s.mu.Lock()
	if s.sendClosed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	s.buf.Add(data, uint64(len(data)))
	s.mu.Unlock()

	s.poke()
	return len(p), nil
}

// CloseSend marks the end of the audio. Run finishes once the service has
// transcribed all of it.
func (s *Session) CloseSend() error {
	s.mu.Lock()
	s.sendClosed = true
	s.mu.Unlock()

	s.poke()
	return nil
}

func (s *Session) poke() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Session) isSendClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendClosed
}

func (s *Session) setState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Run connects and streams until every written byte has been transcribed,
// the context ends, or the service fails in a way reconnecting cannot fix.
// A session runs at most once; Run on a cancelled session dials nothing.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrStarted
	}
	s.started = true
	if s.state == StateCancelled {
		s.mu.Unlock()
		close(s.results)
		return context.Canceled
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer close(s.results)

	s.cancel = cancel
	s.startedAt = time.Now()
	s.mu.Unlock()

	for {
		err := s.runTurn(ctx)
		if err == nil {
			s.setState(StateFinished)
			s.logger.Info("finished", "finals", s.Stats().Finals)
			return nil
		}

		s.mu.Lock()
		s.lastErr = err
		cancelled := s.state == StateCancelled
		reconnects := s.reconnects
		s.mu.Unlock()

		if cancelled {
			return context.Canceled
		}
		if ctx.Err() != nil {
			s.setState(StateCancelled)
			return ctx.Err()
		}
		if errors.Is(err, pcm.ErrCorrupt) || IsFatal(err) {
			s.setState(StateFailed)
			s.logger.Error("session failed", "error", err)
			return err
		}
		if reconnects >= s.maxReconnects {
			s.setState(StateFailed)
			s.logger.Error("giving up", "reconnects", reconnects, "error", err)
			return fmt.Errorf("giving up after %d reconnects: %w", reconnects, err)
		}

		s.mu.Lock()
		s.reconnects++
		s.state = StateReconnecting
		s.mu.Unlock()
		s.logger.Warn(
			"reconnecting",
			"error", err,
			"attempt", reconnects+1,
			"pending", s.buf.TotalSizeInBytes(),
		)

		select {
		case <-ctx.Done():
			s.setState(StateCancelled)
			return ctx.Err()
		case <-time.After(s.reconnectDelay):
		}

		// The new connection's clock starts at the front of what is left.
		s.buf.NewTurn()
	}
}

func (s *Session) runTurn(ctx context.Context) error {
	s.mu.Lock()
	s.turn++
	s.sentChunks = 0
	s.ackedSeqNo = 0
	turn := s.turn
	s.state = StateConnecting
	s.mu.Unlock()

	conn, err := s.dialer.Dial(ctx, s.format)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	s.setState(StateStreaming)
	s.logger.Info("connected", "turn", turn)

	turnCtx, cancel := context.WithCancel(ctx)
	uploadErr := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		uploadErr <- s.upload(turnCtx, conn)
	}()

	// The uploader must be gone before the next turn rewinds the buffer.
	defer func() {
		cancel()
		conn.Close()
		wg.Wait()
	}()

	uploads := uploadErr
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-uploads:
			if err != nil {
				return err
			}
			uploads = nil

		case ev, ok := <-conn.Events():
			if !ok {
				return NewRecoverableError(nil, "connection closed by service")
			}
			done, err := s.handleEvent(ctx, turn, ev)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// upload hands every buffered chunk to conn, then ends the stream once
// CloseSend has been called and nothing is left.
func (s *Session) upload(ctx context.Context, conn Conn) error {
	for {
		// Checked before GetNext: once closed, no Write can add more.
		closed := s.isSendClosed()

		chunk, ok := s.buf.GetNext()
		if ok {
			if err := conn.SendAudio(chunk.Bytes()); err != nil {
				return NewRecoverableError(err, "failed to send audio")
			}
			s.mu.Lock()
			s.sentChunks++
			s.sentBytes += chunk.Size
			s.mu.Unlock()
			continue
		}

		if closed {
			s.mu.Lock()
			last := s.sentChunks
			s.mu.Unlock()
			if err := conn.EndStream(last); err != nil {
				return NewRecoverableError(err, "failed to end stream")
			}
			s.logger.Debug("end of stream", "last_seq_no", last)
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.notify:
		}
	}
}

func (s *Session) handleEvent(ctx context.Context, turn int, ev Event) (bool, error) {
	switch ev.Kind {
	case EventAudioAdded:
		s.mu.Lock()
		s.ackedSeqNo = ev.SeqNo
		s.mu.Unlock()

	case EventPartial:
		res := s.place(ev.Result, turn)
		select {
		case s.results <- res:
		default:
			s.logger.Debug("results channel full, dropping partial", "text", res.Text)
		}

	case EventFinal:
		res := s.place(ev.Result, turn)
		res.Final = true

		// Everything up to the end of a final transcript is done with.
		if err := s.buf.DiscardTill(etc.SecondsToTicks(res.End)); err != nil {
			return false, err
		}

		// Silence still moves the acknowledged point forward.
		if res.Text == "" {
			return false, nil
		}

		s.mu.Lock()
		s.finals++
		s.mu.Unlock()

		s.logger.Info(
			"hear",
			"txt", res.Text,
			"start", etc.FormatDuration(res.AbsoluteStart),
			"end", etc.FormatDuration(res.AbsoluteEnd),
		)

		if s.sink != nil {
			if err := s.sink.SaveRecognition(ctx, s.id, res); err != nil {
				s.logger.Error("failed to save recognition", "error", err)
			}
		}

		select {
		case s.results <- res:
		case <-ctx.Done():
			return false, ctx.Err()
		}

	case EventEndOfTranscript:
		if s.isSendClosed() {
			return true, nil
		}
		s.logger.Warn("end of transcript before end of stream")

	case EventWarning:
		s.logger.Warn("service warning", "warning", ev.Err)

	case EventError:
		if ev.Err == nil {
			return false, NewRecoverableError(nil, "service reported an error")
		}
		return false, ev.Err
	}

	return false, nil
}

func (s *Session) place(res Result, turn int) Result {
	res.Turn = turn
	res.AbsoluteStart = etc.TicksToDuration(s.buf.ToAbsolute(etc.SecondsToTicks(res.Start)))
	res.AbsoluteEnd = etc.TicksToDuration(s.buf.ToAbsolute(etc.SecondsToTicks(res.End)))
	return res
}

// Cancel stops Run and throws away all buffered audio.
func (s *Session) Cancel() error {
	s.mu.Lock()
	s.sendClosed = true
	s.state = StateCancelled
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return s.buf.Drop()
}

// Snapshot returns a new buffer holding everything not yet covered by a
// final transcript. The audio is shared with the session, not copied.
func (s *Session) Snapshot() (*pcm.Buffer, error) {
	fresh, err := pcm.NewBuffer(s.format, pcm.WithLogger(s.logger))
	if err != nil {
		return nil, err
	}
	s.buf.CopyNonAcknowledgedDataTo(fresh)
	return fresh, nil
}

func (s *Session) Stats() SessionStats {
	bufStats := s.buf.Stats()

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := SessionStats{
		ID:         s.id,
		Format:     s.format.String(),
		State:      s.state,
		Turn:       s.turn,
		SentChunks: s.sentChunks,
		AckedSeqNo: s.ackedSeqNo,
		SentBytes:  s.sentBytes,
		Finals:     s.finals,
		Reconnects: s.reconnects,
		PendingDuration: etc.TicksToDuration(
			s.buf.BytesToDurationInTicks(bufStats.TotalBytes),
		),
		StartedAt: s.startedAt,
		Buffer:    bufStats,
	}
	if s.lastErr != nil {
		stats.LastError = s.lastErr.Error()
	}
	return stats
}
