package stt

import (
	"context"
	"time"

	"node.town/speechbuf/pcm"
)

// Result is one transcript segment. Start and End are seconds since the
// beginning of the turn, as the service reports them; the absolute fields
// place the segment on the session's own timeline, which does not restart
// when the connection does.
type Result struct {
	Text          string
	Start         float64
	End           float64
	AbsoluteStart time.Duration
	AbsoluteEnd   time.Duration
	Final         bool
	Turn          int
}

type EventKind int

const (
	EventAudioAdded EventKind = iota
	EventPartial
	EventFinal
	EventEndOfTranscript
	EventWarning
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventAudioAdded:
		return "audio_added"
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventEndOfTranscript:
		return "end_of_transcript"
	case EventWarning:
		return "warning"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is something the recognition service told us. SeqNo is set for
// EventAudioAdded, Result for transcripts, Err for errors and warnings.
type Event struct {
	Kind   EventKind
	SeqNo  int
	Result Result
	Err    error
}

// Conn is one connection to a recognition service. Its clock starts at
// zero with the first byte sent. SendAudio and EndStream are only called
// from one goroutine at a time.
type Conn interface {
	SendAudio(data []byte) error
	EndStream(lastSeqNo int) error
	Events() <-chan Event
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, format pcm.Format) (Conn, error)
}

type ResultSink interface {
	SaveRecognition(ctx context.Context, sessionID string, result Result) error
}
