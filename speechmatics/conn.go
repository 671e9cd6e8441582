package speechmatics

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"node.town/speechbuf/stt"
)

// Conn is one real-time recognition connection.
type Conn struct {
	ws     *websocket.Conn
	logger *log.Logger

	// gorilla allows one writer at a time, control frames excepted.
	writeMu sync.Mutex

	events    chan stt.Event
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, logger *log.Logger) *Conn {
	return &Conn{
		ws:     ws,
		logger: logger,
		events: make(chan stt.Event, eventBufferLength),
		done:   make(chan struct{}),
	}
}

func (c *Conn) SendAudio(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("failed to send audio data: %w", err)
	}
	return nil
}

func (c *Conn) EndStream(lastSeqNo int) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	endMsg := EndOfStreamMessage{
		Message:   MessageEndOfStream,
		LastSeqNo: lastSeqNo,
	}
	if err := c.ws.WriteJSON(endMsg); err != nil {
		return fmt.Errorf("failed to send EndOfStream message: %w", err)
	}
	return nil
}

func (c *Conn) Events() <-chan stt.Event {
	return c.events
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) emit(ev stt.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Conn) readLoop() {
	defer close(c.events)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.emit(stt.Event{
					Kind: stt.EventError,
					Err:  stt.NewRecoverableError(err, "websocket read failed"),
				})
			}
			return
		}

		var msg ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("undecodable message", "error", err)
			continue
		}

		ev, ok := c.translate(msg)
		if !ok {
			continue
		}
		if !c.emit(ev) {
			return
		}
		if ev.Kind == stt.EventEndOfTranscript || ev.Kind == stt.EventError {
			return
		}
	}
}

func (c *Conn) translate(msg ServerMessage) (stt.Event, bool) {
	switch msg.Message {
	case MessageAudioAdded:
		return stt.Event{Kind: stt.EventAudioAdded, SeqNo: msg.SeqNo}, true

	case MessageAddPartialTranscript, MessageAddTranscript:
		kind := stt.EventPartial
		if msg.Message == MessageAddTranscript {
			kind = stt.EventFinal
		}
		return stt.Event{
			Kind: kind,
			Result: stt.Result{
				Text:  msg.Text(),
				Start: msg.Metadata.StartTime,
				End:   msg.Metadata.EndTime,
			},
		}, true

	case MessageEndOfTranscript:
		return stt.Event{Kind: stt.EventEndOfTranscript}, true

	case MessageWarning:
		return stt.Event{
			Kind: stt.EventWarning,
			Err:  fmt.Errorf("speechmatics %s: %s", msg.Type, msg.Reason),
		}, true

	case MessageError:
		return stt.Event{Kind: stt.EventError, Err: classify(msg)}, true

	case MessageInfo, MessageRecognitionStarted:
		c.logger.Debug("speechmatics", "message", msg.Message, "reason", msg.Reason)
		return stt.Event{}, false
	}

	c.logger.Warn("unknown message", "message", msg.Message)
	return stt.Event{}, false
}

func (c *Conn) keepAlive() {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			err := c.ws.WriteControl(
				websocket.PingMessage,
				[]byte{},
				time.Now().Add(PongTimeout),
			)
			if err != nil {
				c.logger.Error("failed to send ping", "error", err)
				return
			}
		}
	}
}
