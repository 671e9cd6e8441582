package speechmatics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"node.town/speechbuf/pcm"
	"node.town/speechbuf/stt"
)

const (
	WebSocketBaseURL  = "wss://eu2.rt.speechmatics.com/v2"
	PingInterval      = 30 * time.Second
	PongTimeout       = 60 * time.Second
	HandshakeTimeout  = 10 * time.Second
	StartedTimeout    = 10 * time.Second
	DefaultMaxDelay   = 2.0
	DefaultLanguage   = "en"
	EncodingPCMS16LE  = "pcm_s16le"
	EncodingPCMF32LE  = "pcm_f32le"
	AudioFormatRaw    = "raw"
	eventBufferLength = 64
)

var ErrUnsupportedEncoding = errors.New("audio format has no speechmatics encoding")

// Client opens real-time recognition connections. It satisfies stt.Dialer.
type Client struct {
	APIKey         string
	URL            string
	Language       string
	OperatingPoint OperatingPoint
	EnablePartials bool
	MaxDelay       float64
	Logger         *log.Logger
}

func NewClient(apiKey string) *Client {
	return &Client{
		APIKey:         apiKey,
		URL:            WebSocketBaseURL,
		Language:       DefaultLanguage,
		OperatingPoint: OperatingPointEnhanced,
		EnablePartials: true,
		MaxDelay:       DefaultMaxDelay,
		Logger:         log.Default(),
	}
}

// Encoding maps a PCM format onto the encodings the real-time API accepts.
func Encoding(format pcm.Format) (string, error) {
	if format.Channels != 1 {
		return "", fmt.Errorf(
			"%w: %d channels, only mono is accepted",
			ErrUnsupportedEncoding,
			format.Channels,
		)
	}
	switch format.BitsPerSample {
	case 16:
		return EncodingPCMS16LE, nil
	case 32:
		return EncodingPCMF32LE, nil
	}
	return "", fmt.Errorf(
		"%w: %d bits per sample",
		ErrUnsupportedEncoding,
		format.BitsPerSample,
	)
}

func (c *Client) Dial(ctx context.Context, format pcm.Format) (stt.Conn, error) {
	encoding, err := Encoding(format)
	if err != nil {
		return nil, stt.NewFatalError(err, "unsupported audio format")
	}

	logger := c.Logger
	if logger == nil {
		logger = log.Default()
	}

	header := http.Header{}
	header.Set("Authorization", fmt.Sprintf("Bearer %s", c.APIKey))

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: HandshakeTimeout,
	}
	url := fmt.Sprintf("%s/%s", strings.TrimRight(c.URL, "/"), c.Language)
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil &&
			(resp.StatusCode == http.StatusUnauthorized ||
				resp.StatusCode == http.StatusForbidden) {
			return nil, stt.NewFatalError(err, "speechmatics refused the api key")
		}
		return nil, stt.NewRecoverableError(err, "failed to connect to speechmatics")
	}

	startMsg := StartRecognitionMessage{
		Message: MessageStartRecognition,
		AudioFormat: AudioFormat{
			Type:       AudioFormatRaw,
			Encoding:   encoding,
			SampleRate: int(format.SampleRate),
		},
		TranscriptionConfig: TranscriptionConfig{
			Language:       c.Language,
			OperatingPoint: c.OperatingPoint,
			EnablePartials: c.EnablePartials,
			MaxDelay:       c.MaxDelay,
		},
	}
	if err := ws.WriteJSON(startMsg); err != nil {
		ws.Close()
		return nil, stt.NewRecoverableError(err, "failed to send StartRecognition")
	}

	if err := awaitStarted(ctx, ws, logger); err != nil {
		ws.Close()
		return nil, err
	}

	conn := newConn(ws, logger)
	go conn.readLoop()
	go conn.keepAlive()

	return conn, nil
}

func awaitStarted(ctx context.Context, ws *websocket.Conn, logger *log.Logger) error {
	deadline := time.Now().Add(StartedTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	ws.SetReadDeadline(deadline)
	defer ws.SetReadDeadline(time.Time{})

	for {
		var msg ServerMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return stt.NewRecoverableError(err, "no RecognitionStarted from speechmatics")
		}

		switch msg.Message {
		case MessageRecognitionStarted:
			logger.Debug("recognition started", "id", msg.ID)
			return nil
		case MessageError:
			return classify(msg)
		case MessageInfo, MessageWarning:
			logger.Info("speechmatics", "message", msg.Message, "reason", msg.Reason)
		default:
			logger.Warn("unexpected message before start", "message", msg.Message)
		}
	}
}

func classify(msg ServerMessage) error {
	err := fmt.Errorf("speechmatics %s: %s", msg.Type, msg.Reason)
	if isFatalErrorType(msg.Type) {
		return stt.NewFatalError(err, "recognition refused")
	}
	return stt.NewRecoverableError(err, "recognition failed")
}
