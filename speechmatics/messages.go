package speechmatics

import "strings"

const (
	MessageStartRecognition     = "StartRecognition"
	MessageRecognitionStarted   = "RecognitionStarted"
	MessageAudioAdded           = "AudioAdded"
	MessageAddPartialTranscript = "AddPartialTranscript"
	MessageAddTranscript        = "AddTranscript"
	MessageEndOfStream          = "EndOfStream"
	MessageEndOfTranscript      = "EndOfTranscript"
	MessageInfo                 = "Info"
	MessageWarning              = "Warning"
	MessageError                = "Error"
)

type OperatingPoint string

const (
	OperatingPointStandard OperatingPoint = "standard"
	OperatingPointEnhanced OperatingPoint = "enhanced"
)

type AdditionalVocab struct {
	Content string   `json:"content"`
	Sounds  []string `json:"sounds,omitempty"`
}

type TranscriptionConfig struct {
	Language        string            `json:"language"`
	Domain          string            `json:"domain,omitempty"`
	OutputLocale    string            `json:"output_locale,omitempty"`
	OperatingPoint  OperatingPoint    `json:"operating_point,omitempty"`
	AdditionalVocab []AdditionalVocab `json:"additional_vocab,omitempty"`
	EnablePartials  bool              `json:"enable_partials,omitempty"`
	MaxDelay        float64           `json:"max_delay,omitempty"`
}

type AudioFormat struct {
	Type       string `json:"type"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type StartRecognitionMessage struct {
	Message             string              `json:"message"`
	AudioFormat         AudioFormat         `json:"audio_format"`
	TranscriptionConfig TranscriptionConfig `json:"transcription_config"`
}

type EndOfStreamMessage struct {
	Message   string `json:"message"`
	LastSeqNo int    `json:"last_seq_no"`
}

// ServerMessage is the union of everything the real-time API sends back.
type ServerMessage struct {
	Message  string             `json:"message"`
	ID       string             `json:"id,omitempty"`
	SeqNo    int                `json:"seq_no,omitempty"`
	Metadata TranscriptMetadata `json:"metadata"`
	Results  []TranscriptResult `json:"results,omitempty"`
	Type     string             `json:"type,omitempty"`
	Reason   string             `json:"reason,omitempty"`
	Code     int                `json:"code,omitempty"`
}

type TranscriptMetadata struct {
	Transcript string  `json:"transcript"`
	StartTime  float64 `json:"start_time"`
	EndTime    float64 `json:"end_time"`
}

type TranscriptResult struct {
	Alternatives []struct {
		Confidence float64 `json:"confidence"`
		Content    string  `json:"content"`
	} `json:"alternatives"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	Type      string  `json:"type"`
}

// Text is the transcript of a message, falling back to joining the words
// when the metadata carries none.
func (m ServerMessage) Text() string {
	if text := strings.TrimSpace(m.Metadata.Transcript); text != "" {
		return text
	}

	var b strings.Builder
	for _, r := range m.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		content := r.Alternatives[0].Content
		if r.Type != "punctuation" && b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(content)
	}
	return b.String()
}

// fatalErrorTypes are refusals that a new connection would get again.
var fatalErrorTypes = map[string]bool{
	"not_authorised":     true,
	"insufficient_funds": true,
	"not_allowed":        true,
}

func isFatalErrorType(t string) bool {
	return fatalErrorTypes[t] || strings.HasPrefix(t, "invalid_")
}
