package summary

import (
	"encoding/json"

	apperrors "github.com/GriffinCanCode/recap/internal/errors"
)

// TypeResult marks the terminal server message.
const TypeResult = "result"

// Parameters travel with every request.
type Parameters struct {
	LLM         string `json:"llm"`
	Temperature string `json:"temperature"`
	Client      string `json:"client"`
	Model       string `json:"model"`
}

// Input carries the prompt and the raw transcript.
type Input struct {
	Prompt  string `json:"prompt"`
	RawText string `json:"rawtext"`
}

// Envelope is the single client-to-server message of an exchange.
type Envelope struct {
	Input      Input      `json:"input"`
	Parameters Parameters `json:"parameters"`
}

// wireMessage mirrors both server message shapes; pointers tell missing from empty.
type wireMessage struct {
	Type   *string  `json:"type"`
	Answer *string  `json:"answer"`
	Data   *string  `json:"data"`
	Tokens *float64 `json:"tokens"`
	Cost   *float64 `json:"cost"`
}

// Message is a decoded server message: either a terminal result or a chunk.
type Message struct {
	Terminal bool
	Answer   string  // set when Terminal
	Tokens   float64 // set when Terminal, zero if absent
	Cost     float64 // set when Terminal, zero if absent
	Data     string  // set when not Terminal
}

// Decode classifies one server payload. Every shape other than a result with
// an answer or a typed message with data is a protocol error.
func Decode(payload []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(payload, &w); err != nil {
		return Message{}, apperrors.Wrap(err, apperrors.KindProtocol, "malformed server message")
	}
	if w.Type == nil {
		return Message{}, apperrors.New(apperrors.KindProtocol, "server message missing type")
	}

	if *w.Type == TypeResult {
		if w.Answer == nil {
			return Message{}, apperrors.New(apperrors.KindProtocol, "result message missing answer")
		}
		m := Message{Terminal: true, Answer: *w.Answer}
		if w.Tokens != nil {
			m.Tokens = *w.Tokens
		}
		if w.Cost != nil {
			m.Cost = *w.Cost
		}
		return m, nil
	}

	if w.Data == nil {
		return Message{}, apperrors.Newf(apperrors.KindProtocol, "%q message missing data", *w.Type)
	}
	return Message{Data: *w.Data}, nil
}
