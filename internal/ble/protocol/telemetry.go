package protocol

import (
	"bytes"
	"encoding/json"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Decode errors. Callers compare with errors.Is.
var (
	ErrInvalidUTF8   = errors.New("protocol: frame is not valid UTF-8")
	ErrMalformedJSON = errors.New("protocol: malformed JSON")
	ErrMissingField  = errors.New("protocol: missing required field")
)

// Kind classifies an inbound notification.
type Kind int

const (
	// KindEmpty is a whitespace-only notification. It is not an error.
	KindEmpty Kind = iota
	// KindReadings carries hydration and sugar readings.
	KindReadings
	// KindBattery carries a battery level.
	KindBattery
	// KindAck is a command acknowledgement or status object.
	KindAck
	// KindText is anything else: plain text or an unrecognized JSON object.
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindReadings:
		return "readings"
	case KindBattery:
		return "battery"
	case KindAck:
		return "ack"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

// Hydration is the water side of a readings frame, in millilitres.
type Hydration struct {
	WeightML   float64 `json:"weight_ml"`
	MaxML      float64 `json:"max_ml"`
	Percentage float64 `json:"percentage"`
}

// Sugar is the sugar side of a readings frame, in grams.
type Sugar struct {
	WeightG    float64 `json:"weight_g"`
	MaxG       float64 `json:"max_g"`
	Percentage float64 `json:"percentage"`
}

// Telemetry is a normalized readings frame.
type Telemetry struct {
	Hydration Hydration `json:"hydration"`
	Sugar     Sugar     `json:"sugar"`
}

// Message is one decoded notification. Only the fields matching Kind are set.
type Message struct {
	Kind      Kind
	Telemetry Telemetry
	Battery   int
	Command   string // KindAck
	Status    string // KindAck
	Text      string // raw UTF-8 payload, always set unless KindEmpty
}

type reading struct {
	Weight *float64 `json:"weight"`
	Max    *float64 `json:"max"`
}

// Decode parses one notification payload. Payloads that do not start with
// '{' are surfaced as KindText; payloads that do must be a JSON object.
// Decode never panics and has no side effects, so retries are safe.
func Decode(raw []byte) (Message, error) {
	if !utf8.Valid(raw) {
		return Message{}, ErrInvalidUTF8
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Message{Kind: KindEmpty}, nil
	}
	text := string(trimmed)
	if trimmed[0] != '{' {
		return Message{Kind: KindText, Text: text}, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return Message{}, errors.Wrap(ErrMalformedJSON, err.Error())
	}

	hRaw, hasH := obj["hydration"]
	sRaw, hasS := obj["sugar"]
	if hasH && hasS && isObject(hRaw) && isObject(sRaw) {
		t, err := decodeReadings(hRaw, sRaw)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindReadings, Telemetry: t, Text: text}, nil
	}

	if bRaw, ok := obj["battery"]; ok {
		var level float64
		if err := json.Unmarshal(bRaw, &level); err == nil {
			return Message{Kind: KindBattery, Battery: int(level), Text: text}, nil
		}
	}

	_, hasCmd := obj["command"]
	_, hasStatus := obj["status"]
	if hasCmd || hasStatus {
		var ack struct {
			Command string `json:"command"`
			Status  string `json:"status"`
		}
		// Non-string values are tolerated; the raw text is kept either way.
		_ = json.Unmarshal(trimmed, &ack)
		return Message{Kind: KindAck, Command: ack.Command, Status: ack.Status, Text: text}, nil
	}

	return Message{Kind: KindText, Text: text}, nil
}

func decodeReadings(hRaw, sRaw json.RawMessage) (Telemetry, error) {
	var h, s reading
	if err := json.Unmarshal(hRaw, &h); err != nil {
		return Telemetry{}, errors.Wrap(ErrMissingField, "hydration: "+err.Error())
	}
	if err := json.Unmarshal(sRaw, &s); err != nil {
		return Telemetry{}, errors.Wrap(ErrMissingField, "sugar: "+err.Error())
	}
	if h.Weight == nil || h.Max == nil {
		return Telemetry{}, errors.Wrap(ErrMissingField, "hydration.weight/max")
	}
	if s.Weight == nil || s.Max == nil {
		return Telemetry{}, errors.Wrap(ErrMissingField, "sugar.weight/max")
	}

	return Telemetry{
		Hydration: Hydration{
			WeightML:   *h.Weight,
			MaxML:      *h.Max,
			Percentage: HydrationPercentage(*h.Weight, *h.Max),
		},
		Sugar: Sugar{
			WeightG:    *s.Weight,
			MaxG:       *s.Max,
			Percentage: SugarPercentage(*s.Weight, *s.Max),
		},
	}, nil
}

// HydrationPercentage returns weight/max*100 clamped to [0, 100]; the water
// gauge never shows more than the goal.
func HydrationPercentage(weight, max float64) float64 {
	p := percentage(weight, max)
	if p > 100 {
		return 100
	}
	return p
}

// SugarPercentage returns weight/max*100 floored at 0 and left unclamped
// above 100 so overage stays visible.
func SugarPercentage(weight, max float64) float64 {
	return percentage(weight, max)
}

func percentage(weight, max float64) float64 {
	if max <= 0 {
		return 0
	}
	p := weight * 100 / max
	if p < 0 {
		return 0
	}
	return p
}

// SplitLines splits a notification that may carry several newline-delimited
// objects. Blank lines are dropped.
func SplitLines(raw []byte) [][]byte {
	var out [][]byte
	for _, line := range bytes.Split(raw, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		out = append(out, line)
	}
	return out
}

func isObject(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && t[0] == '{'
}
