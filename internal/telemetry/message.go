package telemetry

import (
	json "github.com/goccy/go-json"
	"github.com/juju/errors"
)

const (
	ContentEncoding = "utf-8"
	ContentType     = "application/json"
)

// Message is transport envelope: payload plus metadata required by hub.
type Message struct {
	Payload         []byte
	ContentEncoding string
	ContentType     string
}

func (m *Message) String() string { return string(m.Payload) }

func Encode(r Reading) (*Message, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Annotate(err, "telemetry encode")
	}
	return NewMessage(b), nil
}

// NewMessage wraps already encoded JSON payload.
func NewMessage(payload []byte) *Message {
	return &Message{
		Payload:         payload,
		ContentEncoding: ContentEncoding,
		ContentType:     ContentType,
	}
}

// Decode is strict: unknown or missing keys are errors.
func Decode(payload []byte) (Reading, error) {
	var m map[string]float64
	if err := json.Unmarshal(payload, &m); err != nil {
		return Reading{}, errors.Annotate(err, "telemetry decode")
	}
	if len(m) != len(Ranges) {
		return Reading{}, errors.NotValidf("telemetry keys=%d expected=%d", len(m), len(Ranges))
	}
	var v [len(Ranges)]float64
	for i, rg := range Ranges {
		x, ok := m[rg.Name]
		if !ok {
			return Reading{}, errors.NotFoundf("telemetry key=%s", rg.Name)
		}
		v[i] = x
	}
	return Reading{v[0], v[1], v[2], v[3], v[4], v[5], v[6]}, nil
}
