package hub

import (
	json "github.com/goccy/go-json"
	"github.com/juju/errors"
)

const (
	AckCodeAccepted = 200
	AckDescAccepted = "Property accepted"
	versionKey      = "$version"
)

// Patch is desired properties update. Version is 0 when absent.
type Patch struct {
	Version    int64
	Properties map[string]json.RawMessage
}

// Ack is reported acknowledgement of one desired property.
type Ack struct {
	Value       json.RawMessage `json:"value"`
	Code        int             `json:"ac"`
	Version     int64           `json:"av"`
	Description string          `json:"ad"`
}

// Reported maps property name to acknowledgement.
type Reported map[string]Ack

func ParsePatch(b []byte) (Patch, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return Patch{}, errors.Annotate(err, "twin patch parse")
	}
	p := Patch{Properties: m}
	if raw, ok := m[versionKey]; ok {
		delete(m, versionKey)
		if err := json.Unmarshal(raw, &p.Version); err != nil {
			return Patch{}, errors.Annotatef(err, "twin patch %s=%s", versionKey, raw)
		}
	}
	return p, nil
}

func (r Reported) Marshal() ([]byte, error) {
	b, err := json.Marshal(map[string]Ack(r))
	return b, errors.Annotate(err, "twin reported marshal")
}
