package hub

import (
	"fmt"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePatch(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		input   string
		version int64
		keys    []string
		err     bool
	}{
		{"geopoint", `{"GeopointProperty":{"lat":1,"lon":2},"$version":3}`, 3, []string{"GeopointProperty"}, false},
		{"no-version", `{"GeopointProperty":{"lat":1,"lon":2}}`, 0, []string{"GeopointProperty"}, false},
		{"only-version", `{"$version":9}`, 9, nil, false},
		{"bad-version", `{"$version":"x"}`, 0, nil, true},
		{"syntax", `{`, 0, nil, true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			p, err := ParsePatch([]byte(c.input))
			if c.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.version, p.Version)
			keys := make([]string, 0, len(p.Properties))
			for k := range p.Properties {
				keys = append(keys, k)
			}
			assert.ElementsMatch(t, c.keys, keys)
		})
	}
}

func TestReportedMarshal(t *testing.T) {
	t.Parallel()

	r := Reported{"GeopointProperty": Ack{
		Value:       json.RawMessage(`{"lat":1,"lon":2}`),
		Code:        AckCodeAccepted,
		Version:     3,
		Description: AckDescAccepted,
	}}
	b, err := r.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{"GeopointProperty":{"value":{"lat":1,"lon":2},"ac":200,"av":3,"ad":"Property accepted"}}`, string(b))
}

func TestErrorTaxonomy(t *testing.T) {
	t.Parallel()

	dropped := errors.Annotate(ErrConnectionDropped, "send")
	assert.True(t, IsConnectionDropped(dropped))
	assert.False(t, IsConnectionDropped(fmt.Errorf("timeout")))
	assert.False(t, IsConnectionDropped(nil))
	assert.True(t, IsClosed(errors.Annotate(ErrClosed, "next patch")))

	cause := fmt.Errorf("dial tcp: refused")
	perr := errors.Annotate(&ProvisioningError{Err: cause}, "agent")
	pe, ok := AsProvisioning(perr)
	require.True(t, ok)
	assert.Equal(t, cause, pe.Unwrap())
	assert.Equal(t, "provisioning failed: dial tcp: refused", pe.Error())
	assert.Equal(t, "provisioning status was not 'assigned': failed", (&ProvisioningError{Status: "failed"}).Error())

	cerr := errors.Annotate(&ConnectionError{Op: "connect", Err: cause}, "agent")
	ce, ok := AsConnection(cerr)
	require.True(t, ok)
	assert.Equal(t, "connect", ce.Op)
	_, ok = AsProvisioning(cerr)
	assert.False(t, ok)

	me, ok := AsConfigMissing(&ConfigMissingError{Names: []string{"A", "B"}})
	require.True(t, ok)
	assert.Equal(t, "config missing: A, B", me.Error())
}
