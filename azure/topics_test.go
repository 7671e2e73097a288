package azure

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/airtele/internal/hub"
	"github.com/temoto/airtele/internal/telemetry"
)

func TestTopics(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "0ne0/registrations/dev1/api-version=2019-03-31", dpsUsername("0ne0", "dev1"))
	assert.Equal(t, "$dps/registrations/PUT/iotdps-register/?$rid=r1", dpsRegisterTopic("r1"))
	assert.Equal(t, "$dps/registrations/GET/iotdps-get-operationstatus/?$rid=r2&operationId=4.abc", dpsPollTopic("r2", "4.abc"))
	assert.Equal(t, "hub.local/dev1/?api-version=2021-04-12&model-id=dtmi%3Atraining101%3Aairthings_4gt%3B1",
		hubUsername("hub.local", "dev1", hub.DefaultModelID))
	assert.Equal(t, "hub.local/dev1/?api-version=2021-04-12", hubUsername("hub.local", "dev1", ""))
	assert.Equal(t, "devices/dev1/messages/events/$.ct=application%2Fjson&$.ce=utf-8",
		telemetryTopic("dev1", telemetry.ContentType, telemetry.ContentEncoding))
	assert.Equal(t, "$iothub/twin/PATCH/properties/reported/?$rid=r3", twinReportedTopic("r3"))
}

func TestParseResponseTopic(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		prefix string
		topic  string
		expect response
		err    bool
	}{
		{"dps-202", dpsResponsePrefix, "$dps/registrations/res/202/?$rid=r1&retry-after=3",
			response{Status: 202, RID: "r1", RetryAfter: 3 * time.Second}, false},
		{"dps-200", dpsResponsePrefix, "$dps/registrations/res/200/?$rid=r2",
			response{Status: 200, RID: "r2"}, false},
		{"twin-204", twinResponsePrefix, "$iothub/twin/res/204/?$rid=r3&$version=5",
			response{Status: 204, RID: "r3"}, false},
		{"no-query", twinResponsePrefix, "$iothub/twin/res/400/",
			response{Status: 400}, false},
		{"bad-status", dpsResponsePrefix, "$dps/registrations/res/abc/?$rid=r", response{}, true},
		{"wrong-prefix", dpsResponsePrefix, "$iothub/twin/res/200/?$rid=r", response{}, true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			r, err := parseResponseTopic(c.prefix, c.topic)
			if c.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expect.Status, r.Status)
			assert.Equal(t, c.expect.RID, r.RID)
			assert.Equal(t, c.expect.RetryAfter, r.RetryAfter)
		})
	}

	assert.Equal(t, int64(7), desiredVersion("$iothub/twin/PATCH/properties/desired/?$version=7"))
	assert.Equal(t, int64(0), desiredVersion("$iothub/twin/PATCH/properties/desired/"))
}
