package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/airtele/internal/hub"
	"github.com/temoto/airtele/log2"
)

const testConfigText = `
identity {
  id_scope = "0ne000FILE"
  device_id = "file-device"
  key = "ZmlsZQ=="
}
interval_sec = 3
twin {
  enable = true
  properties = ["GeopointProperty", "TargetTemperature"]
}
spool { path = "/var/lib/airtele/spool" }
`

// Not parallel: environment is process global.
func TestRead(t *testing.T) {
	log := log2.NewTest(t, log2.LDebug)
	dir := t.TempDir()
	path := filepath.Join(dir, "airtele.hcl")
	require.NoError(t, os.WriteFile(path, []byte(testConfigText), 0o600))

	cases := []struct {
		name  string
		env   map[string]string
		path  string
		check func(testing.TB, *Config)
	}{
		{"file-only", nil, path, func(t testing.TB, c *Config) {
			assert.Equal(t, "0ne000FILE", c.Identity.IDScope)
			assert.Equal(t, "file-device", c.Identity.DeviceID)
			assert.Equal(t, hub.DefaultEndpoint, c.Identity.Endpoint)
			assert.Equal(t, hub.DefaultModelID, c.ModelID)
			assert.Equal(t, 3*time.Second, c.Interval())
			assert.True(t, c.Twin.Enable)
			assert.Equal(t, []string{"GeopointProperty", "TargetTemperature"}, c.Twin.Properties)
			assert.Equal(t, "/var/lib/airtele/spool", c.Spool.Path)
			assert.NoError(t, c.Validate())
		}},
		{"env-wins", map[string]string{
			EnvIDScope:  "0ne000ENV",
			EnvEndpoint: "dps.example.net",
		}, path, func(t testing.TB, c *Config) {
			assert.Equal(t, "0ne000ENV", c.Identity.IDScope)
			assert.Equal(t, "dps.example.net", c.Identity.Endpoint)
			assert.Equal(t, "file-device", c.Identity.DeviceID)
		}},
		{"env-only", map[string]string{
			EnvIDScope:  "0ne000ENV",
			EnvDeviceID: "env-device",
			EnvKey:      "ZW52",
		}, filepath.Join(dir, "absent.hcl"), func(t testing.TB, c *Config) {
			assert.NoError(t, c.Validate())
			id := c.HubIdentity()
			assert.Equal(t, hub.Identity{Endpoint: hub.DefaultEndpoint, IDScope: "0ne000ENV", DeviceID: "env-device", Key: "ZW52"}, id)
			assert.Equal(t, DefaultInterval, c.Interval())
			assert.Equal(t, DefaultTwinRetry, c.TwinRetry())
			assert.Equal(t, []string{DefaultTwinProperty}, c.Twin.Properties)
			assert.False(t, c.Twin.Enable)
		}},
		{"missing", map[string]string{
			EnvDeviceID: "env-device",
		}, "", func(t testing.TB, c *Config) {
			assert.Equal(t, []string{EnvIDScope, EnvKey}, c.Missing())
			err := c.Validate()
			me, ok := hub.AsConfigMissing(err)
			require.True(t, ok)
			assert.Equal(t, []string{EnvIDScope, EnvKey}, me.Names)
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			for _, name := range []string{EnvEndpoint, EnvIDScope, EnvDeviceID, EnvKey} {
				t.Setenv(name, "")
			}
			for k, v := range c.env {
				t.Setenv(k, v)
			}
			cfg, err := Read(log, c.path, false)
			require.NoError(t, err)
			c.check(t, cfg)
		})
	}
}

func TestReadErrors(t *testing.T) {
	log := log2.NewTest(t, log2.LDebug)
	dir := t.TempDir()

	_, err := Read(log, filepath.Join(dir, "absent.hcl"), true)
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.hcl")
	require.NoError(t, os.WriteFile(bad, []byte(`identity { id_scope = `), 0o600))
	_, err = Read(log, bad, false)
	assert.Error(t, err)
}

func TestParse(t *testing.T) {
	t.Parallel()

	c, err := Parse([]byte(`model_id = "dtmi:x;2"
network_timeout_sec = 5
twin { retry_ms = 250 }`))
	require.NoError(t, err)
	assert.Equal(t, "dtmi:x;2", c.ModelID)
	assert.Equal(t, 5*time.Second, c.NetworkTimeout())
	assert.Equal(t, 250*time.Millisecond, c.TwinRetry())
	assert.Equal(t, DefaultKeepalive, c.Keepalive())
	assert.Equal(t, DefaultTokenTTL, c.TokenTTL())
	assert.Equal(t, DefaultSpoolRetry, c.SpoolRetry())
}
