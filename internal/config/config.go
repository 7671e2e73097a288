// Package config reads agent settings.
// Sources in order, later wins: HCL file, environment, defaults for zero values.
package config

import (
	"os"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/joeshaw/envdecode"
	"github.com/juju/errors"
	"github.com/temoto/airtele/helpers"
	"github.com/temoto/airtele/internal/hub"
	"github.com/temoto/airtele/log2"
)

const (
	DefaultInterval       = 10 * time.Second
	DefaultNetworkTimeout = 30 * time.Second
	DefaultKeepalive      = 60 * time.Second
	DefaultTokenTTL       = time.Hour
	DefaultTwinRetry      = 1 * time.Second
	DefaultSpoolRetry     = 30 * time.Second
	DefaultTwinProperty   = "GeopointProperty"

	EnvEndpoint = "IOTHUB_DEVICE_DPS_ENDPOINT"
	EnvIDScope  = "IOTHUB_DEVICE_DPS_ID_SCOPE"
	EnvDeviceID = "IOTHUB_DEVICE_DPS_DEVICE_ID"
	EnvKey      = "IOTHUB_DEVICE_DPS_DEVICE_KEY"
)

type Config struct { //nolint:maligned
	Identity struct {
		Endpoint string `hcl:"endpoint" env:"IOTHUB_DEVICE_DPS_ENDPOINT"`
		IDScope  string `hcl:"id_scope" env:"IOTHUB_DEVICE_DPS_ID_SCOPE"`
		DeviceID string `hcl:"device_id" env:"IOTHUB_DEVICE_DPS_DEVICE_ID"`
		Key      string `hcl:"key" env:"IOTHUB_DEVICE_DPS_DEVICE_KEY"`
		// Key is enrollment group key, device key is derived from it.
		GroupKey bool `hcl:"group_key" env:"IOTHUB_DEVICE_DPS_GROUP_KEY"`
	} `hcl:"identity"`

	ModelID           string `hcl:"model_id" env:"AIRTELE_MODEL_ID"`
	IntervalSec       int    `hcl:"interval_sec" env:"AIRTELE_INTERVAL_SEC"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	TokenTTLSec       int    `hcl:"token_ttl_sec"`
	TLSCAFile         string `hcl:"tls_ca_file" env:"AIRTELE_TLS_CA_FILE"`
	LogDebug          bool   `hcl:"log_debug" env:"AIRTELE_LOG_DEBUG"`
	MqttLogDebug      bool   `hcl:"mqtt_log_debug"`

	Twin struct {
		Enable     bool     `hcl:"enable" env:"AIRTELE_TWIN_ENABLE"`
		Properties []string `hcl:"properties"`
		RetryMs    int      `hcl:"retry_ms"`
	} `hcl:"twin"`

	Spool struct {
		Path     string `hcl:"path" env:"AIRTELE_SPOOL_PATH"`
		RetrySec int    `hcl:"retry_sec"`
	} `hcl:"spool"`
}

func (c *Config) HubIdentity() hub.Identity {
	return hub.Identity{
		Endpoint: c.Identity.Endpoint,
		IDScope:  c.Identity.IDScope,
		DeviceID: c.Identity.DeviceID,
		Key:      c.Identity.Key,
	}
}

func (c *Config) Interval() time.Duration {
	return helpers.IntSecondDefault(c.IntervalSec, DefaultInterval)
}
func (c *Config) NetworkTimeout() time.Duration {
	return helpers.IntSecondDefault(c.NetworkTimeoutSec, DefaultNetworkTimeout)
}
func (c *Config) Keepalive() time.Duration {
	return helpers.IntSecondDefault(c.KeepaliveSec, DefaultKeepalive)
}
func (c *Config) TokenTTL() time.Duration {
	return helpers.IntSecondDefault(c.TokenTTLSec, DefaultTokenTTL)
}
func (c *Config) TwinRetry() time.Duration {
	return helpers.IntMillisecondDefault(c.Twin.RetryMs, DefaultTwinRetry)
}
func (c *Config) SpoolRetry() time.Duration {
	return helpers.IntSecondDefault(c.Spool.RetrySec, DefaultSpoolRetry)
}

// Missing returns env names of absent required identity values.
func (c *Config) Missing() []string {
	var names []string
	if c.Identity.IDScope == "" {
		names = append(names, EnvIDScope)
	}
	if c.Identity.DeviceID == "" {
		names = append(names, EnvDeviceID)
	}
	if c.Identity.Key == "" {
		names = append(names, EnvKey)
	}
	return names
}

// Validate returns *hub.ConfigMissingError or nil.
func (c *Config) Validate() error {
	if names := c.Missing(); len(names) != 0 {
		return &hub.ConfigMissingError{Names: names}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Identity.Endpoint == "" {
		c.Identity.Endpoint = hub.DefaultEndpoint
	}
	if c.ModelID == "" {
		c.ModelID = hub.DefaultModelID
	}
	if len(c.Twin.Properties) == 0 {
		c.Twin.Properties = []string{DefaultTwinProperty}
	}
}

// Parse decodes HCL text without environment overlay. Used by tests and Read.
// Parse HCL content and apply defaults, without environment.
func Parse(b []byte) (*Config, error) {
	c := &Config{}
	if err := hcl.Unmarshal(b, c); err != nil {
		return nil, errors.Annotatef(err, "config unmarshal content='%s'", string(b))
	}
	c.applyDefaults()
	return c, nil
}

// Read file (optional when !required), overlay environment, apply defaults.
// Identity is not validated here, see Validate.
func Read(log *log2.Log, path string, required bool) (*Config, error) {
	c := &Config{}
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if c, err = Parse(b); err != nil {
				return nil, errors.Annotatef(err, "config path=%s", path)
			}
			log.Debugf("config read path=%s", path)
		case os.IsNotExist(err) && !required:
			log.Debugf("config path=%s not found, using environment", path)
		default:
			return nil, errors.Annotatef(err, "config path=%s", path)
		}
	}
	if err := overlayEnv(c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	return c, nil
}

func overlayEnv(c *Config) error {
	err := envdecode.Decode(c)
	if err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return errors.Annotate(err, "config environment")
	}
	return nil
}
