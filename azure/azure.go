// Package azure implements hub.Provisioner and hub.Dialer for Azure IoT
// Device Provisioning Service and IoT Hub over MQTT 3.1.1 with SAS tokens.
package azure

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/airtele/log2"
)

const (
	DefaultNetworkTimeout = 30 * time.Second
	DefaultKeepalive      = 60 * time.Second
	DefaultTokenTTL       = time.Hour
	DefaultPollInterval   = 3 * time.Second

	mqttsPort = "8883"
)

type Options struct {
	Log *log2.Log
	// URL overrides broker address derived from endpoint or hub hostname,
	// e.g. tcp://127.0.0.1:1883 for tests.
	URL            string
	TLS            *tls.Config
	NetworkTimeout time.Duration
	Keepalive      time.Duration
	TokenTTL       time.Duration
	// DPS operation status poll interval when response has no retry-after.
	PollInterval time.Duration

	now func() time.Time
}

func (o *Options) setDefaults() {
	if o.NetworkTimeout <= 0 {
		o.NetworkTimeout = DefaultNetworkTimeout
	}
	if o.Keepalive <= 0 {
		o.Keepalive = DefaultKeepalive
	}
	if o.TokenTTL <= 0 {
		o.TokenTTL = DefaultTokenTTL
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.now == nil {
		o.now = time.Now
	}
}

func (o *Options) brokerURL(host string) string {
	if o.URL != "" {
		return o.URL
	}
	return "ssl://" + host + ":" + mqttsPort
}

func (o *Options) tlsConfig() *tls.Config {
	if o.TLS != nil {
		return o.TLS
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

// TLSConfig with extra root CA from PEM file, system pool when caFile is empty.
func TLSConfig(caFile string) (*tls.Config, error) {
	c := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return c, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, errors.Annotatef(err, "tls ca file=%s", caFile)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.Errorf("tls ca file=%s no certificates", caFile)
	}
	c.RootCAs = pool
	return c, nil
}

// SetLibraryLog routes paho package loggers into log.
// Paho loggers are process globals, call once from main.
func SetLibraryLog(log *log2.Log, debug bool) {
	mqtt.CRITICAL = log.Printer(log2.LError, "mqtt CRITICAL ")
	mqtt.ERROR = log.Printer(log2.LError, "mqtt ERROR ")
	mqtt.WARN = log.Printer(log2.LInfo, "mqtt WARN ")
	if debug {
		mqtt.DEBUG = log.Printer(log2.LDebug, "mqtt DEBUG ")
	} else {
		mqtt.DEBUG = mqtt.NOOPLogger{}
	}
}

type credentialsFunc func() (username, password string)

func newClient(o *Options, broker, clientID string, creds credentialsFunc, onLost mqtt.ConnectionLostHandler) mqtt.Client {
	co := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetCredentialsProvider(mqtt.CredentialsProvider(creds)).
		SetTLSConfig(o.tlsConfig()).
		SetProtocolVersion(4).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(o.NetworkTimeout).
		SetWriteTimeout(o.NetworkTimeout).
		SetPingTimeout(o.NetworkTimeout).
		SetKeepAlive(o.Keepalive)
	if onLost != nil {
		co.SetConnectionLostHandler(onLost)
	}
	return mqtt.NewClient(co)
}

// waitToken blocks until token completes, ctx is done or timeout.
func waitToken(ctx context.Context, t mqtt.Token, timeout time.Duration, op string) error {
	tmr := time.NewTimer(timeout)
	defer tmr.Stop()
	select {
	case <-t.Done():
		return errors.Annotate(t.Error(), op)
	case <-ctx.Done():
		return errors.Annotate(ctx.Err(), op)
	case <-tmr.C:
		return errors.Timeoutf("%s after %v", op, timeout)
	}
}
