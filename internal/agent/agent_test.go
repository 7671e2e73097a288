package agent_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/airtele/internal/agent"
	"github.com/temoto/airtele/internal/config"
	"github.com/temoto/airtele/internal/hub"
	"github.com/temoto/airtele/internal/hub/hubtest"
	"github.com/temoto/airtele/internal/spool"
	"github.com/temoto/airtele/internal/telemetry"
	"github.com/temoto/airtele/log2"
)

func testConfig(t testing.TB, src string) *config.Config {
	cfg, err := config.Parse([]byte(src))
	require.NoError(t, err)
	return cfg
}

const fullIdentity = `
identity {
  id_scope = "0ne000"
  device_id = "dev1"
  key = "a2V5"
}
interval_sec = 1
`

func TestMissingConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		src     string
		missing []string
	}{
		{"all", ``, []string{config.EnvIDScope, config.EnvDeviceID, config.EnvKey}},
		{"key", "identity {\n id_scope = \"s\"\n device_id = \"d\"\n}", []string{config.EnvKey}},
		{"scope", "identity {\n device_id = \"d\"\n key = \"k\"\n}", []string{config.EnvIDScope}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			prov := hubtest.Assigned()
			dialer := &hubtest.Dialer{Conn: hubtest.NewConn()}
			err := agent.Run(context.Background(), log2.NewTest(t, log2.LDebug), testConfig(t, c.src), prov, dialer)
			require.Error(t, err)
			cme, ok := hub.AsConfigMissing(err)
			require.True(t, ok, "err=%v", err)
			assert.Equal(t, c.missing, cme.Names)
			assert.Equal(t, 0, prov.Calls())
			assert.Equal(t, 0, dialer.Calls())
			assert.Equal(t, hubtest.Counts{}, dialer.Conn.Counts())
		})
	}
}

func TestStartupFailure(t *testing.T) {
	t.Parallel()

	t.Run("provision", func(t *testing.T) {
		prov := &hubtest.Provisioner{Err: fmt.Errorf("unauthorized")}
		dialer := &hubtest.Dialer{Conn: hubtest.NewConn()}
		err := agent.Run(context.Background(), log2.NewTest(t, log2.LDebug), testConfig(t, fullIdentity), prov, dialer)
		_, ok := hub.AsProvisioning(err)
		assert.True(t, ok, "err=%v", err)
		assert.Equal(t, 1, prov.Calls())
		assert.Equal(t, 0, dialer.Calls())
	})
	t.Run("not-assigned", func(t *testing.T) {
		prov := &hubtest.Provisioner{Assignment: hub.Assignment{Status: "disabled"}}
		dialer := &hubtest.Dialer{Conn: hubtest.NewConn()}
		err := agent.Run(context.Background(), log2.NewTest(t, log2.LDebug), testConfig(t, fullIdentity), prov, dialer)
		pe, ok := hub.AsProvisioning(err)
		require.True(t, ok, "err=%v", err)
		assert.Equal(t, "disabled", pe.Status)
		assert.Equal(t, 0, dialer.Calls())
	})
	t.Run("connect", func(t *testing.T) {
		conn := hubtest.NewConn()
		conn.ConnectFunc = func(int) error { return fmt.Errorf("tls handshake") }
		err := agent.Run(context.Background(), log2.NewTest(t, log2.LDebug), testConfig(t, fullIdentity),
			hubtest.Assigned(), &hubtest.Dialer{Conn: conn})
		ce, ok := hub.AsConnection(err)
		require.True(t, ok, "err=%v", err)
		assert.Equal(t, "connect", ce.Op)
		assert.Equal(t, hubtest.Counts{Connect: 1}, conn.Counts())
	})
}

func TestRun(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, fullIdentity+"twin {\n enable = true\n}\n")
	cfg.Spool.Path = spool.InMemory
	conn := hubtest.NewConn()
	a, err := agent.New(log2.NewTest(t, log2.LDebug), cfg, hubtest.Assigned(), &hubtest.Dialer{Conn: conn})
	require.NoError(t, err)
	require.NotNil(t, a.Listener)
	ready := make(chan struct{})
	a.OnReady = func() { close(ready) }

	p, err := hub.ParsePatch([]byte(`{"GeopointProperty":{"lat":1,"lon":2},"$version":7}`))
	require.NoError(t, err)
	conn.PushPatch(p, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	require.Eventually(t, func() bool {
		return conn.Counts().Send >= 1 && len(conn.Reports()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}

	assert.Equal(t, 1, conn.Counts().Close)
	select {
	case <-ready:
	default:
		t.Error("OnReady was not called")
	}
	assert.Equal(t, int64(7), conn.Reports()[0]["GeopointProperty"].Version)
	assert.NotNil(t, a.Spool)
	assert.Equal(t, "test-device", a.Supervisor().Assignment().DeviceID)

	// second shutdown is no-op
	a.Supervisor().Shutdown()
	assert.Equal(t, 1, conn.Counts().Close)
}

func TestShutdownDuringReconnectSpools(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, fullIdentity)
	cfg.Spool.Path = spool.InMemory
	conn := hubtest.NewConn()
	conn.SendFunc = func(int, *telemetry.Message) error {
		return errors.Annotate(hub.ErrConnectionDropped, "publish")
	}
	conn.ConnectFunc = func(n int) error {
		if n > 1 {
			time.Sleep(300 * time.Millisecond)
			return fmt.Errorf("network unreachable")
		}
		return nil
	}
	a, err := agent.New(log2.NewTest(t, log2.LDebug), cfg, hubtest.Assigned(), &hubtest.Dialer{Conn: conn})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, a.Run(ctx))

	stat := a.Sender.Stat()
	assert.Equal(t, uint32(1), stat.RecoverFailed)
	assert.Equal(t, uint32(1), stat.Spooled)
	assert.Equal(t, 2, conn.Counts().Connect)
}
