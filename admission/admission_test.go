package admission_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wsforge/wsserver/admission"
)

func testConfig() admission.Config {
	cfg := admission.DefaultConfig()
	cfg.MaxConnectionsPerIP = 2
	cfg.MaxConnectionsTotal = 3
	cfg.MaxRequestsPerIP = 2
	cfg.RequestResetPeriod = 20 * time.Millisecond
	cfg.ConnectionTimeout = 20 * time.Millisecond
	return cfg
}

func TestLoopbackAlwaysAllowed(t *testing.T) {
	c := admission.New(testConfig())
	for i := 0; i < 10; i++ {
		require.True(t, c.Allow("127.0.0.1"))
		c.Register("127.0.0.1", false)
	}
}

func TestPerIPCap(t *testing.T) {
	c := admission.New(testConfig())
	require.True(t, c.Allow("10.0.0.1"))
	c.Register("10.0.0.1", false)
	require.True(t, c.Allow("10.0.0.1"))
	c.Register("10.0.0.1", false)
	assert.False(t, c.Allow("10.0.0.1"))
}

func TestGlobalCap(t *testing.T) {
	c := admission.New(testConfig())
	ips := []string{"10.0.0.1", "10.0.0.2"}
	for _, ip := range ips {
		require.True(t, c.Allow(ip))
		c.Register(ip, false)
	}
	require.True(t, c.Allow("10.0.0.3"))
	c.Register("10.0.0.3", false)
	assert.False(t, c.Allow("10.0.0.4"))
}

func TestReleaseFreesCapacity(t *testing.T) {
	c := admission.New(testConfig())
	require.True(t, c.Allow("10.0.0.1"))
	c.Register("10.0.0.1", false)
	require.True(t, c.Allow("10.0.0.1"))
	c.Register("10.0.0.1", false)
	assert.False(t, c.Allow("10.0.0.1"))

	c.Release("10.0.0.1")
	assert.True(t, c.Allow("10.0.0.1"))
}

func TestRateWindowResets(t *testing.T) {
	c := admission.New(testConfig())
	c.Register("10.0.0.1", false)
	c.RecordRequest("10.0.0.1")
	c.RecordRequest("10.0.0.1")
	assert.False(t, c.Allow("10.0.0.1"))

	time.Sleep(30 * time.Millisecond)
	assert.True(t, c.Allow("10.0.0.1"))
}

func TestBlocklist(t *testing.T) {
	c := admission.New(testConfig())
	c.BlockIP("10.0.0.9")
	assert.False(t, c.Allow("10.0.0.9"))
	assert.Contains(t, c.BlockedIPs(), "10.0.0.9")

	c.UnblockIP("10.0.0.9")
	assert.True(t, c.Allow("10.0.0.9"))
}

func TestIdleTimeout(t *testing.T) {
	c := admission.New(testConfig())
	c.Register("10.0.0.1", false)
	assert.False(t, c.IdleTimedOut("10.0.0.1"))
	time.Sleep(30 * time.Millisecond)
	assert.True(t, c.IdleTimedOut("10.0.0.1"))

	c.Touch("10.0.0.1")
	assert.False(t, c.IdleTimedOut("10.0.0.1"))
}

func TestConnectedIPsSnapshot(t *testing.T) {
	c := admission.New(testConfig())
	c.Register("10.0.0.1", false)
	c.Register("10.0.0.2", true)
	ips := c.ConnectedIPs()
	assert.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2"}, ips)

	c.Release("10.0.0.1")
	assert.ElementsMatch(t, []string{"10.0.0.2"}, c.ConnectedIPs())
}
