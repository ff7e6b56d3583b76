package registry

import (
	"testing"
	"time"

	"github.com/cuemby/clupy/pkg/config"
	"github.com/stretchr/testify/require"
)

func testConfig() config.MasterConfig {
	cfg := config.DefaultMasterConfig()
	cfg.ReservationTTL = 50 * time.Millisecond
	cfg.RegistrationTTL = 50 * time.Millisecond
	cfg.MaintenancePeriod = 10 * time.Millisecond
	cfg.DefaultServerRequestCount = 2
	return cfg
}

func TestRegisterIsIdempotentOnUpdatedAt(t *testing.T) {
	r := New(testConfig())
	r.Register("http://w1")
	first := r.Info()["http://w1"].UpdatedAt

	time.Sleep(5 * time.Millisecond)
	r.Register("http://w1")
	second := r.Info()["http://w1"].UpdatedAt

	require.Len(t, r.Info(), 1)
	require.True(t, second.After(first) || second.Equal(first))
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r := New(testConfig())
	r.Register("http://w1")
	r.Unregister("http://w1")
	r.Unregister("http://w1")
	require.Empty(t, r.Info())
}

func TestAllocateInsufficientWorkers(t *testing.T) {
	r := New(testConfig())
	r.Register("http://w1")

	_, err := r.Allocate("client-a", 2)
	require.Error(t, err)
	require.Contains(t, err.Error(), "server list")
}

func TestAllocateNoDuplicates(t *testing.T) {
	r := New(testConfig())
	for i := 0; i < 5; i++ {
		r.Register(urlFor(i))
	}

	selected, err := r.Allocate("client-a", 5)
	require.NoError(t, err)
	require.Len(t, selected, 5)

	seen := map[string]bool{}
	for _, u := range selected {
		require.False(t, seen[u], "duplicate url in allocation")
		seen[u] = true
	}
}

func TestAllocateRecoversExpiredLease(t *testing.T) {
	cfg := testConfig()
	r := New(cfg)
	r.Register("http://w1")
	r.Register("http://w2")

	first, err := r.Allocate("client-a", 2)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"http://w1", "http://w2"}, first)

	time.Sleep(cfg.ReservationTTL + 10*time.Millisecond)

	second, err := r.Allocate("client-b", 2)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"http://w1", "http://w2"}, second)
}

func TestRetainToFreeClearsLease(t *testing.T) {
	r := New(testConfig())
	r.Register("http://w1")
	_, err := r.Allocate("client-a", 1)
	require.NoError(t, err)

	r.Retain("client-a", true, []string{"http://w1"})

	reg := r.Info()["http://w1"]
	require.True(t, reg.Free())
	require.Nil(t, reg.ReservedAt)
}

func TestMaintenanceEvictsStaleWorker(t *testing.T) {
	cfg := testConfig()
	r := New(cfg)
	r.Register("http://w1")

	time.Sleep(cfg.RegistrationTTL + 20*time.Millisecond)
	r.evictStale()

	require.Empty(t, r.Info())
}

func urlFor(i int) string {
	return "http://worker-" + string(rune('a'+i))
}
