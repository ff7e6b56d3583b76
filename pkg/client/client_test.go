package client

import (
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/clupy/pkg/config"
	"github.com/cuemby/clupy/pkg/funcs"
	"github.com/cuemby/clupy/pkg/registry"
	"github.com/cuemby/clupy/pkg/types"
	"github.com/cuemby/clupy/pkg/worker"
	"github.com/stretchr/testify/require"
)

// cluster stands up a real master and a fixed number of workers behind
// httptest servers, so the dispatch loop runs against the actual wire
// protocol rather than fakes.
type cluster struct {
	masterSrv *httptest.Server
	workerSrvs []*httptest.Server
}

func newCluster(t *testing.T, workerCount int) *cluster {
	t.Helper()

	masterCfg := config.DefaultMasterConfig()
	masterCfg.RegistrationTTL = time.Minute
	masterCfg.ReservationTTL = time.Minute
	reg := registry.New(masterCfg)
	masterSrv := httptest.NewServer(reg.Handler())
	t.Cleanup(masterSrv.Close)

	c := &cluster{masterSrv: masterSrv}
	for i := 0; i < workerCount; i++ {
		svc := worker.New(config.WorkerConfig{MasterURL: masterSrv.URL}, funcs.DefaultTable())
		srv := httptest.NewServer(svc.Handler())
		t.Cleanup(srv.Close)
		c.workerSrvs = append(c.workerSrvs, srv)

		url := srv.URL
		reg.Register(url)
	}
	return c
}

func newEngine(c *cluster) *Engine {
	cfg := config.DefaultClientConfig()
	cfg.MasterURL = c.masterSrv.URL
	cfg.MaintenancePeriod = 20 * time.Millisecond
	cfg.IdleReleaseThreshold = 50 * time.Millisecond
	return New("test-client:1", cfg)
}

func TestCallCompletesWithCorrectValue(t *testing.T) {
	c := newCluster(t, 1)
	engine := newEngine(c)
	defer engine.Stop()

	fn := engine.Parallel(funcs.PrimesSourceFile, funcs.PrimesFunctionName, 1)
	future := fn.Call(10001)

	WaitAll([]*types.Future{future}, 2*time.Second)
	require.True(t, future.Completed())
	require.True(t, future.Successful())
	require.Equal(t, []int{73, 137}, future.Value())
}

func TestAllocationFailureFailsTheFuture(t *testing.T) {
	c := newCluster(t, 0)
	engine := newEngine(c)
	defer engine.Stop()

	fn := engine.Parallel(funcs.PrimesSourceFile, funcs.PrimesFunctionName, 1)
	future := fn.Call(10001)

	WaitAll([]*types.Future{future}, 2*time.Second)
	require.True(t, future.Completed())
	require.False(t, future.Successful())
	require.IsType(t, &types.ResourceError{}, future.Failure())
}

func TestNineConcurrentCallsAllCompleteWithSingleFlightInvariant(t *testing.T) {
	c := newCluster(t, 2)
	engine := newEngine(c)
	defer engine.Stop()

	checker := &singleFlightChecker{inFlight: map[string]int{}}
	base := engine.newWorkerClient
	engine.newWorkerClient = func(workerURL string) WorkerClient {
		return &checkedWorkerClient{WorkerClient: base(workerURL), workerURL: workerURL, checker: checker}
	}

	fn := engine.Parallel(funcs.PrimesSourceFile, funcs.PrimesFunctionName, 2)

	futures := make([]*types.Future, 0, 9)
	for n := 10000; n <= 10008; n++ {
		futures = append(futures, fn.Call(n))
	}

	WaitAll(futures, 5*time.Second)
	for i, f := range futures {
		require.True(t, f.Completed(), "future %d did not complete", i)
		require.True(t, f.Successful(), "future %d failed: %v", i, f.Failure())
	}

	checker.mu.Lock()
	defer checker.mu.Unlock()
	require.False(t, checker.violated, "a worker had two concurrent executes")
}

// singleFlightChecker counts concurrent executes per worker URL and
// records whether any worker ever had more than one at once.
type singleFlightChecker struct {
	mu       sync.Mutex
	inFlight map[string]int
	violated bool
}

type checkedWorkerClient struct {
	WorkerClient
	workerURL string
	checker   *singleFlightChecker
}

func (c *checkedWorkerClient) Execute(sandboxID, sourceFile, functionName string, packedArguments map[string]any) (any, error) {
	c.checker.mu.Lock()
	c.checker.inFlight[c.workerURL]++
	if c.checker.inFlight[c.workerURL] > 1 {
		c.checker.violated = true
	}
	c.checker.mu.Unlock()

	defer func() {
		c.checker.mu.Lock()
		c.checker.inFlight[c.workerURL]--
		c.checker.mu.Unlock()
	}()
	return c.WorkerClient.Execute(sandboxID, sourceFile, functionName, packedArguments)
}

func TestStopLeavesCompletedFuturesIntact(t *testing.T) {
	c := newCluster(t, 1)
	engine := newEngine(c)

	fn := engine.Parallel(funcs.PrimesSourceFile, funcs.PrimesFunctionName, 1)
	future := fn.Call(10001)
	WaitAll([]*types.Future{future}, 2*time.Second)

	engine.Stop()

	require.True(t, future.Completed())
	require.True(t, future.Successful())
}

// TestStopMidWorkloadDoesNotHangOrPanic exercises spec.md §8's
// stop()-mid-workload scenario: several calls are in flight or still
// queued when Stop() is invoked. Stop must still return promptly (no
// deadlock waiting on a future nobody will ever resolve), already
// in-flight work must still resolve, and any call submitted once
// draining has begun must fail fast with EngineStoppedError rather
// than queue behind work that will never be dispatched.
func TestStopMidWorkloadDoesNotHangOrPanic(t *testing.T) {
	c := newCluster(t, 1)
	engine := newEngine(c)

	fn := engine.Parallel(funcs.PrimesSourceFile, funcs.PrimesFunctionName, 1)

	futures := make([]*types.Future, 0, 3)
	for n := 10001; n <= 10003; n++ {
		futures = append(futures, fn.Call(n))
	}

	stopped := make(chan struct{})
	go func() {
		engine.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return within 5s of a mid-workload call")
	}

	lateFuture := fn.Call(10004)
	require.True(t, lateFuture.Completed())
	require.False(t, lateFuture.Successful())
	require.IsType(t, &types.EngineStoppedError{}, lateFuture.Failure())

	for i, f := range futures {
		if f.Completed() {
			require.True(t, f.Successful(), "future %d completed but failed: %v", i, f.Failure())
		}
	}
}

func TestCallAfterStopFailsWithEngineStoppedError(t *testing.T) {
	c := newCluster(t, 1)
	engine := newEngine(c)
	engine.Stop()

	fn := engine.Parallel(funcs.PrimesSourceFile, funcs.PrimesFunctionName, 1)
	future := fn.Call(10001)

	require.True(t, future.Completed())
	require.False(t, future.Successful())
	require.IsType(t, &types.EngineStoppedError{}, future.Failure())
}

func TestWaitAllReturnsOnTimeoutWithoutPanicking(t *testing.T) {
	f := types.NewFuture()
	start := time.Now()
	WaitAll([]*types.Future{f}, 50*time.Millisecond)
	require.Less(t, time.Since(start), time.Second)
	require.False(t, f.Completed())
}
