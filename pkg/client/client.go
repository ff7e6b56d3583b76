// Package client implements the client's remote execution engine
// (spec.md §4.3): per-function worker pools, a request queue, and a
// dispatch loop that multiplexes queued invocations across reserved
// workers with at-most-one in-flight call per worker.
//
// A single goroutine (run) owns every pool, slot, and in-flight map;
// the caller's goroutine only ever enqueues requests and reads a
// Future's mutex-guarded completion flag, matching the source's
// separation between a caller context and a single-threaded dispatch
// context.
package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/clupy/pkg/config"
	"github.com/cuemby/clupy/pkg/log"
	"github.com/cuemby/clupy/pkg/masterclient"
	"github.com/cuemby/clupy/pkg/metrics"
	"github.com/cuemby/clupy/pkg/types"
	"github.com/cuemby/clupy/pkg/workerclient"
	"github.com/google/uuid"
)

// WorkerClient is the subset of workerclient.Client the dispatch loop
// needs. Exported so tests can substitute a fake worker without
// standing up an httptest server.
type WorkerClient interface {
	CreateSandbox(clientID, executionID string) (string, error)
	Execute(sandboxID, sourceFile, functionName string, packedArguments map[string]any) (any, error)
}

var _ WorkerClient = (*workerclient.Client)(nil)

// Engine is one client's remote execution engine, bound to a single
// master and client id for its lifetime.
type Engine struct {
	clientID string
	cfg      config.ClientConfig
	master   *masterclient.Client

	newWorkerClient func(workerURL string) WorkerClient

	enqueueCh    chan *enqueueRequest
	completionCh chan *completionResult
	stopCh       chan struct{}
	stoppedCh    chan struct{}
	stopOnce     sync.Once
}

type enqueueRequest struct {
	sourceFile, functionName string
	workerCount              int
	packedArguments          map[string]any
	future                   *types.Future
}

type completionResult struct {
	functionKey string
	workerURL   string
	sandboxID   string
	value       any
	err         error
	future      *types.Future
}

// enginePool is a WorkerPool plus the function identity needed to
// issue further execute() calls against it, and the bookkeeping
// runMaintenance needs to renew its lease only once it is approaching
// expiry rather than on every maintenance tick.
type enginePool struct {
	*types.WorkerPool
	sourceFile, functionName string
	lastRenewedAt            time.Time
}

// New builds an engine for clientID against cfg.MasterURL and starts
// its dispatch loop. The loop runs until Stop is called.
func New(clientID string, cfg config.ClientConfig) *Engine {
	e := &Engine{
		clientID: clientID,
		cfg:      cfg,
		master:   masterclient.New(cfg.MasterURL),
		newWorkerClient: func(workerURL string) WorkerClient {
			return workerclient.New(workerURL)
		},
		enqueueCh:    make(chan *enqueueRequest),
		completionCh: make(chan *completionResult),
		stopCh:       make(chan struct{}),
		stoppedCh:    make(chan struct{}),
	}
	go e.run()
	return e
}

// Callable is the bound wrapper parallel(func, worker_count) returns.
type Callable struct {
	engine                   *Engine
	sourceFile, functionName string
	workerCount              int
}

// Parallel returns a callable bound to sourceFile:functionName. It
// never contacts the master; workerCount == 0 means "use the master's
// default" (spec.md §4.3).
func (e *Engine) Parallel(sourceFile, functionName string, workerCount int) *Callable {
	return &Callable{engine: e, sourceFile: sourceFile, functionName: functionName, workerCount: workerCount}
}

// Call packs args positionally under arg0, arg1, ... (SPEC_FULL.md
// §6's replacement for introspected parameter packing), hands an
// InvocationRequest to the dispatch loop, and returns its Future
// immediately without blocking on remote execution.
func (c *Callable) Call(args ...any) *types.Future {
	packed := make(map[string]any, len(args))
	for i, a := range args {
		packed[fmt.Sprintf("arg%d", i)] = a
	}
	future := types.NewFuture()

	req := &enqueueRequest{
		sourceFile:      c.sourceFile,
		functionName:    c.functionName,
		workerCount:     c.workerCount,
		packedArguments: packed,
		future:          future,
	}

	select {
	case <-c.engine.stoppedCh:
		future.Fail(&types.EngineStoppedError{})
	case c.engine.enqueueCh <- req:
	}
	return future
}

// WaitAll polls the completed flag of each future at a bounded
// frequency until all complete or timeout elapses (spec.md §4.3
// wait_all). It never raises on timeout.
func WaitAll(futures []*types.Future, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for {
		done := true
		for _, f := range futures {
			if !f.Completed() {
				done = false
				break
			}
		}
		if done || time.Now().After(deadline) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Stop signals the dispatch loop to drain: it stops accepting new
// work, keeps dispatching requests that were already queued as slots
// free up, waits for every in-flight execute to complete, releases
// every held lease with retain(to_free=true), and joins. Stop does not
// force queued or in-flight futures to fail; they complete with the
// outcome of their execute.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	<-e.stoppedCh
}

func (e *Engine) run() {
	pools := make(map[string]*enginePool)
	inFlight := 0
	stopping := false

	maintenanceTicker := time.NewTicker(e.cfg.MaintenancePeriod)
	defer maintenanceTicker.Stop()

	for {
		if stopping && inFlight == 0 {
			e.releaseAllLeases(pools)
			close(e.stoppedCh)
			return
		}

		select {
		case req := <-e.enqueueCh:
			if stopping {
				req.future.Fail(&types.EngineStoppedError{})
				continue
			}
			e.handleEnqueue(pools, req)
			inFlight += e.dispatchPools(pools)

		case res := <-e.completionCh:
			e.handleCompletion(pools, res)
			inFlight--
			inFlight += e.dispatchPools(pools)

		case <-maintenanceTicker.C:
			if !stopping {
				e.runMaintenance(pools)
			}

		case <-e.stopCh:
			stopping = true
		}
	}
}

// handleEnqueue implements dispatch step 1: allocate a pool for a
// function key on its first request, synchronously, failing only the
// requesting future on error.
func (e *Engine) handleEnqueue(pools map[string]*enginePool, req *enqueueRequest) {
	key := types.FunctionKey(req.sourceFile, req.functionName)

	pool, ok := pools[key]
	if !ok {
		workerURLs, err := e.master.Allocate(e.clientID, req.workerCount)
		if err != nil {
			req.future.Fail(err)
			return
		}
		wp := &types.WorkerPool{FunctionKey: key}
		now := time.Now()
		for _, url := range workerURLs {
			wp.Workers = append(wp.Workers, &types.WorkerSlot{WorkerURL: url, LastActivityAt: now})
		}
		pool = &enginePool{WorkerPool: wp, sourceFile: req.sourceFile, functionName: req.functionName, lastRenewedAt: now}
		pools[key] = pool
	}

	pool.Pending = append(pool.Pending, &types.InvocationRequest{
		FunctionKey:     key,
		SourceFile:      req.sourceFile,
		FunctionName:    req.functionName,
		PackedArguments: req.packedArguments,
		Future:          req.future,
	})
	metrics.PendingRequests.WithLabelValues(key).Set(float64(len(pool.Pending)))
}

// dispatchPools implements dispatch step 2: for each pool, pop queued
// requests onto free slots in FIFO order until the queue drains or no
// free slot remains. Returns how many new executes were spawned, so
// the caller can track in-flight count without touching slot state
// itself.
func (e *Engine) dispatchPools(pools map[string]*enginePool) int {
	spawned := 0
	now := time.Now()

	for key, pool := range pools {
		for len(pool.Pending) > 0 {
			slot := firstFreeSlot(pool.Workers)
			if slot == nil {
				break
			}
			req := pool.Pending[0]
			pool.Pending = pool.Pending[1:]

			slot.InFlight = req
			slot.LastActivityAt = now

			e.spawnExecute(key, slot.WorkerURL, slot.SandboxID, pool.sourceFile, pool.functionName, req.PackedArguments, req.Future)
			spawned++
		}
		metrics.PendingRequests.WithLabelValues(key).Set(float64(len(pool.Pending)))
		metrics.InFlightRequests.WithLabelValues(key).Set(float64(countBusy(pool.Workers)))
	}
	return spawned
}

// spawnExecute runs the network round-trip for one invocation on its
// own goroutine and reports the outcome back to the dispatch loop.
// It never mutates slot or pool state directly: only the run
// goroutine is allowed to, per the single-writer ownership rule in
// the package doc comment.
func (e *Engine) spawnExecute(functionKey, workerURL, sandboxID, sourceFile, functionName string, args map[string]any, future *types.Future) {
	go func() {
		wc := e.newWorkerClient(workerURL)

		sid := sandboxID
		if sid == "" {
			var err error
			sid, err = wc.CreateSandbox(e.clientID, uuid.NewString())
			if err != nil {
				e.completionCh <- &completionResult{functionKey: functionKey, workerURL: workerURL, future: future, err: err}
				return
			}
		}

		value, err := wc.Execute(sid, sourceFile, functionName, args)
		e.completionCh <- &completionResult{
			functionKey: functionKey,
			workerURL:   workerURL,
			sandboxID:   sid,
			value:       value,
			err:         err,
			future:      future,
		}
	}()
}

// handleCompletion implements dispatch step 3: resolve the future,
// clear the slot's in_flight, and cache the sandbox id for reuse.
func (e *Engine) handleCompletion(pools map[string]*enginePool, res *completionResult) {
	if pool, ok := pools[res.functionKey]; ok {
		for _, slot := range pool.Workers {
			if slot.WorkerURL == res.workerURL && slot.InFlight != nil {
				slot.InFlight = nil
				if res.sandboxID != "" {
					slot.SandboxID = res.sandboxID
				}
				slot.LastActivityAt = time.Now()
				break
			}
		}
	}

	if res.err != nil {
		res.future.Fail(res.err)
		metrics.FuturesCompletedTotal.WithLabelValues("failure").Inc()
		log.WithFunctionKey(res.functionKey).Warn().Err(res.err).Msg("invocation failed")
		return
	}
	res.future.Complete(res.value)
	metrics.FuturesCompletedTotal.WithLabelValues("success").Inc()
}

// runMaintenance implements dispatch step 4: renew leases for pools
// still in active use once their lease is approaching expiry, and
// release + drop pools idle beyond the configured threshold.
func (e *Engine) runMaintenance(pools map[string]*enginePool) {
	now := time.Now()
	renewAfter := e.cfg.ReservationTTL - e.cfg.LeaseRenewMargin

	for key, pool := range pools {
		urls := workerURLs(pool.Workers)
		if len(urls) == 0 {
			continue
		}

		if !poolBusy(pool) && now.Sub(latestActivity(pool.Workers)) >= e.cfg.IdleReleaseThreshold {
			if err := e.master.Retain(e.clientID, true, urls); err != nil {
				log.WithFunctionKey(key).Warn().Err(err).Msg("lease release failed")
			}
			delete(pools, key)
			metrics.PendingRequests.DeleteLabelValues(key)
			metrics.InFlightRequests.DeleteLabelValues(key)
			continue
		}

		// Only renew once the lease is approaching expiry (spec.md
		// §4.3 step 4); a pool mid-way through its reservation_ttl
		// doesn't need a renewal call on every maintenance tick.
		if now.Sub(pool.lastRenewedAt) < renewAfter {
			continue
		}

		if err := e.master.Retain(e.clientID, false, urls); err != nil {
			log.WithFunctionKey(key).Warn().Err(err).Msg("lease renewal failed")
			continue
		}
		pool.lastRenewedAt = now
	}
}

// releaseAllLeases is Stop's final step: release every held worker
// across every remaining pool.
func (e *Engine) releaseAllLeases(pools map[string]*enginePool) {
	for key, pool := range pools {
		urls := workerURLs(pool.Workers)
		if len(urls) == 0 {
			continue
		}
		if err := e.master.Retain(e.clientID, true, urls); err != nil {
			log.WithFunctionKey(key).Warn().Err(err).Msg("lease release on stop failed")
		}
	}
}

func firstFreeSlot(slots []*types.WorkerSlot) *types.WorkerSlot {
	for _, s := range slots {
		if !s.Busy() {
			return s
		}
	}
	return nil
}

func countBusy(slots []*types.WorkerSlot) int {
	n := 0
	for _, s := range slots {
		if s.Busy() {
			n++
		}
	}
	return n
}

func poolBusy(pool *enginePool) bool {
	return len(pool.Pending) > 0 || countBusy(pool.Workers) > 0
}

func latestActivity(slots []*types.WorkerSlot) time.Time {
	var latest time.Time
	for _, s := range slots {
		if s.LastActivityAt.After(latest) {
			latest = s.LastActivityAt
		}
	}
	return latest
}

func workerURLs(slots []*types.WorkerSlot) []string {
	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = s.WorkerURL
	}
	return out
}
