// Package registry implements the master's server registry and lease
// allocator (spec.md §4.1): the membership map of live workers and the
// allocate/retain lease protocol clients use to reserve them.
//
// The source design runs the master on a single-threaded event loop so
// "no locking is required." Go's net/http instead dispatches each
// request on its own goroutine, so Registry serializes every mutation
// and read behind a single mutex to preserve the same invariants a
// single-threaded loop would give for free.
package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/clupy/pkg/codec"
	"github.com/cuemby/clupy/pkg/config"
	"github.com/cuemby/clupy/pkg/log"
	"github.com/cuemby/clupy/pkg/metrics"
	"github.com/cuemby/clupy/pkg/types"
	"github.com/julienschmidt/httprouter"
)

// Registry holds the master's membership map, keyed by worker URL.
// The key set is the single source of truth for membership (spec.md
// §3 invariant d).
type Registry struct {
	mu      sync.Mutex
	workers map[string]*types.WorkerRegistration
	order   []string // insertion order, scanned by allocate's two passes

	cfg config.MasterConfig
}

// New creates an empty registry.
func New(cfg config.MasterConfig) *Registry {
	return &Registry{
		workers: make(map[string]*types.WorkerRegistration),
		cfg:     cfg,
	}
}

// Register upserts a WorkerRegistration for workerURL. Always succeeds.
func (r *Registry) Register(workerURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if reg, ok := r.workers[workerURL]; ok {
		reg.UpdatedAt = now
		metrics.RegistrationsTotal.WithLabelValues("register_renew").Inc()
		return
	}

	r.workers[workerURL] = &types.WorkerRegistration{
		WorkerURL:    workerURL,
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	r.order = append(r.order, workerURL)
	metrics.RegistrationsTotal.WithLabelValues("register_new").Inc()
	metrics.RegisteredWorkers.Set(float64(len(r.workers)))
	log.WithWorkerURL(workerURL).Info().Msg("worker registered")
}

// Unregister removes workerURL if present. Idempotent.
func (r *Registry) Unregister(workerURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[workerURL]; !ok {
		return
	}
	delete(r.workers, workerURL)
	r.removeFromOrder(workerURL)
	metrics.RegistrationsTotal.WithLabelValues("unregister").Inc()
	metrics.RegisteredWorkers.Set(float64(len(r.workers)))
	log.WithWorkerURL(workerURL).Info().Msg("worker unregistered")
}

// removeFromOrder must be called with mu held.
func (r *Registry) removeFromOrder(workerURL string) {
	for i, u := range r.order {
		if u == workerURL {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// Info returns a snapshot of the full registration map.
func (r *Registry) Info() map[string]*types.WorkerRegistration {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]*types.WorkerRegistration, len(r.workers))
	for url, reg := range r.workers {
		cp := *reg
		out[url] = &cp
	}
	return out
}

// Allocate selects up to requestedCount worker URLs for clientID,
// preferring free workers and recovering leases that expired without
// an explicit release (spec.md §4.1 allocate). requestedCount == 0
// means "use the master's configured default."
func (r *Registry) Allocate(clientID string, requestedCount int) ([]string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.AllocationLatency)

	r.mu.Lock()
	defer r.mu.Unlock()

	if requestedCount == 0 {
		requestedCount = r.cfg.DefaultServerRequestCount
	}
	if requestedCount > len(r.order) {
		metrics.AllocationsTotal.WithLabelValues("insufficient_workers").Inc()
		return nil, &types.ResourceError{
			Message: fmt.Sprintf("requested %d workers but server list only has %d registered", requestedCount, len(r.order)),
		}
	}

	now := time.Now()
	selected := make([]string, 0, requestedCount)
	chosen := make(map[string]bool, requestedCount)

	// First pass: free workers, or workers whose lease has silently expired.
	for _, workerURL := range r.order {
		if len(selected) == requestedCount {
			break
		}
		reg := r.workers[workerURL]
		if reg.Free() || reg.LeaseExpired(now, r.cfg.ReservationTTL) {
			selected = append(selected, workerURL)
			chosen[workerURL] = true
		}
	}

	// Second pass: accept contention rather than failing the request.
	if len(selected) < requestedCount {
		for _, workerURL := range r.order {
			if len(selected) == requestedCount {
				break
			}
			if chosen[workerURL] {
				continue
			}
			selected = append(selected, workerURL)
			chosen[workerURL] = true
		}
	}

	holder := clientID
	for _, workerURL := range selected {
		reg := r.workers[workerURL]
		leaseNow := now
		reg.ReservedAt = &leaseNow
		reg.LastRenewedAt = &leaseNow
		reg.HolderID = &holder
	}

	metrics.AllocationsTotal.WithLabelValues("ok").Inc()
	metrics.LeasedWorkers.Set(float64(r.countLeased()))
	return selected, nil
}

// countLeased must be called with mu held.
func (r *Registry) countLeased() int {
	n := 0
	for _, reg := range r.workers {
		if !reg.Free() {
			n++
		}
	}
	return n
}

// Retain renews or releases the lease on each URL in workerList that
// still exists. Per spec.md §4.1 this does not verify holder_id ==
// clientID before mutating — an intentional simplification (see
// DESIGN.md / spec.md §9).
func (r *Registry) Retain(clientID string, toFree bool, workerList []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for _, workerURL := range workerList {
		reg, ok := r.workers[workerURL]
		if !ok {
			continue
		}
		if toFree {
			reg.HolderID = nil
			reg.ReservedAt = nil
			reg.LastRenewedAt = nil
		} else {
			reg.LastRenewedAt = &now
		}
	}
	metrics.LeasedWorkers.Set(float64(r.countLeased()))
}

// RunMaintenance evicts workers whose registration has gone stale
// (spec.md §4.1 maintenance loop), ticking every cfg.MaintenancePeriod
// until ctx is canceled.
func (r *Registry) RunMaintenance(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.MaintenancePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evictStale()
		}
	}
}

func (r *Registry) evictStale() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var stale []string
	for _, workerURL := range r.order {
		if r.workers[workerURL].Stale(now, r.cfg.RegistrationTTL) {
			stale = append(stale, workerURL)
		}
	}
	for _, workerURL := range stale {
		delete(r.workers, workerURL)
		r.removeFromOrder(workerURL)
		metrics.EvictionsTotal.Inc()
		log.WithWorkerURL(workerURL).Warn().Msg("evicted stale worker registration")
	}
	metrics.RegisteredWorkers.Set(float64(len(r.workers)))
}

// Handler builds the master's HTTP surface (spec.md §6).
func (r *Registry) Handler() http.Handler {
	router := httprouter.New()

	router.GET("/health", func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		fmt.Fprint(w, "iamok")
	})

	// Worker URLs contain slashes once the request path is decoded, so
	// register/unregister take the rest of the path as a catch-all.
	router.GET("/register/*workerurl", func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		workerURL, err := url.QueryUnescape(strings.TrimPrefix(ps.ByName("workerurl"), "/"))
		if err != nil {
			http.Error(w, "bad worker url", http.StatusBadRequest)
			return
		}
		r.Register(workerURL)
		fmt.Fprintf(w, "registered %s", workerURL)
	})

	router.GET("/unregister/*workerurl", func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		workerURL, err := url.QueryUnescape(strings.TrimPrefix(ps.ByName("workerurl"), "/"))
		if err != nil {
			http.Error(w, "bad worker url", http.StatusBadRequest)
			return
		}
		r.Unregister(workerURL)
		fmt.Fprintf(w, "unregistered %s", workerURL)
	})

	router.GET("/info", func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		data, err := codec.Encode(r.Info())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Write(data)
	})

	router.GET("/alloc/:clientid/:count", func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		var count int
		if _, err := fmt.Sscanf(ps.ByName("count"), "%d", &count); err != nil {
			http.Error(w, "bad count", http.StatusBadRequest)
			return
		}
		workerURLs, err := r.Allocate(ps.ByName("clientid"), count)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotAcceptable)
			return
		}
		data, err := codec.Encode(workerURLs)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Write(data)
	})

	router.GET("/retain/:clientid/:tofree", func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		toFree := ps.ByName("tofree") == "1"
		body, err := io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		var workerList []string
		if len(body) > 0 {
			if err := codec.Decode(body, &workerList); err != nil {
				http.Error(w, "bad worker list", http.StatusBadRequest)
				return
			}
		}
		r.Retain(ps.ByName("clientid"), toFree, workerList)
		fmt.Fprint(w, "retained")
	})

	return router
}
