// Package worker implements a clupy worker node: the registration
// heartbeat loop (spec.md §4.2) and the execution endpoints
// (create_sandbox, execute) that run user-registered functions.
package worker

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/clupy/pkg/codec"
	"github.com/cuemby/clupy/pkg/config"
	"github.com/cuemby/clupy/pkg/funcs"
	"github.com/cuemby/clupy/pkg/log"
	"github.com/cuemby/clupy/pkg/masterclient"
	"github.com/cuemby/clupy/pkg/metrics"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
)

// Service is a single worker process: its heartbeat loop against the
// master and its own HTTP execution surface.
type Service struct {
	cfg    config.WorkerConfig
	master *masterclient.Client
	table  *funcs.Table

	mu        sync.Mutex
	sandboxes map[string]string // sandbox id -> "client_id:execution_id", for cache-reuse semantics only
}

// New builds a worker bound to cfg.ServerURL/cfg.MasterURL, dispatching
// execute() calls into table.
func New(cfg config.WorkerConfig, table *funcs.Table) *Service {
	return &Service{
		cfg:       cfg,
		master:    masterclient.New(cfg.MasterURL),
		table:     table,
		sandboxes: make(map[string]string),
	}
}

// RunHeartbeat registers with the master and renews on
// registration_interval, retrying on failure_retry_interval, until ctx
// is canceled. At most one registration request is ever in flight: the
// loop is a single goroutine that only schedules the next attempt
// after the previous one returns.
func (s *Service) RunHeartbeat(ctx context.Context) {
	wlog := log.WithWorkerURL(s.cfg.ServerURL)

	for {
		err := s.master.Register(s.cfg.ServerURL)

		wait := s.cfg.RegistrationInterval
		if err != nil {
			metrics.HeartbeatsTotal.WithLabelValues("failure").Inc()
			metrics.UpdateComponent("heartbeat", false, err.Error())
			wlog.Warn().Err(err).Msg("registration heartbeat failed, will retry")
			wait = s.cfg.FailureRetryInterval
		} else {
			metrics.HeartbeatsTotal.WithLabelValues("success").Inc()
			metrics.UpdateComponent("heartbeat", true, "registered with master")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Shutdown synchronously deregisters from the master. Errors are
// logged and swallowed (spec.md §4.2).
func (s *Service) Shutdown() {
	if err := s.master.Unregister(s.cfg.ServerURL); err != nil {
		log.WithWorkerURL(s.cfg.ServerURL).Error().Err(err).Msg("unregister on shutdown failed")
	}
}

// CreateSandbox returns an opaque sandbox id. Subsequent executions
// under the same id may reuse cached module imports; sandboxes carry
// no inherent isolation (spec.md §4.2, non-goal).
func (s *Service) CreateSandbox(clientID, executionID string) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.sandboxes[id] = clientID + ":" + executionID
	s.mu.Unlock()
	return id
}

// Execute loads sourceFile:functionName from the function table and
// invokes it with packedArguments. Any error from the function becomes
// a RemoteExecutionError; the worker itself never dies from it.
func (s *Service) Execute(sandboxID, sourceFile, functionName string, packedArguments map[string]any) (any, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ExecutionDuration)

	result, err := s.table.Invoke(sourceFile, functionName, packedArguments)
	if err != nil {
		metrics.ExecutionsTotal.WithLabelValues("failure").Inc()
		return nil, err
	}
	metrics.ExecutionsTotal.WithLabelValues("success").Inc()
	return result, nil
}

// Handler builds the worker's HTTP surface (spec.md §6).
func (s *Service) Handler() http.Handler {
	router := httprouter.New()

	router.GET("/health", func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		fmt.Fprint(w, "iamok")
	})

	router.GET("/sandbox/:clientid/:executionid", func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		id := s.CreateSandbox(ps.ByName("clientid"), ps.ByName("executionid"))
		fmt.Fprint(w, id)
	})

	router.POST("/execute/:sandboxid", func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		if err := req.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		fileName := req.FormValue("file_name")
		funcName := req.FormValue("func_name")
		inputB64 := req.FormValue("input_data")

		raw, err := base64.StdEncoding.DecodeString(inputB64)
		if err != nil {
			http.Error(w, "bad input_data", http.StatusBadRequest)
			return
		}

		var args map[string]any
		if len(raw) > 0 {
			if err := codec.Decode(raw, &args); err != nil {
				http.Error(w, "bad input_data encoding", http.StatusBadRequest)
				return
			}
		}

		result, err := s.Execute(ps.ByName("sandboxid"), fileName, funcName, args)
		if err != nil {
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprint(w, err.Error())
			return
		}
		if result == nil {
			return
		}

		// Encoded through a pointer so the value travels as an interface
		// and the client can decode it back into an any.
		data, err := codec.Encode(&result)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, base64.StdEncoding.EncodeToString(data))
	})

	return router
}
