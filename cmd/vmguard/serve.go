package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/vmguard/governor"
	"github.com/caffeineduck/vmguard/internal/telemetry"
	"github.com/caffeineduck/vmguard/machine/wasm"
	"github.com/caffeineduck/vmguard/pool"
	"github.com/caffeineduck/vmguard/vm"
)

const maxRequestBytes = 16 << 20

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP server for governed script runs",
		Long: `Start an HTTP server that runs scripts on pools of governed machines.

Endpoints:
  POST   /run       Run a script, returns the outcome and metrics
  GET    /policy    Server policy and allow-lists
  GET    /metrics   Prometheus metrics
  GET    /health    Health check

A run request may lower the server's limits but never raise them.`,
		Args: cobra.NoArgs,
		RunE: a.runServe,
	}
	cmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	cmd.Flags().Int("workers", 4, "Governors per machine")
	cmd.Flags().Bool("trace", false, "Export run spans to stderr")
	addPolicyFlags(cmd)
	addSandboxFlags(cmd)
	return cmd
}

type runRequest struct {
	Machine string `json:"machine,omitempty"`
	// Script is source text; ScriptBase64 carries binary modules.
	Script       string `json:"script,omitempty"`
	ScriptBase64 string `json:"script_base64,omitempty"`
	ChunkName    string `json:"chunk_name,omitempty"`

	Timeout        string `json:"timeout,omitempty"`
	MaxMemoryBytes int64  `json:"max_memory_bytes,omitempty"`
	MaxCallDepth   int    `json:"max_call_depth,omitempty"`
}

type runResponse struct {
	RunID     string `json:"run_id"`
	Machine   string `json:"machine"`
	ElapsedMs int64  `json:"elapsed_ms"`
	governor.Outcome
	Diagnostic string `json:"diagnostic,omitempty"`
}

type policyResponse struct {
	Policy   governor.Policy     `json:"policy"`
	Machines map[string][]string `json:"machines"`
}

// server routes run requests to one pool per machine.
type server struct {
	runners  map[string]telemetry.Runner
	allow    map[string][]string
	fallback string
	policy   governor.Policy
	metrics  *telemetry.MetricsCollector
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /run", s.handleRun)
	mux.HandleFunc("GET /policy", s.handlePolicy)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
	return s.count(mux)
}

// count records every request by route and status.
func (s *server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.metrics == nil {
			return
		}
		route := r.URL.Path
		if rec.status == http.StatusNotFound {
			route = "unmatched"
		}
		s.metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *server) handleRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	script := []byte(req.Script)
	if req.ScriptBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(req.ScriptBase64)
		if err != nil {
			http.Error(w, "invalid script_base64", http.StatusBadRequest)
			return
		}
		script = data
	}
	if len(script) == 0 {
		http.Error(w, "script required", http.StatusBadRequest)
		return
	}

	name := req.Machine
	if name == "" {
		name = s.fallback
		if vm.HasSignature(script, wasm.Signature) {
			name = "wasm"
		}
	}
	runner, ok := s.runners[name]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown machine %q", name), http.StatusBadRequest)
		return
	}

	policy, err := s.requestPolicy(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	chunkName := req.ChunkName
	if chunkName == "" {
		chunkName = "request"
	}

	runID := uuid.NewString()
	ctx := telemetry.WithRunID(r.Context(), runID)
	out, err := runner.Run(ctx, script, chunkName, policy)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Run-ID", runID)
	json.NewEncoder(w).Encode(runResponse{
		RunID:      runID,
		Machine:    name,
		ElapsedMs:  out.Metrics.ElapsedMs(),
		Outcome:    out,
		Diagnostic: out.Diagnostic(),
	})
}

// requestPolicy applies the request's limits where they are tighter than the
// server's.
func (s *server) requestPolicy(req runRequest) (governor.Policy, error) {
	p := s.policy
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			return p, fmt.Errorf("invalid timeout %q", req.Timeout)
		}
		p.MaxDuration = tighter(p.MaxDuration, d)
	}
	if req.MaxMemoryBytes < 0 || req.MaxCallDepth < 0 {
		return p, errors.New("limits must not be negative")
	}
	if req.MaxMemoryBytes > 0 {
		p.MaxMemoryBytes = tighter(p.MaxMemoryBytes, req.MaxMemoryBytes)
	}
	if req.MaxCallDepth > 0 {
		p.MaxCallDepth = tighter(p.MaxCallDepth, req.MaxCallDepth)
	}
	return p, nil
}

// tighter returns the smaller limit, where zero means unlimited.
func tighter[T int | int64 | time.Duration](limit, requested T) T {
	if limit == 0 || requested < limit {
		return requested
	}
	return limit
}

func (s *server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(policyResponse{Policy: s.policy, Machines: s.allow})
}

func (a *app) runServe(cmd *cobra.Command, args []string) error {
	port := a.cfg.Server.Port
	if cmd.Flags().Changed("port") {
		port, _ = cmd.Flags().GetInt("port")
	}
	workers := a.cfg.Server.Workers
	if cmd.Flags().Changed("workers") {
		workers, _ = cmd.Flags().GetInt("workers")
	}

	policy, err := a.policyFromFlags(cmd)
	if err != nil {
		return err
	}

	var tracer *telemetry.TracerSetup
	if trace, _ := cmd.Flags().GetBool("trace"); trace {
		if tracer, err = telemetry.NewStdoutTracer(cmd.ErrOrStderr()); err != nil {
			return err
		}
		defer tracer.Shutdown(context.Background())
	}

	s := &server{
		runners:  make(map[string]telemetry.Runner),
		allow:    make(map[string][]string),
		fallback: "lua",
		policy:   policy,
		metrics:  telemetry.NewMetricsCollector(),
	}

	for _, name := range []string{"lua", "wasm"} {
		ms, err := a.machineSetupFromFlags(cmd, name)
		if err != nil {
			return err
		}
		p, err := pool.New(workers, func() (*governor.Governor, error) { return ms.newGovernor(a) })
		if err != nil {
			return fmt.Errorf("start %s pool: %w", name, err)
		}
		defer p.Close()

		s.runners[name] = telemetry.NewInstrumentedRunner(p, name, s.metrics, tracer, a.logger)
		s.allow[name] = p.AllowList().Entries()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	a.logger.Info("vmguard server listening", "addr", srv.Addr, "workers", workers)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), policy.MaxDuration+5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
