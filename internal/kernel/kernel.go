// Package kernel wires the components into the in-process execution API:
// canonicalize, derive the sandbox context, run the child, digest the
// evidence, store it, meter it. Execute is safe for concurrent use; requests
// share nothing but the CAS and the meter, both built for concurrent access.
package kernel

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Hardonian/Requiem/internal/canonical"
	"github.com/Hardonian/Requiem/internal/cas"
	"github.com/Hardonian/Requiem/internal/config"
	"github.com/Hardonian/Requiem/internal/core"
	"github.com/Hardonian/Requiem/internal/errors"
	"github.com/Hardonian/Requiem/internal/executor"
	"github.com/Hardonian/Requiem/internal/hasher"
	"github.com/Hardonian/Requiem/internal/meter"
	"github.com/Hardonian/Requiem/internal/sandbox"
	"github.com/Hardonian/Requiem/internal/telemetry"
)

// Options adjusts a single execution.
type Options struct {
	// Shadow runs for observation only: the result is computed normally but
	// the meter event is discarded. Replay verification uses this.
	Shadow bool
}

// Kernel is the deterministic execution kernel.
type Kernel struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *telemetry.Metrics
	exec    *executor.Executor
	meterL  *meter.Log
	filter  sandbox.Filter

	mu     sync.Mutex
	stores map[string]*cas.Store
}

// New builds a kernel from configuration. The logger and metrics are
// injected; pass telemetry.NewNopLogger() and nil to run silent.
func New(cfg *config.Config, log *zap.Logger, metrics *telemetry.Metrics) (*Kernel, error) {
	if log == nil {
		log = zap.NewNop()
	}
	meterL, err := meter.Open(cfg.MeterRoot, log, metrics)
	if err != nil {
		return nil, fmt.Errorf("open meter log: %w", err)
	}

	exec := executor.New(log)
	if cfg.CompressOutputs {
		exec.OutputEncoding = cas.EncodingZstd
	}

	filter := sandbox.DefaultFilter()
	if len(cfg.EnvAllowlist) > 0 {
		filter = sandbox.Filter{Allowlist: cfg.EnvAllowlist}
	}

	return &Kernel{
		cfg:     cfg,
		log:     log.Named("kernel"),
		metrics: metrics,
		exec:    exec,
		meterL:  meterL,
		filter:  filter,
		stores:  map[string]*cas.Store{},
	}, nil
}

// Meter exposes the accounting log for verification tooling.
func (k *Kernel) Meter() *meter.Log { return k.meterL }

// Store returns the CAS for a tenant, opening it on first use. Tenants get
// disjoint roots and share no index: a digest present for one tenant is
// simply absent for another.
func (k *Kernel) Store(tenantID string) (*cas.Store, error) {
	tenant := core.SanitizeTenantID(tenantID)
	if tenant == "" {
		tenant = "default"
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if s, ok := k.stores[tenant]; ok {
		return s, nil
	}
	s, err := cas.New(filepath.Join(k.cfg.CASRoot, tenant), k.log, k.metrics)
	if err != nil {
		return nil, err
	}
	k.stores[tenant] = s
	return s, nil
}

// Execute runs one request to completion and returns its result. It never
// panics across the boundary and never returns an error: every failure is a
// structured result.
func (k *Kernel) Execute(req *core.ExecutionRequest) *core.ExecutionResult {
	return k.ExecuteOpts(req, Options{})
}

// ExecuteShadow runs a request for observation only: identical computation,
// no meter persistence. CAS writes still happen but are dedup-safe.
func (k *Kernel) ExecuteShadow(req *core.ExecutionRequest) *core.ExecutionResult {
	return k.ExecuteOpts(req, Options{Shadow: true})
}

// ExecuteOpts is Execute with per-run options.
func (k *Kernel) ExecuteOpts(req *core.ExecutionRequest, opts Options) *core.ExecutionResult {
	req = k.normalize(req)

	canonicalReq := canonical.EncodeRequest(req)
	requestDigest := hasher.HashDomain(hasher.DomainRequest, canonicalReq)

	var res *core.ExecutionResult
	switch {
	case int64(len(canonicalReq)) > core.MaxRequestBytes:
		res = k.denied(req, requestDigest, errors.CodeQuotaExceeded)
	default:
		res = k.run(req, requestDigest)
	}

	res.RequestDigest = requestDigest
	res.ResultDigest = canonical.ResultDigest(res)

	k.emit(req, res, opts)
	if k.metrics != nil {
		k.metrics.ExecutionsByCode(string(res.ErrorCode))
	}
	return res
}

// run derives the sandbox context and executes the child.
func (k *Kernel) run(req *core.ExecutionRequest, requestDigest string) *core.ExecutionResult {
	drv, err := sandbox.Derive(req, k.filter)
	if err != nil {
		k.log.Info("policy denial",
			zap.String("request_id", req.RequestID),
			zap.String("error_code", string(errors.GetCode(err))))
		return k.denied(req, requestDigest, errors.GetCode(err))
	}

	store, err := k.Store(req.TenantID)
	if err != nil {
		k.log.Error("cas unavailable", zap.Error(err))
		return k.denied(req, requestDigest, errors.CodeInternal)
	}

	return k.exec.Run(req, drv, store)
}

// denied produces a completed result for a request that never spawned a
// child: policy denials and ingress faults. No CAS writes happen here.
func (k *Kernel) denied(req *core.ExecutionRequest, requestDigest string, code errors.Code) *core.ExecutionResult {
	const exitDenied = 2

	res := &core.ExecutionResult{
		OK:            false,
		ExitCode:      exitDenied,
		ErrorCode:     code,
		StdoutDigest:  hasher.HashBytes(nil),
		StderrDigest:  hasher.HashBytes(nil),
		OutputDigests: make([]core.OutputDigest, len(req.Outputs)),
	}
	for i, rel := range req.Outputs {
		res.OutputDigests[i] = core.OutputDigest{Path: rel}
	}
	res.TraceDigest = canonical.TraceDigest(res.ExitCode, res.TerminationReason, req.Outputs)
	return res
}

// normalize clones the request and applies kernel defaults.
func (k *Kernel) normalize(req *core.ExecutionRequest) *core.ExecutionRequest {
	out := req.Clone()
	out.RequestID = core.SanitizeRequestID(out.RequestID)
	if out.MaxOutputBytes <= 0 && k.cfg.MaxOutputBytes > 0 {
		out.MaxOutputBytes = k.cfg.MaxOutputBytes
	}
	out.ApplyDefaults()
	if out.TimeoutMS <= 0 && k.cfg.DefaultTimeoutMS > 0 {
		out.TimeoutMS = k.cfg.DefaultTimeoutMS
	}
	return out
}

// emit records the meter event for a finished execution. Shadow runs are
// discarded by the log itself; results carrying a kernel error code are
// recorded but never charged, while a child's own nonzero exit is charged.
func (k *Kernel) emit(req *core.ExecutionRequest, res *core.ExecutionResult, opts Options) {
	ev := core.MeterEvent{
		TenantID:      req.TenantID,
		RequestID:     req.RequestID,
		RequestDigest: res.RequestDigest,
		Success:       meter.Charge(res.ErrorCode),
		ErrorCode:     res.ErrorCode,
		IsShadow:      opts.Shadow,
		Timestamp:     time.Now().UTC(),
	}
	if err := k.meterL.Emit(ev); err != nil {
		k.log.Error("meter emit failed", zap.Error(err))
	}
}
