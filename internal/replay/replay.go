// Package replay re-executes recorded requests and compares digests. A
// verification run is read-only with respect to billing: it executes in
// shadow mode, so nothing is metered, and its CAS writes are dedup-safe by
// construction.
package replay

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Hardonian/Requiem/internal/cas"
	"github.com/Hardonian/Requiem/internal/core"
	"github.com/Hardonian/Requiem/internal/errors"
)

// Engine is the execution surface replay needs. The kernel satisfies it.
type Engine interface {
	ExecuteShadow(req *core.ExecutionRequest) *core.ExecutionResult
}

// Outcome is the terminal state of a replay run.
type Outcome string

const (
	OutcomeVerified Outcome = "verified"
	OutcomeMismatch Outcome = "mismatch"
	// OutcomeError covers failures unrelated to determinism (the child could
	// not be spawned on this host); it is distinguishable from a mismatch.
	OutcomeError Outcome = "error"
)

// Report describes one replay run.
type Report struct {
	RunID          string      `json:"run_id"`
	Outcome        Outcome     `json:"outcome"`
	ExpectedDigest string      `json:"expected_digest"`
	ActualDigest   string      `json:"actual_digest"`
	ErrorCode      errors.Code `json:"error_code,omitempty"`
}

// Verifier replays requests against an engine.
type Verifier struct {
	eng Engine
	log *zap.Logger
}

// NewVerifier builds a verifier.
func NewVerifier(eng Engine, log *zap.Logger) *Verifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Verifier{eng: eng, log: log.Named("replay")}
}

// Validate re-executes req on the current host and compares the fresh result
// digest with the stored one. It alters no meter state; mismatches are
// reported, never repaired.
func (v *Verifier) Validate(req *core.ExecutionRequest, prior *core.ExecutionResult) *Report {
	report := &Report{
		RunID:          uuid.NewString(),
		ExpectedDigest: prior.ResultDigest,
	}

	res := v.eng.ExecuteShadow(req)
	report.ActualDigest = res.ResultDigest
	report.ErrorCode = res.ErrorCode

	switch {
	case res.ErrorCode == errors.CodeSpawnFailed || res.ErrorCode == errors.CodeInternal:
		report.Outcome = OutcomeError
	case res.ResultDigest == prior.ResultDigest:
		report.Outcome = OutcomeVerified
	default:
		report.Outcome = OutcomeMismatch
	}

	v.log.Info("replay finished",
		zap.String("run_id", report.RunID),
		zap.String("outcome", string(report.Outcome)))
	return report
}

// Verify is the boolean form of Validate.
func (v *Verifier) Verify(req *core.ExecutionRequest, prior *core.ExecutionResult) bool {
	return v.Validate(req, prior).Outcome == OutcomeVerified
}

// ValidateWithCAS first checks that the stored result's evidence still
// resolves intact in the store, then replays. Any corrupt object fails with
// cas_integrity_failed before a child is spawned.
func (v *Verifier) ValidateWithCAS(req *core.ExecutionRequest, prior *core.ExecutionResult, store *cas.Store) error {
	for _, digest := range evidenceDigests(prior) {
		if digest == "" {
			continue
		}
		if _, err := store.Get(digest); err != nil {
			return errors.Newf(errors.CodeCASIntegrityFailed, "evidence object %s unreadable", digest)
		}
	}

	report := v.Validate(req, prior)
	switch report.Outcome {
	case OutcomeVerified:
		return nil
	case OutcomeError:
		return errors.Newf(report.ErrorCode, "replay could not execute (run %s)", report.RunID)
	default:
		return errors.Newf(errors.CodeInternal,
			"replay digest mismatch: expected %s got %s", report.ExpectedDigest, report.ActualDigest)
	}
}

func evidenceDigests(res *core.ExecutionResult) []string {
	digests := []string{res.StdoutDigest, res.StderrDigest}
	for _, od := range res.OutputDigests {
		digests = append(digests, od.Digest)
	}
	return digests
}

// Reporter receives per-trial progress from VerifyDeterminism.
type Reporter interface {
	ReportTrial(n int, digest string)
}

// VerifyDeterminism executes a trial function n times and fails on the first
// digest divergence. It returns the common digest on success.
func VerifyDeterminism(n int, trial func() (string, error), reporter Reporter) (string, error) {
	if n < 2 {
		return "", fmt.Errorf("determinism verification requires at least 2 trials, got %d", n)
	}

	var first string
	for i := 0; i < n; i++ {
		digest, err := trial()
		if err != nil {
			return "", fmt.Errorf("trial %d failed: %w", i, err)
		}
		if reporter != nil {
			reporter.ReportTrial(i, digest)
		}
		if i == 0 {
			first = digest
		} else if digest != first {
			return first, fmt.Errorf("nondeterminism detected at trial %d: %s != %s", i, digest, first)
		}
	}
	return first, nil
}
