// Package executor spawns the sandboxed child process, captures its output
// under per-stream byte caps, enforces the wall-clock timeout, and produces
// the digest material for the result. It shares no mutable state across
// requests: concurrent executions interact only through the CAS, which is
// designed for it.
package executor

import (
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Hardonian/Requiem/internal/canonical"
	"github.com/Hardonian/Requiem/internal/cas"
	"github.com/Hardonian/Requiem/internal/core"
	"github.com/Hardonian/Requiem/internal/errors"
	"github.com/Hardonian/Requiem/internal/hasher"
	"github.com/Hardonian/Requiem/internal/sandbox"
)

// Exit codes for kernel-detected terminations.
const (
	ExitTimeout     = 124
	ExitSpawnFailed = 127
	exitSignalBase  = 128
)

// Executor runs child processes. It is safe for concurrent use; each Run owns
// its child exclusively.
type Executor struct {
	log *zap.Logger

	// Grace is how long a timed-out child gets between the graceful signal
	// and the forceful kill.
	Grace time.Duration

	// OutputEncoding is the CAS encoding for declared output objects.
	OutputEncoding cas.Encoding
}

// New returns an executor with default grace and encoding.
func New(log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		log:            log.Named("executor"),
		Grace:          500 * time.Millisecond,
		OutputEncoding: cas.EncodingOff,
	}
}

// Run executes the derived context for req and returns a result carrying the
// stream, trace, and output digests. Request and result digests are filled in
// by the caller. Run never returns an error: every failure is encoded in the
// result.
func (e *Executor) Run(req *core.ExecutionRequest, drv *sandbox.Derived, store *cas.Store) *core.ExecutionResult {
	res := &core.ExecutionResult{PolicyApplied: drv.PolicyApplied}

	cmd := exec.Command(drv.Command, drv.Argv[1:]...)
	cmd.Dir = drv.Dir
	cmd.Env = drv.Env

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return e.spawnFailed(req, res, err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return e.spawnFailed(req, res, err)
	}

	stdout := newBoundedBuffer(req.MaxOutputBytes)
	stderr := newBoundedBuffer(req.MaxOutputBytes)

	if err := cmd.Start(); err != nil {
		return e.spawnFailed(req, res, err)
	}

	// Drain both pipes concurrently so the child cannot block on either
	// stream, then reap. Wait must not run before the pumps finish.
	var pumps errgroup.Group
	pumps.Go(func() error { _, err := io.Copy(stdout, stdoutPipe); return err })
	pumps.Go(func() error { _, err := io.Copy(stderr, stderrPipe); return err })

	waitDone := make(chan error, 1)
	go func() {
		_ = pumps.Wait()
		waitDone <- cmd.Wait()
	}()

	var waitErr error
	timedOut := false
	if req.TimeoutMS > 0 {
		timer := time.NewTimer(time.Duration(req.TimeoutMS) * time.Millisecond)
		defer timer.Stop()
		select {
		case waitErr = <-waitDone:
		case <-timer.C:
			timedOut = true
			kill := e.terminate(cmd)
			waitErr = <-waitDone
			if kill != nil {
				kill.Stop()
			}
		}
	} else {
		waitErr = <-waitDone
	}

	e.classify(res, waitErr, timedOut)
	e.finish(req, drv, store, res, stdout, stderr)
	return res
}

// terminate signals the child gracefully and arms a forceful kill for the
// end of the grace window. The caller stops the returned timer once the
// child is reaped; a kill that fires anyway is a harmless no-op.
func (e *Executor) terminate(cmd *exec.Cmd) *time.Timer {
	if cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = cmd.Process.Kill()
		return nil
	}
	grace := e.Grace
	if grace <= 0 {
		grace = 500 * time.Millisecond
	}
	return time.AfterFunc(grace, func() { _ = cmd.Process.Kill() })
}

// classify maps the wait outcome onto exit code, termination reason, and
// error code.
func (e *Executor) classify(res *core.ExecutionResult, waitErr error, timedOut bool) {
	switch {
	case timedOut:
		res.ExitCode = ExitTimeout
		res.TerminationReason = core.TerminationTimeout
		res.ErrorCode = errors.CodeTimeout
	case waitErr == nil:
		res.ExitCode = 0
		res.OK = true
	default:
		exitErr, ok := waitErr.(*exec.ExitError)
		if !ok {
			res.ExitCode = ExitSpawnFailed
			res.TerminationReason = core.TerminationSpawnFailed
			res.ErrorCode = errors.CodeSpawnFailed
			return
		}
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.ExitCode = exitSignalBase + int(ws.Signal())
			res.TerminationReason = core.TerminationSignal
			res.ErrorCode = errors.CodeSignal
			return
		}
		// Plain nonzero exit: the kernel did its job, the child reported
		// failure. Not a kernel error code.
		res.ExitCode = exitErr.ExitCode()
	}
}

// finish hashes the captured streams and declared outputs and writes the
// stream objects to the CAS. Partial output from a timed-out or signaled
// child is retained and hashed normally.
func (e *Executor) finish(req *core.ExecutionRequest, drv *sandbox.Derived, store *cas.Store, res *core.ExecutionResult, stdout, stderr *boundedBuffer) {
	outBytes := stdout.Bytes()
	errBytes := stderr.Bytes()

	res.StdoutText = string(outBytes)
	res.StderrText = string(errBytes)
	res.StdoutTruncated = stdout.Truncated()
	res.StderrTruncated = stderr.Truncated()
	res.StdoutDigest = hasher.HashBytes(outBytes)
	res.StderrDigest = hasher.HashBytes(errBytes)

	if store != nil {
		if _, err := store.Put(outBytes, cas.EncodingOff); err != nil {
			e.log.Warn("stdout object write failed", zap.Error(err))
		}
		if _, err := store.Put(errBytes, cas.EncodingOff); err != nil {
			e.log.Warn("stderr object write failed", zap.Error(err))
		}
	}

	res.OutputDigests = e.hashOutputs(req, drv, store)
	res.TraceDigest = canonical.TraceDigest(res.ExitCode, res.TerminationReason, req.Outputs)
	res.OK = res.ExitCode == 0 && res.TerminationReason == core.TerminationNone
}

// hashOutputs digests each declared output in request order. Missing outputs
// digest to the empty string.
func (e *Executor) hashOutputs(req *core.ExecutionRequest, drv *sandbox.Derived, store *cas.Store) []core.OutputDigest {
	digests := make([]core.OutputDigest, len(req.Outputs))
	for i, rel := range req.Outputs {
		digests[i] = core.OutputDigest{Path: rel}
		abs := drv.AbsOutputs[i]
		fi, err := os.Stat(abs)
		if err != nil || fi.IsDir() {
			continue
		}
		if store != nil {
			d, err := store.PutFile(abs, e.OutputEncoding)
			if err != nil {
				e.log.Warn("output object write failed", zap.String("path", rel), zap.Error(err))
				digests[i].Digest = hasher.HashFile(abs)
				continue
			}
			digests[i].Digest = d
			continue
		}
		digests[i].Digest = hasher.HashFile(abs)
	}
	return digests
}

// spawnFailed finalizes a result for a child that never ran.
func (e *Executor) spawnFailed(req *core.ExecutionRequest, res *core.ExecutionResult, cause error) *core.ExecutionResult {
	e.log.Warn("spawn failed", zap.String("command", req.Command), zap.Error(cause))
	res.ExitCode = ExitSpawnFailed
	res.TerminationReason = core.TerminationSpawnFailed
	res.ErrorCode = errors.CodeSpawnFailed
	res.StdoutDigest = hasher.HashBytes(nil)
	res.StderrDigest = hasher.HashBytes(nil)
	res.OutputDigests = make([]core.OutputDigest, len(req.Outputs))
	for i, rel := range req.Outputs {
		res.OutputDigests[i] = core.OutputDigest{Path: rel}
	}
	res.TraceDigest = canonical.TraceDigest(res.ExitCode, res.TerminationReason, req.Outputs)
	return res
}
