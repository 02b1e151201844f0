package kernel

import (
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/Hardonian/Requiem/internal/config"
	"github.com/Hardonian/Requiem/internal/core"
	"github.com/Hardonian/Requiem/internal/errors"
	"github.com/Hardonian/Requiem/internal/hasher"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newKernel(t *testing.T) *Kernel {
	t.Helper()
	cfg := config.Default(t.TempDir())
	k, err := New(cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	return k
}

func echoRequest(t *testing.T) *core.ExecutionRequest {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests exercise /bin/sh")
	}
	return &core.ExecutionRequest{
		RequestID:     "run-1",
		TenantID:      "tenant-a",
		WorkspaceRoot: t.TempDir(),
		Command:       "/bin/sh",
		Argv:          []string{"/bin/sh", "-c", "echo deterministic_output"},
		Env:           map[string]string{},
		Policy:        core.Policy{Mode: core.PolicyModePermissive, Deterministic: true},
		TimeoutMS:     30000,
		Nonce:         0,
	}
}

func TestExecuteEchoDeterminism(t *testing.T) {
	k := newKernel(t)
	root := t.TempDir()

	req := echoRequest(t)
	req.WorkspaceRoot = root
	res := k.Execute(req)

	require.True(t, res.OK)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, "deterministic_output\n", res.StdoutText)
	require.Equal(t, hasher.HashBytes([]byte("deterministic_output\n")), res.StdoutDigest)
	require.NotEmpty(t, res.RequestDigest)
	require.NotEmpty(t, res.ResultDigest)

	// Repeat runs yield the identical result digest.
	for i := 0; i < 20; i++ {
		again := echoRequest(t)
		again.WorkspaceRoot = root
		require.Equal(t, res.ResultDigest, k.Execute(again).ResultDigest, "run %d", i)
	}
}

func TestExecuteConcurrentDeterminism(t *testing.T) {
	k := newKernel(t)
	root := t.TempDir()

	base := echoRequest(t)
	base.WorkspaceRoot = root

	const n = 20
	digests := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			digests[i] = k.Execute(base.Clone()).ResultDigest
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		require.Equal(t, digests[0], digests[i], "concurrent run %d diverged", i)
	}
}

func TestRequestDigestIgnoresTenantAndRequestID(t *testing.T) {
	k := newKernel(t)
	root := t.TempDir()

	a := echoRequest(t)
	a.WorkspaceRoot = root
	b := echoRequest(t)
	b.WorkspaceRoot = root
	b.RequestID = "other-id"
	b.TenantID = "tenant-b"

	require.Equal(t, k.Execute(a).RequestDigest, k.Execute(b).RequestDigest)
}

func TestExecuteTimeoutNotCharged(t *testing.T) {
	k := newKernel(t)
	req := echoRequest(t)
	req.Argv = []string{"/bin/sh", "-c", "sleep 10"}
	req.TimeoutMS = 50

	res := k.Execute(req)
	require.False(t, res.OK)
	require.Equal(t, 124, res.ExitCode)
	require.Equal(t, core.TerminationTimeout, res.TerminationReason)
	require.Equal(t, errors.CodeTimeout, res.ErrorCode)

	n, err := k.Meter().CountPrimarySuccess()
	require.NoError(t, err)
	require.Equal(t, 0, n, "timeouts are recorded but never charged")

	events, err := k.Meter().Events()
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.False(t, events[0].Success)
}

func TestExecutePathEscape(t *testing.T) {
	k := newKernel(t)
	req := echoRequest(t)
	req.Cwd = "../../etc"

	res := k.Execute(req)
	require.False(t, res.OK)
	require.Equal(t, 2, res.ExitCode)
	require.Equal(t, errors.CodePathEscape, res.ErrorCode)
	require.Equal(t, "", res.StdoutText, "no child ran")

	// No CAS writes happen on policy denial.
	store, err := k.Store(req.TenantID)
	require.NoError(t, err)
	digests, err := store.ScanObjects()
	require.NoError(t, err)
	require.Empty(t, digests)
}

func TestExecuteSecretEnvStripped(t *testing.T) {
	k := newKernel(t)
	req := echoRequest(t)
	req.Policy.Deterministic = false
	req.Env = map[string]string{
		"PATH":        "/bin:/usr/bin",
		"API_TOKEN":   "sk-123",
		"AWS_SECRET":  "x",
		"DB_PASSWORD": "x",
	}

	res := k.Execute(req)
	require.True(t, res.OK)
	require.Equal(t, []string{"PATH"}, res.PolicyApplied.AllowedKeys)
}

func TestExecuteTruncation(t *testing.T) {
	k := newKernel(t)
	req := echoRequest(t)
	req.Argv = []string{"/bin/sh", "-c", "printf ABCDEFGHIJ"}
	req.MaxOutputBytes = 4

	res := k.Execute(req)
	require.True(t, res.StdoutTruncated)
	require.True(t, strings.HasPrefix(res.StdoutText, "ABCD"))
	require.Contains(t, res.StdoutText, "(truncated)")
}

func TestExecuteQuotaExceeded(t *testing.T) {
	k := newKernel(t)
	req := echoRequest(t)
	req.Env = map[string]string{"BULK": strings.Repeat("x", int(core.MaxRequestBytes))}

	res := k.Execute(req)
	require.False(t, res.OK)
	require.Equal(t, errors.CodeQuotaExceeded, res.ErrorCode)

	n, err := k.Meter().CountPrimarySuccess()
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestExecuteChildFailureIsChargedButNotOK(t *testing.T) {
	k := newKernel(t)
	req := echoRequest(t)
	req.Argv = []string{"/bin/sh", "-c", "exit 7"}

	res := k.Execute(req)
	require.False(t, res.OK)
	require.Equal(t, 7, res.ExitCode)
	require.Equal(t, errors.CodeOK, res.ErrorCode)

	n, err := k.Meter().CountPrimarySuccess()
	require.NoError(t, err)
	require.Equal(t, 1, n, "the kernel did its work; the child's failure is still billed")
}

func TestExecuteOutputsLandInTenantStore(t *testing.T) {
	k := newKernel(t)
	req := echoRequest(t)
	req.Argv = []string{"/bin/sh", "-c", "printf artifact > out.bin"}
	req.Outputs = []string{"out.bin"}

	res := k.Execute(req)
	require.True(t, res.OK)
	require.Equal(t, hasher.HashBytes([]byte("artifact")), res.OutputDigests[0].Digest)

	store, err := k.Store(req.TenantID)
	require.NoError(t, err)
	got, err := store.Get(res.OutputDigests[0].Digest)
	require.NoError(t, err)
	require.Equal(t, "artifact", string(got))

	// The same digest is invisible from another tenant's store.
	other, err := k.Store("tenant-b")
	require.NoError(t, err)
	require.False(t, other.Contains(res.OutputDigests[0].Digest))
}

func TestExecuteShadowIsNotMetered(t *testing.T) {
	k := newKernel(t)
	for i := 0; i < 5; i++ {
		res := k.ExecuteShadow(echoRequest(t))
		require.True(t, res.OK)
	}

	events, err := k.Meter().Events()
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestExecuteDoesNotMutateCallerRequest(t *testing.T) {
	k := newKernel(t)
	req := echoRequest(t)
	req.RequestID = "has/slashes"
	req.MaxOutputBytes = 0

	_ = k.Execute(req)
	require.Equal(t, "has/slashes", req.RequestID)
	require.Equal(t, int64(0), req.MaxOutputBytes)
}

func TestBillingTableEndToEnd(t *testing.T) {
	k := newKernel(t)

	cases := []struct {
		name    string
		mutate  func(r *core.ExecutionRequest)
		charged bool
	}{
		{"success", func(r *core.ExecutionRequest) {}, true},
		{"timeout", func(r *core.ExecutionRequest) {
			r.Argv = []string{"/bin/sh", "-c", "sleep 10"}
			r.TimeoutMS = 50
		}, false},
		{"path escape", func(r *core.ExecutionRequest) { r.Cwd = "../.." }, false},
		{"spawn failure", func(r *core.ExecutionRequest) {
			r.Command = "/nonexistent/bin"
			r.Argv = []string{"/nonexistent/bin"}
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := echoRequest(t)
			tc.mutate(req)
			res := k.Execute(req)

			events, err := k.Meter().Events()
			require.NoError(t, err)
			last := events[len(events)-1]
			require.Equal(t, tc.charged, last.Success)
			require.Equal(t, res.ErrorCode, last.ErrorCode)
		})
	}
}
