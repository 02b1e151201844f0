// Package meter implements the append-only accounting log. One NDJSON file
// per tenant, O_APPEND writes under a mutex, exactly-once semantics verified
// after the fact: the log itself never rewrites history, it only makes
// duplicates detectable.
package meter

import (
	"bufio"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Hardonian/Requiem/internal/core"
	"github.com/Hardonian/Requiem/internal/errors"
	"github.com/Hardonian/Requiem/internal/telemetry"
)

// Log is an append-only meter log partitioned by tenant under one root
// directory.
type Log struct {
	mu   sync.Mutex
	root string
	log  *zap.Logger
	m    *telemetry.Metrics
}

// Open opens (creating if needed) a meter log rooted at root.
func Open(root string, log *zap.Logger, m *telemetry.Metrics) (*Log, error) {
	if strings.TrimSpace(root) == "" {
		return nil, stderrors.New("meter root is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create meter root: %w", err)
	}
	return &Log{root: root, log: log.Named("meter"), m: m}, nil
}

// Charge implements the billing rule table: only a clean success is charged.
// Shadow events are never charged regardless.
func Charge(code errors.Code) bool { return code == errors.CodeOK }

// Emit records one event. Shadow events are discarded without touching disk.
// The append is a single O_APPEND write, so concurrent emitters cannot
// interleave partial lines.
func (l *Log) Emit(ev core.MeterEvent) error {
	if ev.IsShadow {
		l.count("shadow_discarded")
		return nil
	}

	tenant := core.SanitizeTenantID(ev.TenantID)
	if tenant == "" {
		tenant = "default"
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal meter event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.partition(tenant), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open meter partition: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append meter event: %w", err)
	}
	if Charge(ev.ErrorCode) {
		l.count("charged")
	} else {
		l.count("no_charge")
	}
	return nil
}

// Events returns every persisted event across all tenant partitions, in
// per-partition append order with partitions visited in sorted order.
func (l *Log) Events() ([]core.MeterEvent, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("read meter root: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".log") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var events []core.MeterEvent
	for _, name := range names {
		if err := l.readPartition(filepath.Join(l.root, name), &events); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// CountPrimarySuccess counts persisted charged events.
func (l *Log) CountPrimarySuccess() (int, error) {
	events, err := l.Events()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ev := range events {
		if !ev.IsShadow && ev.Success {
			n++
		}
	}
	return n, nil
}

// CountShadow counts persisted shadow events. By construction this is always
// zero; a nonzero count means the no-persist invariant was violated.
func (l *Log) CountShadow() (int, error) {
	events, err := l.Events()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ev := range events {
		if ev.IsShadow {
			n++
		}
	}
	return n, nil
}

// Duplicate identifies a (tenant, request_digest) pair that appears more than
// once.
type Duplicate struct {
	TenantID      string `json:"tenant_id"`
	RequestDigest string `json:"request_digest"`
	Count         int    `json:"count"`
}

// FindDuplicates reports every (tenant, request_digest) pair persisted more
// than once. The log is never rewritten; remediation is the caller's call.
func (l *Log) FindDuplicates() ([]Duplicate, error) {
	events, err := l.Events()
	if err != nil {
		return nil, err
	}

	counts := map[[2]string]int{}
	for _, ev := range events {
		counts[[2]string{ev.TenantID, ev.RequestDigest}]++
	}

	var dups []Duplicate
	for key, n := range counts {
		if n > 1 {
			dups = append(dups, Duplicate{TenantID: key[0], RequestDigest: key[1], Count: n})
		}
	}
	sort.Slice(dups, func(i, j int) bool {
		if dups[i].TenantID != dups[j].TenantID {
			return dups[i].TenantID < dups[j].TenantID
		}
		return dups[i].RequestDigest < dups[j].RequestDigest
	})
	return dups, nil
}

// Diagnostic is one parity finding.
type Diagnostic struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// VerifyParity checks the log against an expected primary-success count and
// returns all findings. An empty slice means the log is consistent.
func (l *Log) VerifyParity(expected int) ([]Diagnostic, error) {
	var diags []Diagnostic

	got, err := l.CountPrimarySuccess()
	if err != nil {
		return nil, err
	}
	if got != expected {
		diags = append(diags, Diagnostic{
			Kind:   "count_mismatch",
			Detail: fmt.Sprintf("expected %d primary successes, found %d", expected, got),
		})
	}

	shadow, err := l.CountShadow()
	if err != nil {
		return nil, err
	}
	if shadow != 0 {
		diags = append(diags, Diagnostic{
			Kind:   "shadow_persisted",
			Detail: fmt.Sprintf("%d shadow events found on disk", shadow),
		})
	}

	dups, err := l.FindDuplicates()
	if err != nil {
		return nil, err
	}
	for _, d := range dups {
		diags = append(diags, Diagnostic{
			Kind:   "duplicate",
			Detail: fmt.Sprintf("tenant %s digest %s recorded %d times", d.TenantID, d.RequestDigest, d.Count),
		})
	}
	return diags, nil
}

func (l *Log) partition(tenant string) string {
	return filepath.Join(l.root, tenant+".log")
}

func (l *Log) readPartition(path string, into *[]core.MeterEvent) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open meter partition: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev core.MeterEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			l.log.Warn("skipping malformed meter line", zap.String("partition", filepath.Base(path)))
			continue
		}
		*into = append(*into, ev)
	}
	return scanner.Err()
}

func (l *Log) count(disposition string) {
	if l.m != nil {
		l.m.MeterEvents.WithLabelValues(disposition).Inc()
	}
}
