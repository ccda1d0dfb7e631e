package ledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/axlab/axsweep/internal/variant"
)

const testSource = variant.ID("src-fingerprint-aaaa")

// openTestLedger creates a ledger in a temp directory with one registered
// source of the given site count.
func openTestLedger(t *testing.T, siteCount int) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sweep.db")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	_, err = l.RegisterSource(context.Background(), SourceInfo{
		ID:        testSource,
		Path:      "kernel.cpp",
		SiteCount: siteCount,
	})
	if err != nil {
		t.Fatalf("RegisterSource() failed: %v", err)
	}
	return l
}

func specOf(t *testing.T, bits string) variant.Spec {
	t.Helper()
	s, err := variant.ParseSpec(bits)
	if err != nil {
		t.Fatalf("ParseSpec(%q) failed: %v", bits, err)
	}
	return s
}

func TestOpen_CreatesDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sweep.db")

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer l.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sweep.db")

	for i := 0; i < 3; i++ {
		l, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		l.Close()
	}

	l, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer l.Close()

	for _, table := range []string{"sources", "variants", "transitions", "checkpoints"} {
		var name string
		err := l.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/sweep.db")
	if err == nil {
		t.Fatal("expected error for invalid path, got nil")
	}
	if !IsIOError(err) {
		t.Errorf("expected IOError, got %T: %v", err, err)
	}
}

func TestReserve_NewVariant(t *testing.T) {
	l := openTestLedger(t, 3)
	ctx := context.Background()
	spec := specOf(t, "100")
	id := variant.ComputeID(testSource, spec)

	ok, err := l.Reserve(ctx, testSource, id, spec, 1, false)
	if err != nil {
		t.Fatalf("Reserve() failed: %v", err)
	}
	if !ok {
		t.Fatal("Reserve() = false for a new variant, want true")
	}

	rec, found, err := l.Get(ctx, id)
	if err != nil || !found {
		t.Fatalf("Get() = (%v, %v), want found", err, found)
	}
	if rec.Status != StatusRunning {
		t.Errorf("status = %s, want running", rec.Status)
	}
	if rec.Bits != "100" || rec.Popcount != 1 || rec.Seq != 1 {
		t.Errorf("record = bits %q popcount %d seq %d, want 100/1/1", rec.Bits, rec.Popcount, rec.Seq)
	}
}

func TestReserve_SecondCallerLoses(t *testing.T) {
	l := openTestLedger(t, 3)
	ctx := context.Background()
	spec := specOf(t, "010")
	id := variant.ComputeID(testSource, spec)

	ok, err := l.Reserve(ctx, testSource, id, spec, 2, false)
	if err != nil || !ok {
		t.Fatalf("first Reserve() = (%v, %v), want (true, nil)", ok, err)
	}

	ok, err = l.Reserve(ctx, testSource, id, spec, 2, false)
	if err != nil {
		t.Fatalf("second Reserve() failed: %v", err)
	}
	if ok {
		t.Error("second Reserve() = true for a running variant, want false")
	}
}

func TestReserve_Exclusive(t *testing.T) {
	l := openTestLedger(t, 4)
	ctx := context.Background()
	spec := specOf(t, "1100")
	id := variant.ComputeID(testSource, spec)

	const callers = 16
	results := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		go func() {
			ok, err := l.Reserve(ctx, testSource, id, spec, 7, false)
			if err != nil {
				t.Errorf("concurrent Reserve() failed: %v", err)
			}
			results <- ok
		}()
	}

	won := 0
	for i := 0; i < callers; i++ {
		if <-results {
			won++
		}
	}
	if won != 1 {
		t.Errorf("%d callers won the reservation, want exactly 1", won)
	}
}

func TestReserve_TerminalRefused(t *testing.T) {
	l := openTestLedger(t, 3)
	ctx := context.Background()
	spec := specOf(t, "001")
	id := variant.ComputeID(testSource, spec)

	mustReserve(t, l, id, spec, 3)
	if err := l.Complete(ctx, id, Outcome{Status: StatusSuccess}); err != nil {
		t.Fatalf("Complete() failed: %v", err)
	}

	ok, err := l.Reserve(ctx, testSource, id, spec, 3, false)
	if err != nil {
		t.Fatalf("Reserve() failed: %v", err)
	}
	if ok {
		t.Error("Reserve() = true for a success record without force")
	}
}

func TestReserve_ForceReclaimsTerminal(t *testing.T) {
	l := openTestLedger(t, 3)
	ctx := context.Background()
	spec := specOf(t, "001")
	id := variant.ComputeID(testSource, spec)

	mustReserve(t, l, id, spec, 3)
	if err := l.Complete(ctx, id, Outcome{Status: StatusFailed, Retries: 2, Reason: "simulate: exit 1"}); err != nil {
		t.Fatalf("Complete() failed: %v", err)
	}

	ok, err := l.Reserve(ctx, testSource, id, spec, 3, true)
	if err != nil {
		t.Fatalf("forced Reserve() failed: %v", err)
	}
	if !ok {
		t.Fatal("forced Reserve() = false for a failed record, want true")
	}

	rec, _, err := l.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if rec.Status != StatusRunning {
		t.Errorf("status = %s after forced reclaim, want running", rec.Status)
	}
	if rec.Retries != 0 || rec.Reason != "" {
		t.Errorf("forced reclaim kept retries=%d reason=%q, want cleared", rec.Retries, rec.Reason)
	}
}

func TestReserve_ForceNeverReclaimsPruned(t *testing.T) {
	l := openTestLedger(t, 3)
	ctx := context.Background()
	spec := specOf(t, "110")
	id := variant.ComputeID(testSource, spec)

	if err := l.MarkPruned(ctx, testSource, id, spec, 4, "equivalent to accepted spec"); err != nil {
		t.Fatalf("MarkPruned() failed: %v", err)
	}

	ok, err := l.Reserve(ctx, testSource, id, spec, 4, true)
	if err != nil {
		t.Fatalf("Reserve() failed: %v", err)
	}
	if ok {
		t.Error("forced Reserve() = true for a pruned record, want false")
	}
}

func TestComplete_PersistsOutcome(t *testing.T) {
	l := openTestLedger(t, 3)
	ctx := context.Background()
	spec := specOf(t, "100")
	id := variant.ComputeID(testSource, spec)
	mustReserve(t, l, id, spec, 1)

	out := Outcome{
		Status: StatusSuccess,
		Artifacts: Artifacts{
			SourcePath: "variants/kernel_abc.cpp",
			BinaryPath: "bin/kernel_abc",
			OutputPath: "out/kernel_abc.data",
		},
		Metrics: map[string]float64{"rmse": 0.0125, "accuracy": 0.98},
		Note:    "",
	}
	if err := l.Complete(ctx, id, out); err != nil {
		t.Fatalf("Complete() failed: %v", err)
	}

	rec, _, err := l.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if rec.Status != StatusSuccess {
		t.Errorf("status = %s, want success", rec.Status)
	}
	if rec.Artifacts.OutputPath != "out/kernel_abc.data" {
		t.Errorf("output path = %q, want out/kernel_abc.data", rec.Artifacts.OutputPath)
	}
	if rec.Metrics["rmse"] != 0.0125 {
		t.Errorf("rmse metric = %v, want 0.0125", rec.Metrics["rmse"])
	}
}

func TestComplete_NotRunning(t *testing.T) {
	l := openTestLedger(t, 3)
	ctx := context.Background()
	spec := specOf(t, "100")
	id := variant.ComputeID(testSource, spec)

	err := l.Complete(ctx, id, Outcome{Status: StatusFailed, Reason: "boom"})
	if err == nil {
		t.Fatal("Complete() on an unknown variant succeeded, want error")
	}
	// Completing twice is the same protocol violation.
	mustReserve(t, l, id, spec, 1)
	if err := l.Complete(ctx, id, Outcome{Status: StatusSuccess}); err != nil {
		t.Fatalf("Complete() failed: %v", err)
	}
	err = l.Complete(ctx, id, Outcome{Status: StatusSuccess})
	if err == nil {
		t.Fatal("second Complete() succeeded, want ErrNotRunning")
	}
}

func TestComplete_RejectsNonTerminalStatus(t *testing.T) {
	l := openTestLedger(t, 3)
	spec := specOf(t, "100")
	id := variant.ComputeID(testSource, spec)
	mustReserve(t, l, id, spec, 1)

	err := l.Complete(context.Background(), id, Outcome{Status: StatusPending})
	if err == nil {
		t.Fatal("Complete(pending) succeeded, want error")
	}
}

func TestCheckpoint_AdvancesOverTerminalPrefix(t *testing.T) {
	l := openTestLedger(t, 3)
	ctx := context.Background()

	// Complete seq 0 and 2; the cursor stops at 1.
	finish(t, l, "000", 0, StatusSuccess)
	finish(t, l, "010", 2, StatusSuccess)

	cp, err := l.Snapshot(ctx, testSource)
	if err != nil {
		t.Fatalf("Snapshot() failed: %v", err)
	}
	if cp.Cursor != 1 {
		t.Fatalf("cursor = %d with seq 1 outstanding, want 1", cp.Cursor)
	}

	// Terminal seq 1 closes the gap: cursor jumps past 2.
	if err := l.MarkPruned(ctx, testSource, variant.ComputeID(testSource, specOf(t, "100")), specOf(t, "100"), 1, "duplicate"); err != nil {
		t.Fatalf("MarkPruned() failed: %v", err)
	}
	cp, err = l.Snapshot(ctx, testSource)
	if err != nil {
		t.Fatalf("Snapshot() failed: %v", err)
	}
	if cp.Cursor != 3 {
		t.Errorf("cursor = %d after closing the gap, want 3", cp.Cursor)
	}
}

func TestCheckpoint_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sweep.db")
	ctx := context.Background()

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	info := SourceInfo{ID: testSource, Path: "kernel.cpp", SiteCount: 3}
	if _, err := l.RegisterSource(ctx, info); err != nil {
		t.Fatalf("RegisterSource() failed: %v", err)
	}
	finish(t, l, "000", 0, StatusSuccess)
	finish(t, l, "100", 1, StatusSuccess)
	l.Close()

	l2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer l2.Close()
	if _, err := l2.RegisterSource(ctx, info); err != nil {
		t.Fatalf("RegisterSource() after reopen failed: %v", err)
	}
	cp, err := l2.Snapshot(ctx, testSource)
	if err != nil {
		t.Fatalf("Snapshot() failed: %v", err)
	}
	if cp.Cursor != 2 {
		t.Errorf("cursor = %d after reopen, want 2", cp.Cursor)
	}
	if len(cp.Records) != 2 {
		t.Errorf("records = %d after reopen, want 2", len(cp.Records))
	}
}

func TestResetOrphans_ExactlyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sweep.db")
	ctx := context.Background()
	spec := variant.SpecFromSites(3, 0)
	id := variant.ComputeID(testSource, spec)
	info := SourceInfo{ID: testSource, Path: "kernel.cpp", SiteCount: 3}

	// Reserve and "crash" without completing.
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if _, err := l.RegisterSource(ctx, info); err != nil {
		t.Fatalf("RegisterSource() failed: %v", err)
	}
	if ok, err := l.Reserve(ctx, testSource, id, spec, 1, false); err != nil || !ok {
		t.Fatalf("Reserve() = (%v, %v), want (true, nil)", ok, err)
	}
	l.Close()

	l2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer l2.Close()
	if _, err := l2.RegisterSource(ctx, info); err != nil {
		t.Fatalf("RegisterSource() failed: %v", err)
	}

	reset, err := l2.ResetOrphans(ctx, testSource)
	if err != nil {
		t.Fatalf("ResetOrphans() failed: %v", err)
	}
	if reset != 1 {
		t.Fatalf("ResetOrphans() = %d, want 1", reset)
	}

	rec, _, err := l2.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if rec.Status != StatusPending {
		t.Errorf("orphan status = %s, want pending", rec.Status)
	}

	// A second reset pass finds nothing.
	reset, err = l2.ResetOrphans(ctx, testSource)
	if err != nil {
		t.Fatalf("second ResetOrphans() failed: %v", err)
	}
	if reset != 0 {
		t.Errorf("second ResetOrphans() = %d, want 0", reset)
	}

	// The orphan can be redispatched and completes exactly one terminal record.
	if ok, err := l2.Reserve(ctx, testSource, id, spec, 1, false); err != nil || !ok {
		t.Fatalf("redispatch Reserve() = (%v, %v), want (true, nil)", ok, err)
	}
	if err := l2.Complete(ctx, id, Outcome{Status: StatusSuccess}); err != nil {
		t.Fatalf("Complete() failed: %v", err)
	}
	trs, err := l2.Transitions(ctx, id)
	if err != nil {
		t.Fatalf("Transitions() failed: %v", err)
	}
	var terminal int
	for _, tr := range trs {
		if tr.To == StatusSuccess || tr.To == StatusFailed {
			terminal++
		}
	}
	if terminal != 1 {
		t.Errorf("terminal transitions = %d, want exactly 1", terminal)
	}
}

func TestResume_Report(t *testing.T) {
	l := openTestLedger(t, 3)
	ctx := context.Background()

	finish(t, l, "000", 0, StatusSuccess)
	finish(t, l, "100", 1, StatusFailed)
	if err := l.MarkPruned(ctx, testSource, variant.ComputeID(testSource, specOf(t, "010")), specOf(t, "010"), 2, "duplicate"); err != nil {
		t.Fatalf("MarkPruned() failed: %v", err)
	}
	spec := specOf(t, "001")
	mustReserve(t, l, variant.ComputeID(testSource, spec), spec, 3)

	cp, report, err := l.Resume(ctx, testSource)
	if err != nil {
		t.Fatalf("Resume() failed: %v", err)
	}
	if report.AlreadySuccess != 1 || report.AlreadyFailed != 1 || report.AlreadyPruned != 1 || report.ResetFromOrphan != 1 {
		t.Errorf("report = %+v, want 1/1/1/1", report)
	}
	if len(cp.Records) != 4 {
		t.Errorf("snapshot records = %d, want 4", len(cp.Records))
	}
}

func TestSkipSet_ForceKeepsOnlyPruned(t *testing.T) {
	cp := &Checkpoint{Records: []RecordSummary{
		{ID: "a", Status: StatusSuccess},
		{ID: "b", Status: StatusFailed},
		{ID: "c", Status: StatusPruned},
		{ID: "d", Status: StatusPending},
	}}

	skip := cp.SkipSet(false)
	if len(skip) != 3 {
		t.Errorf("SkipSet(false) = %d entries, want 3", len(skip))
	}
	skip = cp.SkipSet(true)
	if len(skip) != 1 {
		t.Errorf("SkipSet(true) = %d entries, want 1", len(skip))
	}
	if _, ok := skip["c"]; !ok {
		t.Error("SkipSet(true) must keep the pruned record")
	}
}

func TestRegisterSource_SiteCountChangeResetsCursor(t *testing.T) {
	l := openTestLedger(t, 3)
	ctx := context.Background()
	finish(t, l, "000", 0, StatusSuccess)

	reset, err := l.RegisterSource(ctx, SourceInfo{ID: testSource, Path: "kernel.cpp", SiteCount: 4})
	if err != nil {
		t.Fatalf("RegisterSource() failed: %v", err)
	}
	if !reset {
		t.Fatal("RegisterSource() = reset false after site count change, want true")
	}
	cp, err := l.Snapshot(ctx, testSource)
	if err != nil {
		t.Fatalf("Snapshot() failed: %v", err)
	}
	if cp.Cursor != 0 {
		t.Errorf("cursor = %d after site count change, want 0", cp.Cursor)
	}
}

func TestList_Filters(t *testing.T) {
	l := openTestLedger(t, 3)
	ctx := context.Background()

	finishWithMetrics(t, l, "000", 0, StatusSuccess, map[string]float64{"rmse": 0.0})
	finishWithMetrics(t, l, "100", 1, StatusSuccess, map[string]float64{"rmse": 0.5})
	finish(t, l, "010", 2, StatusFailed)

	cases := []struct {
		filter string
		want   int
	}{
		{"", 3},
		{"status=success", 2},
		{"status!=failed", 2},
		{"popcount=0", 1},
		{"popcount>=1", 2},
		{"metric.rmse<0.1", 1},
		{"status=success metric.rmse>0.1", 1},
		{"seq<2", 2},
	}
	for _, tc := range cases {
		f, err := ParseFilter(tc.filter)
		if err != nil {
			t.Fatalf("ParseFilter(%q) failed: %v", tc.filter, err)
		}
		recs, err := l.List(ctx, testSource, f, 0)
		if err != nil {
			t.Fatalf("List(%q) failed: %v", tc.filter, err)
		}
		if len(recs) != tc.want {
			t.Errorf("List(%q) = %d records, want %d", tc.filter, len(recs), tc.want)
		}
	}
}

func TestList_Limit(t *testing.T) {
	l := openTestLedger(t, 3)
	finish(t, l, "000", 0, StatusSuccess)
	finish(t, l, "100", 1, StatusSuccess)
	finish(t, l, "010", 2, StatusSuccess)

	recs, err := l.List(context.Background(), testSource, &Filter{}, 2)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("List(limit 2) = %d records, want 2", len(recs))
	}
	if recs[0].Seq != 0 || recs[1].Seq != 1 {
		t.Errorf("List() order = %d,%d, want enumeration order 0,1", recs[0].Seq, recs[1].Seq)
	}
}

func TestParseFilter_Errors(t *testing.T) {
	bad := []string{
		"status~success",
		"status<success",
		"status=unknown",
		"popcount=abc",
		"metric.RMSE<1",
		"metric.rmse<abc",
		"unknown=3",
		"popcount=",
	}
	for _, s := range bad {
		if _, err := ParseFilter(s); err == nil {
			t.Errorf("ParseFilter(%q) succeeded, want error", s)
		}
	}
}

// mustReserve reserves or fails the test.
func mustReserve(t *testing.T, l *Ledger, id variant.ID, spec variant.Spec, seq int64) {
	t.Helper()
	ok, err := l.Reserve(context.Background(), testSource, id, spec, seq, false)
	if err != nil || !ok {
		t.Fatalf("Reserve(%s) = (%v, %v), want (true, nil)", id.Short(), ok, err)
	}
}

// finish reserves and completes one variant with the given status.
func finish(t *testing.T, l *Ledger, bits string, seq int64, status Status) {
	t.Helper()
	finishWithMetrics(t, l, bits, seq, status, nil)
}

func finishWithMetrics(t *testing.T, l *Ledger, bits string, seq int64, status Status, metrics map[string]float64) {
	t.Helper()
	spec := specOf(t, bits)
	id := variant.ComputeID(testSource, spec)
	mustReserve(t, l, id, spec, seq)
	out := Outcome{Status: status, Metrics: metrics}
	if status == StatusFailed {
		out.Reason = "simulate: exit 1"
	}
	if err := l.Complete(context.Background(), id, out); err != nil {
		t.Fatalf("Complete(%s) failed: %v", bits, err)
	}
}
