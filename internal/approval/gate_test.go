package approval

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/castellan/castellan/internal/classifier"
	"github.com/castellan/castellan/internal/config"
)

type fakeClassifications map[string]classifier.Classification

func (f fakeClassifications) Cached(fp string) (classifier.Classification, bool) {
	cl, ok := f[fp]
	return cl, ok
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var safeRead = classifier.Classification{
	IsRead: true, Idempotent: true, Reversible: true, Category: "filesystem",
}

func TestEvaluateBypassesSafeReads(t *testing.T) {
	m := NewManager(time.Minute, testLogger())
	g := NewGate(m, fakeClassifications{"fp": safeRead}, nil, testLogger())

	d := g.Evaluate(context.Background(), ToolCall{ToolName: "read_file", Fingerprint: "fp"})
	if d.RequiresApproval {
		t.Fatal("safe read required approval")
	}
	if !d.Approved {
		t.Fatal("safe read not approved")
	}
}

func TestEvaluateUnclassifiedRequiresApproval(t *testing.T) {
	m := NewManager(50*time.Millisecond, testLogger())
	g := NewGate(m, fakeClassifications{}, nil, testLogger())

	d := g.Evaluate(context.Background(), ToolCall{ToolName: "mystery", Fingerprint: "missing"})
	if !d.RequiresApproval {
		t.Fatal("unclassified tool bypassed approval")
	}
	if d.Approved {
		t.Fatal("unclassified tool approved without a decision")
	}
}

func TestEvaluateTimeoutResolvesToDenied(t *testing.T) {
	m := NewManager(50*time.Millisecond, testLogger())
	writeTool := classifier.Classification{IsWrite: true, Category: "filesystem"}
	g := NewGate(m, fakeClassifications{"fp": writeTool}, nil, testLogger())

	start := time.Now()
	d := g.Evaluate(context.Background(), ToolCall{ToolName: "write_file", Fingerprint: "fp"})
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("gate resolved before the approval window elapsed")
	}
	if !d.RequiresApproval || d.Approved {
		t.Fatalf("decision = %+v, want timed-out denial with requires_approval", d)
	}
	if d.Reason != "approval timed out" {
		t.Fatalf("reason = %q", d.Reason)
	}
}

func TestEvaluateApprovedResumesExecution(t *testing.T) {
	m := NewManager(time.Minute, testLogger())
	writeTool := classifier.Classification{IsWrite: true}
	g := NewGate(m, fakeClassifications{"fp": writeTool}, nil, testLogger())

	done := make(chan Decision, 1)
	go func() {
		done <- g.Evaluate(context.Background(), ToolCall{ClientID: "c", ToolName: "write_file", Fingerprint: "fp"})
	}()

	// Resolve the pending approval once it shows up.
	var id string
	for deadline := time.Now().Add(time.Second); time.Now().Before(deadline); {
		if pending := m.List(); len(pending) == 1 {
			id = pending[0].ID
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if id == "" {
		t.Fatal("pending approval never appeared")
	}
	if err := m.Approve(id, "alice"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	d := <-done
	if !d.Approved || !d.RequiresApproval {
		t.Fatalf("decision = %+v, want approved with requires_approval", d)
	}
}

func TestEvaluateDeniedByResolver(t *testing.T) {
	m := NewManager(time.Minute, testLogger())
	g := NewGate(m, fakeClassifications{}, nil, testLogger())

	done := make(chan Decision, 1)
	go func() {
		done <- g.Evaluate(context.Background(), ToolCall{ToolName: "mystery"})
	}()

	var id string
	for deadline := time.Now().Add(time.Second); time.Now().Before(deadline); {
		if pending := m.List(); len(pending) == 1 {
			id = pending[0].ID
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := m.Deny(id, "bob"); err != nil {
		t.Fatalf("Deny: %v", err)
	}

	d := <-done
	if d.Approved {
		t.Fatal("denied call came back approved")
	}
	if d.Reason != "denied by bob" {
		t.Fatalf("reason = %q", d.Reason)
	}
}

func TestEvaluateCancellationDenies(t *testing.T) {
	m := NewManager(time.Minute, testLogger())
	g := NewGate(m, fakeClassifications{}, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Decision, 1)
	go func() {
		done <- g.Evaluate(ctx, ToolCall{ToolName: "mystery"})
	}()

	for deadline := time.Now().Add(time.Second); time.Now().Before(deadline); {
		if len(m.List()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	d := <-done
	if d.Approved {
		t.Fatal("canceled call came back approved")
	}
	if d.Reason != "canceled" {
		t.Fatalf("reason = %q", d.Reason)
	}
}

func TestAutoApprovalAfterRepeatedManualApprovals(t *testing.T) {
	m := NewManager(time.Minute, testLogger())
	auto := NewAutoApprover(config.AutoApprovalConfig{
		Enabled:           true,
		AllowedTools:      []string{"write_file"},
		RequiredApprovals: 2,
	}, testLogger())
	writeTool := classifier.Classification{IsWrite: true}
	g := NewGate(m, fakeClassifications{"fp": writeTool}, auto, testLogger())

	args := map[string]any{"path": "/tmp/a"}
	auto.RecordManualApproval("c", "fs", "write_file", args)
	auto.RecordManualApproval("c", "fs", "write_file", args)

	d := g.Evaluate(context.Background(), ToolCall{
		ClientID: "c", ServerID: "fs", ToolName: "write_file",
		Arguments: args, Fingerprint: "fp",
	})
	if !d.Approved || !d.RequiresApproval {
		t.Fatalf("decision = %+v, want auto-approved", d)
	}
	if len(m.List()) != 0 {
		t.Fatal("auto-approved call still created a pending approval")
	}
}

func TestAutoApprovalRespectsAllowlist(t *testing.T) {
	auto := NewAutoApprover(config.AutoApprovalConfig{
		Enabled:           true,
		RequiredApprovals: 1,
	}, testLogger())

	auto.RecordManualApproval("c", "fs", "write_file", nil)
	if ok, _ := auto.ShouldAutoApprove("c", "fs", "write_file", nil); ok {
		t.Fatal("tool outside the allowlist was auto-approved")
	}
}

func TestWaitCancellationExpiresRecord(t *testing.T) {
	m := NewManager(time.Minute, testLogger())
	id, err := m.Create(&CreateRequest{ToolName: "t"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	type waitResult struct {
		st  Status
		err error
	}
	done := make(chan waitResult, 1)
	go func() {
		st, werr := m.Wait(ctx, id)
		done <- waitResult{st, werr}
	}()
	cancel()

	res := <-done
	if res.st != StatusDenied || res.err == nil {
		t.Fatalf("Wait = %v, %v, want denied with error", res.st, res.err)
	}

	// The abandoned request must not be approvable afterwards.
	if err := m.Approve(id, "alice"); err != ErrAlreadyResolved {
		t.Fatalf("Approve after cancellation = %v, want ErrAlreadyResolved", err)
	}
	p, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Status != StatusExpired {
		t.Fatalf("status = %s, want %s", p.Status, StatusExpired)
	}
}

func TestManagerResolveOnce(t *testing.T) {
	m := NewManager(time.Minute, testLogger())
	id, err := m.Create(&CreateRequest{ToolName: "t"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Approve(id, "alice"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := m.Deny(id, "bob"); err != ErrAlreadyResolved {
		t.Fatalf("second resolve error = %v, want ErrAlreadyResolved", err)
	}
	if err := m.Approve("nope", "alice"); err != ErrNotFound {
		t.Fatalf("unknown id error = %v, want ErrNotFound", err)
	}
}
