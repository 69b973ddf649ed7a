package ops

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestOperationTimeoutDefault(t *testing.T) {
	op := Operation{Name: "true"}
	if op.Timeout() != DefaultTimeout {
		t.Fatalf("unexpected default timeout: %s", op.Timeout())
	}
	op.TimeoutMS = 250
	if op.Timeout() != 250*time.Millisecond {
		t.Fatalf("unexpected timeout: %s", op.Timeout())
	}
}

func TestOperationString(t *testing.T) {
	op := Operation{Name: "iptables", Args: []string{"-t", "mangle", "-L"}}
	if op.String() != "iptables -t mangle -L" {
		t.Fatalf("unexpected string: %q", op.String())
	}
	if (Operation{Name: "true"}).String() != "true" {
		t.Fatalf("unexpected string for bare op")
	}
}

func TestRunnerCapturesOutput(t *testing.T) {
	r := NewRunner(2)
	res := r.Run(context.Background(), Operation{Name: "sh", Args: []string{"-c", "echo out; echo err >&2"}})
	if !res.OK() {
		t.Fatalf("expected ok result: %s", res.Summary())
	}
	if strings.TrimSpace(res.Stdout) != "out" {
		t.Fatalf("unexpected stdout: %q", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "err" {
		t.Fatalf("unexpected stderr: %q", res.Stderr)
	}
}

func TestRunnerExitCode(t *testing.T) {
	r := NewRunner(2)
	res := r.Run(context.Background(), Operation{Name: "sh", Args: []string{"-c", "exit 3"}})
	if res.OK() {
		t.Fatalf("expected failure")
	}
	if res.ExitCode != 3 {
		t.Fatalf("unexpected exit code: %d", res.ExitCode)
	}
	if res.Err != nil {
		t.Fatalf("exit code should not set Err: %v", res.Err)
	}
}

func TestRunnerMissingBinary(t *testing.T) {
	r := NewRunner(2)
	res := r.Run(context.Background(), Operation{Name: "tethercloak-no-such-tool-xyz"})
	if res.OK() || res.Err == nil {
		t.Fatalf("expected start failure, got %s", res.Summary())
	}
}

func TestRunnerTimeout(t *testing.T) {
	r := NewRunner(2)
	res := r.Run(context.Background(), Operation{Name: "sleep", Args: []string{"5"}, TimeoutMS: 100})
	if !res.TimedOut {
		t.Fatalf("expected timeout, got %s", res.Summary())
	}
	if res.OK() {
		t.Fatalf("timeout must not be ok")
	}
}

func TestRunnerEmptyOperation(t *testing.T) {
	r := NewRunner(2)
	res := r.Run(context.Background(), Operation{})
	if res.Err == nil {
		t.Fatalf("expected error for empty operation")
	}
}

func TestRunAsyncDelivers(t *testing.T) {
	r := NewRunner(2)
	ch := RunAsync(context.Background(), r, Operation{Name: "true"})
	select {
	case res := <-ch:
		if !res.OK() {
			t.Fatalf("unexpected result: %s", res.Summary())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("async result never delivered")
	}
}
