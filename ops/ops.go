package ops

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds any operation whose catalog entry does not carry
// an explicit timeout. There is no indefinite block: a command that
// outlives its deadline is killed and reported as a timeout failure.
const DefaultTimeout = 15 * time.Second

// Operation is one named privileged external command. Catalogs supply
// these as opaque data; the executor never interprets their semantics,
// it only runs them and captures the outcome.
type Operation struct {
	Name      string   `json:"name"`
	Args      []string `json:"args,omitempty"`
	TimeoutMS int      `json:"timeout_ms,omitempty"`
}

func (o Operation) Zero() bool {
	return strings.TrimSpace(o.Name) == ""
}

func (o Operation) Timeout() time.Duration {
	if o.TimeoutMS <= 0 {
		return DefaultTimeout
	}
	return time.Duration(o.TimeoutMS) * time.Millisecond
}

func (o Operation) String() string {
	if len(o.Args) == 0 {
		return o.Name
	}
	return o.Name + " " + strings.Join(o.Args, " ")
}

// Result captures one finished operation. Err is set only for failures
// to run the command at all (missing binary, permission, timeout);
// a command that ran and exited non-zero reports through ExitCode and
// Stderr so the classifier can match on them.
type Result struct {
	Op       Operation
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Err      error
	Duration time.Duration
}

func (r Result) OK() bool {
	return r.Err == nil && !r.TimedOut && r.ExitCode == 0
}

// Summary renders a one-line description of the outcome for logs and
// error records.
func (r Result) Summary() string {
	var b strings.Builder
	b.WriteString(r.Op.String())
	if r.TimedOut {
		b.WriteString(": timeout after " + r.Op.Timeout().String())
		return b.String()
	}
	if r.Err != nil {
		b.WriteString(": " + r.Err.Error())
		return b.String()
	}
	if r.ExitCode != 0 {
		b.WriteString(": exit " + strconv.Itoa(r.ExitCode))
		if s := strings.TrimSpace(r.Stderr); s != "" {
			b.WriteString(": " + s)
		}
		return b.String()
	}
	b.WriteString(": ok")
	return b.String()
}

// Runner executes operations. The production runner shells out; tests
// substitute fakes.
type Runner interface {
	Run(ctx context.Context, op Operation) Result
}

// RunAsync executes op on a dedicated goroutine and delivers the result
// on the returned channel, so a caller loop never blocks on a slow
// subprocess. The channel is buffered; the result is never dropped.
func RunAsync(ctx context.Context, r Runner, op Operation) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		ch <- r.Run(ctx, op)
	}()
	return ch
}
