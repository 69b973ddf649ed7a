package ops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultCommandSlots = 16

// execRunner shells out to privileged tools. A bounded slot semaphore
// keeps a burst of layer activations from forking an unbounded number
// of subprocesses on constrained devices.
type execRunner struct {
	slots chan struct{}
}

func NewRunner(maxParallel int) Runner {
	if maxParallel <= 0 || maxParallel > 64 {
		maxParallel = defaultCommandSlots
	}
	return &execRunner{slots: make(chan struct{}, maxParallel)}
}

func (r *execRunner) Run(ctx context.Context, op Operation) Result {
	if op.Zero() {
		return Result{Op: op, Err: errors.New("empty operation")}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cmdCtx, cancel := context.WithTimeout(ctx, op.Timeout())
	defer cancel()

	select {
	case r.slots <- struct{}{}:
	case <-cmdCtx.Done():
		return Result{
			Op:       op,
			TimedOut: true,
			Err:      fmt.Errorf("%s: timeout waiting command slot: %w", op, cmdCtx.Err()),
		}
	}
	defer func() {
		<-r.slots
	}()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(cmdCtx, op.Name, op.Args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Op:       op,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if cmdCtx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.Err = fmt.Errorf("%s: timeout after %s", op, op.Timeout())
		logrus.Warnf("[Exec] %s", res.Err)
		return res
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			logrus.Debugf("[Exec] %s: exit %d", op, res.ExitCode)
			return res
		}
		res.Err = fmt.Errorf("%s: %w", op, err)
		logrus.Warnf("[Exec] %s", res.Err)
		return res
	}
	logrus.Debugf("[Exec] %s: ok (%s)", op, res.Duration.Round(time.Millisecond))
	return res
}
