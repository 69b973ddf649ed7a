package recovery

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"tethercloak/ops"
)

type Outcome string

const (
	OutcomeResolved  Outcome = "resolved"
	OutcomeFailed    Outcome = "failed"
	OutcomeEscalated Outcome = "escalated"
)

// Attempt is the outcome of one recovery pass for one record. When the
// auto-fix ran but the situation did not actually recover, both the
// original cause (Record.Cause) and the fix result are carried so the
// caller never re-triggers an identical failed fix blindly.
type Attempt struct {
	Record           Record
	AttemptedAutoFix bool
	Outcome          Outcome
	FixResult        ops.Result
	RecheckErr       error
}

// Engine runs catalog auto-fixes. Retry caps are enforced by the state
// machine's budget, not here.
type Engine struct {
	runner ops.Runner
}

func NewEngine(runner ops.Runner) *Engine {
	return &Engine{runner: runner}
}

var errNoRecheck = errors.New("no re-verification available")

// Recover attempts the record's auto-fix and then re-runs the original
// failing check. Resolved is only ever reported after the recheck
// passed; a fix command that exits 0 proves nothing on its own.
// Records without an auto-fix escalate immediately with their manual
// steps intact.
func (e *Engine) Recover(ctx context.Context, rec Record, recheck func(context.Context) error) Attempt {
	attempt := Attempt{Record: rec}
	if !rec.AutoFixAvailable {
		attempt.Outcome = OutcomeEscalated
		logrus.Infof("[Recovery] %s: no auto-fix, escalating with %d manual step(s)", rec.Code, len(rec.ManualSteps))
		return attempt
	}

	attempt.AttemptedAutoFix = true
	logrus.Infof("[Recovery] %s: running auto-fix: %s", rec.Code, rec.AutoFix)
	attempt.FixResult = e.runner.Run(ctx, rec.AutoFix)
	if !attempt.FixResult.OK() {
		attempt.Outcome = OutcomeFailed
		logrus.Warnf("[Recovery] %s: auto-fix failed: %s", rec.Code, attempt.FixResult.Summary())
		return attempt
	}

	if recheck == nil {
		attempt.Outcome = OutcomeFailed
		attempt.RecheckErr = errNoRecheck
		logrus.Warnf("[Recovery] %s: auto-fix succeeded but no recheck was supplied, refusing to report resolved", rec.Code)
		return attempt
	}
	if err := recheck(ctx); err != nil {
		attempt.Outcome = OutcomeFailed
		attempt.RecheckErr = err
		logrus.Warnf("[Recovery] %s: auto-fix succeeded but recheck still fails: %v", rec.Code, err)
		return attempt
	}
	attempt.Outcome = OutcomeResolved
	logrus.Infof("[Recovery] %s: auto-fix verified, resolved", rec.Code)
	return attempt
}
