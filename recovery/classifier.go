package recovery

import (
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"tethercloak/ops"
)

// Record is the structured form every failure takes before it reaches
// a caller. Raw subprocess exit codes never leave the core.
type Record struct {
	Code             string
	Category         Category
	Message          string
	AutoFixAvailable bool
	AutoFix          ops.Operation
	ManualSteps      []string
	Cause            ops.Result
}

func (r Record) String() string {
	return fmt.Sprintf("%s [%s]: %s (%s)", r.Code, r.Category, r.Message, r.Cause.Summary())
}

type compiledEntry struct {
	entry    Entry
	stderrRe *regexp.Regexp
}

// Classifier matches executor failures against the catalog. First
// matching entry wins, so catalogs order specific signatures before
// generic ones.
type Classifier struct {
	entries []compiledEntry
}

func NewClassifier(entries []Entry) (*Classifier, error) {
	compiled := make([]compiledEntry, 0, len(entries))
	for _, entry := range entries {
		if strings.TrimSpace(entry.Code) == "" {
			return nil, fmt.Errorf("catalog entry with empty code")
		}
		ce := compiledEntry{entry: entry}
		if entry.MatchStderr != "" {
			re, err := regexp.Compile(entry.MatchStderr)
			if err != nil {
				return nil, fmt.Errorf("entry %s: bad stderr pattern: %w", entry.Code, err)
			}
			ce.stderrRe = re
		}
		compiled = append(compiled, ce)
	}
	return &Classifier{entries: compiled}, nil
}

// Classify maps a failed result to a Record. Catalog entries are
// consulted first so specific signatures (including specific timeouts)
// can carry their own remediation; the built-in fallbacks cover missing
// tools, timeouts, and everything unknown (System, no auto-fix).
func (c *Classifier) Classify(res ops.Result) Record {
	haystack := res.Stderr
	if res.Err != nil {
		haystack = strings.TrimSpace(haystack + " " + res.Err.Error())
	}

	for _, ce := range c.entries {
		if !matchEntry(ce, res, haystack) {
			continue
		}
		rec := Record{
			Code:        ce.entry.Code,
			Category:    ce.entry.Category,
			Message:     ce.entry.Message,
			ManualSteps: ce.entry.ManualSteps,
			Cause:       res,
		}
		if ce.entry.AutoFix != nil && !ce.entry.AutoFix.Zero() {
			rec.AutoFixAvailable = true
			rec.AutoFix = *ce.entry.AutoFix
		}
		return rec
	}

	if res.Err != nil && errors.Is(res.Err, exec.ErrNotFound) {
		return Record{
			Code:     "tool_missing",
			Category: CategorySystem,
			Message:  fmt.Sprintf("required external tool %q is not installed", res.Op.Name),
			ManualSteps: []string{
				fmt.Sprintf("Install %s and make sure it is on PATH.", res.Op.Name),
			},
			Cause: res,
		}
	}
	if res.TimedOut {
		return Record{
			Code:     "operation_timeout",
			Category: CategorySystem,
			Message:  fmt.Sprintf("operation %q did not finish within %s", res.Op.String(), res.Op.Timeout()),
			ManualSteps: []string{
				"The system may be overloaded; retry the connection.",
			},
			Cause: res,
		}
	}
	return Record{
		Code:     "unknown_failure",
		Category: CategorySystem,
		Message:  "unrecognized failure: " + res.Summary(),
		ManualSteps: []string{
			"Inspect the tetherd log for the raw command output.",
		},
		Cause: res,
	}
}

func matchEntry(ce compiledEntry, res ops.Result, haystack string) bool {
	entry := ce.entry
	if entry.MatchOperation != "" && entry.MatchOperation != res.Op.Name {
		return false
	}
	if len(entry.MatchExitCodes) > 0 {
		found := false
		for _, code := range entry.MatchExitCodes {
			if code == res.ExitCode {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if ce.stderrRe != nil && !ce.stderrRe.MatchString(haystack) {
		return false
	}
	// An entry with no match fields at all would swallow everything.
	return entry.MatchOperation != "" || len(entry.MatchExitCodes) > 0 || ce.stderrRe != nil
}
