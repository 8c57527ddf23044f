// Package verdict folds per-case outcomes into a caller-facing Verdict.
package verdict

import (
	"sort"
	"time"

	"blockjudge/internal/grading/model"
)

// Aggregator builds verdicts. Whether hidden cases are revealed is fixed
// when the Aggregator is constructed.
type Aggregator struct {
	revealHidden bool
}

type Option func(*Aggregator)

// RevealHidden keeps hidden cases' payloads. Only elevated callers get an
// Aggregator built with it.
func RevealHidden() Option {
	return func(a *Aggregator) { a.revealHidden = true }
}

func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Aggregate is deterministic: the same outcomes always produce the same
// Verdict. SubmissionID, ChallengeID and GradedAt are left for the caller.
func (a *Aggregator) Aggregate(outcomes []model.ExecutionOutcome) model.Verdict {
	sorted := make([]model.ExecutionOutcome, len(outcomes))
	copy(sorted, outcomes)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	v := model.Verdict{
		Status:           model.StatusAccepted,
		FirstFailedIndex: model.NoFailure,
		TotalCount:       len(sorted),
	}
	var total time.Duration
	for i := range sorted {
		out := &sorted[i]
		total += out.Duration
		if out.InfraFailure {
			v.InfraFailure = true
		}
		if out.Status == model.StatusPassed {
			v.PassedCount++
		} else if v.FirstFailedIndex == model.NoFailure {
			v.FirstFailedIndex = out.Index
			v.Status = out.Status
		}
		if out.Hidden && !a.revealHidden {
			*out = redact(*out)
		}
	}
	v.Outcomes = sorted
	v.TotalDuration = total
	return v
}

// redact keeps only what a submitter may see of a hidden case.
func redact(o model.ExecutionOutcome) model.ExecutionOutcome {
	return model.ExecutionOutcome{
		Index:        o.Index,
		Status:       o.Status,
		Hidden:       true,
		Duration:     o.Duration,
		InfraFailure: o.InfraFailure,
	}
}
