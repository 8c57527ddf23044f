package model

import (
	"encoding/json"
	"time"
)

// Status is the result of one test case, or of a whole submission.
type Status string

const (
	StatusAccepted Status = "Accepted" // verdict only

	StatusPassed           Status = "Passed"
	StatusFailed           Status = "Failed"
	StatusRuntimeError     Status = "RuntimeError"
	StatusTimedOut         Status = "TimedOut"
	StatusResourceExceeded Status = "ResourceExceeded"
	StatusCompileError     Status = "CompileError"
)

// Submission is one grading request. Never mutated after creation.
type Submission struct {
	ID             string    `json:"id"`
	ChallengeID    string    `json:"challengeId"`
	Code           string    `json:"code"`
	SubmitterToken string    `json:"submitter,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ExecutionOutcome is the per-test-case result. Input, Expected, Actual,
// Stdout and Stderr are cleared for hidden cases before a verdict leaves
// the service.
type ExecutionOutcome struct {
	Index    int           `json:"index"`
	Status   Status        `json:"status"`
	Hidden   bool          `json:"hidden,omitempty"`
	Input    *Value        `json:"input,omitempty"`
	Expected *Value        `json:"expected,omitempty"`
	Actual   *Value        `json:"actual,omitempty"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"-"`

	// InfraFailure marks a case the sandbox could not run after retries.
	InfraFailure bool   `json:"infraFailure,omitempty"`
	Diagnostic   string `json:"diagnostic,omitempty"`
}

func (o ExecutionOutcome) MarshalJSON() ([]byte, error) {
	type plain ExecutionOutcome
	return json.Marshal(struct {
		plain
		DurationMs float64 `json:"durationMs"`
	}{plain(o), durationMs(o.Duration)})
}

func (o *ExecutionOutcome) UnmarshalJSON(data []byte) error {
	type plain ExecutionOutcome
	var aux struct {
		plain
		DurationMs float64 `json:"durationMs"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*o = ExecutionOutcome(aux.plain)
	o.Duration = time.Duration(aux.DurationMs * float64(time.Millisecond))
	return nil
}

// NoFailure is FirstFailedIndex for an accepted verdict.
const NoFailure = -1

// Verdict is the caller-facing result of grading a submission.
type Verdict struct {
	SubmissionID     string             `json:"submissionId"`
	ChallengeID      string             `json:"challengeId"`
	Status           Status             `json:"status"`
	FirstFailedIndex int                `json:"firstFailedIndex"`
	Outcomes         []ExecutionOutcome `json:"outcomes"`
	PassedCount      int                `json:"passedCount"`
	TotalCount       int                `json:"totalCount"`
	TotalDuration    time.Duration      `json:"-"`
	InfraFailure     bool               `json:"infraFailure,omitempty"`
	GradedAt         time.Time          `json:"gradedAt"`
}

func (v Verdict) MarshalJSON() ([]byte, error) {
	type plain Verdict
	return json.Marshal(struct {
		plain
		TotalDurationMs float64 `json:"totalDurationMs"`
	}{plain(v), durationMs(v.TotalDuration)})
}

func (v *Verdict) UnmarshalJSON(data []byte) error {
	type plain Verdict
	var aux struct {
		plain
		TotalDurationMs float64 `json:"totalDurationMs"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*v = Verdict(aux.plain)
	v.TotalDuration = time.Duration(aux.TotalDurationMs * float64(time.Millisecond))
	return nil
}

func (v Verdict) Accepted() bool { return v.Status == StatusAccepted }

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
