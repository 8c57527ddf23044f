package model

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	pkgerrors "blockjudge/pkg/errors"

	"gopkg.in/yaml.v3"
)

// Difficulty is ordered: basic < easy < medium < hard < complex.
type Difficulty int

const (
	DifficultyBasic Difficulty = iota + 1
	DifficultyEasy
	DifficultyMedium
	DifficultyHard
	DifficultyComplex
)

var difficultyNames = map[Difficulty]string{
	DifficultyBasic:   "basic",
	DifficultyEasy:    "easy",
	DifficultyMedium:  "medium",
	DifficultyHard:    "hard",
	DifficultyComplex: "complex",
}

// ParseDifficulty accepts the lowercase names, case-insensitively.
func ParseDifficulty(s string) (Difficulty, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for d, name := range difficultyNames {
		if name == want {
			return d, nil
		}
	}
	return 0, pkgerrors.Newf(pkgerrors.InvalidDifficulty, "invalid difficulty %q", s)
}

func (d Difficulty) String() string {
	if name, ok := difficultyNames[d]; ok {
		return name
	}
	return "unknown"
}

func (d Difficulty) Valid() bool {
	_, ok := difficultyNames[d]
	return ok
}

func (d Difficulty) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("invalid difficulty %d", int(d))
	}
	return []byte(d.String()), nil
}

func (d *Difficulty) UnmarshalText(text []byte) error {
	parsed, err := ParseDifficulty(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// PolicyKind selects how actual output is matched against expected output.
type PolicyKind string

const (
	PolicyExact            PolicyKind = "exact"
	PolicyNormalized       PolicyKind = "normalized"
	PolicyNumericTolerance PolicyKind = "numericTolerance"
)

// ComparisonPolicy is a PolicyKind plus its parameters.
type ComparisonPolicy struct {
	Kind    PolicyKind `json:"kind" yaml:"kind"`
	Epsilon float64    `json:"epsilon,omitempty" yaml:"epsilon,omitempty"`
}

func ExactPolicy() ComparisonPolicy      { return ComparisonPolicy{Kind: PolicyExact} }
func NormalizedPolicy() ComparisonPolicy { return ComparisonPolicy{Kind: PolicyNormalized} }
func TolerancePolicy(epsilon float64) ComparisonPolicy {
	return ComparisonPolicy{Kind: PolicyNumericTolerance, Epsilon: epsilon}
}

var tolerancePattern = regexp.MustCompile(`^numericTolerance\(\s*([^)]+?)\s*\)$`)

// ParseComparisonPolicy reads "exact", "normalized" or "numericTolerance(eps)".
func ParseComparisonPolicy(s string) (ComparisonPolicy, error) {
	s = strings.TrimSpace(s)
	switch PolicyKind(s) {
	case "", PolicyExact:
		return ExactPolicy(), nil
	case PolicyNormalized:
		return NormalizedPolicy(), nil
	case PolicyNumericTolerance:
		return TolerancePolicy(0), nil
	}
	if m := tolerancePattern.FindStringSubmatch(s); m != nil {
		eps, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return ComparisonPolicy{}, pkgerrors.Newf(pkgerrors.InvalidComparePolicy, "invalid epsilon %q", m[1])
		}
		p := TolerancePolicy(eps)
		return p, p.Validate()
	}
	return ComparisonPolicy{}, pkgerrors.Newf(pkgerrors.InvalidComparePolicy, "unknown comparison policy %q", s)
}

func (p ComparisonPolicy) String() string {
	if p.Kind == PolicyNumericTolerance {
		return fmt.Sprintf("numericTolerance(%s)", strconv.FormatFloat(p.Epsilon, 'g', -1, 64))
	}
	if p.Kind == "" {
		return string(PolicyExact)
	}
	return string(p.Kind)
}

// UnmarshalYAML accepts either the mapping form or the scalar form
// understood by ParseComparisonPolicy.
func (p *ComparisonPolicy) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		parsed, err := ParseComparisonPolicy(node.Value)
		if err != nil {
			return err
		}
		*p = parsed
		return nil
	}
	type plain ComparisonPolicy
	var aux plain
	if err := node.Decode(&aux); err != nil {
		return err
	}
	*p = ComparisonPolicy(aux)
	return p.Validate()
}

func (p ComparisonPolicy) Validate() error {
	switch p.Kind {
	case "", PolicyExact, PolicyNormalized:
		return nil
	case PolicyNumericTolerance:
		if p.Epsilon < 0 || math.IsNaN(p.Epsilon) || math.IsInf(p.Epsilon, 0) {
			return pkgerrors.Newf(pkgerrors.InvalidComparePolicy, "epsilon must be a non-negative number")
		}
		return nil
	}
	return pkgerrors.Newf(pkgerrors.InvalidComparePolicy, "unknown comparison policy %q", p.Kind)
}

const (
	DefaultTimeLimitMs   int64 = 2000
	DefaultMemoryLimitMB int64 = 128
)

// Limits is the per-test-case execution budget.
type Limits struct {
	TimeLimitMs   int64 `json:"timeLimitMs" yaml:"timeLimitMs"`
	MemoryLimitMB int64 `json:"memoryLimitMB" yaml:"memoryLimitMB"`
}

// WithDefaults fills unset limits.
func (l Limits) WithDefaults() Limits {
	if l.TimeLimitMs <= 0 {
		l.TimeLimitMs = DefaultTimeLimitMs
	}
	if l.MemoryLimitMB <= 0 {
		l.MemoryLimitMB = DefaultMemoryLimitMB
	}
	return l
}

func (l Limits) TimeLimit() time.Duration {
	return time.Duration(l.TimeLimitMs) * time.Millisecond
}

func (l Limits) MemoryLimitBytes() int64 {
	return l.MemoryLimitMB * 1024 * 1024
}

// TestCase is one (input, expected output) pair. Hidden cases are graded
// but their payloads never leave the service unless the caller is elevated.
type TestCase struct {
	Index    int   `json:"index" yaml:"index"`
	Input    Value `json:"input" yaml:"input"`
	Expected Value `json:"expected" yaml:"expected"`
	Hidden   bool  `json:"hidden,omitempty" yaml:"hidden,omitempty"`
}

// DefaultEntryPoint is the function called when a challenge names none.
const DefaultEntryPoint = "solve"

// Challenge is immutable once published.
type Challenge struct {
	ID          string           `json:"id" yaml:"id"`
	Title       string           `json:"title" yaml:"title"`
	Description string           `json:"description" yaml:"description"`
	Difficulty  Difficulty       `json:"difficulty" yaml:"difficulty"`
	TestCases   []TestCase       `json:"testCases" yaml:"testCases"`
	Limits      Limits           `json:"limits" yaml:"limits"`
	Policy      ComparisonPolicy `json:"policy" yaml:"policy"`
	EntryPoint  string           `json:"entryPoint,omitempty" yaml:"entryPoint,omitempty"`
	StarterCode string           `json:"starterCode,omitempty" yaml:"starterCode,omitempty"`
	// Approach is the author's write-up of how to solve the challenge.
	Approach    string           `json:"approach,omitempty" yaml:"approach,omitempty"`
	PostedAt    time.Time        `json:"postedAt" yaml:"postedAt"`
}

var identPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// Normalize sorts test cases by index and fills defaults. Stores call it
// once before handing a challenge out.
func (c *Challenge) Normalize() {
	sort.SliceStable(c.TestCases, func(i, j int) bool {
		return c.TestCases[i].Index < c.TestCases[j].Index
	})
	c.Limits = c.Limits.WithDefaults()
	if c.Policy.Kind == "" {
		c.Policy.Kind = PolicyExact
	}
	if c.EntryPoint == "" {
		c.EntryPoint = DefaultEntryPoint
	}
}

// Validate checks a normalized challenge.
func (c *Challenge) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return pkgerrors.ValidationError("id", "required")
	}
	if !c.Difficulty.Valid() {
		return pkgerrors.Newf(pkgerrors.InvalidDifficulty, "challenge %s: invalid difficulty", c.ID)
	}
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	if c.EntryPoint != "" && !identPattern.MatchString(c.EntryPoint) {
		return pkgerrors.ValidationError("entryPoint", "must be a JavaScript identifier")
	}
	if len(c.TestCases) == 0 {
		return pkgerrors.Newf(pkgerrors.TestCaseInvalid, "challenge %s has no test cases", c.ID)
	}
	for i := 1; i < len(c.TestCases); i++ {
		if c.TestCases[i].Index == c.TestCases[i-1].Index {
			return pkgerrors.Newf(pkgerrors.TestCaseInvalid, "challenge %s: duplicate test case index %d", c.ID, c.TestCases[i].Index)
		}
	}
	return nil
}

// Examples returns the non-hidden test cases.
func (c *Challenge) Examples() []TestCase {
	out := make([]TestCase, 0, len(c.TestCases))
	for _, tc := range c.TestCases {
		if !tc.Hidden {
			out = append(out, tc)
		}
	}
	return out
}

// Summary is the catalogue view of a challenge.
type Summary struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Difficulty  Difficulty `json:"difficulty"`
	PostedAt    time.Time  `json:"postedAt"`
}

func (c *Challenge) Summary() Summary {
	return Summary{
		ID:          c.ID,
		Title:       c.Title,
		Description: c.Description,
		Difficulty:  c.Difficulty,
		PostedAt:    c.PostedAt,
	}
}

// IsIdentifier reports whether s can be used as a JavaScript entry point.
func IsIdentifier(s string) bool {
	return identPattern.MatchString(s)
}
