// Package compare decides whether a program's output matches the expected
// output of a test case.
package compare

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"

	"blockjudge/internal/grading/model"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Compare classifies actual against expected under policy. It returns only
// StatusPassed or StatusFailed and never panics on malformed output.
func Compare(actual, expected model.Value, policy model.ComparisonPolicy) (status model.Status) {
	defer func() {
		if recover() != nil {
			status = model.StatusFailed
		}
	}()

	var ok bool
	switch policy.Kind {
	case model.PolicyNormalized:
		ok = normalizedEqual(actual, expected)
	case model.PolicyNumericTolerance:
		ok = withinTolerance(actual.Raw(), expected.Raw(), policy.Epsilon)
	default:
		ok = exactEqual(actual, expected)
	}
	if ok {
		return model.StatusPassed
	}
	return model.StatusFailed
}

// exactEqual is structural equality. Only a top-level string is trimmed.
func exactEqual(actual, expected model.Value) bool {
	a, b := actual.Raw(), expected.Raw()
	if as, ok := a.(string); ok {
		a = strings.TrimSpace(as)
	}
	if bs, ok := b.(string); ok {
		b = strings.TrimSpace(bs)
	}
	return reflect.DeepEqual(a, b)
}

func normalizedEqual(actual, expected model.Value) bool {
	return normalizeText(asText(actual)) == normalizeText(asText(expected))
}

// asText renders non-string values as canonical JSON (object keys sorted).
func asText(v model.Value) string {
	if s, ok := v.AsString(); ok {
		return s
	}
	data, err := json.Marshal(v.Raw())
	if err != nil {
		return v.String()
	}
	return string(data)
}

func normalizeText(s string) string {
	s = norm.NFKC.String(s)
	// Casers carry state, so each call gets its own.
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// withinTolerance compares numbers, numeric strings and arrays of them
// element-wise. Anything non-numeric on the actual side fails. A non-numeric
// expected value falls back to exact comparison so mixed answers still work.
func withinTolerance(actual, expected any, epsilon float64) bool {
	if exp, ok := expected.([]any); ok {
		act, ok := actual.([]any)
		if !ok || len(act) != len(exp) {
			return false
		}
		for i := range exp {
			if !withinTolerance(act[i], exp[i], epsilon) {
				return false
			}
		}
		return true
	}

	want, ok := toNumber(expected)
	if !ok {
		return exactEqual(model.NewValue(actual), model.NewValue(expected))
	}
	got, ok := toNumber(actual)
	if !ok {
		return false
	}
	return math.Abs(got-want) <= epsilon
}

func toNumber(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
