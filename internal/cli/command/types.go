package command

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"blockjudge/internal/grading/controller"
	"blockjudge/internal/grading/model"
)

// Backend is what commands run against: an in-process grader or a remote
// grader service.
type Backend interface {
	ListChallenges(ctx context.Context) ([]model.Summary, error)
	GetChallenge(ctx context.Context, id string) (controller.ChallengeDetailResponse, error)
	Submit(ctx context.Context, challengeID, code string, failFast bool) (*model.Verdict, error)
	RawVerdict(ctx context.Context, submissionID string) (*model.Verdict, error)
	Health(ctx context.Context) (controller.HealthResponse, error)
}

// Field defines a command parameter.
type Field struct {
	Name     string
	Aliases  []string
	Prompt   string
	Required bool
}

// Env is what a running command sees.
type Env struct {
	Backend Backend
	Out     io.Writer
	Pretty  bool
}

// Command defines one CLI command.
type Command struct {
	Name    string
	Summary string
	Usage   string
	Fields  []Field
	Run     func(ctx context.Context, env Env, params Params) error
}

// Params holds parsed key=value input.
type Params map[string]string

func (p Params) Get(key string) string {
	return p[strings.ToLower(key)]
}

func (p Params) Set(key, value string) {
	p[strings.ToLower(key)] = value
}

func (p Params) Has(key string) bool {
	_, ok := p[strings.ToLower(key)]
	return ok
}

// Canonicalize rewrites aliases to their field names.
func (p Params) Canonicalize(fields []Field) {
	for _, field := range fields {
		for _, alias := range field.Aliases {
			aliasKey := strings.ToLower(alias)
			if value, ok := p[aliasKey]; ok {
				p[strings.ToLower(field.Name)] = value
				delete(p, aliasKey)
			}
		}
	}
}

// Bool reads a boolean flag. Missing keys are false.
func (p Params) Bool(key string) (bool, error) {
	raw := strings.TrimSpace(p.Get(key))
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return v, nil
}

// ParseParams splits key=value tokens. A bare token fills the next
// positional field.
func ParseParams(tokens []string, fields []Field) (Params, error) {
	params := Params{}
	positional := 0
	for _, token := range tokens {
		parts := strings.SplitN(token, "=", 2)
		if len(parts) == 2 {
			params.Set(parts[0], parts[1])
			continue
		}
		if positional >= len(fields) {
			return nil, fmt.Errorf("invalid param: %s", token)
		}
		params.Set(fields[positional].Name, token)
		positional++
	}
	params.Canonicalize(fields)
	return params, nil
}

// Missing returns the required fields without a value.
func Missing(fields []Field, params Params) []Field {
	var out []Field
	for _, field := range fields {
		if field.Required && strings.TrimSpace(params.Get(field.Name)) == "" {
			out = append(out, field)
		}
	}
	return out
}

func ReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file failed: %w", err)
	}
	return string(data), nil
}
