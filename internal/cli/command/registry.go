package command

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"blockjudge/internal/grading/model"
)

// Registry returns all CLI commands keyed by name.
func Registry() map[string]Command {
	commands := []Command{
		{
			Name:    "list",
			Summary: "list challenges, newest first",
			Usage:   "list",
			Run:     runList,
		},
		{
			Name:    "show",
			Summary: "show a challenge with its public examples",
			Usage:   "show <challenge_id>",
			Fields: []Field{
				{Name: "id", Aliases: []string{"challenge_id"}, Prompt: "challenge_id", Required: true},
			},
			Run: runShow,
		},
		{
			Name:    "submit",
			Summary: "grade a JavaScript file against a challenge",
			Usage:   "submit <challenge_id> <file.js> [fail_fast=true]",
			Fields: []Field{
				{Name: "id", Aliases: []string{"challenge_id"}, Prompt: "challenge_id", Required: true},
				{Name: "file", Aliases: []string{"source_file"}, Prompt: "source file", Required: true},
				{Name: "fail_fast", Aliases: []string{"failfast"}},
			},
			Run: runSubmit,
		},
		{
			Name:    "raw",
			Summary: "show a stored verdict with hidden cases (elevated only)",
			Usage:   "raw <submission_id>",
			Fields: []Field{
				{Name: "id", Aliases: []string{"submission_id"}, Prompt: "submission_id", Required: true},
			},
			Run: runRaw,
		},
		{
			Name:    "health",
			Summary: "show grader health and pool occupancy",
			Usage:   "health",
			Run:     runHealth,
		},
	}

	out := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		out[cmd.Name] = cmd
	}
	return out
}

// Names returns command names in a stable order.
func Names(commands map[string]Command) []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func runList(ctx context.Context, env Env, params Params) error {
	list, err := env.Backend.ListChallenges(ctx)
	if err != nil {
		return err
	}
	if env.Pretty {
		return printJSON(env.Out, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(env.Out, "no challenges")
		return nil
	}
	for _, s := range list {
		fmt.Fprintf(env.Out, "%-20s %-8s %s\n", s.ID, s.Difficulty, s.Title)
	}
	return nil
}

func runShow(ctx context.Context, env Env, params Params) error {
	detail, err := env.Backend.GetChallenge(ctx, params.Get("id"))
	if err != nil {
		return err
	}
	if env.Pretty {
		return printJSON(env.Out, detail)
	}
	fmt.Fprintf(env.Out, "%s (%s)\n", detail.Title, detail.Difficulty)
	if detail.Description != "" {
		fmt.Fprintf(env.Out, "%s\n", detail.Description)
	}
	fmt.Fprintf(env.Out, "entry point: %s  policy: %s  limits: %dms / %dMB  cases: %d\n",
		detail.EntryPoint, detail.Policy, detail.Limits.TimeLimitMs, detail.Limits.MemoryLimitMB, detail.TestCaseCount)
	for _, ex := range detail.Examples {
		fmt.Fprintf(env.Out, "  #%d %s -> %s\n", ex.Index, ex.Input, ex.Expected)
	}
	if detail.StarterCode != "" {
		fmt.Fprintf(env.Out, "starter code:\n%s\n", strings.TrimRight(detail.StarterCode, "\n"))
	}
	if detail.Approach != "" {
		fmt.Fprintf(env.Out, "approach:\n%s\n", strings.TrimRight(detail.Approach, "\n"))
	}
	return nil
}

func runSubmit(ctx context.Context, env Env, params Params) error {
	code, err := ReadFile(params.Get("file"))
	if err != nil {
		return err
	}
	failFast, err := params.Bool("fail_fast")
	if err != nil {
		return err
	}
	verdict, err := env.Backend.Submit(ctx, params.Get("id"), code, failFast)
	if err != nil {
		return err
	}
	return renderVerdict(env, verdict)
}

func runRaw(ctx context.Context, env Env, params Params) error {
	verdict, err := env.Backend.RawVerdict(ctx, params.Get("id"))
	if err != nil {
		return err
	}
	return renderVerdict(env, verdict)
}

func runHealth(ctx context.Context, env Env, params Params) error {
	health, err := env.Backend.Health(ctx)
	if err != nil {
		return err
	}
	if env.Pretty {
		return printJSON(env.Out, health)
	}
	fmt.Fprintf(env.Out, "%s  uptime %s  pool %d/%d busy, %d waiting\n",
		health.Status, health.Uptime, health.Pool.InFlight, health.Pool.Size, health.Pool.Waiting)
	return nil
}

func renderVerdict(env Env, v *model.Verdict) error {
	if env.Pretty {
		return printJSON(env.Out, v)
	}
	fmt.Fprintf(env.Out, "%s  %d/%d passed  %s  submission %s\n",
		v.Status, v.PassedCount, v.TotalCount, v.TotalDuration.Round(time.Millisecond), v.SubmissionID)
	if v.InfraFailure {
		fmt.Fprintln(env.Out, "warning: some cases hit sandbox infrastructure failures")
	}
	for _, o := range v.Outcomes {
		label := fmt.Sprintf("  #%d %-16s", o.Index, o.Status)
		if o.Hidden && o.Input == nil {
			fmt.Fprintf(env.Out, "%s (hidden)\n", label)
			continue
		}
		line := label
		if o.Input != nil {
			line += " input=" + o.Input.String()
		}
		if o.Status != model.StatusPassed {
			if o.Expected != nil {
				line += " expected=" + o.Expected.String()
			}
			if o.Actual != nil {
				line += " actual=" + o.Actual.String()
			}
		}
		fmt.Fprintln(env.Out, line)
		if o.Diagnostic != "" && o.Status != model.StatusPassed {
			fmt.Fprintf(env.Out, "      %s\n", firstLine(o.Diagnostic))
		}
	}
	return nil
}

func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
