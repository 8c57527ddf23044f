package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"blockjudge/internal/cli/command"
	httpclient "blockjudge/internal/cli/http"
	"blockjudge/internal/cli/state"
	pkgerrors "blockjudge/pkg/errors"

	"github.com/chzyer/readline"
	"github.com/google/shlex"
)

const prompt = "blockjudge> "

// ErrExit is returned by Execute when the user asks to leave.
var ErrExit = errors.New("exit")

// Prompter asks the user for one value.
type Prompter func(label string) (string, error)

// Options configures a Session.
type Options struct {
	Backend  command.Backend
	Commands map[string]command.Command
	Out      io.Writer
	Pretty   bool
	Mode     string

	// Remote is set in remote mode so set base/timeout/token can reach it.
	Remote     *httpclient.Client
	TokenState *state.TokenState
	StatePath  string
}

// Session holds REPL state.
type Session struct {
	opts   Options
	prompt Prompter
}

func New(opts Options) *Session {
	if opts.Commands == nil {
		opts.Commands = command.Registry()
	}
	if opts.TokenState == nil {
		opts.TokenState = &state.TokenState{}
	}
	return &Session{opts: opts}
}

// SetPrompter installs the function used to ask for missing fields. Without
// one, a missing required field is an error.
func (s *Session) SetPrompter(p Prompter) {
	s.prompt = p
}

// Run reads lines until EOF or exit.
func (s *Session) Run(ctx context.Context, historyFile string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     historyFile,
		AutoComplete:    s.completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("init readline failed: %w", err)
	}
	defer func() { _ = rl.Close() }()

	if s.opts.Out == nil {
		s.opts.Out = rl.Stdout()
	}
	s.prompt = func(label string) (string, error) {
		rl.SetPrompt(label + ": ")
		defer rl.SetPrompt(prompt)
		line, err := rl.Readline()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input failed: %w", err)
		}
		if err := s.Execute(ctx, line); err != nil {
			if errors.Is(err, ErrExit) {
				s.printLine("bye")
				return nil
			}
			s.printLine("error: %s", describe(err))
		}
	}
}

// Execute runs one input line.
func (s *Session) Execute(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	tokens, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse command failed: %w", err)
	}
	if len(tokens) == 0 {
		return nil
	}

	switch tokens[0] {
	case "exit", "quit":
		return ErrExit
	case "help":
		s.printHelp()
		return nil
	case "set":
		return s.handleSet(tokens[1:])
	case "config":
		s.printConfig()
		return nil
	case "token":
		s.printLine("token: %s", s.opts.TokenState.Masked())
		return nil
	}

	cmd, ok := s.opts.Commands[tokens[0]]
	if !ok {
		return fmt.Errorf("unknown command: %s (try help)", tokens[0])
	}
	params, err := command.ParseParams(tokens[1:], cmd.Fields)
	if err != nil {
		return err
	}
	if err := s.promptMissing(cmd, params); err != nil {
		return err
	}
	env := command.Env{Backend: s.opts.Backend, Out: s.opts.Out, Pretty: s.opts.Pretty}
	return cmd.Run(ctx, env, params)
}

func (s *Session) promptMissing(cmd command.Command, params command.Params) error {
	missing := command.Missing(cmd.Fields, params)
	if len(missing) == 0 {
		return nil
	}
	if s.prompt == nil {
		return fmt.Errorf("missing %s, usage: %s", missing[0].Name, cmd.Usage)
	}
	for _, field := range missing {
		label := field.Prompt
		if label == "" {
			label = field.Name
		}
		value, err := s.prompt(label)
		if err != nil {
			return err
		}
		if value == "" {
			return fmt.Errorf("%s is required", field.Name)
		}
		params.Set(field.Name, value)
	}
	return nil
}

func (s *Session) handleSet(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: set base|timeout|token|pretty <value>")
	}
	key, value := args[0], args[1]
	if key == "pretty" {
		var err error
		s.opts.Pretty, err = command.Params{"pretty": value}.Bool("pretty")
		if err != nil {
			return err
		}
		s.printLine("pretty set to %t", s.opts.Pretty)
		return nil
	}

	if s.opts.Remote == nil {
		return fmt.Errorf("set %s only applies in remote mode", key)
	}
	switch key {
	case "base":
		s.opts.Remote.SetBaseURL(strings.TrimRight(value, "/"))
		s.printLine("base set to %s", s.opts.Remote.BaseURL())
	case "timeout":
		dur, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		s.opts.Remote.SetTimeout(dur)
		s.printLine("timeout set to %s", dur)
	case "token":
		s.opts.TokenState.AccessToken = value
		if s.opts.StatePath != "" {
			if err := state.Save(s.opts.StatePath, *s.opts.TokenState); err != nil {
				return err
			}
		}
		s.printLine("token updated")
	default:
		return fmt.Errorf("unknown setting: %s", key)
	}
	return nil
}

func (s *Session) printConfig() {
	s.printLine("mode: %s", s.opts.Mode)
	if s.opts.Remote != nil {
		s.printLine("base: %s", s.opts.Remote.BaseURL())
		s.printLine("tokenStatePath: %s", s.opts.StatePath)
	}
	s.printLine("pretty: %t", s.opts.Pretty)
}

func (s *Session) printHelp() {
	s.printLine("commands:")
	for _, name := range command.Names(s.opts.Commands) {
		cmd := s.opts.Commands[name]
		s.printLine("  %-40s %s", cmd.Usage, cmd.Summary)
	}
	s.printLine("  %-40s %s", "set base|timeout|token|pretty <value>", "change session settings")
	s.printLine("  %-40s %s", "config", "show session settings")
	s.printLine("  %-40s %s", "token", "show the saved access token")
	s.printLine("  %-40s %s", "exit", "leave")
}

func (s *Session) completer() *readline.PrefixCompleter {
	items := make([]readline.PrefixCompleterInterface, 0, len(s.opts.Commands)+5)
	for _, name := range command.Names(s.opts.Commands) {
		items = append(items, readline.PcItem(name))
	}
	items = append(items,
		readline.PcItem("set",
			readline.PcItem("base"),
			readline.PcItem("timeout"),
			readline.PcItem("token"),
			readline.PcItem("pretty", readline.PcItem("true"), readline.PcItem("false")),
		),
		readline.PcItem("config"),
		readline.PcItem("token"),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)
	return readline.NewPrefixCompleter(items...)
}

func (s *Session) printLine(format string, args ...interface{}) {
	fmt.Fprintf(s.opts.Out, format+"\n", args...)
}

// describe renders service errors with their code so users can look them up.
func describe(err error) string {
	var e *pkgerrors.Error
	if errors.As(err, &e) {
		return fmt.Sprintf("[%d] %s", e.Code, e.Error())
	}
	return err.Error()
}
