package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/tripwire/sentinel/internal/config"
)

// Action is one protective step taken when a cycle triggers, for example
// locking the device.
type Action interface {
	Name() string
	Run(ctx context.Context) error
}

// CommandAction runs an external command.
type CommandAction struct {
	name    string
	argv    []string
	timeout time.Duration
}

// NewCommandAction returns an action running argv[0] with the remaining
// arguments. A non-positive timeout selects 30s.
func NewCommandAction(name string, argv []string, timeout time.Duration) *CommandAction {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CommandAction{name: name, argv: argv, timeout: timeout}
}

// ActionsFromConfig builds one CommandAction per configured action.
func ActionsFromConfig(cfgs []config.ActionConfig) []Action {
	out := make([]Action, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, NewCommandAction(c.Name, c.Command, 0))
	}
	return out
}

func (a *CommandAction) Name() string { return a.name }

// Run executes the command and returns its combined output in the error when
// it fails.
func (a *CommandAction) Run(ctx context.Context) error {
	if len(a.argv) == 0 {
		return errors.New("empty command")
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, a.argv[0], a.argv[1:]...).CombinedOutput()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("timed out after %s", a.timeout)
	}
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

// runActions runs every action in order. A failing action does not stop the
// ones after it. The result is the incident's actionsTaken text.
func runActions(ctx context.Context, logger *slog.Logger, actions []Action) string {
	if len(actions) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(actions))
	for _, a := range actions {
		if err := a.Run(ctx); err != nil {
			logger.Error("protective action failed",
				slog.String("action", a.Name()),
				slog.Any("error", err),
			)
			parts = append(parts, fmt.Sprintf("%s: failed (%v)", a.Name(), err))
			continue
		}
		logger.Info("protective action executed", slog.String("action", a.Name()))
		parts = append(parts, a.Name()+": ok")
	}
	return strings.Join(parts, "; ")
}
