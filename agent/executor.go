package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/itskum47/FluxGuard/control_plane/store"
)

// Result is the outcome of one lifecycle command.
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// Executor runs the shell command configured for an action.
type Executor struct {
	cfg    *Config
	logger *slog.Logger
}

func NewExecutor(cfg *Config, logger *slog.Logger) *Executor {
	return &Executor{cfg: cfg, logger: logger.With("component", "executor")}
}

// Supports reports whether a command is configured for the action.
func (e *Executor) Supports(action store.Action) bool {
	_, ok := e.cfg.Commands[action]
	return ok
}

// Execute runs the action's command under the configured timeout. The request
// fields reach the command as FLUXGUARD_* environment variables.
func (e *Executor) Execute(ctx context.Context, req lifecycleRequest) (Result, error) {
	command, ok := e.cfg.Commands[req.Action]
	if !ok {
		return Result{}, fmt.Errorf("no command configured for %s", req.Action)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.cfg.Shell, "-c", command)
	cmd.Env = append(os.Environ(),
		"FLUXGUARD_ACTION="+string(req.Action),
		"FLUXGUARD_REASON="+req.Reason,
		"FLUXGUARD_TARGET_INSTANCES="+strconv.Itoa(req.TargetInstances),
		"FLUXGUARD_NODE_ID="+e.cfg.NodeID,
	)
	// Children of the shell may keep the output pipe open past the kill.
	cmd.WaitDelay = time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	e.logger.Info("running lifecycle command", "action", req.Action, "reason", req.Reason)
	start := time.Now()
	err := cmd.Run()
	res := Result{Output: out.String(), Duration: time.Since(start)}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			res.ExitCode = -1
			err = fmt.Errorf("%s timed out after %s: %w", req.Action, e.cfg.CommandTimeout, ctx.Err())
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitCode()
			err = fmt.Errorf("%s exited with code %d", req.Action, res.ExitCode)
		default:
			res.ExitCode = -1
			err = fmt.Errorf("%s could not start: %w", req.Action, err)
		}
		e.logger.Warn("lifecycle command failed", "action", req.Action, "exit_code", res.ExitCode, "duration", res.Duration, "error", err)
		return res, err
	}

	e.logger.Info("lifecycle command completed", "action", req.Action, "duration", res.Duration)
	return res, nil
}
