package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"respire/internal/config"
	"respire/internal/task/engine"
	logx "respire/pkg/logx"
	"respire/pkg/respire"
)

// maxOutputLog caps how much command output ends up in one log line.
const maxOutputLog = 512

// bindActions registers every configured action plus the implicit ones on d.
func bindActions[S any](d *engine.Dispatcher[S], actions map[string]config.ActionConfig, log logx.Logger) error {
	all := make(map[string]config.ActionConfig, len(actions)+len(config.ImplicitActions))
	for name, ac := range config.ImplicitActions {
		all[name] = ac
	}
	for name, ac := range actions {
		all[name] = ac
	}

	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		b, err := actionBinding(name, all[name], log)
		if err != nil {
			return err
		}
		d.Handle(respire.Action(name), b)
	}
	log.Debug("actions bound", logx.Int("count", len(names)), logx.String("names", strings.Join(names, ",")))
	return nil
}

func actionBinding(name string, ac config.ActionConfig, log logx.Logger) (engine.Binding, error) {
	path := "actions." + name
	timeout, err := config.ParseDurationField(path+".timeout", ac.Timeout)
	if err != nil {
		return engine.Binding{}, err
	}
	b := engine.Binding{
		Timeout: timeout,
		Opt:     engine.TaskOptions{RetryMax: ac.RetryMax},
	}
	switch strings.ToLower(strings.TrimSpace(ac.Overlap)) {
	case "", "allow":
	case "skip":
		b.Opt.Overlap = engine.OverlapSkipIfRunning
	default:
		return engine.Binding{}, fmt.Errorf("%s.overlap: unknown policy %q", path, ac.Overlap)
	}

	switch strings.ToLower(strings.TrimSpace(ac.Kind)) {
	case "noop":
		b.Fn = func(context.Context, engine.Run) error { return nil }
	case "log":
		msg := ac.Message
		if strings.TrimSpace(msg) == "" {
			msg = "action " + name
		}
		b.Fn = func(_ context.Context, run engine.Run) error {
			log.Info(msg, logx.String("action", name), logx.String("mode", run.Mode.Path()), logx.String("run", run.ID))
			return nil
		}
	case "command":
		if len(ac.Command) == 0 || strings.TrimSpace(ac.Command[0]) == "" {
			return engine.Binding{}, fmt.Errorf("%s.command: argv required", path)
		}
		argv := append([]string(nil), ac.Command...)
		b.Fn = func(ctx context.Context, run engine.Run) error {
			return runCommand(ctx, argv, run, log)
		}
	default:
		return engine.Binding{}, fmt.Errorf("%s.kind: unknown kind %q", path, ac.Kind)
	}
	return b, nil
}

// runCommand executes argv and treats a non-zero exit as a failure. A
// missing binary is not retried.
func runCommand(ctx context.Context, argv []string, run engine.Run, log logx.Logger) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(),
		"RESPIRE_ACTION="+string(run.Action),
		"RESPIRE_MODE="+run.Mode.Path(),
		"RESPIRE_RUN_ID="+run.ID,
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	fields := []logx.Field{
		logx.String("action", string(run.Action)),
		logx.String("mode", run.Mode.Path()),
		logx.String("run", run.ID),
	}
	if s := strings.TrimSpace(out.String()); s != "" {
		if len(s) > maxOutputLog {
			s = s[:maxOutputLog] + "..."
		}
		fields = append(fields, logx.String("output", s))
	}
	if err != nil {
		log.Debug("command failed", append(fields, logx.Err(err))...)
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return engine.NoRetry(fmt.Errorf("%s: %w", argv[0], err))
		}
		return fmt.Errorf("%s: %w", argv[0], err)
	}
	log.Debug("command finished", fields...)
	return nil
}
