package app

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"respire/internal/config"
	"respire/internal/task/engine"
	logx "respire/pkg/logx"
	"respire/pkg/respire"
)

func testRun(action string) engine.Run {
	m := respire.NewMode("sensor").Action(respire.Action(action)).MustBuild()
	return engine.Run{ID: "run-1", Action: respire.Action(action), Mode: m}
}

func TestActionBindingKinds(t *testing.T) {
	ctx := context.Background()

	b, err := actionBinding("idle", config.ActionConfig{Kind: "noop"}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, b.Fn(ctx, testRun("idle")))

	b, err = actionBinding("note", config.ActionConfig{Kind: "LOG", Message: "hi", Timeout: "2s", RetryMax: 1}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, b.Fn(ctx, testRun("note")))
	assert.Equal(t, 2*time.Second, b.Timeout)
	assert.Equal(t, 1, b.Opt.RetryMax)

	_, err = actionBinding("x", config.ActionConfig{Kind: "command"}, logx.Nop())
	require.Error(t, err)
	_, err = actionBinding("x", config.ActionConfig{Kind: "webhook"}, logx.Nop())
	require.Error(t, err)
	_, err = actionBinding("x", config.ActionConfig{Kind: "noop", Timeout: "later"}, logx.Nop())
	require.Error(t, err)
}

func TestActionBindingOverlap(t *testing.T) {
	b, err := actionBinding("upload", config.ActionConfig{Kind: "noop"}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, engine.OverlapAllow, b.Opt.Overlap)

	b, err = actionBinding("upload", config.ActionConfig{Kind: "noop", Overlap: "Skip"}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, engine.OverlapSkipIfRunning, b.Opt.Overlap)

	_, err = actionBinding("upload", config.ActionConfig{Kind: "noop", Overlap: "queue"}, logx.Nop())
	assert.ErrorContains(t, err, "actions.upload.overlap")
}

func TestCommandAction(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	ctx := context.Background()

	ok, err := actionBinding("read", config.ActionConfig{
		Kind:    "command",
		Command: []string{"sh", "-c", `test "$RESPIRE_MODE" = sensor && test "$RESPIRE_RUN_ID" = run-1`},
	}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, ok.Fn(ctx, testRun("read")))

	fail, err := actionBinding("read", config.ActionConfig{Kind: "command", Command: []string{"sh", "-c", "echo broken; exit 3"}}, logx.Nop())
	require.NoError(t, err)
	err = fail.Fn(ctx, testRun("read"))
	require.Error(t, err)
	assert.False(t, engine.IsNoRetry(err), "a failing command may be retried")

	missing, err := actionBinding("read", config.ActionConfig{Kind: "command", Command: []string{"/nonexistent/respire-missing"}}, logx.Nop())
	require.NoError(t, err)
	err = missing.Fn(ctx, testRun("read"))
	require.Error(t, err)
	assert.True(t, engine.IsNoRetry(err), "a missing binary is permanent")
}

func TestCommandActionHonorsContext(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	b, err := actionBinding("slow", config.ActionConfig{Kind: "command", Command: []string{"sleep", "5"}}, logx.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	require.Error(t, b.Fn(ctx, testRun("slow")))
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestBindActionsIncludesImplicit(t *testing.T) {
	d := engine.NewDispatcher[*AppState](engine.New(engine.Config{}, logx.Nop(), nil), logx.Nop(), nil)
	err := bindActions(d, map[string]config.ActionConfig{"note": {Kind: "log"}}, logx.Nop())
	require.NoError(t, err)
	assert.True(t, d.Bound("note"))
	assert.True(t, d.Bound("noop"))
	assert.False(t, d.Bound("upload"))
}
