//go:build !windows

package cli

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/oslayer/internal/cmdline"
	"github.com/agentsh/oslayer/internal/config"
	"github.com/agentsh/oslayer/internal/process"
)

func newTestHost(t *testing.T, switches string) *host {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Crash.ReportDir = filepath.Join(dir, "crashes")
	cfg.Crash.IndexPath = filepath.Join(dir, "crashes", "index.db")
	cfg.Diagnostics.Enabled = false
	cfg.Telemetry.OTLP.Endpoint = ""
	h, err := newHost(context.Background(), cfg, "", hostOptions{
		version:      "test",
		args:         cmdline.ParseString(switches),
		hangDuration: 0,
	})
	require.NoError(t, err)
	t.Cleanup(h.Close)
	return h
}

func TestSuperviseExitCodes(t *testing.T) {
	h := newTestHost(t, "")
	ctx := context.Background()

	_, err := h.supervise(ctx, []string{"oslayer-no-such-command"}, process.Options{})
	assert.Equal(t, exitNotFound, exitCode(t, err))

	code, err := h.supervise(ctx, []string{"/bin/sh", "-c", "exit 3"}, process.Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, 3, exitCode(t, childExit(code)))

	code, err = h.supervise(ctx, []string{"/bin/sh", "-c", "exit 0"}, process.Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestHostParsesForkSwitches(t *testing.T) {
	h := newTestHost(t, `-NumForks=4 -WaitAndForkCmdLinePath="/tmp/fork dir" -WaitAndForkRequireResponse`)
	assert.True(t, h.fork.Enabled())
	assert.Equal(t, 4, h.fork.NumForks)
	assert.Equal(t, "/tmp/fork dir", h.fork.CmdLinePath)
	assert.True(t, h.fork.RequireResponse)

	assert.False(t, newTestHost(t, "-Unattended").fork.Enabled())
}
