package main

import (
	"bytes"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricochet1k/leostream/internal/config"
	"github.com/ricochet1k/leostream/internal/devserver"
	"github.com/ricochet1k/leostream/pkg/stream"
)

func startDevServer(t *testing.T) *httptest.Server {
	t.Helper()
	dev := devserver.New(devserver.Options{Generator: devserver.ScriptedGenerator{}, SubscribeWait: 2 * time.Second})
	ts := httptest.NewServer(dev.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(dev.Close)
	return ts
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("generation:\n  settle_delay: 10ms\nlog:\n  level: error\n"), 0o644))

	var out, errOut bytes.Buffer
	root := newRootCmd(&out, &errOut)
	root.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestGenerateWritesArtifact(t *testing.T) {
	ts := startDevServer(t)
	target := filepath.Join(t.TempDir(), "src", "main.leo")

	out, err := runCLI(t, "--base-url", ts.URL, "generate", "--name", "counter", "--out", target)
	require.NoError(t, err, out)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, devserver.LeoProgram("counter"), string(got))
	assert.Contains(t, out, "PROJECT_COMPLETE")
	assert.Contains(t, out, "BUILD_SUCCESS")
	assert.Contains(t, out, "program counter.aleo {")
	assert.Contains(t, out, "phase: complete")
}

func TestGenerateQuietOverSockJS(t *testing.T) {
	ts := startDevServer(t)

	out, err := runCLI(t, "--base-url", ts.URL, "--sockjs", "generate", "-n", "vault", "-q")
	require.NoError(t, err, out)
	assert.NotContains(t, out, "program vault.aleo")
	assert.Contains(t, out, "PROJECT_COMPLETE")
}

func TestGenerateRequiresName(t *testing.T) {
	_, err := runCLI(t, "generate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"name"`)
}

func TestInfoCommands(t *testing.T) {
	ts := startDevServer(t)

	out, err := runCLI(t, "--base-url", ts.URL, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "UP")

	out, err = runCLI(t, "--base-url", ts.URL, "connections")
	require.NoError(t, err)
	assert.Contains(t, out, "active connections: 0")

	out, err = runCLI(t, "--base-url", ts.URL, "status", "gen-1")
	require.NoError(t, err)
	assert.Contains(t, out, "inactive")

	out, err = runCLI(t, "--base-url", ts.URL, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "active connections: 0")
}

func TestInvalidBaseURL(t *testing.T) {
	_, err := runCLI(t, "--base-url", "ftp://example.com", "health")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheme")
}

func TestRenderEvent(t *testing.T) {
	ev := stream.NewEvent(stream.EventTypeFixingStarted, "gen-1", "Starting auto-correction", "")
	ev.Attempt = stream.IntPtr(1)
	ev.MaxAttempts = stream.IntPtr(3)

	line := renderEvent(ev)
	assert.Contains(t, line, "FIXING_STARTED")
	assert.Contains(t, line, "Starting auto-correction")
	assert.Contains(t, line, "(attempt 1/3)")

	failed := renderEvent(stream.NewEvent(stream.EventTypeBuildFailed, "gen-1", "Leo build failed", "line one\nline two\n"))
	assert.Equal(t, 3, strings.Count(failed, "\n")+1)
	assert.Contains(t, failed, "line two")
}

func TestRenderStatus(t *testing.T) {
	assert.Contains(t, renderStatus(stream.ConnectionStatus{Connected: true}), "connected")
	assert.Contains(t, renderStatus(stream.ConnectionStatus{Error: "max reconnection attempts reached"}), "max reconnection attempts reached")
}

func TestBuildGenerator(t *testing.T) {
	dc := config.Default().DevServer

	gen, err := buildGenerator(dc, &cli{})
	require.NoError(t, err)
	assert.IsType(t, devserver.ScriptedGenerator{}, gen)

	dc.Generator = config.GeneratorOpenAI
	_, err = buildGenerator(dc, &cli{})
	assert.ErrorContains(t, err, "OPENAI_API_KEY")

	dc.Generator = "markov"
	_, err = buildGenerator(dc, &cli{})
	assert.Error(t, err)
}
