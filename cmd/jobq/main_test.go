package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/clue/log"

	"goa.design/jobq/job"
	"goa.design/jobq/jobq"
)

func TestSubmitStatusCancel(t *testing.T) {
	t.Setenv("JOBQ_SQLITE_PATH", filepath.Join(t.TempDir(), "jobq.db"))

	out, err := run(t, "submit", "--type", "vm", "--id", "42", "--command", "vm.start", "--params", `{"duration":"1s"}`)
	require.NoError(t, err)
	id, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	require.NoError(t, err)

	out, err = run(t, "status", strconv.FormatInt(id, 10))
	require.NoError(t, err)
	assert.Contains(t, out, "status: in_progress")
	assert.Contains(t, out, "instance: vm/42")
	assert.Contains(t, out, "command: vm.start")

	out, err = run(t, "queues")
	require.NoError(t, err)
	assert.Contains(t, out, "type: vm")
	assert.Contains(t, out, "resource: 42")
	assert.Contains(t, out, "content: async-job/"+strconv.FormatInt(id, 10))

	out, err = run(t, "queues", "--blocked")
	require.NoError(t, err)
	assert.Equal(t, "[]\n", out)

	out, err = run(t, "cancel", strconv.FormatInt(id, 10))
	require.NoError(t, err)
	assert.Contains(t, out, "cancelled")
	_, err = run(t, "cancel", strconv.FormatInt(id, 10))
	assert.ErrorContains(t, err, "already completed")

	out, err = run(t, "status", strconv.FormatInt(id, 10))
	require.NoError(t, err)
	assert.Contains(t, out, "status: cancelled")

	out, err = run(t, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "recovered 0 items")
}

func TestCommandErrors(t *testing.T) {
	t.Setenv("JOBQ_SQLITE_PATH", filepath.Join(t.TempDir(), "jobq.db"))

	_, err := run(t, "status", "abc")
	assert.ErrorContains(t, err, "invalid job ID")
	_, err = run(t, "status", "12345")
	assert.ErrorIs(t, err, job.ErrNotFound)
	_, err = run(t, "submit", "--type", "vm")
	assert.ErrorContains(t, err, "command")
	_, err = run(t, "--backend", "mysql", "queues")
	assert.ErrorContains(t, err, "unknown backend")
}

func TestDemoHandlers(t *testing.T) {
	ctx := context.Background()
	logger := jobq.NoopLogger()

	res, err := vmHandler(logger, "running", time.Hour).Handle(ctx, &job.Job{ID: 1, InstanceID: 7, Params: []byte(`{"duration":"1ms"}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"instance":7,"state":"running"}`, string(res))

	_, err = vmHandler(logger, "running", time.Hour).Handle(ctx, &job.Job{Params: []byte(`{"duration":"soon"}`)})
	assert.ErrorContains(t, err, "invalid duration")
	_, err = sleepHandler(ctx, &job.Job{Params: []byte(`not json`)})
	assert.ErrorContains(t, err, "invalid params")

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = sleepHandler(cctx, &job.Job{})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = failHandler(ctx, &job.Job{})
	assert.EqualError(t, err, "requested failure")
	_, err = failHandler(ctx, &job.Job{Params: []byte(`{"message":"quota exceeded"}`)})
	assert.EqualError(t, err, "quota exceeded")
}

// run executes the command line with the SQLite backend and returns its
// standard output.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(append([]string{"--backend", "sqlite"}, args...))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.ExecuteContext(log.Context(context.Background()))
	return stdout.String(), err
}
