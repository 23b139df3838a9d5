package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainharness/internal/domain"
	"chainharness/pkg/pubsub"
	"chainharness/pkg/pubsub/pubsubtest"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "harness.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// execute runs the CLI with args and returns its stdout.
func execute(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	root, a := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	a.close()
	return out.String(), err
}

func TestVersionSkipsConfig(t *testing.T) {
	out, err := execute(t, context.Background(), "version", "--config", "/does/not/exist/harness.yaml")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "harness dev (none)"), out)
}

func TestInvalidConfigFails(t *testing.T) {
	path := writeConfig(t, "subscribe:\n  separator: \"ab\"\n")
	_, err := execute(t, context.Background(), "journal", "count", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config")
}

func TestSubcommandsRegistered(t *testing.T) {
	root, _ := newRootCmd()
	for _, path := range [][]string{
		{"watch"},
		{"node", "run"},
		{"mine"},
		{"journal", "list"},
		{"journal", "count"},
		{"version"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestWatchPrintsAndJournals(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := pubsubtest.NewServer(domain.TopicNewTipHeader)
	srv.AssignIDs("0xa")
	addr, err := srv.Listen()
	require.NoError(t, err)
	defer srv.Close()

	dbPath := filepath.Join(t.TempDir(), "journal.db")
	cfgPath := writeConfig(t, "logger:\n  level: error\njournal:\n  enabled: true\n  path: "+dbPath+"\n")

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := execute(t, ctx, "watch", "--config", cfgPath, "--addr", addr, "--topic", domain.TopicNewTipHeader)
		done <- result{out, err}
	}()

	require.Eventually(t, func() bool { return len(srv.Subscriptions()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, srv.Notify("0xa", map[string]string{"number": "0x1"}))
	require.NoError(t, srv.Notify("0xa", map[string]string{"number": "0x2"}))
	require.NoError(t, srv.Notify("0xa", map[string]string{"number": "0x2"}))
	time.Sleep(100 * time.Millisecond)
	srv.Close()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		t.Fatal("watch did not return after the server closed")
	}
	require.NoError(t, res.err)
	assert.Contains(t, res.out, domain.TopicNewTipHeader+"\t{\"number\":\"0x1\"}")
	assert.Contains(t, res.out, domain.TopicNewTipHeader+"\t{\"number\":\"0x2\"}")

	out, err := execute(t, context.Background(), "journal", "count", "--config", cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "2\n", out)

	out, err = execute(t, context.Background(), "journal", "list", "--config", cfgPath, "--limit", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "RECEIVED")
	assert.Contains(t, out, "0x2")
	assert.NotContains(t, out, "0x1")
}

func TestWatchRequiresTopics(t *testing.T) {
	cfgPath := writeConfig(t, "logger:\n  level: error\nsubscribe:\n  topics: []\n")
	_, err := execute(t, context.Background(), "watch", "--config", cfgPath, "--addr", "127.0.0.1:1")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestIncomingSeparator(t *testing.T) {
	assert.Equal(t, pubsub.NoSeparator, incomingSeparator(""))
	assert.Equal(t, pubsub.NoSeparator, incomingSeparator("none"))
	assert.Equal(t, pubsub.ByteSeparator('\n'), incomingSeparator("\n"))
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "b", "c"))
	assert.Equal(t, "", firstNonEmpty("", ""))
}
