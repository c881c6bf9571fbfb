package main

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/qmsg-go/internal/statusapi"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/shortname"
	"github.com/rmacdonaldsmith/qmsg-go/pkg/statusclient"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestMainCommandHelp(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	for _, sub := range []string{"netproc", "relay", "token", "name", "status"} {
		assert.Contains(t, out, sub)
	}
}

func TestVersionFlag(t *testing.T) {
	out, err := execute(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, appVersion)
}

func TestNameEncodeDecode(t *testing.T) {
	out, err := execute(t, "name", "encode", "--team", "1", "--channel", "2", "--device", "5")
	require.NoError(t, err)
	encoded := strings.TrimSpace(out)

	want, err := shortname.NewNamer(shortname.DefaultNamespace).DeviceName(1, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, want.String(), encoded)

	out, err = execute(t, "name", "decode", encoded)
	require.NoError(t, err)
	assert.Equal(t, "namespace=716d7367 team=1 kind=data channel=2 device=5\n", out)
}

func TestNameEncode_KindAndMask(t *testing.T) {
	out, err := execute(t, "name", "encode", "--team", "1", "--kind", "welcome")
	require.NoError(t, err)
	assert.Equal(t, shortname.NewNamer(shortname.DefaultNamespace).WelcomeName(1).String(), strings.TrimSpace(out))

	out, err = execute(t, "name", "encode", "--team", "1", "--channel", "2", "--device", "5", "--mask", "16")
	require.NoError(t, err)
	group, _ := shortname.NewNamer(shortname.DefaultNamespace).ChannelGroup(1, 2)
	assert.Equal(t, group.String(), strings.TrimSpace(out))
}

func TestNameEncode_Errors(t *testing.T) {
	_, err := execute(t, "name", "encode", "--device", "70000")
	var rangeErr *shortname.RangeError
	assert.ErrorAs(t, err, &rangeErr)

	_, err = execute(t, "name", "encode", "--kind", "gossip")
	assert.Error(t, err)

	_, err = execute(t, "name", "decode", "not-hex")
	assert.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	out, err := execute(t, "token", "--secret", "s3cret", "--client-id", "ops", "--admin", "--ttl", "1h")
	require.NoError(t, err)

	claims, err := statusapi.NewTokenAuthority("s3cret").Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.ClientID())
	assert.True(t, claims.Admin)
}

func TestTokenCommand_RequiresSecret(t *testing.T) {
	_, err := execute(t, "token", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

type staticQueue map[shortname.ShortName]int

func (q staticQueue) Depths() map[shortname.ShortName]int { return q }

func TestStatusHealth(t *testing.T) {
	srv, err := statusapi.NewServer(&statusapi.Config{NodeID: "node-1", ListenAddress: ":0", NoAuth: true},
		statusapi.Sources{Queue: staticQueue{{Hi: 1}: 3}}, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	out, err := execute(t, "status", "health", "--server", ts.URL)
	require.NoError(t, err)

	var health statusclient.HealthResponse
	require.NoError(t, json.Unmarshal([]byte(out), &health))
	assert.True(t, health.Healthy)
	assert.Equal(t, "node-1", health.NodeID)
	assert.Equal(t, 3, health.QueueDepth)

	_, err = execute(t, "status", "routes", "--server", ts.URL)
	assert.Error(t, err, "routes needs an admin token")
}

func TestNetproc_StopsWhenSecurityInputCloses(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "sec.in")
	out := filepath.Join(dir, "sec.out")
	require.NoError(t, os.WriteFile(in, nil, 0o600))

	done := make(chan error, 1)
	go func() {
		_, err := execute(t, "netproc",
			"--config", filepath.Join(dir, "absent.yaml"),
			"--transport", "memory",
			"--admit-team", "1",
			"--sec-in", in,
			"--sec-out", out)
		done <- err
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("netproc did not stop after its input closed")
	}
	_, err := os.Stat(out)
	assert.NoError(t, err)
}

func TestNetproc_RejectsRelayWithoutAddress(t *testing.T) {
	_, err := execute(t, "netproc",
		"--config", filepath.Join(t.TempDir(), "absent.yaml"),
		"--transport", "relay")
	assert.Error(t, err)
}
