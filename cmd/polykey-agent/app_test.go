package main

import (
	"context"
	"testing"
	"time"

	"github.com/WebFirstLanguage/polykey/pkg/agent"
	"github.com/WebFirstLanguage/polykey/pkg/control"
	"github.com/WebFirstLanguage/polykey/pkg/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

func testOptions(t *testing.T) (*options, *identity.Identity) {
	t.Helper()
	id, err := identity.GenerateIdentity()
	require.NoError(t, err)

	opts := defaultOptions()
	opts.Host = "127.0.0.1"
	opts.Port = 0
	opts.Transport = "tcp"
	opts.ControlAddr = "127.0.0.1:0"
	opts.MetricsAddr = ""
	opts.Log.Level = "error"
	return opts, id
}

func TestAppGraph(t *testing.T) {
	opts, id := testOptions(t)
	require.NoError(t, fx.ValidateApp(appOptions(opts, id)))
}

func TestAppLifecycle(t *testing.T) {
	opts, id := testOptions(t)
	opts.ControlAddr = ""

	var a *agent.Agent
	app := fxtest.New(t, appOptions(opts, id), fx.Populate(&a))
	app.RequireStart()
	assert.Equal(t, agent.StateRunning, a.State())
	assert.Equal(t, id.NodeID(), a.NodeID())

	app.RequireStop()
	assert.Equal(t, agent.StateStopped, a.State())
}

func TestStatusAgainstRunningAgent(t *testing.T) {
	opts, id := testOptions(t)
	opts.ControlAddr = "127.0.0.1:18315"

	app := fxtest.New(t, appOptions(opts, id))
	app.RequireStart()
	defer app.RequireStop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := control.Dial(ctx, opts.ControlAddr)
	require.NoError(t, err)
	defer client.Close()

	var info map[string]interface{}
	require.NoError(t, client.Call(ctx, "GetInfo", nil, &info))
	assert.Equal(t, id.NodeID().Encode(), info["nodeId"])

	assert.NoError(t, statusCommand([]string{"--control", opts.ControlAddr}))
}

func TestKeygenWritesIdentity(t *testing.T) {
	path := t.TempDir() + "/keys/identity.json"
	require.NoError(t, keygenCommand([]string{"--identity", path, "--force"}))

	id, err := identity.LoadFromFile(path)
	require.NoError(t, err)

	again, err := loadOrCreateIdentity(path)
	require.NoError(t, err)
	assert.Equal(t, id.NodeID(), again.NodeID())
}
