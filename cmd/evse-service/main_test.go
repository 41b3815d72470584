package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfigCommandPrintsEffectiveConfig(t *testing.T) {
	t.Setenv("EVSE_UID", "bay-7")

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "--env-file=does-not-exist.env", "--heartbeat=2s", "--mqtt.password=secret"})
	require.NoError(t, cmd.Execute())

	var got map[string]any
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, "bay-7", got["uid"])
	assert.Equal(t, "2s", got["heartbeat"])
	assert.NotContains(t, out.String(), "secret")
}

func TestVersionFlag(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "evse-service dev\n", out.String())
}
