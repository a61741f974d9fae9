package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/shardgate/internal/protocol"
)

func TestDefaultConfigIsValid(t *testing.T) {
	result := Validate(DefaultConfig())
	assert.True(t, result.IsValid(), "%v", result.Errors)
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, DefaultConfigFile))
	assert.Equal(t, DefaultListenPort, cfg.GetNetwork().Port)
	assert.Equal(t, protocol.ClientVersion{Major: 7}, cfg.GetProtocol().ClientVersion())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigFile)
	require.NoError(t, os.WriteFile(path, []byte(`{"protocol":{"default_version":"6.0.1","fault_threshold":3}}`), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	p := cfg.GetProtocol()
	assert.Equal(t, 3, p.FaultThreshold)
	assert.Equal(t, protocol.ClientVersion{Major: 6, Revision: 1}, p.ClientVersion())
	assert.Equal(t, protocol.MaxFrameSize, p.MaxFrame, "unset fields keep their defaults")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "allow_compression_with_encryption", "load re-saves the full option set")
}

func TestLoadRejectsBrokenJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte("{"), 0644))
	_, err := Load(dir)
	assert.Error(t, err)
}

func TestValidateCatchesBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Protocol.DefaultVersion = "1.2.3.4.5"
	cfg.Protocol.FaultThreshold = 0
	cfg.Protocol.MaxFrame = 2
	cfg.Shards = append(cfg.Shards, ShardConfig{Name: "Local", Address: "::1", Port: 0})
	cfg.API.Port = cfg.Network.Port

	result := Validate(cfg)
	require.False(t, result.IsValid())

	fields := map[string]bool{}
	for _, e := range result.Errors {
		fields[e.Field] = true
	}
	for _, f := range []string{
		"protocol.default_version",
		"protocol.fault_threshold",
		"protocol.max_frame",
		"shards[1].name",
		"shards[1].address",
		"shards[1].port",
		"api.port",
	} {
		assert.True(t, fields[f], "expected an error for %s", f)
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := ValidationError{Field: "network.port", Message: "bad"}
	assert.Equal(t, "config validation error [network.port]: bad", err.Error())
}

func TestSetupWizardSavesAnswers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), DefaultConfigFile)

	answers := strings.Join([]string{
		"",         // bind address
		"2600",     // login port
		"7.0.15.1", // default version
		"no",       // compression with encryption
		"Atlantic", // shard name
		"10.0.0.5", // shard address
		"2601",     // shard port
		"",         // api port
		"",         // mqtt
	}, "\n") + "\n"

	var out bytes.Buffer
	require.NoError(t, RunSetupWizard(cfg, strings.NewReader(answers), &out))

	assert.Equal(t, 2600, cfg.GetNetwork().Port)
	assert.False(t, cfg.GetProtocol().AllowCompressionWithEncryption)
	assert.Equal(t, []ShardConfig{{Name: "Atlantic", Address: "10.0.0.5", Port: 2601}}, cfg.GetShards())
	assert.FileExists(t, cfg.Path())
	assert.Contains(t, out.String(), "Configuration saved")
}

func TestSetupWizardGivesUpAtEOF(t *testing.T) {
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), DefaultConfigFile)

	err := RunSetupWizard(cfg, strings.NewReader("\n70000\n"), &bytes.Buffer{})
	assert.Error(t, err)
	assert.NoFileExists(t, cfg.Path())
}
