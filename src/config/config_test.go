package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
dataplane:
  mode: xdp
  interface: eth0
source:
  kind: maxmind
  license_key: secret
  asn_edition: GeoLite2-ASN
  refresh_interval: 12h
policy:
  default: allow
  countries:
    US: allow
    CN: drop
  asns:
    "64500": drop
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "geofw.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfig), nil)
	require.NoError(t, err)

	assert.Equal(t, ModeXDP, cfg.Dataplane.Mode)
	assert.Equal(t, "eth0", cfg.Dataplane.Interface)
	assert.Equal(t, 2, cfg.Dataplane.Slots)
	assert.Equal(t, 12*time.Hour, cfg.Source.RefreshInterval)
	assert.Equal(t, "GeoLite2-Country", cfg.Source.CountryEdition)
	assert.True(t, cfg.Source.Verify)
	assert.True(t, cfg.HasASNSource())

	// keys are case insensitive
	assert.Equal(t, "drop", cfg.Policy.Countries["cn"])
	assert.Equal(t, "drop", cfg.Policy.ASNs["64500"])
}

func TestLoadEnvAndFlags(t *testing.T) {
	t.Setenv("GEOFW_DATAPLANE_INTERFACE", "eth1")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("mode", "", "")
	require.NoError(t, flags.Parse([]string{"--mode", "memory"}))

	cfg, err := Load(writeConfig(t, testConfig), map[string]*pflag.Flag{
		"dataplane.mode": flags.Lookup("mode"),
	})
	require.NoError(t, err)

	assert.Equal(t, "eth1", cfg.Dataplane.Interface)
	assert.Equal(t, ModeMemory, cfg.Dataplane.Mode)
}

func TestValidate(t *testing.T) {
	_, err := Load(writeConfig(t, `
dataplane:
  mode: xdp
source:
  kind: maxmind
policy:
  default: sometimes
  asns:
    "64500": drop
`), nil)
	require.Error(t, err)

	assert.Contains(t, err.Error(), "dataplane.interface")
	assert.Contains(t, err.Error(), "license_key")
	assert.Contains(t, err.Error(), "policy.default")
	assert.Contains(t, err.Error(), "asn database")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}
