package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadIngressFailsClosedWithoutAllowlist(t *testing.T) {
	_, err := LoadIngress(nil)
	require.Error(t, err, "expected missing PRINCIPAL_ALLOWLIST to be a config error")
}

func TestLoadIngressAppliesDefaults(t *testing.T) {
	os.Setenv("PRINCIPAL_ALLOWLIST", "alice,bob")
	defer os.Unsetenv("PRINCIPAL_ALLOWLIST")

	cfg, err := LoadIngress(nil)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 8082, cfg.WSPort)
	assert.ElementsMatch(t, []string{"alice", "bob"}, cfg.PrincipalAllowlist)
}

func TestLoadIngressFlagOverridesDefault(t *testing.T) {
	os.Setenv("PRINCIPAL_ALLOWLIST", "alice")
	defer os.Unsetenv("PRINCIPAL_ALLOWLIST")

	cfg, err := LoadIngress([]string{"--http-port=9000"})
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.HTTPPort)
}
