package devserver

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 45*time.Second, cfg.CallDuration())
	assert.Equal(t, 75*time.Second, cfg.ChoiceDeadline())
	assert.Equal(t, 1, cfg.JoinCost)
}

func TestYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9090\ncall_duration_seconds: 30\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.CallDuration())
	assert.Equal(t, "localhost:6379", cfg.RedisAddr, "untouched keys keep defaults")
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("redis_addr: from-yaml:6379\n"), 0o644))
	t.Setenv("REDIS_ADDR", "from-env:6379")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env:6379", cfg.RedisAddr)
}

func TestMissingConfigFileErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestAnonIDStableAndOpaque(t *testing.T) {
	a := anonID("user-1")
	assert.Equal(t, a, anonID("user-1"))
	assert.NotEqual(t, a, anonID("user-2"))
	assert.NotContains(t, a, "user-1")
}

func TestOfferForHidesPartnerIdentity(t *testing.T) {
	sess := Session{ID: "s1", Region: "au", UserA: "ua", UserB: "ub"}
	offer := offerFor(sess, "ub", "2026-01-01T00:00:00Z")
	assert.Equal(t, "s1", offer.SessionID)
	assert.Equal(t, "session-s1", offer.MediaChannel)
	assert.Equal(t, anonID("ub"), offer.PartnerAnonymousID)
	assert.NotEmpty(t, offer.ChannelToken)
}

func TestPackSizes(t *testing.T) {
	assert.Equal(t, 5, packSize("pack_small"))
	assert.Equal(t, 5, packSize(""))
	assert.Equal(t, 10, packSize("pack_medium"))
	assert.Equal(t, 25, packSize("pack_large"))
}
