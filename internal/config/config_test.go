package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dialbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
public_base_url: https://bridge.example.com
database:
  dsn: postgres://localhost/dialbridge
crm:
  client_id: abc
  client_secret: shh
dialer:
  api_base_url: https://dialer.example.com/rest/1
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "hubspot", cfg.CRM.Name)
	assert.Equal(t, 20*time.Second, cfg.CRM.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.CRM.ExpiryMargin)
	assert.Equal(t, time.Hour, cfg.CRM.PropertyTTL)
	assert.Equal(t, 500, cfg.Dialer.ListMaxItems)
	assert.Equal(t, 300*time.Second, cfg.Session.CodeTTL)
	assert.Equal(t, time.Second, cfg.Live.PollInterval)
	assert.Equal(t, 20*time.Second, cfg.Live.KeepaliveInterval)
	assert.Equal(t, 180*time.Second, cfg.Live.PresenceWindow)
	assert.True(t, cfg.Webhooks.CountUnmatched)
	assert.NoError(t, cfg.Validate())
}

func TestLoadExplicitFalseCountUnmatched(t *testing.T) {
	path := writeConfig(t, `
webhooks:
  count_unmatched: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Webhooks.CountUnmatched)
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv("DIALBRIDGE_CRM_CLIENT_SECRET", "from-env")
	t.Setenv("DIALBRIDGE_DB_DSN", "postgres://env/db")

	path := writeConfig(t, `
crm:
  client_secret: from-file
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.CRM.ClientSecret)
	assert.Equal(t, "postgres://env/db", cfg.Database.DSN)
}

func TestValidateListsMissingFields(t *testing.T) {
	cfg := Default()

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMisconfigured))
	assert.Contains(t, err.Error(), "public_base_url")
	assert.Contains(t, err.Error(), "crm.client_id")
	assert.Contains(t, err.Error(), "database.dsn")
}

func TestValidateSessionBackend(t *testing.T) {
	cfg := Default()
	cfg.PublicBaseURL = "https://bridge.example.com"
	cfg.Database.DSN = "postgres://localhost/dialbridge"
	cfg.CRM.ClientID = "id"
	cfg.CRM.ClientSecret = "secret"
	cfg.Dialer.APIBaseURL = "https://dialer.example.com"

	cfg.Session.Backend = "memory"
	assert.NoError(t, cfg.Validate())

	cfg.Session.Backend = "redis"
	assert.ErrorIs(t, cfg.Validate(), ErrMisconfigured)
}

func TestStatsLocationFallsBackToUTC(t *testing.T) {
	cfg := Default()
	cfg.Webhooks.StatsTimezone = "Not/AZone"
	assert.Equal(t, time.UTC, cfg.StatsLocation())
}
