package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, ":9090", cfg.GRPC.Addr)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 8*time.Hour, cfg.Session.DefaultTimeout)
	assert.Equal(t, "@every 1m", cfg.Session.SweepSchedule)
	assert.Equal(t, 16, cfg.Auth.MaxRoleDepth)
	assert.Empty(t, cfg.Database.DSN)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.token_secret")
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("GATEKEEP_AUTH_TOKEN_SECRET", "s3cret")
	t.Setenv("GATEKEEP_CACHE_TTL", "30s")
	t.Setenv("GATEKEEP_SESSION_MAX_CONCURRENT", "2")
	t.Setenv("GATEKEEP_AUTH_SUPER_ADMINS", "root,ops")
	t.Setenv("GATEKEEP_HTTP_RATE_LIMIT_BURST", "50")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Auth.TokenSecret)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 2, cfg.Session.MaxConcurrent)
	assert.Equal(t, []string{"root", "ops"}, cfg.Auth.SuperAdmins)
	assert.Equal(t, 50, cfg.HTTP.RateLimit.Burst)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gatekeep.yaml")
	content := `
auth:
  token_secret: from-file
  super_admins: [root]
http:
  trusted_proxies: ["172.16.0.0/12"]
risk:
  trusted_cidrs: ["10.0.0.0/8", "192.0.2.10"]
  business_hours:
    start: 22
    end: 6
    timezone: Europe/Berlin
mfa:
  encryption_key: 000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	key, err := cfg.MFA.Key()
	require.NoError(t, err)
	assert.Len(t, key, 32)

	policy, err := cfg.Risk.Policy()
	require.NoError(t, err)
	require.Len(t, policy.TrustedNets, 2)
	assert.Equal(t, netip.MustParsePrefix("192.0.2.10/32"), policy.TrustedNets[1])
	assert.Equal(t, "Europe/Berlin", policy.BusinessHours.Location.String())
	assert.NotEmpty(t, policy.SuspiciousAgents)

	proxies, err := cfg.HTTP.Proxies()
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("172.16.0.0/12")}, proxies)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Auth.TokenSecret = "x"

	cases := map[string]func(*Config){
		"mfa key":     func(c *Config) { c.MFA.EncryptionKey = "abcd" },
		"cidr":        func(c *Config) { c.Risk.AnonymizerCIDRs = []string{"not-a-cidr"} },
		"proxies":     func(c *Config) { c.HTTP.TrustedProxies = []string{"proxy.local"} },
		"hours":       func(c *Config) { c.Risk.BusinessHours.Start = 25 },
		"timezone":    func(c *Config) { c.Risk.BusinessHours.Timezone = "Mars/Olympus" },
		"ttl":         func(c *Config) { c.Cache.TTL = 0 },
		"role depth":  func(c *Config) { c.Auth.MaxRoleDepth = 0 },
		"concurrency": func(c *Config) { c.Session.MaxConcurrent = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := *cfg
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
