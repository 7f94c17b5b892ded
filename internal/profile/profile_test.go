package profile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnvVars(t *testing.T) {
	for _, key := range []string{
		"SYNTHR_SECRET",
		"SYNTHR_ACCESS_TOKEN_TTL",
		"SYNTHR_CACHE_DISABLED",
		"SYNTHR_REDIS_URL",
		"SYNTHR_CACHE_L1_TTL",
		"SYNTHR_CACHE_MAX_ITEMS",
		"SYNTHR_RPC_URL",
		"SYNTHR_CHAIN_ID",
		"SYNTHR_CHAIN_SYNC_INTERVAL",
		"SYNTHR_PINATA_API_KEY",
		"SYNTHR_PINATA_SECRET_KEY",
		"SYNTHR_PINATA_GATEWAY_URL",
		"SYNTHR_TRAINER_URL",
		"SYNTHR_MAX_CONCURRENT_TRAININGS",
	} {
		t.Setenv(key, "")
	}
}

func TestProfileDefaults(t *testing.T) {
	clearEnvVars(t)

	profile := &Profile{}
	profile.FromEnv()

	assert.Equal(t, 8*24*time.Hour, profile.AccessTokenTTL)
	assert.False(t, profile.CacheDisabled)
	assert.Equal(t, 30*time.Second, profile.CacheL1TTL)
	assert.Equal(t, 10000, profile.CacheMaxItems)
	assert.Equal(t, int64(11155111), profile.ChainID)
	assert.Equal(t, "https://gateway.pinata.cloud/ipfs", profile.PinataGatewayURL)
	assert.Equal(t, int64(2), profile.MaxConcurrentTrains)
	assert.False(t, profile.IsChainEnabled())
	assert.False(t, profile.IsIPFSEnabled())
}

func TestProfileFromEnv(t *testing.T) {
	clearEnvVars(t)

	tests := []struct {
		name     string
		envVar   string
		envValue string
		check    func(t *testing.T, p *Profile)
	}{
		{
			name:     "redis url",
			envVar:   "SYNTHR_REDIS_URL",
			envValue: "redis://localhost:6379/1",
			check: func(t *testing.T, p *Profile) {
				assert.Equal(t, "redis://localhost:6379/1", p.RedisURL)
			},
		},
		{
			name:     "token ttl",
			envVar:   "SYNTHR_ACCESS_TOKEN_TTL",
			envValue: "2h",
			check: func(t *testing.T, p *Profile) {
				assert.Equal(t, 2*time.Hour, p.AccessTokenTTL)
			},
		},
		{
			name:     "invalid token ttl falls back",
			envVar:   "SYNTHR_ACCESS_TOKEN_TTL",
			envValue: "forever",
			check: func(t *testing.T, p *Profile) {
				assert.Equal(t, 8*24*time.Hour, p.AccessTokenTTL)
			},
		},
		{
			name:     "cache disabled",
			envVar:   "SYNTHR_CACHE_DISABLED",
			envValue: "true",
			check: func(t *testing.T, p *Profile) {
				assert.True(t, p.CacheDisabled)
			},
		},
		{
			name:     "chain id",
			envVar:   "SYNTHR_CHAIN_ID",
			envValue: "1",
			check: func(t *testing.T, p *Profile) {
				assert.Equal(t, int64(1), p.ChainID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.envVar, tt.envValue)
			p := &Profile{}
			p.FromEnv()
			tt.check(t, p)
		})
	}
}

func TestProfileFlagsWinOverEnv(t *testing.T) {
	clearEnvVars(t)
	t.Setenv("SYNTHR_SECRET", "from-env")

	p := &Profile{Secret: "from-flag"}
	p.FromEnv()
	assert.Equal(t, "from-flag", p.Secret)
}

func TestProfileValidate(t *testing.T) {
	t.Run("sqlite dsn defaults into data dir", func(t *testing.T) {
		dir := t.TempDir()
		p := &Profile{Mode: "dev", Driver: "sqlite", Data: dir}
		require.NoError(t, p.Validate())
		assert.Contains(t, p.DSN, "synthr_dev.db")
	})

	t.Run("unknown mode becomes demo", func(t *testing.T) {
		p := &Profile{Mode: "staging", Driver: "sqlite", Data: t.TempDir()}
		require.NoError(t, p.Validate())
		assert.Equal(t, "demo", p.Mode)
	})

	t.Run("prod requires secret", func(t *testing.T) {
		p := &Profile{Mode: "prod", Driver: "postgres", DSN: "postgres://x", Data: t.TempDir()}
		assert.Error(t, p.Validate())
	})

	t.Run("postgres requires dsn", func(t *testing.T) {
		p := &Profile{Mode: "dev", Driver: "postgres"}
		assert.Error(t, p.Validate())
	})

	t.Run("chain requires contract address", func(t *testing.T) {
		p := &Profile{Mode: "dev", Driver: "sqlite", Data: t.TempDir(), RPCURL: "http://localhost:8545"}
		assert.Error(t, p.Validate())
		p.ContractAddress = "0xnothex"
		assert.Error(t, p.Validate())
		p.ContractAddress = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
		assert.NoError(t, p.Validate())
	})
}
