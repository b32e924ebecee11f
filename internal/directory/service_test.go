package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeConfig(t *testing.T) {
	base := func() *Config {
		return &Config{
			Host:   "ldap.example.org",
			BaseDN: "dc=example,dc=org",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
		check   func(*testing.T, *Config)
	}{
		{
			name:   "defaults applied",
			mutate: func(*Config) {},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 389, cfg.Port)
				assert.Equal(t, 30, cfg.SyncInterval)
			},
		},
		{
			name:   "tls default port",
			mutate: func(cfg *Config) { cfg.UseTLS = true },
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 636, cfg.Port)
			},
		},
		{
			name:   "explicit port kept",
			mutate: func(cfg *Config) { cfg.Port = 10389 },
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 10389, cfg.Port)
			},
		},
		{
			name:    "missing host",
			mutate:  func(cfg *Config) { cfg.Host = "" },
			wantErr: "host is required",
		},
		{
			name:    "missing base dn",
			mutate:  func(cfg *Config) { cfg.BaseDN = "" },
			wantErr: "base_dn is required",
		},
		{
			name:    "port out of range",
			mutate:  func(cfg *Config) { cfg.Port = 70000 },
			wantErr: "out of range",
		},
		{
			name:    "interval below floor",
			mutate:  func(cfg *Config) { cfg.SyncInterval = 15 },
			wantErr: ErrIntervalBelowFloor.Error(),
		},
		{
			name:   "interval at floor",
			mutate: func(cfg *Config) { cfg.SyncInterval = 30 },
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 30, cfg.SyncInterval)
			},
		},
		{
			name:    "negative page size",
			mutate:  func(cfg *Config) { cfg.PageSize = -1 },
			wantErr: "page_size cannot be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := normalizeConfig(cfg)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestConfigRedacted(t *testing.T) {
	cfg := testConfig()
	cfg.BindPassword = "hunter2"

	red := cfg.Redacted()
	assert.Empty(t, red.BindPassword)
	assert.Equal(t, cfg.Host, red.Host)
	assert.Equal(t, "hunter2", cfg.BindPassword, "the original keeps its secret")
}

func TestConfigAddress(t *testing.T) {
	cfg := &Config{Host: "ldap.example.org", Port: 636}
	assert.Equal(t, "ldap.example.org:636", cfg.Address())

	cfg = &Config{Host: "2001:db8::10", Port: 389}
	assert.Equal(t, "[2001:db8::10]:389", cfg.Address())
}

func TestConfigEffectivePageSize(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, uint32(DefaultPageSize), cfg.EffectivePageSize())

	cfg.PageSize = 100
	assert.Equal(t, uint32(100), cfg.EffectivePageSize())
}
