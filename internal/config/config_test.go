package config

import (
	"strings"
	"testing"
)

const testMasterKey = "0123456789abcdef0123456789abcdef"

func validConfig() Config {
	cfg := Config{
		HTTP:     HTTPConfig{Port: 8080},
		Database: DatabaseConfig{Host: "localhost", Name: "mindshop", User: "mindshop"},
		Security: SecurityConfig{MasterKey: testMasterKey},
		Auth: AuthConfig{APIKeys: []APIKeyConfig{
			{Key: "k1", MerchantID: "acme-shop", Role: "merchant"},
			{Key: "k2", MerchantID: "system", Role: "system"},
		}},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestValidate_Valid(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.HTTP.Port = 0 }, "http.port"},
		{"missing database", func(c *Config) { c.Database.Host = "" }, "database.dsn or database.host"},
		{"idle over open", func(c *Config) { c.Database.MaxIdleConns = 50 }, "max_idle_conns"},
		{"unknown cache driver", func(c *Config) { c.Cache.Driver = "valkey" }, "cache.driver"},
		{"redis without addrs", func(c *Config) { c.Cache.Driver = CacheDriverRedis }, "cache.addrs"},
		{"short master key", func(c *Config) { c.Security.MasterKey = "short" }, "security.master_key"},
		{"empty api key", func(c *Config) { c.Auth.APIKeys[0].Key = "" }, "auth.api_keys[0].key"},
		{"duplicate api key", func(c *Config) { c.Auth.APIKeys[1].Key = "k1" }, "duplicates"},
		{"bad merchant id", func(c *Config) { c.Auth.APIKeys[0].MerchantID = "a!" }, "auth.api_keys[0]"},
		{"unknown role", func(c *Config) { c.Auth.APIKeys[0].Role = "owner" }, "auth.api_keys[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()

	if cfg.HTTP.ReadTimeoutSec != 10 || cfg.HTTP.WriteTimeoutSec != 30 || cfg.HTTP.ShutdownSec != 10 {
		t.Errorf("unexpected http defaults: %+v", cfg.HTTP)
	}
	if cfg.Database.Port != 5432 || cfg.Database.MaxOpenConns != 20 || cfg.Database.MaxIdleConns != 5 {
		t.Errorf("unexpected database defaults: %+v", cfg.Database)
	}
	if cfg.Database.IdleTimeoutSec != 30 || cfg.Database.ConnectTimeoutSec != 2 {
		t.Errorf("unexpected database timeouts: %+v", cfg.Database)
	}
	if cfg.Database.StatsRefreshSec != 300 {
		t.Errorf("stats refresh = %d, want 300", cfg.Database.StatsRefreshSec)
	}
	if cfg.Cache.Driver != CacheDriverMemory || cfg.Cache.KeyPrefix != "mindshop:" {
		t.Errorf("unexpected cache defaults: %+v", cfg.Cache)
	}
	if cfg.Cache.DocumentTTLSec != 3600 || cfg.Cache.StaleTTLSec != 300 || cfg.Cache.GracePeriodSec != 1500 {
		t.Errorf("unexpected cache ttls: %+v", cfg.Cache)
	}
	if len(cfg.Security.SensitiveFields) != 5 || cfg.Security.TenantTables[0] != "documents" {
		t.Errorf("unexpected security defaults: %+v", cfg.Security)
	}
	if cfg.Audit.MaxEntries != 1000 || cfg.Audit.MaxAgeSec != 86400 {
		t.Errorf("unexpected audit defaults: %+v", cfg.Audit)
	}
	if cfg.Workers.SearchCapacity != 16 || cfg.Workers.RevalidateCapacity != 4 {
		t.Errorf("unexpected worker defaults: %+v", cfg.Workers)
	}
	if cfg.Embedding.Enabled() {
		t.Error("embedding must be disabled without an api key")
	}
}

func TestApplyDefaults_NoOverride(t *testing.T) {
	cfg := Config{
		HTTP:     HTTPConfig{ReadTimeoutSec: 30, WriteTimeoutSec: 60, ShutdownSec: 5},
		Database: DatabaseConfig{StatsRefreshSec: -1},
		Cache:    CacheConfig{Driver: CacheDriverRedis, KeyPrefix: "custom:", StaleTTLSec: 60},
		Workers:  WorkersConfig{SearchCapacity: 2},
	}
	cfg.ApplyDefaults()

	if cfg.HTTP.ReadTimeoutSec != 30 || cfg.HTTP.WriteTimeoutSec != 60 || cfg.HTTP.ShutdownSec != 5 {
		t.Errorf("http overridden: %+v", cfg.HTTP)
	}
	if cfg.Cache.Driver != CacheDriverRedis || cfg.Cache.KeyPrefix != "custom:" || cfg.Cache.StaleTTLSec != 60 {
		t.Errorf("cache overridden: %+v", cfg.Cache)
	}
	if cfg.Database.StatsRefreshSec != -1 {
		t.Errorf("disabled stats refresh overridden: %d", cfg.Database.StatsRefreshSec)
	}
	if cfg.Workers.SearchCapacity != 2 {
		t.Errorf("workers overridden: %+v", cfg.Workers)
	}
}

func TestConnString(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Password = "pw"
	got := cfg.Database.ConnString()
	want := "host=localhost port=5432 dbname=mindshop user=mindshop password=pw sslmode=disable connect_timeout=2"
	if got != want {
		t.Errorf("ConnString = %q, want %q", got, want)
	}

	cfg.Database.DSN = "postgres://u@h/db"
	if cfg.Database.ConnString() != "postgres://u@h/db" {
		t.Error("DSN must override individual fields")
	}
}

func TestParse_ExpandsEnv(t *testing.T) {
	t.Setenv("MINDSHOP_TEST_PORT", "9090")
	t.Setenv("MINDSHOP_TEST_KEY", testMasterKey)

	cfg, err := Parse([]byte(`
http:
  port: ${MINDSHOP_TEST_PORT}
database:
  host: ${MINDSHOP_TEST_DB_HOST:-db.internal}
security:
  master_key: ${MINDSHOP_TEST_KEY}
auth:
  api_keys:
    - key: k1
      merchant_id: acme-shop
      role: merchant
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.HTTP.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.HTTP.Port)
	}
	if cfg.Database.Host != "db.internal" {
		t.Errorf("host = %q, want default", cfg.Database.Host)
	}
	tc, err := cfg.Auth.APIKeys[0].Tenant()
	if err != nil || tc.MerchantID() != "acme-shop" {
		t.Errorf("Tenant() = %v, %v", tc, err)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("MINDSHOP_SET", "value")
	got := string(expandEnvVars([]byte("a=${MINDSHOP_SET} b=${MINDSHOP_UNSET:-fallback} c=${MINDSHOP_UNSET}")))
	if got != "a=value b=fallback c=" {
		t.Errorf("expandEnvVars = %q", got)
	}
}
