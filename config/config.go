// Package config loads process configuration from the environment.
// Every knob is a CVEHUB_-prefixed variable with a sensible default;
// only the database URL and the signing secret are mandatory.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cvelab/cvehub/auth"
	"github.com/cvelab/cvehub/crawler/emergingthreats"
	"github.com/cvelab/cvehub/crawler/metasploit"
	"github.com/cvelab/cvehub/crawler/nuclei"
	"github.com/cvelab/cvehub/sched"
)

// Config is the full process configuration.
type Config struct {
	// DatabaseURL is a pgx connection string.
	DatabaseURL string `mapstructure:"database_url"`
	// RedisURL is a redis URL; empty disables the cache.
	RedisURL string `mapstructure:"redis_url"`
	// SecretKey signs access tokens.
	SecretKey string `mapstructure:"secret_key"`

	// Token lifetimes, in the units the variable names carry.
	AccessTokenExpireMinutes int `mapstructure:"access_token_expire_minutes"`
	RefreshTokenExpireDays   int `mapstructure:"refresh_token_expire_days"`

	ListenAddr  string   `mapstructure:"listen_addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	LogLevel    string   `mapstructure:"log_level"`

	// WebSocket keepalive and per-connection queue depth.
	WSPingInterval time.Duration `mapstructure:"ws_ping_interval"`
	WSPongTimeout  time.Duration `mapstructure:"ws_pong_timeout"`
	WSSendBuffer   int           `mapstructure:"ws_send_buffer"`
	// Timezone is where cron specs evaluate; storage stays UTC.
	Timezone string `mapstructure:"timezone"`
	Migrate  bool   `mapstructure:"migrate"`

	// DataDir holds crawler working copies and spool files.
	DataDir string `mapstructure:"data_dir"`

	NucleiRepo         string `mapstructure:"nuclei_repo"`
	NucleiBranch       string `mapstructure:"nuclei_branch"`
	MetasploitRepo     string `mapstructure:"metasploit_repo"`
	EmergingThreatsURL string `mapstructure:"emerging_threats_url"`

	NucleiSpec          string `mapstructure:"nuclei_spec"`
	MetasploitSpec      string `mapstructure:"metasploit_spec"`
	EmergingThreatsSpec string `mapstructure:"emerging_threats_spec"`

	// RetentionInterval is how often the notification retention sweep
	// runs.
	RetentionInterval time.Duration `mapstructure:"retention_interval"`
}

// Load reads the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("cvehub")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("access_token_expire_minutes", int(auth.DefaultAccessTokenTTL.Minutes()))
	v.SetDefault("refresh_token_expire_days", int(auth.DefaultRefreshTokenTTL.Hours()/24))
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("ws_ping_interval", 25*time.Second)
	v.SetDefault("ws_pong_timeout", 60*time.Second)
	v.SetDefault("ws_send_buffer", 64)
	v.SetDefault("timezone", sched.DefaultTimezone)
	v.SetDefault("migrate", true)
	v.SetDefault("data_dir", "/var/lib/cvehub")
	v.SetDefault("nuclei_repo", nuclei.DefaultRepo)
	v.SetDefault("nuclei_branch", nuclei.DefaultBranch)
	v.SetDefault("metasploit_repo", metasploit.DefaultRepo)
	v.SetDefault("emerging_threats_url", emergingthreats.DefaultURL)
	v.SetDefault("nuclei_spec", sched.SpecNuclei)
	v.SetDefault("metasploit_spec", sched.SpecMetasploit)
	v.SetDefault("emerging_threats_spec", sched.SpecEmergingThreats)
	v.SetDefault("retention_interval", 6*time.Hour)

	// Viper only binds env vars it has seen; name the mandatory and
	// defaultless ones explicitly.
	for _, key := range []string{"database_url", "redis_url", "secret_key", "cors_origins"} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if c.DatabaseURL == "" {
		return nil, fmt.Errorf("CVEHUB_DATABASE_URL is required")
	}
	if c.SecretKey == "" {
		return nil, fmt.Errorf("CVEHUB_SECRET_KEY is required")
	}
	return &c, nil
}
