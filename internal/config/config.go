// Package config loads the driver's environment-variable configuration,
// mirroring the env vars named in the bridge specification's external
// interfaces section (HOST, PORT, PUBLISHER_GROUP, CONSUMER_GROUP, EVENTS,
// TOKEN, and either SHARDS or SHARD_ID/SHARD_COUNT).
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"spectacles-bridge/internal/xerrors"
	"spectacles-bridge/pkg/utils"
)

// Config is the unified driver configuration. It is not part of the core
// (etf/gateway/broker packages never import it) — it only feeds their
// constructors.
type Config struct {
	Host           string
	Port           int
	Token          string
	PublisherGroup string
	ConsumerGroup  string
	Events         []string

	// FanOut is true when SHARDS was set: the driver manages Shards shards
	// in one process. Otherwise a single shard identified by ShardID of
	// ShardCount is started.
	FanOut     bool
	Shards     int
	ShardID    int
	ShardCount int
}

// Load reads configuration from the environment, optionally preceded by a
// local .env file (missing .env is not an error).
func Load() (*Config, error) {
	_ = godotenv.Load()
	viper.AutomaticEnv()

	cfg := &Config{
		Host:           utils.EnvOrDefault("HOST", "localhost"),
		Port:           utils.EnvOrDefaultInt("PORT", 5672),
		Token:          viper.GetString("TOKEN"),
		PublisherGroup: viper.GetString("PUBLISHER_GROUP"),
		ConsumerGroup:  viper.GetString("CONSUMER_GROUP"),
	}

	if raw := viper.GetString("EVENTS"); raw != "" {
		for _, ev := range strings.Split(raw, ",") {
			ev = strings.TrimSpace(ev)
			if ev != "" {
				cfg.Events = append(cfg.Events, ev)
			}
		}
	}

	if cfg.Token == "" {
		return nil, fmt.Errorf("config: TOKEN is required")
	}

	if raw := viper.GetString("SHARDS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, xerrors.Wrap(err, "parsing SHARDS")
		}
		cfg.FanOut = true
		cfg.Shards = n
		return cfg, nil
	}

	cfg.ShardID = utils.EnvOrDefaultInt("SHARD_ID", 0)
	cfg.ShardCount = utils.EnvOrDefaultInt("SHARD_COUNT", 1)
	return cfg, nil
}
