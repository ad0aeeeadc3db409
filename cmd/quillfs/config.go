package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/quillfs/quillfs/pkg/util/logger"
)

const envPrefix = "QUILLFS"

// newConfig builds the daemon configuration from defaults, an optional
// config file and QUILLFS_* environment variables.
func newConfig(path string) (*viper.Viper, error) {
	v := viper.New()

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	defaultConfiguration(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("could not read config file: %w", err)
		}
	}

	return v, nil
}

func defaultConfiguration(cfg *viper.Viper) {
	cfg.SetDefault("logger.level", "info")

	cfg.SetDefault("volume.path", "")
	cfg.SetDefault("volume.block_size", "4K")
	cfg.SetDefault("volume.flush_interval", "30s")
	cfg.SetDefault("volume.reaper_interval", "1m")
	cfg.SetDefault("volume.reaper_workers", 4)

	cfg.SetDefault("pprof.enabled", false)
	cfg.SetDefault("pprof.address", ":6060")
	cfg.SetDefault("pprof.shutdown_ttl", "30s")

	cfg.SetDefault("metrics.enabled", false)
	cfg.SetDefault("metrics.address", ":9090")
	cfg.SetDefault("metrics.shutdown_ttl", "30s")
}

func logLevel(cfg *viper.Viper) (logger.Level, error) {
	switch s := cfg.GetString("logger.level"); s {
	case "debug":
		return logger.LevelDebug, nil
	case "info":
		return logger.LevelInfo, nil
	case "warn":
		return logger.LevelWarn, nil
	case "error":
		return logger.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// parseSize converts strings like "512", "64K", "8M" or "1G" into bytes.
func parseSize(s string) (uint64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	multiplier := uint64(1)

	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1 << 10
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "M"):
		multiplier = 1 << 20
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "G"):
		multiplier = 1 << 30
		s = s[:len(s)-1]
	}

	n, err := cast.ToUint64E(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}

	return n * multiplier, nil
}
