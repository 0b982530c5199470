package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads the config file at path on top of DefaultConfig. A missing
// file is not an error; the defaults are returned as-is. Keys the file
// sets that no field decodes into are logged as warnings.
func Load(path string, logger *slog.Logger) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	for _, key := range md.Undecoded() {
		logger.Warn("unknown config key", slog.String("key", key.String()), slog.String("file", path))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustStat reports whether path exists and is a regular file. Used by the
// CLI to distinguish "no config" from an explicitly named file that is
// missing.
func MustStat(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory", path)
	}
	return nil
}
