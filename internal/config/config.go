package config

import (
	"os"
	"path/filepath"
	"time"

	"emperror.dev/errors"
	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

type Locks struct {
	// Timeout bounds how long a writer waits for the store or
	// working-copy lock before giving up with a LockHeld error.
	Timeout time.Duration
	// WarnAfter is an earlier threshold after which the waiter prints a
	// "waiting for lock held by ..." warning.
	WarnAfter time.Duration
}

type Discovery struct {
	// InitialSampleSize is the size of the first sample sent to the
	// remote's known() query.
	InitialSampleSize int
	// FullSampleSize bounds the per-round sample during the search.
	FullSampleSize int
}

type CloneBundles struct {
	// If false, a failure to apply an advertised clone bundle degrades
	// to a normal pull instead of aborting.
	FailHard bool
	// Prefers orders candidate entries, e.g. ["COMPRESSION=ZS", "VERSION=v2"].
	Prefers []string
	// MaxAttempts bounds download retries for a single entry.
	MaxAttempts int
}

type Exchange struct {
	// Publish marks everything pushed as public on both sides.
	Publish bool
	// SelectivePullDefaults names the remote bookmarks pulled when the
	// caller gives no explicit selectors.
	SelectivePullDefaults []string
	// Compression selects the bundle compression engine for push and
	// on-disk bundles ("UN", "GZ", "ZS").
	Compression string
}

var Slx = struct {
	Locks        Locks
	Discovery    Discovery
	CloneBundles CloneBundles
	Exchange     Exchange
}{
	Locks: Locks{
		Timeout:   10 * time.Minute,
		WarnAfter: 3 * time.Second,
	},
	Discovery: Discovery{
		InitialSampleSize: 100,
		FullSampleSize:    200,
	},
	CloneBundles: CloneBundles{
		MaxAttempts: 3,
	},
	Exchange: Exchange{
		SelectivePullDefaults: []string{"main", "master"},
		Compression:           "ZS",
	},
}

// Load initializes the configuration values, optionally checking the given
// additional paths (e.g. a repository's own .slx directory) for a config
// file. Returns whether a config file was found.
func Load(paths []string) (bool, error) {
	config := viper.New()
	config.SetConfigName("config")

	config.AddConfigPath(filepath.Join(xdg.ConfigHome, "slx"))
	config.AddConfigPath("$HOME/.config/slx")
	config.AddConfigPath("$SLX_HOME")
	for _, path := range paths {
		config.AddConfigPath(path)
	}

	if err := config.ReadInConfig(); err != nil {
		if errors.As(err, &viper.ConfigFileNotFoundError{}) {
			loadFromEnv()
			return false, nil
		}
		return false, err
	}

	if err := config.Unmarshal(&Slx); err != nil {
		return true, errors.Wrap(err, "failed to read slx config")
	}
	loadFromEnv()
	return true, nil
}

func loadFromEnv() {
	if v := os.Getenv("SLX_LOCK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			Slx.Locks.Timeout = d
		}
	}
	if v := os.Getenv("SLX_COMPRESSION"); v != "" {
		Slx.Exchange.Compression = v
	}
}
