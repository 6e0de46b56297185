// Package config loads fixture options for the command line tool from
// flags, PGTEST_* environment variables and an optional config file.
//
// Precedence, highest first: explicit flag, environment variable, config
// file, built-in default.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jamesnunn/pgtest/internal/pgserver"
)

// EnvPrefix namespaces environment variables: PGTEST_BASE_DIR feeds
// "base-dir".
const EnvPrefix = "PGTEST"

// Keys shared by flags, environment variables and config files.
const (
	KeyUsername       = "username"
	KeyDatabase       = "database"
	KeyPort           = "port"
	KeyBaseDir        = "base-dir"
	KeyLogFile        = "log-file"
	KeyCopyFrom       = "copy-from"
	KeyPgCtl          = "pg-ctl"
	KeyMaxConnections = "max-connections"
	KeyEncoding       = "encoding"
	KeyNoCleanup      = "no-cleanup"
	KeyTimeout        = "timeout"
	KeyPollInterval   = "poll-interval"
)

// New returns a viper instance with defaults and environment binding set
// up. Keys are looked up in the environment lazily, so variables set after
// New are still seen.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	d := pgserver.DefaultConfig()
	v.SetDefault(KeyUsername, d.Username)
	v.SetDefault(KeyDatabase, d.Database)
	v.SetDefault(KeyPort, 0)
	v.SetDefault(KeyBaseDir, "")
	v.SetDefault(KeyLogFile, "")
	v.SetDefault(KeyCopyFrom, "")
	v.SetDefault(KeyPgCtl, "")
	v.SetDefault(KeyMaxConnections, 0)
	v.SetDefault(KeyEncoding, "")
	v.SetDefault(KeyNoCleanup, false)
	v.SetDefault(KeyTimeout, d.StartTimeout)
	v.SetDefault(KeyPollInterval, d.PollInterval)
	return v
}

// RegisterFlags adds the fixture flags to fs with their defaults.
func RegisterFlags(fs *pflag.FlagSet) {
	d := pgserver.DefaultConfig()
	fs.String(KeyUsername, d.Username, "Superuser name created by initdb")
	fs.String(KeyDatabase, d.Database, "Database to create for clients")
	fs.String(KeyPort, "", "Listen port (default: pick an unused port)")
	fs.String(KeyBaseDir, "", "Existing directory for the working tree (default: new temp dir)")
	fs.String(KeyLogFile, "", "Server log file (default: <base-dir>/"+pgserver.DefaultLogFileName+")")
	fs.String(KeyCopyFrom, "", "Initialized data directory to clone instead of running initdb")
	fs.String(KeyPgCtl, "", "Path to pg_ctl (default: search PATH and install dirs)")
	fs.Int(KeyMaxConnections, 0, "Server max_connections (default: server default)")
	fs.String(KeyEncoding, "", "Default encoding passed to initdb")
	fs.Bool(KeyNoCleanup, false, "Keep the working tree after shutdown")
	fs.Duration(KeyTimeout, d.StartTimeout, "How long to wait for the server to accept connections")
	fs.Duration(KeyPollInterval, d.PollInterval, "Interval between readiness checks")
}

// BindFlags binds every registered fixture flag in fs to v. Unchanged flags
// fall through to the environment and config file.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		switch f.Name {
		case KeyUsername, KeyDatabase, KeyPort, KeyBaseDir, KeyLogFile, KeyCopyFrom, KeyPgCtl,
			KeyMaxConnections, KeyEncoding, KeyNoCleanup, KeyTimeout, KeyPollInterval:
			if err := v.BindPFlag(f.Name, f); err != nil {
				errs = append(errs, fmt.Errorf("binding flag %s: %w", f.Name, err))
			}
		}
	})
	return errors.Join(errs...)
}

// ReadFile merges a YAML, TOML or JSON config file into v. The format is
// taken from the file extension.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	return nil
}

// Fixture builds a fixture config from v. Values are validated by
// pgserver.Config.Validate; only conversions fail here.
func Fixture(v *viper.Viper) (pgserver.Config, error) {
	cfg := pgserver.DefaultConfig()
	cfg.Username = v.GetString(KeyUsername)
	cfg.Database = v.GetString(KeyDatabase)
	cfg.BaseDir = v.GetString(KeyBaseDir)
	cfg.LogFile = v.GetString(KeyLogFile)
	cfg.CopyFrom = v.GetString(KeyCopyFrom)
	cfg.PgCtl = v.GetString(KeyPgCtl)
	cfg.Encoding = v.GetString(KeyEncoding)
	cfg.NoCleanup = v.GetBool(KeyNoCleanup)

	if raw := strings.TrimSpace(v.GetString(KeyPort)); raw != "" && raw != "0" {
		port, err := pgserver.ParsePort(raw)
		if err != nil {
			return pgserver.Config{}, err
		}
		cfg.Port = port
	}

	var err error
	if cfg.MaxConnections, err = integer(v, KeyMaxConnections); err != nil {
		return pgserver.Config{}, err
	}
	if cfg.StartTimeout, err = duration(v, KeyTimeout); err != nil {
		return pgserver.Config{}, err
	}
	if cfg.PollInterval, err = duration(v, KeyPollInterval); err != nil {
		return pgserver.Config{}, err
	}
	return cfg, nil
}

// integer reads key strictly. viper's GetInt turns anything unparsable
// into 0, which for max connections means "server default".
func integer(v *viper.Viper, key string) (int, error) {
	if s, ok := v.Get(key).(string); ok && strings.TrimSpace(s) == "" {
		return 0, nil
	}
	n, err := cast.ToIntE(v.Get(key))
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q: not an integer", pgserver.ErrValidation, key, v.GetString(key))
	}
	return n, nil
}

// duration accepts Go duration strings and bare numbers of seconds, the
// form the timeout takes in older config files.
func duration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("%w: %s %q: not a duration", pgserver.ErrValidation, key, raw)
}
