package pgserver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jamesnunn/pgtest/internal/debug"
)

// Defaults.
const (
	DefaultUsername     = "postgres"
	DefaultDatabase     = "postgres"
	DefaultStartTimeout = 10 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
	DefaultStopTimeout  = 30 * time.Second

	// DefaultLogFileName is created in the base directory when no log file
	// is configured.
	DefaultLogFileName = "pgtest_log.txt"

	// ReservedConnections is the server's superuser_reserved_connections
	// default. MaxConnections must exceed it.
	ReservedConnections = 3
)

// Config describes one fixture. It is read once by Provision; later changes
// have no effect on the fixture.
type Config struct {
	Username string // Superuser created by initdb (default: postgres)
	Database string // Database created for the caller (default: postgres)
	Port     int    // Listen port (0 = allocate)

	BaseDir  string // Existing directory for the working tree ("" = new temp dir)
	LogFile  string // Server log ("" = <base>/pgtest_log.txt)
	CopyFrom string // Initialized data directory to clone instead of running initdb
	PgCtl    string // Control executable override ("" = discover pg_ctl)

	MaxConnections int    // Server connection limit (0 = server default)
	Encoding       string // Default encoding for initdb ("" = server default)
	NoCleanup      bool   // Keep the working tree after Close

	StartTimeout time.Duration // Readiness timeout (default: 10s)
	PollInterval time.Duration // Readiness poll interval (default: 100ms)

	// Logf receives progress messages, e.g. testing.T.Logf. Defaults to
	// debug.Logf.
	Logf func(format string, args ...any)

	Locator *Locator       // Executable discovery (default: DefaultLocator)
	Ports   *PortAllocator // Port allocation (default: DefaultPortAllocator)
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Username:     DefaultUsername,
		Database:     DefaultDatabase,
		StartTimeout: DefaultStartTimeout,
		PollInterval: DefaultPollInterval,
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Username == "" {
		c.Username = d.Username
	}
	if c.Database == "" {
		c.Database = d.Database
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = d.StartTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.Logf == nil {
		c.Logf = debug.Logf
	}
	if c.Locator == nil {
		c.Locator = DefaultLocator()
	}
	if c.Ports == nil {
		c.Ports = DefaultPortAllocator()
	}
	return c
}

// Validate checks everything that can be checked without side effects.
// Zero values are validated as their defaults.
func (c Config) Validate() error {
	c = c.withDefaults()
	if err := ValidateIdentifier("username", c.Username); err != nil {
		return err
	}
	if err := ValidateIdentifier("database", c.Database); err != nil {
		return err
	}
	if c.Port != 0 && !IsValidPort(c.Port) {
		return validationError("port", c.Port, "not between 1024 and 65535")
	}
	if c.MaxConnections < 0 || (c.MaxConnections > 0 && c.MaxConnections <= ReservedConnections) {
		return validationError("max connections", c.MaxConnections,
			fmt.Sprintf("must be greater than the %d reserved superuser connections", ReservedConnections))
	}
	if c.BaseDir != "" {
		if err := requireDir("base directory", c.BaseDir); err != nil {
			return err
		}
	}
	if c.CopyFrom != "" {
		if err := requireDir("copy source", c.CopyFrom); err != nil {
			return err
		}
	}
	if c.LogFile != "" {
		if err := requireDir("log file directory", filepath.Dir(c.LogFile)); err != nil {
			return err
		}
	}
	if strings.ContainsAny(c.PgCtl, `/\`) {
		if _, err := os.Stat(c.PgCtl); err != nil {
			return validationError("pg_ctl", c.PgCtl, "executable does not exist")
		}
	}
	return nil
}

func requireDir(field, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return validationError(field, path, "directory does not exist")
	}
	if !info.IsDir() {
		return validationError(field, path, "not a directory")
	}
	return nil
}
