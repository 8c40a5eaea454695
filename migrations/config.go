package migrations

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Sentinel errors for Config.Validate.
var (
	ErrDatabaseURLEmpty    = errors.New("migrations: database url cannot be empty")
	ErrMigrationTableEmpty = errors.New("migrations: migration table cannot be empty")
)

// Config carries the connection parameters the Runner needs. It holds no
// defaults of its own — cmd/migrator sources them from the environment,
// cmd/indexer sources them from its loaded config.Config.
type Config struct {
	DatabaseURL    string
	MigrationTable string
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrDatabaseURLEmpty
	}

	if c.MigrationTable == "" {
		return ErrMigrationTableEmpty
	}

	return nil
}

// String renders the configuration with its password masked, safe for logging.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}", maskDatabaseURL(c.DatabaseURL), c.MigrationTable)
}

// maskDatabaseURL replaces a connection string's password with "***",
// leaving malformed URLs untouched rather than failing.
func maskDatabaseURL(raw string) string {
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	if u.User == nil {
		return raw
	}

	password, hasPassword := u.User.Password()
	if !hasPassword || password == "" {
		return raw
	}

	u.User = url.UserPassword(u.User.Username(), "***")
	masked := u.String()

	return strings.Replace(masked, "%2A%2A%2A", "***", 1)
}
