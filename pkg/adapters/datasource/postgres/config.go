package postgres

import (
	"fmt"
	"net/url"
	"strconv"
)

// Config contains PostgreSQL-specific connection options.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // "disable", "require", "verify-ca", "verify-full"
}

// FromMap creates a Config from a connection's config map.
func FromMap(config map[string]string) (*Config, error) {
	cfg := &Config{
		Port:    5432,
		SSLMode: "require",
	}

	if cfg.Host = config["host"]; cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if cfg.User = config["user"]; cfg.User == "" {
		return nil, fmt.Errorf("user is required")
	}
	if cfg.Database = config["database"]; cfg.Database == "" {
		return nil, fmt.Errorf("database is required")
	}
	cfg.Password = config["password"]

	if port := config["port"]; port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", port)
		}
		cfg.Port = p
	}
	if mode := config["ssl_mode"]; mode != "" {
		cfg.SSLMode = mode
	}

	return cfg, nil
}

// ConnString renders a postgres:// URL for pgxpool.
func (c *Config) ConnString() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   c.Database,
	}
	q := u.Query()
	q.Set("sslmode", c.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
