package mssql

import (
	"fmt"
	"net/url"
	"strconv"
)

// Config contains SQL Server-specific connection options.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Encrypt  string // "true", "false", "strict"
}

// FromMap creates a Config from a connection's config map.
func FromMap(config map[string]string) (*Config, error) {
	cfg := &Config{
		Port:    1433,
		Encrypt: "true",
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
	if enc := config["encrypt"]; enc != "" {
		cfg.Encrypt = enc
	}

	return cfg, nil
}

// ConnString renders a sqlserver:// URL for go-mssqldb.
func (c *Config) ConnString() string {
	u := url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
	}
	q := u.Query()
	q.Set("database", c.Database)
	q.Set("encrypt", c.Encrypt)
	u.RawQuery = q.Encode()
	return u.String()
}
