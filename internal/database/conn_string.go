package database

import (
	"net"
	"net/url"
	"strconv"

	"github.com/rickgao/wsgate/internal/config"
)

// BuildConnString builds a PostgreSQL URL from config. appName, if set, is
// reported as application_name so each gateway's pooled and LISTEN
// connections can be told apart in pg_stat_activity.
func BuildConnString(cfg config.DBConfig, appName string) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = config.DefaultDBSSLMode
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)
	if appName != "" {
		q.Set("application_name", appName)
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}
