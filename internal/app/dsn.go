package app

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/router-for-me/CLIProxyAPICredits/internal/db"
	log "github.com/sirupsen/logrus"
)

// dsnSummary is a loggable view of a DSN. It never carries the password.
type dsnSummary struct {
	Dialect     string
	Host        string
	Port        int
	User        string
	Name        string
	SSLMode     string
	Path        string
	PasswordSet bool
}

// Fields renders the summary as log fields.
func (s dsnSummary) Fields() log.Fields {
	if s.Dialect == db.DialectSQLite {
		return log.Fields{"dialect": s.Dialect, "path": s.Path}
	}
	return log.Fields{
		"dialect":      s.Dialect,
		"host":         s.Host,
		"port":         s.Port,
		"user":         s.User,
		"database":     s.Name,
		"sslmode":      s.SSLMode,
		"password_set": s.PasswordSet,
	}
}

// summarizeDSN parses a SQLite path, a postgres URL, or a postgres keyword/value DSN.
func summarizeDSN(dsn string) (dsnSummary, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return dsnSummary{}, fmt.Errorf("empty dsn")
	}

	if db.IsSQLiteDSN(trimmed) {
		pathPart := trimmed
		if strings.HasPrefix(strings.ToLower(pathPart), "file:") {
			pathPart = pathPart[len("file:"):]
		}
		pathPart, _, _ = strings.Cut(pathPart, "?")
		return dsnSummary{Dialect: db.DialectSQLite, Path: strings.TrimSpace(pathPart)}, nil
	}

	lowered := strings.ToLower(trimmed)
	if !strings.HasPrefix(lowered, "postgres://") && !strings.HasPrefix(lowered, "postgresql://") {
		return summarizeKeywordDSN(trimmed)
	}

	u, errParse := url.Parse(trimmed)
	if errParse != nil {
		return dsnSummary{}, fmt.Errorf("parse dsn: %w", errParse)
	}
	port := 5432
	if rawPort := strings.TrimSpace(u.Port()); rawPort != "" {
		parsedPort, errPort := strconv.Atoi(rawPort)
		if errPort != nil {
			return dsnSummary{}, fmt.Errorf("parse port: %w", errPort)
		}
		port = parsedPort
	}
	summary := dsnSummary{
		Dialect: db.DialectPostgres,
		Host:    strings.TrimSpace(u.Hostname()),
		Port:    port,
		Name:    strings.TrimSpace(strings.TrimPrefix(u.Path, "/")),
		SSLMode: strings.TrimSpace(u.Query().Get("sslmode")),
	}
	if u.User != nil {
		summary.User = strings.TrimSpace(u.User.Username())
		_, summary.PasswordSet = u.User.Password()
	}
	if summary.SSLMode == "" {
		summary.SSLMode = "prefer"
	}
	return summary, nil
}

// summarizeKeywordDSN handles "host=... user=... dbname=..." strings.
func summarizeKeywordDSN(dsn string) (dsnSummary, error) {
	summary := dsnSummary{Dialect: db.DialectPostgres, Port: 5432, SSLMode: "prefer"}
	found := false
	for _, field := range strings.Fields(dsn) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return dsnSummary{}, fmt.Errorf("unsupported dsn format")
		}
		found = true
		value = strings.Trim(value, "'")
		switch strings.ToLower(key) {
		case "host":
			summary.Host = value
		case "port":
			parsedPort, errPort := strconv.Atoi(value)
			if errPort != nil {
				return dsnSummary{}, fmt.Errorf("parse port: %w", errPort)
			}
			summary.Port = parsedPort
		case "user":
			summary.User = value
		case "dbname":
			summary.Name = value
		case "sslmode":
			summary.SSLMode = value
		case "password":
			summary.PasswordSet = value != ""
		}
	}
	if !found {
		return dsnSummary{}, fmt.Errorf("unsupported dsn format")
	}
	return summary, nil
}
