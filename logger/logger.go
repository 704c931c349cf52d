package logger

import (
	"io"
	"net/url"
	"os"
	"regexp"

	log "github.com/sirupsen/logrus"
)

// Config selects the process logger's level and format.
type Config struct {
	Level  string // debug, info, warn, error; anything else means info
	JSON   bool
	Output io.Writer // defaults to stdout
}

// New builds a logrus logger from cfg.
func New(cfg Config) *log.Logger {
	l := log.New()
	l.SetOutput(os.Stdout)
	if cfg.Output != nil {
		l.SetOutput(cfg.Output)
	}

	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}
	l.SetLevel(level)

	if cfg.JSON {
		l.SetFormatter(&log.JSONFormatter{})
	} else {
		l.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return l
}

var kvPassword = regexp.MustCompile(`(?i)(password\s*=\s*)('(?:[^'\\]|\\.)*'|[^\s;]*)`)

// RedactDSN masks the password of a keyword/value or URL connection string so
// it can be logged.
func RedactDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" && u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "redacted")
			return u.String()
		}
		return dsn
	}
	return kvPassword.ReplaceAllString(dsn, "${1}***")
}
