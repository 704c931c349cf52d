package dbrouter

import (
	"context"
	"database/sql"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultProbeTimeout bounds a single health probe when none is configured.
const DefaultProbeTimeout = 5 * time.Second

// Prober checks whether an endpoint accepts connections.
type Prober interface {
	Scan(ctx context.Context, dsn string) Health
}

// Scanner probes endpoints by opening a database/sql connection and pinging it.
type Scanner struct {
	driver  string
	timeout time.Duration
	logger  log.FieldLogger
}

// NewScanner returns a Scanner that connects with the given database/sql driver.
// A timeout <= 0 selects DefaultProbeTimeout.
func NewScanner(driver string, timeout time.Duration, logger log.FieldLogger) *Scanner {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Scanner{driver: driver, timeout: timeout, logger: logger}
}

// Scan opens a connection to dsn and reports Online if it can be pinged. Any
// failure, including the timeout, reports Offline. The connection is always
// closed before Scan returns. Scan blocks for up to the probe timeout.
func (s *Scanner) Scan(ctx context.Context, dsn string) Health {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	db, err := sql.Open(s.driver, dsn)
	if err != nil {
		s.logger.WithError(err).Debug("DBROUTER | probe could not open connection")
		return Offline
	}
	defer db.Close()

	// One connection is enough and must not linger in the idle pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(0)

	err = db.PingContext(ctx)
	if err != nil {
		s.logger.WithError(err).Debug("DBROUTER | probe ping failed")
	}
	return healthOf(err)
}

// ScanAsync runs Scan on its own goroutine. The returned channel receives
// exactly one value. Cancelling ctx aborts the probe as soon as the driver
// honours the cancellation.
func (s *Scanner) ScanAsync(ctx context.Context, dsn string) <-chan Health {
	return ScanAsync(ctx, s, dsn)
}

// ScanAsync runs p.Scan in the background and delivers its outcome on the
// returned buffered channel.
func ScanAsync(ctx context.Context, p Prober, dsn string) <-chan Health {
	out := make(chan Health, 1)
	go func() {
		out <- p.Scan(ctx, dsn)
	}()
	return out
}
