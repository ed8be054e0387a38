package eventlog

import (
	"errors"
	"strings"
	"time"

	logx "mailflush/pkg/logx"
)

// Config configures the event store.
//
// Driver values:
//   - "memory": process-local, lost on restart (tests, dry runs)
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file
//   - "postgres": PostgreSQL via DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means 1s
}

// Open initializes the configured store.
// An empty driver selects the in-memory store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "store"), logx.String("driver", driver))

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
