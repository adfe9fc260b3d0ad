package kvstore

import (
	"fmt"
	"net/url"
	"strings"

	apperrors "github.com/internet-programming-projects-group-14/source-code-sub000/internal/errors"
)

// BuildStoreFromDSN picks a backend from the DSN scheme:
//
//	memory://               process-local, for tests and demos
//	file:///var/lib/np.json single JSON document
//	sqlite:///var/lib/np    SQLite database inside the directory
//	postgres://...          shared table, for desktop/server deployments
//
// A bare path is treated as file://.
func BuildStoreFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "store dsn is empty")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid store dsn", err)
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileStore(path)
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteStore(path)
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, apperrors.New(apperrors.ErrNotImplemented, fmt.Sprintf("store backend %s", scheme))
	default:
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unsupported store scheme: %s", scheme))
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
