package state

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hugo-lorenzo-mato/datascout/internal/core"
)

// Store bundles the three persistence ports backed by a single medium so
// lifecycle and operational records share one durability boundary.
type Store interface {
	core.LifecycleStore
	core.OperationalStore
	core.InsightStore
	Close() error
}

// Backend names for NewStore.
const (
	BackendSQLite = "sqlite"
	BackendJSON   = "json"
)

// NewStore creates a Store of the requested backend rooted at path.
// For sqlite, path is the database file (".db" is appended when missing);
// for json, path is the state directory.
func NewStore(backend, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendSQLite, "":
		if !strings.HasSuffix(path, ".db") {
			path = strings.TrimSuffix(path, filepath.Ext(path)) + ".db"
		}
		return NewSQLiteStore(path)
	case BackendJSON:
		return NewJSONStore(path)
	default:
		return nil, core.ErrConfiguration(core.CodeInvalidConfig,
			fmt.Sprintf("unknown state backend %q (want %q or %q)", backend, BackendSQLite, BackendJSON))
	}
}
