package collabclient

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/shaneah/infyemailer-sub009/pkg/collab"
)

// Reconciler holds the local view of the template and applies remote
// changes to it. Every change carries the full resulting snapshot, so
// reconciliation is a wholesale replace guarded by the server-stamped
// version; there is no per-field merging to do.
type Reconciler struct {
	mu      sync.Mutex
	data    json.RawMessage
	version int64
	logger  *log.Logger
}

func NewReconciler(logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.Default()
	}
	return &Reconciler{logger: logger}
}

// Snapshot returns the current template data and version.
func (r *Reconciler) Snapshot() (json.RawMessage, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data, r.version
}

// Resync replaces local state outright, used for initialState and
// stale_change recoveries.
func (r *Reconciler) Resync(data json.RawMessage, version int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = data
	r.version = version
}

// Confirm records the server-stamped version for a change this client sent,
// unless something newer already arrived.
func (r *Reconciler) Confirm(data json.RawMessage, version int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if version <= r.version {
		return
	}
	r.data = data
	r.version = version
}

// Apply folds one remote change into local state and reports whether
// anything was updated. It never panics on malformed input: changes with an
// unknown type, no snapshot, or a version not newer than the local one are
// logged and ignored. Applying the same change twice is a no-op.
func (r *Reconciler) Apply(ch collab.TemplateChange) bool {
	switch ch.Type {
	case collab.ChangeAdd, collab.ChangeUpdate, collab.ChangeDelete, collab.ChangeMove:
	default:
		r.logger.Printf("collabclient: ignoring change with type %q", ch.Type)
		return false
	}
	if ch.Data == nil {
		r.logger.Printf("collabclient: %s change for %s/%s carried no snapshot",
			ch.Type, ch.TargetType, ch.TargetID)
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ch.Version != 0 && ch.Version <= r.version {
		return false
	}
	r.data = ch.Data
	r.version = ch.Version
	return true
}
