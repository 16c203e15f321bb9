package backup

import (
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/kebairia/stackback/internal/tags"
)

// Run identifies one orchestration invocation. Every snapshot produced by
// the run carries its ID; the ID is assigned once and never changes.
type Run struct {
	ID      string
	Scope   tags.Scope
	Host    string
	Started time.Time
}

// NewRun mints a run with a fresh backup identifier: the UTC start timestamp
// plus a short random suffix. The timestamp keeps IDs sortable for humans,
// the suffix makes them unique even if two runs start within a second.
func NewRun(scope tags.Scope) *Run {
	now := time.Now().UTC()
	host, _ := os.Hostname()
	return &Run{
		ID:      now.Format(tags.TimestampFormat) + "-" + uuid.NewString()[:8],
		Scope:   scope,
		Host:    host,
		Started: now,
	}
}

// common builds the tag fields shared by every snapshot of this run for the
// given unit.
func (r *Run) common(unit string) tags.Common {
	return tags.Common{
		Unit:      unit,
		BackupID:  r.ID,
		Timestamp: r.Started,
		Scope:     r.Scope,
		Host:      r.Host,
	}
}
