// Package tags defines the snapshot tag schema shared by the backup
// orchestrator and the restore planner. Every snapshot stored in the
// repository carries a closed set of key=value tags; the types here make the
// required fields impossible to omit at compile time.
package tags

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// TimestampFormat is the compact UTC layout embedded in snapshot tags.
const TimestampFormat = "20060102T150405Z"

// Scope is the declared breadth of a backup run.
type Scope string

const (
	ScopeMinimal  Scope = "minimal"
	ScopeStandard Scope = "standard"
	ScopeFull     Scope = "full"
)

// ParseScope validates a user-supplied scope string.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeMinimal, ScopeStandard, ScopeFull:
		return Scope(s), nil
	}
	return "", fmt.Errorf("unknown scope %q", s)
}

// ContentType identifies the role of a snapshot within a run.
type ContentType string

const (
	ContentRecipe       ContentType = "recipe"
	ContentVolume       ContentType = "volume"
	ContentNetworks     ContentType = "networks"
	ContentDaemonConfig ContentType = "daemon_config"
)

// Common holds the fields present on every snapshot of a run.
type Common struct {
	Unit      string
	BackupID  string
	Timestamp time.Time
	Scope     Scope
	Host      string
}

// Set is a complete tag set for one snapshot.
type Set interface {
	ContentType() ContentType
	Encode() []string
}

// Recipe tags the serialized unit descriptor + inspection records.
type Recipe struct{ Common }

// Volume tags one volume data snapshot.
type Volume struct {
	Common
	VolumeName string
	SizeBytes  int64
}

// Networks tags the serialized custom network definitions of a unit.
type Networks struct{ Common }

// DaemonConfig tags the host daemon configuration capture.
type DaemonConfig struct{ Common }

func (Recipe) ContentType() ContentType       { return ContentRecipe }
func (Volume) ContentType() ContentType       { return ContentVolume }
func (Networks) ContentType() ContentType     { return ContentNetworks }
func (DaemonConfig) ContentType() ContentType { return ContentDaemonConfig }

func (c Common) encode(ct ContentType) []string {
	out := []string{
		"type=" + string(ct),
		"unit=" + c.Unit,
		"backup_id=" + c.BackupID,
		"timestamp=" + c.Timestamp.UTC().Format(TimestampFormat),
		"scope=" + string(c.Scope),
	}
	if c.Host != "" {
		out = append(out, "host="+c.Host)
	}
	return out
}

func (r Recipe) Encode() []string { return r.Common.encode(ContentRecipe) }

func (v Volume) Encode() []string {
	out := v.Common.encode(ContentVolume)
	out = append(out, "volume="+v.VolumeName)
	if v.SizeBytes > 0 {
		out = append(out, "size="+strconv.FormatInt(v.SizeBytes, 10))
	}
	return out
}

func (n Networks) Encode() []string     { return n.Common.encode(ContentNetworks) }
func (d DaemonConfig) Encode() []string { return d.Common.encode(ContentDaemonConfig) }

// ErrMissingTag indicates a snapshot whose tag set lacks a required key.
var ErrMissingTag = errors.New("snapshot is missing a required tag")

// Parsed is the decoded form of a snapshot's tag set, as read back from the
// repository. ScopeTagged distinguishes a genuine `scope=standard` tag from
// the legacy default applied when the tag is absent.
type Parsed struct {
	ContentType ContentType
	Unit        string
	BackupID    string
	Timestamp   time.Time
	Scope       Scope
	ScopeTagged bool
	Host        string
	VolumeName  string
	SizeBytes   int64
}

// Parse decodes a snapshot tag map. Snapshots written before the scope tag
// existed are treated as scope=standard.
func Parse(m map[string]string) (Parsed, error) {
	p := Parsed{
		ContentType: ContentType(m["type"]),
		Unit:        m["unit"],
		BackupID:    m["backup_id"],
		Host:        m["host"],
		VolumeName:  m["volume"],
	}
	switch p.ContentType {
	case ContentRecipe, ContentVolume, ContentNetworks, ContentDaemonConfig:
	default:
		return Parsed{}, fmt.Errorf("%w: type (got %q)", ErrMissingTag, m["type"])
	}
	if p.Unit == "" {
		return Parsed{}, fmt.Errorf("%w: unit", ErrMissingTag)
	}
	if p.BackupID == "" {
		return Parsed{}, fmt.Errorf("%w: backup_id", ErrMissingTag)
	}
	if p.ContentType == ContentVolume && p.VolumeName == "" {
		return Parsed{}, fmt.Errorf("%w: volume", ErrMissingTag)
	}
	if ts := m["timestamp"]; ts != "" {
		t, err := time.Parse(TimestampFormat, ts)
		if err != nil {
			return Parsed{}, fmt.Errorf("parse timestamp tag %q: %w", ts, err)
		}
		p.Timestamp = t
	}
	if s, ok := m["scope"]; ok && s != "" {
		scope, err := ParseScope(s)
		if err != nil {
			return Parsed{}, err
		}
		p.Scope = scope
		p.ScopeTagged = true
	} else {
		p.Scope = ScopeStandard
	}
	if sz := m["size"]; sz != "" {
		if n, err := strconv.ParseInt(sz, 10, 64); err == nil {
			p.SizeBytes = n
		}
	}
	return p, nil
}

// Key returns the uniqueness key of a snapshot within a run. Timestamps are
// deliberately excluded: two snapshots of one run may share a timestamp.
func (p Parsed) Key() string {
	return p.Unit + "\x00" + p.BackupID + "\x00" + string(p.ContentType) + "\x00" + p.VolumeName
}

// RetentionTarget is the identity retention is applied against. Path is the
// actual path the engine recorded when the snapshot was created (the stdin
// filename for streamed snapshots, the filesystem source for directory
// snapshots) and must never be substituted with a symbolic label: forget
// filters match on the stored identity, so creation and retention have to
// agree on it or pruning silently matches nothing.
type RetentionTarget struct {
	Path string
	Unit string
	Type ContentType
}

// FilterTags returns the tag filters that scope a forget invocation to this
// target's unit and content type.
func (t RetentionTarget) FilterTags() []string {
	return []string{"type=" + string(t.Type), "unit=" + t.Unit}
}

// Dedup returns the distinct targets of ts, preserving a stable order.
// A unit's volumes share one path identity per snapshot format, so a run
// usually yields far fewer targets than snapshots.
func Dedup(ts []RetentionTarget) []RetentionTarget {
	seen := make(map[string]struct{}, len(ts))
	out := make([]RetentionTarget, 0, len(ts))
	for _, t := range ts {
		k := t.Path + "\x00" + t.Unit + "\x00" + string(t.Type)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Unit != out[j].Unit {
			return out[i].Unit < out[j].Unit
		}
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Path < out[j].Path
	})
	return out
}
