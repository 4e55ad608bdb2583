package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// ErrorKey is the reserved state key holding the last failure summary.
// It is written only through the error channel, never by a patch.
const ErrorKey = "error"

// Version is the monotonic data version of a state store.
// It increases by exactly one on every successful non-empty commit.
type Version uint64

// Patch is a set of key/value writes. Each key is replaced whole on commit.
type Patch map[string]any

// Keys returns the patch keys in sorted order.
func (p Patch) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Guard makes a commit conditional: it is rejected with ErrStale if any of Keys
// was modified after Version.
type Guard struct {
	Keys    []string
	Version Version
}

// Commit is a request to apply a patch to the state store.
type Commit struct {
	// Patch holds the values to write.
	Patch Patch
	// Allowed is the set of keys the author may write (a stage's declared outputs).
	Allowed []string
	// Author names the stage (or trigger source) that produced the patch. Used for diagnostics.
	Author string
	// Guard optionally enforces that the inputs the patch was computed from are still current.
	Guard *Guard
}

// Check verifies that the patch only writes keys in Allowed and never the reserved error key.
// It returns a *ContractViolationError listing the offending keys in sorted order.
func (c Commit) Check() error {
	allowed := make(map[string]struct{}, len(c.Allowed))
	for _, k := range c.Allowed {
		allowed[k] = struct{}{}
	}
	var undeclared []string
	for _, k := range c.Patch.Keys() {
		if _, ok := allowed[k]; !ok || k == ErrorKey {
			undeclared = append(undeclared, k)
		}
	}
	if len(undeclared) == 0 {
		return nil
	}
	return &ContractViolationError{
		Author:     c.Author,
		Undeclared: undeclared,
		Allowed:    append([]string(nil), c.Allowed...),
	}
}

// CommitResult is the outcome of a successful commit.
type CommitResult struct {
	Version Version
	// ClearedError reports that the commit removed a record from the error channel.
	ClearedError bool
}

// ErrorRecord is the payload of the error channel.
type ErrorRecord struct {
	Stage   string    `json:"stage"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	RunID   string    `json:"run_id,omitempty"`
	Version Version   `json:"version"`
	At      time.Time `json:"at"`
}

// Snapshot is an immutable view of the state store at a given version.
// The zero value is an empty snapshot at version 0.
//
// Values are shared between snapshots (copy-on-write at the map level), so callers
// must treat any value obtained from a snapshot as read-only.
type Snapshot struct {
	version  Version
	values   map[string]any
	modified map[string]Version
	err      *ErrorRecord
}

// NewSnapshot builds a snapshot from its parts. The maps are owned by the snapshot afterwards.
func NewSnapshot(version Version, values map[string]any, modified map[string]Version, errRec *ErrorRecord) Snapshot {
	if values == nil {
		values = map[string]any{}
	}
	if modified == nil {
		modified = map[string]Version{}
	}
	return Snapshot{version: version, values: values, modified: modified, err: errRec}
}

// Version returns the data version the snapshot was taken at.
func (s Snapshot) Version() Version { return s.version }

// Get returns the value stored under key.
func (s Snapshot) Get(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Has reports whether key is present.
func (s Snapshot) Has(key string) bool {
	_, ok := s.values[key]
	return ok
}

// Len returns the number of data keys.
func (s Snapshot) Len() int { return len(s.values) }

// Keys returns all data keys in sorted order.
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Values returns a shallow copy of the data map.
func (s Snapshot) Values() map[string]any {
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Modified returns the version at which key was last written (0 if never).
func (s Snapshot) Modified(key string) Version {
	return s.modified[key]
}

// Error returns the current error channel record, or nil if the channel is clear.
func (s Snapshot) Error() *ErrorRecord {
	if s.err == nil {
		return nil
	}
	rec := *s.err
	return &rec
}

// Restrict returns a snapshot exposing only the given keys.
// Version and error record are preserved.
func (s Snapshot) Restrict(keys ...string) Snapshot {
	values := make(map[string]any, len(keys))
	modified := make(map[string]Version, len(keys))
	for _, k := range keys {
		if v, ok := s.values[k]; ok {
			values[k] = v
			modified[k] = s.modified[k]
		}
	}
	return Snapshot{version: s.version, values: values, modified: modified, err: s.err}
}

// Apply returns a new snapshot with patch merged at version, leaving s untouched.
// The error channel is cleared, mirroring a successful commit.
func (s Snapshot) Apply(patch Patch, version Version) Snapshot {
	values := make(map[string]any, len(s.values)+len(patch))
	modified := make(map[string]Version, len(s.modified)+len(patch))
	for k, v := range s.values {
		values[k] = v
	}
	for k, v := range s.modified {
		modified[k] = v
	}
	for k, v := range patch {
		values[k] = v
		modified[k] = version
	}
	return Snapshot{version: version, values: values, modified: modified}
}

// WithError returns a copy of s whose error channel holds rec. The data version is unchanged.
func (s Snapshot) WithError(rec *ErrorRecord) Snapshot {
	s.err = rec
	return s
}

// SupersededAfter reports the first of keys modified after version, if any.
func (s Snapshot) SupersededAfter(version Version, keys []string) (string, bool) {
	for _, k := range keys {
		if s.modified[k] > version {
			return k, true
		}
	}
	return "", false
}

type snapshotJSON struct {
	Version  Version            `json:"version"`
	Values   map[string]any     `json:"values"`
	Modified map[string]Version `json:"modified,omitempty"`
	Error    *ErrorRecord       `json:"error,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	values := s.values
	if values == nil {
		values = map[string]any{}
	}
	return json.Marshal(snapshotJSON{
		Version:  s.version,
		Values:   values,
		Modified: s.modified,
		Error:    s.err,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw snapshotJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = NewSnapshot(raw.Version, raw.Values, raw.Modified, raw.Error)
	return nil
}
