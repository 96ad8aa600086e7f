package mapping

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"raggate/internal/metrics"
)

// Snapshot is one immutable generation of the agent-key table. Readers get
// either this snapshot or a newer one, never a mix.
type Snapshot struct {
	entries map[string]url.Values
}

func (s *Snapshot) Resolve(key string) (url.Values, bool) {
	v, ok := s.entries[key]
	return v, ok
}

func (s *Snapshot) Len() int { return len(s.entries) }

// Store holds the current snapshot behind an atomic pointer. Reload swaps
// the whole pointer; lookups never block.
type Store struct {
	path string
	cur  atomic.Pointer[Snapshot]
}

// NewStore loads the mapping file at path. A missing file is a warning, not
// an error: the gateway starts with an empty table and picks the file up on
// the next change event.
func NewStore(path string) *Store {
	st := &Store{path: path}
	st.cur.Store(&Snapshot{entries: map[string]url.Values{}})
	if err := st.Reload(); err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", path).Msg("mapping file not found; starting with empty table")
		} else {
			log.Error().Err(err).Str("file", path).Msg("mapping load failed; starting with empty table")
		}
	}
	return st
}

// Reload parses the file and swaps in a fresh snapshot. On any parse error
// the prior snapshot stays in place.
func (st *Store) Reload() error {
	b, err := os.ReadFile(st.path)
	if err != nil {
		metrics.MappingReloads.WithLabelValues("error").Inc()
		return err
	}
	var raw map[string]string
	if err := json.Unmarshal(b, &raw); err != nil {
		metrics.MappingReloads.WithLabelValues("error").Inc()
		return fmt.Errorf("parse %s: %w", st.path, err)
	}
	entries := make(map[string]url.Values, len(raw))
	for key, qs := range raw {
		vals, err := url.ParseQuery(qs)
		if err != nil {
			metrics.MappingReloads.WithLabelValues("error").Inc()
			return fmt.Errorf("entry %q: %w", key, err)
		}
		entries[key] = vals
	}
	st.cur.Store(&Snapshot{entries: entries})
	metrics.MappingReloads.WithLabelValues("ok").Inc()
	metrics.MappingEntries.Set(float64(len(entries)))
	log.Info().Str("file", st.path).Int("entries", len(entries)).Msg("mapping table loaded")
	return nil
}

// Current returns the live snapshot.
func (st *Store) Current() *Snapshot { return st.cur.Load() }

// Resolve looks up an agent key in the live snapshot.
func (st *Store) Resolve(key string) (url.Values, bool) {
	return st.cur.Load().Resolve(key)
}

// Path returns the watched file path.
func (st *Store) Path() string { return st.path }
