package planner

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/haricheung/deskpilot/internal/protocol"
)

// LevelDB key scheme — "|" as separator keeps normalized commands readable
// when inspecting the database:
//
//	p|<command> → protocol JSON   (the cached document)
//	s|<command> → Stats JSON      (outcome counters; the only mutable record)
const (
	prefixProtocol = "p|"
	prefixStats    = "s|"
)

// Stats tracks how a cached protocol has fared.
type Stats struct {
	Uses       int    `json:"uses"`
	Successes  int    `json:"successes"`
	Failures   int    `json:"failures"`
	LastStatus string `json:"last_status,omitempty"`
	LastUsedAt string `json:"last_used_at,omitempty"`
}

// Reliable reports whether the cached protocol has earned reuse: it must
// have succeeded at least once and not be failing more than it works.
func (s Stats) Reliable() bool {
	return s.Successes > 0 && s.Successes > s.Failures
}

// Store caches generated protocols keyed by the normalized user command, so
// a repeated command skips the generation LLM call entirely.
type Store struct {
	db     *leveldb.DB
	logger *slog.Logger
}

// OpenStore opens (or creates) the LevelDB database at dir.
func OpenStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dir, err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the database. LevelDB is single-writer; a planner that
// exits without closing blocks the next one.
func (s *Store) Close() error {
	return s.db.Close()
}

// Normalize maps a user command to its cache key: lowercase with runs of
// whitespace collapsed, so "Open  Firefox" and "open firefox" share an entry.
func Normalize(command string) string {
	return strings.Join(strings.Fields(strings.ToLower(command)), " ")
}

// Recall returns the cached protocol and its stats for command, if any.
func (s *Store) Recall(command string) (*protocol.Protocol, Stats, bool) {
	key := Normalize(command)
	data, err := s.db.Get([]byte(prefixProtocol+key), nil)
	if err != nil {
		return nil, Stats{}, false
	}
	var p protocol.Protocol
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Warn("[STORE] dropping undecodable cached protocol", "command", key, "error", err)
		_ = s.db.Delete([]byte(prefixProtocol+key), nil)
		_ = s.db.Delete([]byte(prefixStats+key), nil)
		return nil, Stats{}, false
	}
	return &p, s.stats(key), true
}

// Remember caches p under command, resetting its stats.
func (s *Store) Remember(command string, p *protocol.Protocol) error {
	key := Normalize(command)
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("store: marshal protocol: %w", err)
	}
	stats, err := json.Marshal(Stats{})
	if err != nil {
		return fmt.Errorf("store: marshal stats: %w", err)
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(prefixProtocol+key), data)
	batch.Put([]byte(prefixStats+key), stats)
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("store: write %s: %w", key, err)
	}
	s.logger.Debug("[STORE] cached protocol", "command", key)
	return nil
}

// RecordOutcome bumps the counters for command after an execution.
func (s *Store) RecordOutcome(command string, status protocol.Status) {
	key := Normalize(command)
	st := s.stats(key)
	st.Uses++
	switch status {
	case protocol.StatusSuccess:
		st.Successes++
	case protocol.StatusFailed, protocol.StatusTimeout:
		st.Failures++
	}
	st.LastStatus = string(status)
	st.LastUsedAt = time.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := s.db.Put([]byte(prefixStats+key), data, nil); err != nil {
		s.logger.Warn("[STORE] could not record outcome", "command", key, "error", err)
	}
}

// Forget drops the cached protocol for command, if any.
func (s *Store) Forget(command string) {
	key := Normalize(command)
	batch := new(leveldb.Batch)
	batch.Delete([]byte(prefixProtocol + key))
	batch.Delete([]byte(prefixStats + key))
	_ = s.db.Write(batch, nil)
}

// Commands lists every cached command, sorted.
func (s *Store) Commands() ([]string, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixProtocol)), nil)
	defer iter.Release()

	var out []string
	for iter.Next() {
		out = append(out, strings.TrimPrefix(string(iter.Key()), prefixProtocol))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("store: list commands: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) stats(key string) Stats {
	data, err := s.db.Get([]byte(prefixStats+key), nil)
	if err != nil {
		return Stats{}
	}
	var st Stats
	if err := json.Unmarshal(data, &st); err != nil {
		return Stats{}
	}
	return st
}
