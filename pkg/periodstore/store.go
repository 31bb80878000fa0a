// Package periodstore persists sync-committee validator sets and other
// period-scoped resources as one file per key, and serves the gateway's
// internal read path. A configured master URL backfills missing resources.
package periodstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Prefixes reserved for internal dispatch; reads under them never leave the
// process.
const (
	PrefixPeriodStore = "period_store/"
	PrefixChainStore  = "chain_store/"
)

const statesKey = "states"

// Store is the file-backed period store. Methods are safe for concurrent use
// from the worker pool.
type Store struct {
	log       logrus.FieldLogger
	dir       string
	maxStates int
	masterURL string
	client    *http.Client

	mu sync.Mutex
}

// New opens (creating if needed) a store rooted at dir. masterURL may be
// empty, disabling backfill.
func New(log logrus.FieldLogger, dir string, maxStates int, masterURL string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create period store dir")
	}

	return &Store{
		log:       log.WithField("component", "period_store"),
		dir:       dir,
		maxStates: maxStates,
		masterURL: strings.TrimRight(masterURL, "/"),
		client:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Handles reports whether the path belongs to the internal store.
func (s *Store) Handles(path string) bool {
	return strings.HasPrefix(path, PrefixPeriodStore) || strings.HasPrefix(path, PrefixChainStore)
}

// Serve answers one internal read. Absent keys are backfilled from the
// master node when one is configured, writing through on success.
func (s *Store) Serve(path string) ([]byte, error) {
	key := strings.TrimPrefix(strings.TrimPrefix(path, PrefixPeriodStore), PrefixChainStore)

	data, err := s.Get(key)
	if err == nil {
		return data, nil
	}

	if s.masterURL == "" {
		return nil, err
	}

	data, err = s.fetchMaster(key)
	if err != nil {
		return nil, err
	}

	if err := s.Put(key, data); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("Write-through after master fetch failed")
	}

	return data, nil
}

// Get reads the raw bytes stored under key.
func (s *Store) Get(key string) ([]byte, error) {
	p, err := s.keyPath(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", key)
	}

	return data, nil
}

// Put stores raw bytes under key.
func (s *Store) Put(key string, data []byte) error {
	p, err := s.keyPath(key)
	if err != nil {
		return err
	}

	return errors.Wrapf(os.WriteFile(p, data, 0o644), "write %s", key)
}

// SyncCommittee returns the stored validator-set blob for a period.
func (s *Store) SyncCommittee(period uint64) ([]byte, error) {
	return s.Get(syncKey(period))
}

// PutSyncCommittee stores a period's validator set and registers it in the
// states index, evicting the oldest period when the index is full.
func (s *Store) PutSyncCommittee(period uint64, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.Put(syncKey(period), blob); err != nil {
		return err
	}

	periods := s.readIndex()

	for _, p := range periods {
		if p == uint32(period) {
			return nil
		}
	}

	periods = append(periods, uint32(period))
	sort.Slice(periods, func(i, j int) bool { return periods[i] < periods[j] })

	for s.maxStates > 0 && len(periods) > s.maxStates {
		evicted := periods[0]
		periods = periods[1:]

		if p, err := s.keyPath(syncKey(uint64(evicted))); err == nil {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				s.log.WithError(err).WithField("period", evicted).Warn("Evicting old sync state failed")
			}
		}
	}

	return s.writeIndex(periods)
}

// Periods returns the indexed periods in ascending order.
func (s *Store) Periods() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.readIndex()
}

// LatestPeriod returns the newest stored period, or ok=false when empty.
func (s *Store) LatestPeriod() (uint64, bool) {
	periods := s.Periods()
	if len(periods) == 0 {
		return 0, false
	}

	return uint64(periods[len(periods)-1]), true
}

func (s *Store) readIndex() []uint32 {
	data, err := s.Get(statesKey)
	if err != nil {
		return nil
	}

	out := make([]uint32, 0, len(data)/4)
	for i := 0; i+4 <= len(data); i += 4 {
		out = append(out, binary.LittleEndian.Uint32(data[i:]))
	}

	return out
}

func (s *Store) writeIndex(periods []uint32) error {
	data := make([]byte, 4*len(periods))
	for i, p := range periods {
		binary.LittleEndian.PutUint32(data[i*4:], p)
	}

	return s.Put(statesKey, data)
}

func (s *Store) fetchMaster(key string) ([]byte, error) {
	url := s.masterURL + "/" + key

	resp, err := s.client.Get(url)
	if err != nil {
		return nil, errors.Wrap(err, "fetch from master")
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("master returned %d for %s", resp.StatusCode, key)
	}

	return io.ReadAll(resp.Body)
}

// keyPath maps a key to a file inside the store, rejecting traversal.
func (s *Store) keyPath(key string) (string, error) {
	clean := filepath.Clean(key)
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", errors.Errorf("invalid store key: %q", key)
	}

	return filepath.Join(s.dir, clean), nil
}

func syncKey(period uint64) string {
	return fmt.Sprintf("sync_%d", period)
}
