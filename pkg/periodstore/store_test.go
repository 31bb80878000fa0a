package periodstore

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, maxStates int, master string) *Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s, err := New(log, t.TempDir(), maxStates, master)
	require.NoError(t, err)

	return s
}

func TestPutGet(t *testing.T) {
	s := newTestStore(t, 3, "")

	require.NoError(t, s.Put("bootstrap_0xabc", []byte("blob")))

	data, err := s.Get("bootstrap_0xabc")
	require.NoError(t, err)
	require.Equal(t, []byte("blob"), data)

	_, err = s.Get("missing")
	require.Error(t, err)
}

func TestKeyTraversalRejected(t *testing.T) {
	s := newTestStore(t, 3, "")

	require.Error(t, s.Put("../escape", []byte("x")))
	_, err := s.Get("../../etc/passwd")
	require.Error(t, err)
}

func TestSyncCommitteeIndex(t *testing.T) {
	s := newTestStore(t, 3, "")

	for p := uint64(10); p <= 12; p++ {
		require.NoError(t, s.PutSyncCommittee(p, []byte{byte(p)}))
	}

	require.Equal(t, []uint32{10, 11, 12}, s.Periods())

	latest, ok := s.LatestPeriod()
	require.True(t, ok)
	require.EqualValues(t, 12, latest)

	blob, err := s.SyncCommittee(11)
	require.NoError(t, err)
	require.Equal(t, []byte{11}, blob)
}

func TestEvictionAtCapacity(t *testing.T) {
	s := newTestStore(t, 3, "")

	for p := uint64(1); p <= 5; p++ {
		require.NoError(t, s.PutSyncCommittee(p, []byte{byte(p)}))
	}

	require.Equal(t, []uint32{3, 4, 5}, s.Periods())

	// Evicted blobs are gone.
	_, err := s.SyncCommittee(1)
	require.Error(t, err)

	_, err = s.SyncCommittee(4)
	require.NoError(t, err)
}

func TestDuplicatePeriodNotReindexed(t *testing.T) {
	s := newTestStore(t, 3, "")

	require.NoError(t, s.PutSyncCommittee(7, []byte("a")))
	require.NoError(t, s.PutSyncCommittee(7, []byte("b")))

	require.Equal(t, []uint32{7}, s.Periods())

	blob, err := s.SyncCommittee(7)
	require.NoError(t, err)
	require.Equal(t, []byte("b"), blob)
}

func TestHandles(t *testing.T) {
	s := newTestStore(t, 3, "")

	require.True(t, s.Handles("period_store/sync_12"))
	require.True(t, s.Handles("chain_store/block_1"))
	require.False(t, s.Handles("eth/v2/beacon/blocks/head"))
}

func TestServeLocal(t *testing.T) {
	s := newTestStore(t, 3, "")

	require.NoError(t, s.Put("sync_9", []byte("committee")))

	data, err := s.Serve("period_store/sync_9")
	require.NoError(t, err)
	require.Equal(t, []byte("committee"), data)
}

func TestServeBackfillsFromMaster(t *testing.T) {
	master := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/sync_42" {
			w.Write([]byte("from master"))

			return
		}

		w.WriteHeader(http.StatusNotFound)
	}))
	defer master.Close()

	s := newTestStore(t, 3, master.URL)

	data, err := s.Serve("period_store/sync_42")
	require.NoError(t, err)
	require.Equal(t, []byte("from master"), data)

	// Write-through: the next read is local.
	local, err := s.Get("sync_42")
	require.NoError(t, err)
	require.Equal(t, []byte("from master"), local)

	_, err = s.Serve("period_store/absent_everywhere")
	require.Error(t, err)
}
