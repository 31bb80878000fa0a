package headwatch_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	v1 "github.com/attestantio/go-eth2-client/api/v1"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/proofgate/pkg/cache"
	"github.com/ethpandaops/proofgate/pkg/engine"
	"github.com/ethpandaops/proofgate/pkg/headwatch"
	"github.com/ethpandaops/proofgate/pkg/upstream"
)

const headRoot = "0x6a5e148994e5e6ca8d0e328cf0dee26ad10692ef77b1e8cf45d859d2bea2eec6"

const blockBody = `{"data":{"message":{"slot":"8192","parent_root":"0x59d2bea2eec68a5e148994e5e6ca8d0e328cf0dee26ad10692ef77b1e8cf45d8","body":{"sync_aggregate":{"sync_committee_bits":"0x%s","sync_committee_signature":"0x%s"},"execution_payload":{"block_number":"100","block_hash":"0x8c5a9443e4e479f40bfe30e0a9f33477ddf749af9b36bd39ba2b0f9f9d237e5c"}}}}}`

func beaconFake(t *testing.T, headDone chan struct{}) *httptest.Server {
	t.Helper()

	var blockHits atomic.Int64

	mux := http.NewServeMux()

	mux.HandleFunc("/eth/v1/events", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		flusher := w.(http.Flusher)

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		event := fmt.Sprintf("event: head\ndata: {\"slot\":\"8192\",\"block\":\"%s\",\"state\":\"%s\",\"epoch_transition\":false,\"previous_duty_dependent_root\":\"%s\",\"current_duty_dependent_root\":\"%s\",\"execution_optimistic\":false}\n\n",
			headRoot, headRoot, headRoot, headRoot)

		w.Write([]byte(event))
		flusher.Flush()

		select {
		case <-headDone:
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})

	mux.HandleFunc("/eth/v2/beacon/blocks/", func(w http.ResponseWriter, r *http.Request) {
		blockHits.Add(1)

		bits := strings.Repeat("ff", 64)
		sig := strings.Repeat("00", 96)

		w.Write([]byte(fmt.Sprintf(blockBody, bits, sig)))
	})

	return httptest.NewServer(mux)
}

func TestWatcherReceivesHeadAndPrefetches(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	headDone := make(chan struct{})
	srv := beaconFake(t, headDone)
	defer srv.Close()
	defer close(headDone)

	loop := engine.NewLoop(256)
	go loop.Run()

	registry := upstream.NewRegistry(log, upstream.DefaultOptions())
	registry.Add(upstream.KindBeaconAPI, srv.URL, upstream.FlagEventSource)

	store := cache.NewStore(log, cache.DefaultTTLPolicy(), nil)
	eng := engine.New(log, loop, registry, store, engine.DefaultConfig())

	cfg := headwatch.DefaultConfig()
	cfg.ReconnectWait = 50 * time.Millisecond

	w := headwatch.New(log, eng, cfg)

	heads := make(chan *v1.HeadEvent, 4)

	w.OnHead(func(event *v1.HeadEvent) {
		heads <- event
	})

	w.Start(context.Background())

	t.Cleanup(func() {
		w.Stop()
		eng.Stop()
		loop.Stop()
		<-loop.Done()
	})

	select {
	case event := <-heads:
		require.EqualValues(t, 8192, event.Slot)
		require.Equal(t, headRoot, event.Block.String())
	case <-time.After(5 * time.Second):
		t.Fatal("no head event received")
	}

	require.Eventually(t, func() bool {
		return w.State() == headwatch.StateStreaming
	}, time.Second, 10*time.Millisecond)

	// The prefetch proof-context resolves the block and snapshots it.
	require.Eventually(t, func() bool {
		snap, ok := w.Recent(headRoot)

		return ok && snap.ExecBlockNumber == 100 && snap.Slot == 8192
	}, 5*time.Second, 20*time.Millisecond)
}
