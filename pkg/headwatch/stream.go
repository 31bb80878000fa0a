package headwatch

import (
	"context"
	"net/http"
	"strings"
	"time"

	v1 "github.com/attestantio/go-eth2-client/api/v1"
	"github.com/pkg/errors"

	"github.com/ethpandaops/proofgate/pkg/sse"
	"github.com/ethpandaops/proofgate/pkg/upstream"
)

// stream holds one SSE subscription open until error, inactivity or
// shutdown. Bytes are parsed incrementally; partial frames stay buffered in
// the parser between reads.
func (w *Watcher) stream(ctx context.Context, base string, idx int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	url := strings.TrimRight(base, "/") + "/eth/v1/events?topics=" + w.cfg.Topics

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "build events request")
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Connection", "keep-alive")

	client := &http.Client{}

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "connect event stream")
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("event stream returned %d", resp.StatusCode)
	}

	w.lastByte.Store(time.Now().UnixNano())

	// Inactivity watchdog: no bytes for the timeout tears the stream down.
	watchdog := time.AfterFunc(w.cfg.InactivityTimeout, cancel)
	defer watchdog.Stop()

	parser := &sse.Parser{}
	buf := make([]byte, 4096)
	streaming := false

	for {
		n, readErr := resp.Body.Read(buf)

		if n > 0 {
			if !streaming {
				streaming = true

				w.setState(StateStreaming)
				w.log.WithField("url", base).Info("Beacon event stream connected")
			}

			w.lastByte.Store(time.Now().UnixNano())
			watchdog.Reset(w.cfg.InactivityTimeout)

			for _, ev := range parser.Feed(buf[:n]) {
				w.dispatchEvent(ev, idx)
			}
		}

		if readErr != nil {
			return errors.Wrap(readErr, "read event stream")
		}
	}
}

// dispatchEvent hands one parsed frame to the loop-side handler.
func (w *Watcher) dispatchEvent(ev sse.Event, idx int) {
	w.metrics.Event(ev.Type)

	w.engine.Loop().Post(func() {
		w.handleEvent(ev, idx)
	})
}

func (w *Watcher) handleEvent(ev sse.Event, idx int) {
	switch ev.Type {
	case topicHead:
		event := new(v1.HeadEvent)
		if err := event.UnmarshalJSON([]byte(ev.Data)); err != nil {
			w.log.WithError(err).Debug("Bad head event")

			return
		}

		w.engine.Registry().HeadObserved(upstream.KindBeaconAPI, idx, uint64(event.Slot), time.Now())
		w.checkStaleness(uint64(event.Slot))
		w.prefetchHead(event)
		w.broker.Emit(topicHead, event)
	case topicFinalizedCheckpoint:
		event := new(v1.FinalizedCheckpointEvent)
		if err := event.UnmarshalJSON([]byte(ev.Data)); err != nil {
			w.log.WithError(err).Debug("Bad finalized checkpoint event")

			return
		}

		w.broker.Emit(topicFinalizedCheckpoint, event)
	}
}

// checkStaleness compares the event slot against the wallclock's expected
// slot; a publisher lagging the chain is only worth a log line, the selector
// already penalizes stale heads.
func (w *Watcher) checkStaleness(slot uint64) {
	if w.wallclock == nil {
		return
	}

	current, _, err := w.wallclock.Now()
	if err != nil {
		return
	}

	if current.Number() > slot+2 {
		w.log.WithField("slot", slot).
			WithField("expected", current.Number()).
			Debug("Head event lags wallclock")
	}
}
