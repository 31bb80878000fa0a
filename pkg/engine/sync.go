package engine

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/ethpandaops/proofgate/pkg/cache"
	"github.com/ethpandaops/proofgate/pkg/datareq"
)

// beginSyncTransition fills the gap between the newest stored sync-committee
// period and the one the proof needs. One update is fetched per missing
// period; each is validated against its predecessor's committee and
// persisted before the original proof resumes.
func (e *Engine) beginSyncTransition(rc *Request) {
	tr := rc.NeedsSync
	rc.NeedsSync = nil
	rc.state = StateAwaiting

	if tr.To <= tr.From {
		e.loop.Post(func() {
			e.resume(rc)
		})

		return
	}

	count := int(tr.To - tr.From)
	payloads := make([][]byte, count)
	remaining := count
	failed := false

	e.log.WithField("trace", rc.TraceID).
		WithField("from", tr.From).
		WithField("to", tr.To).
		Info("Sync committee transition required")

	// One update per missing step: the update attested in period p carries
	// the committee for p+1, so the walk starts at the newest stored period.
	for i := 0; i < count; i++ {
		period := tr.From + uint64(i)
		slot := i

		dr := datareq.NewBeaconGET(
			fmt.Sprintf("eth/v1/beacon/light_client/updates?start_period=%d&count=1", period),
			datareq.EncodingJSON,
		)

		e.cacheRead(dr, func(payload []byte, err error) {
			if failed || rc.state == StateTerminal {
				return
			}

			if err != nil {
				failed = true
				e.terminal(rc, nil, errors.Wrapf(err, "light client update for period %d", period))

				return
			}

			payloads[slot] = payload
			remaining--

			if remaining == 0 {
				e.applySyncTransition(rc, payloads, tr)
			}
		})
	}
}

// cacheRead runs a standalone read through the coalescing cache outside any
// context's read vector.
func (e *Engine) cacheRead(dr *datareq.Request, done func(payload []byte, err error)) {
	waiter := func(payload []byte, err error) {
		done(payload, err)
	}

	if e.cache.GetOrSubscribe(dr, waiter) == cache.Miss {
		e.lead(dr)
	}
}

func (e *Engine) applySyncTransition(rc *Request, payloads [][]byte, tr *SyncRange) {
	ok := e.workers.Submit(func() (interface{}, error) {
		return nil, e.sync.Apply(payloads, tr.From, tr.To)
	}, func(_ interface{}, err error) {
		if rc.state == StateTerminal {
			return
		}

		if err != nil {
			e.terminal(rc, nil, errors.Wrap(err, "sync transition"))

			return
		}

		rc.state = StateRunning
		e.loop.Post(func() {
			e.resume(rc)
		})
	})
	if !ok {
		e.terminal(rc, nil, errors.Wrap(ErrResourceExhausted, "worker queue full"))
	}
}
