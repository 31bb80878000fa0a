package proofs

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/proofgate/pkg/lightclient"
	"github.com/ethpandaops/proofgate/pkg/periodstore"
)

// Transitioner applies sync-committee transitions: it validates each fetched
// light client update against the committee of the period before it and
// persists the next committee, walking the store forward one period at a
// time.
type Transitioner struct {
	log      logrus.FieldLogger
	store    *periodstore.Store
	verifier Verifier
}

// NewTransitioner creates a transitioner over the period store.
func NewTransitioner(log logrus.FieldLogger, store *periodstore.Store, verifier Verifier) *Transitioner {
	return &Transitioner{
		log:      log.WithField("component", "sync_transition"),
		store:    store,
		verifier: verifier,
	}
}

// Apply validates and persists the raw update payloads for the walk from
// period `from` (stored) up to `to`. payloads[i] must hold the update
// attested in period from+i.
func (t *Transitioner) Apply(payloads [][]byte, from, to uint64) error {
	period := from

	for _, raw := range payloads {
		updates, err := lightclient.ParseUpdates(raw)
		if err != nil {
			return err
		}

		if len(updates) == 0 {
			return errors.Errorf("no light client update for period %d", period)
		}

		update := updates[0]

		if got := update.AttestedPeriod(); got != period {
			return errors.Errorf("update out of order: attested period %d, want %d", got, period)
		}

		blob, err := t.store.SyncCommittee(period)
		if err != nil {
			return errors.Wrapf(err, "committee for period %d not stored", period)
		}

		committee, err := lightclient.DecodeCommittee(blob)
		if err != nil {
			return err
		}

		if err := t.verifier.VerifyUpdate(update, committee); err != nil {
			return errors.Wrapf(err, "update for period %d", period)
		}

		next := period + 1
		if err := t.store.PutSyncCommittee(next, update.NextSyncCommittee.Encode()); err != nil {
			return err
		}

		t.log.WithField("period", next).Info("Stored sync committee")

		period = next
	}

	if period < to {
		return errors.Errorf("transition stopped at period %d, want %d", period, to)
	}

	return nil
}
