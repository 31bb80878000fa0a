package proofs

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/proofgate/pkg/datareq"
	"github.com/ethpandaops/proofgate/pkg/engine"
	"github.com/ethpandaops/proofgate/pkg/periodstore"
)

// Mode selects the terminal artifact: the binary proof envelope or the
// locally verified JSON result.
type Mode int

const (
	ModeProof Mode = iota
	ModeRPC
)

// Builder constructs proof state functions for supported RPC methods.
type Builder struct {
	log      logrus.FieldLogger
	store    *periodstore.Store
	verifier Verifier
}

// NewBuilder creates a builder. store may be nil (unanchored operation).
func NewBuilder(log logrus.FieldLogger, store *periodstore.Store, verifier Verifier) *Builder {
	return &Builder{
		log:      log.WithField("component", "proofs"),
		store:    store,
		verifier: verifier,
	}
}

// accountMethods are served through an eth_getProof witness.
var accountMethods = map[string]bool{
	"eth_getBalance":          true,
	"eth_getTransactionCount": true,
	"eth_getStorageAt":        true,
}

// StepFor returns the state function implementing the method, or an error
// for unsupported methods.
func (b *Builder) StepFor(method string, params json.RawMessage, mode Mode) (engine.StepFunc, error) {
	if accountMethods[method] {
		ab := &accountBuilder{parent: b, method: method, mode: mode}
		if err := ab.parseParams(params); err != nil {
			return nil, err
		}

		return ab.step, nil
	}

	return nil, errors.Wrapf(engine.ErrMethodNotSupported, "no proof builder for %s", method)
}

// Passthrough returns a state function that forwards one pre-built read and
// returns its raw response, used by the transparent proxy endpoints.
func Passthrough(dr *datareq.Request) engine.StepFunc {
	registered := false

	return func(rc *engine.Request) engine.StepResult {
		if !registered {
			registered = true
			rc.Need(dr)

			return engine.StepPending
		}

		if dr.Err != nil {
			rc.SetError(dr.Err)

			return engine.StepError
		}

		rc.Result = dr.Response

		return engine.StepSuccess
	}
}
