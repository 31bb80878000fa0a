package proofs

import (
	"encoding/json"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/ethpandaops/proofgate/pkg/datareq"
	"github.com/ethpandaops/proofgate/pkg/engine"
	"github.com/ethpandaops/proofgate/pkg/lightclient"
)

// getProofResult is the eth_getProof response payload.
type getProofResult struct {
	Result struct {
		Address      string   `json:"address"`
		AccountProof []string `json:"accountProof"`
		Balance      string   `json:"balance"`
		CodeHash     string   `json:"codeHash"`
		Nonce        string   `json:"nonce"`
		StorageHash  string   `json:"storageHash"`
		StorageProof []struct {
			Key   string   `json:"key"`
			Value string   `json:"value"`
			Proof []string `json:"proof"`
		} `json:"storageProof"`
	} `json:"result"`
}

// headBlockJSON is the subset of the head block response the builder anchors
// on.
type headBlockJSON struct {
	Data struct {
		Message struct {
			Slot string `json:"slot"`
			Body struct {
				ExecutionPayload struct {
					BlockNumber string `json:"block_number"`
					BlockHash   string `json:"block_hash"`
				} `json:"execution_payload"`
			} `json:"body"`
		} `json:"message"`
	} `json:"data"`
}

// accountBuilder drives one account-state proof: fetch the canonical head
// block and an eth_getProof witness, run a sync transition when the block's
// period is ahead of the store, then assemble the envelope on the worker
// pool.
type accountBuilder struct {
	parent *Builder
	method string
	mode   Mode

	address    common.Address
	storageKey common.Hash
	blockParam string

	headDR  *datareq.Request
	proofDR *datareq.Request

	proof       *getProofResult
	syncChecked bool
	assembled   bool
}

func (b *accountBuilder) parseParams(params json.RawMessage) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(params, &raw); err != nil {
		return errors.Wrap(err, "params must be an array")
	}

	want := 2
	if b.method == "eth_getStorageAt" {
		want = 3
	}

	if len(raw) < want {
		return errors.Errorf("%s needs %d params", b.method, want)
	}

	var addr string
	if err := json.Unmarshal(raw[0], &addr); err != nil {
		return errors.Wrap(err, "address")
	}

	b.address = common.HexToAddress(addr)

	blockIdx := 1

	if b.method == "eth_getStorageAt" {
		var key string
		if err := json.Unmarshal(raw[1], &key); err != nil {
			return errors.Wrap(err, "storage key")
		}

		b.storageKey = common.HexToHash(key)
		blockIdx = 2
	}

	b.blockParam = parseBlockParam(raw[blockIdx])

	return nil
}

// parseBlockParam accepts either a plain tag/quantity string or the object
// form {"block": "..."}.
func parseBlockParam(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var obj struct {
		Block string `json:"block"`
	}

	if err := json.Unmarshal(raw, &obj); err == nil && obj.Block != "" {
		return obj.Block
	}

	return "latest"
}

func (b *accountBuilder) step(rc *engine.Request) engine.StepResult {
	if b.headDR == nil {
		b.headDR = rc.Need(datareq.NewBeaconGET("eth/v2/beacon/blocks/head", datareq.EncodingJSON))

		storageKeys := []common.Hash{}
		if b.method == "eth_getStorageAt" {
			storageKeys = append(storageKeys, b.storageKey)
		}

		dr, err := datareq.NewEthRPC("eth_getProof", []interface{}{b.address, storageKeys, b.blockParam})
		if err != nil {
			rc.SetError(errors.Wrap(engine.ErrUpstreamUser, err.Error()))

			return engine.StepError
		}

		if n, perr := strconv.ParseUint(trimHex(b.blockParam), 16, 64); perr == nil {
			dr.Block = n
		}

		b.proofDR = rc.Need(dr)

		return engine.StepPending
	}

	for _, dr := range []*datareq.Request{b.headDR, b.proofDR} {
		if dr.Err != nil {
			rc.SetError(dr.Err)

			return engine.StepError
		}
	}

	if !b.syncChecked {
		b.syncChecked = true

		if rng, ok := b.parent.syncRangeFor(b.headDR.Response); ok {
			rc.NeedsSync = rng

			return engine.StepPending
		}
	}

	if b.proof == nil {
		b.proof = new(getProofResult)
		if err := json.Unmarshal(b.proofDR.Response, b.proof); err != nil {
			rc.SetError(errors.Wrap(err, "parse eth_getProof response"))

			return engine.StepError
		}

		// Envelope assembly is CPU work; run the next pass off-loop.
		rc.Offload = true

		return engine.StepPending
	}

	if !b.assembled {
		b.assembled = true

		return b.assemble(rc)
	}

	return engine.StepError
}

func (b *accountBuilder) assemble(rc *engine.Request) engine.StepResult {
	value, err := b.resultValue()
	if err != nil {
		rc.SetError(err)

		return engine.StepError
	}

	if b.mode == ModeRPC {
		out, merr := json.Marshal(value)
		if merr != nil {
			rc.SetError(merr)

			return engine.StepError
		}

		rc.Result = out

		return engine.StepSuccess
	}

	padded, err := EncodeUint256(value)
	if err != nil {
		rc.SetError(err)

		return engine.StepError
	}

	rc.Result = Encode(SelectorData, padded)

	return engine.StepSuccess
}

func (b *accountBuilder) resultValue() (string, error) {
	res := b.proof.Result

	switch b.method {
	case "eth_getBalance":
		return orZero(res.Balance), nil
	case "eth_getTransactionCount":
		return orZero(res.Nonce), nil
	case "eth_getStorageAt":
		if len(res.StorageProof) == 0 {
			return "0x0", nil
		}

		return orZero(res.StorageProof[0].Value), nil
	}

	return "", errors.Errorf("no value extraction for %s", b.method)
}

func orZero(s string) string {
	if s == "" {
		return "0x0"
	}

	return s
}

func trimHex(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}

	return s
}

// syncRangeFor inspects the head block and reports the period gap the store
// must close before the proof can be verified. An empty store means the
// gateway runs unanchored and no transition is attempted.
func (b *Builder) syncRangeFor(headBlock []byte) (*engine.SyncRange, bool) {
	if b.store == nil {
		return nil, false
	}

	latest, ok := b.store.LatestPeriod()
	if !ok {
		return nil, false
	}

	var blk headBlockJSON
	if err := json.Unmarshal(headBlock, &blk); err != nil {
		return nil, false
	}

	slot, err := strconv.ParseUint(blk.Data.Message.Slot, 10, 64)
	if err != nil {
		return nil, false
	}

	needed := slot / lightclient.SlotsPerPeriod
	if needed <= latest {
		return nil, false
	}

	return &engine.SyncRange{From: latest, To: needed}, true
}
