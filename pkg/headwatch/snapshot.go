package headwatch

import (
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	v1 "github.com/attestantio/go-eth2-client/api/v1"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/ethpandaops/proofgate/pkg/datareq"
	"github.com/ethpandaops/proofgate/pkg/engine"
	"github.com/ethpandaops/proofgate/pkg/lightclient"
)

// BlockSnapshot is the digest of one beacon block a head event resolves to:
// enough for proof builders to anchor on without re-parsing the full block.
type BlockSnapshot struct {
	Slot            phase0.Slot
	Root            phase0.Root
	ParentRoot      phase0.Root
	ExecBlockNumber uint64
	ExecBlockHash   common.Hash
	SyncAggregate   lightclient.SyncAggregate
}

// signedBlockJSON is the subset of the beacon API block response the
// snapshot needs.
type signedBlockJSON struct {
	Data struct {
		Message struct {
			Slot       string `json:"slot"`
			ParentRoot string `json:"parent_root"`
			Body       struct {
				SyncAggregate    lightclient.SyncAggregate `json:"sync_aggregate"`
				ExecutionPayload struct {
					BlockNumber string `json:"block_number"`
					BlockHash   string `json:"block_hash"`
				} `json:"execution_payload"`
			} `json:"body"`
		} `json:"message"`
	} `json:"data"`
}

// snapshotFromBlock digests a JSON signed-block response.
func snapshotFromBlock(root phase0.Root, body []byte) (*BlockSnapshot, error) {
	var blk signedBlockJSON
	if err := json.Unmarshal(body, &blk); err != nil {
		return nil, errors.Wrap(err, "parse signed block")
	}

	msg := blk.Data.Message

	s := &BlockSnapshot{Root: root, SyncAggregate: msg.Body.SyncAggregate}

	slot, err := strconv.ParseUint(msg.Slot, 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "parse slot")
	}

	s.Slot = phase0.Slot(slot)

	parent, err := hex.DecodeString(strings.TrimPrefix(msg.ParentRoot, "0x"))
	if err != nil || len(parent) != 32 {
		return nil, errors.New("parse parent root")
	}

	copy(s.ParentRoot[:], parent)

	if msg.Body.ExecutionPayload.BlockNumber != "" {
		n, err := strconv.ParseUint(msg.Body.ExecutionPayload.BlockNumber, 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "parse execution block number")
		}

		s.ExecBlockNumber = n
		s.ExecBlockHash = common.HexToHash(msg.Body.ExecutionPayload.BlockHash)
	}

	return s, nil
}

// prefetchHead runs a background proof-context that fetches the event's
// signed block and its parent, then publishes both under the cache keys
// in-flight proofs use, so a proof awaiting the head joins the prefetch
// instead of dispatching its own read.
func (w *Watcher) prefetchHead(event *v1.HeadEvent) {
	root := event.Block
	var blockDR, parentDR *datareq.Request
	var snapshot *BlockSnapshot

	w.engine.SubmitInternal("head_prefetch", func(rc *engine.Request) engine.StepResult {
		if blockDR == nil {
			blockDR = rc.Need(datareq.NewBeaconGET("eth/v2/beacon/blocks/"+root.String(), datareq.EncodingJSON))

			return engine.StepPending
		}

		if blockDR.Err != nil {
			rc.SetError(blockDR.Err)

			return engine.StepError
		}

		if snapshot == nil {
			s, err := snapshotFromBlock(root, blockDR.Response)
			if err != nil {
				rc.SetError(err)

				return engine.StepError
			}

			snapshot = s
			w.recent.Add(root.String(), s)

			// Publish the block under the head key and its own root so
			// waiters on either fingerprint resolve from this fetch.
			w.engine.Cache().Put(datareq.NewBeaconGET("eth/v2/beacon/blocks/head", datareq.EncodingJSON), blockDR.Response)

			parentDR = rc.Need(datareq.NewBeaconGET("eth/v2/beacon/blocks/"+s.ParentRoot.String(), datareq.EncodingJSON))

			return engine.StepPending
		}

		if parentDR.Err != nil {
			// The parent is best-effort; the head snapshot already stands.
			w.log.WithError(parentDR.Err).Debug("Head parent prefetch failed")
		} else if parent, err := snapshotFromBlock(snapshot.ParentRoot, parentDR.Response); err == nil {
			w.recent.Add(parent.Root.String(), parent)
		}

		rc.Result = blockDR.Response

		return engine.StepSuccess
	})
}

