// Package lightclient holds the light-client protocol structures the gateway
// exchanges with beacon upstreams: headers, sync committees, aggregates and
// updates, with the hashing needed to check committee-transition branches.
package lightclient

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/pkg/errors"
)

// SlotsPerPeriod is the sync-committee schedule unit: 256 epochs of 32 slots.
const SlotsPerPeriod = 8192

// BeaconBlockHeader is the consensus block header carried in light client
// messages.
type BeaconBlockHeader struct {
	Slot          phase0.Slot           `json:"slot"`
	ProposerIndex phase0.ValidatorIndex `json:"proposer_index"`
	ParentRoot    phase0.Root           `json:"parent_root"`
	StateRoot     phase0.Root           `json:"state_root"`
	BodyRoot      phase0.Root           `json:"body_root"`
}

type beaconBlockHeaderJSON struct {
	Slot          string `json:"slot"`
	ProposerIndex string `json:"proposer_index"`
	ParentRoot    string `json:"parent_root"`
	StateRoot     string `json:"state_root"`
	BodyRoot      string `json:"body_root"`
}

// Period returns the sync-committee period the header's slot falls in.
func (h *BeaconBlockHeader) Period() uint64 {
	return uint64(h.Slot) / SlotsPerPeriod
}

// HashTreeRoot computes the SSZ hash tree root of the header.
func (h *BeaconBlockHeader) HashTreeRoot() phase0.Root {
	var slotChunk, proposerChunk [32]byte

	binary.LittleEndian.PutUint64(slotChunk[:8], uint64(h.Slot))
	binary.LittleEndian.PutUint64(proposerChunk[:8], uint64(h.ProposerIndex))

	return Merkleize([][32]byte{
		slotChunk,
		proposerChunk,
		h.ParentRoot,
		h.StateRoot,
		h.BodyRoot,
	})
}

// ToJSON converts the header to its wire representation.
func (h *BeaconBlockHeader) ToJSON() beaconBlockHeaderJSON {
	return beaconBlockHeaderJSON{
		Slot:          fmt.Sprintf("%d", h.Slot),
		ProposerIndex: fmt.Sprintf("%d", h.ProposerIndex),
		ParentRoot:    h.ParentRoot.String(),
		StateRoot:     h.StateRoot.String(),
		BodyRoot:      h.BodyRoot.String(),
	}
}

// FromJSON fills the header from its wire representation.
func (h *BeaconBlockHeader) FromJSON(data beaconBlockHeaderJSON) error {
	slot, err := strconv.ParseUint(data.Slot, 10, 64)
	if err != nil {
		return errors.Wrap(err, "invalid slot")
	}

	h.Slot = phase0.Slot(slot)

	proposerIndex, err := strconv.ParseUint(data.ProposerIndex, 10, 64)
	if err != nil {
		return errors.Wrap(err, "invalid proposer index")
	}

	h.ProposerIndex = phase0.ValidatorIndex(proposerIndex)

	if err := decodeRoot(&h.ParentRoot, data.ParentRoot); err != nil {
		return errors.Wrap(err, "invalid parent root")
	}

	if err := decodeRoot(&h.StateRoot, data.StateRoot); err != nil {
		return errors.Wrap(err, "invalid state root")
	}

	if err := decodeRoot(&h.BodyRoot, data.BodyRoot); err != nil {
		return errors.Wrap(err, "invalid body root")
	}

	return nil
}

// MarshalJSON implements json.Marshaler.
func (h BeaconBlockHeader) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.ToJSON())
}

// UnmarshalJSON implements json.Unmarshaler.
func (h *BeaconBlockHeader) UnmarshalJSON(data []byte) error {
	var jsonData beaconBlockHeaderJSON
	if err := json.Unmarshal(data, &jsonData); err != nil {
		return err
	}

	return h.FromJSON(jsonData)
}

// Header wraps the beacon header the way light client messages carry it.
type Header struct {
	Beacon BeaconBlockHeader `json:"beacon"`
}

func decodeRoot(dst *phase0.Root, s string) error {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return err
	}

	if len(raw) != 32 {
		return errors.Errorf("root must be 32 bytes, got %d", len(raw))
	}

	copy(dst[:], raw)

	return nil
}
