package lightclient

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/pkg/errors"
)

// SyncAggregate is the committee's vote over an attested header. The bits
// are kept as the raw 64-byte vector; the gateway only counts participation,
// signature checking is the verifier's job.
type SyncAggregate struct {
	SyncCommitteeBits      []byte              `json:"sync_committee_bits"`
	SyncCommitteeSignature phase0.BLSSignature `json:"sync_committee_signature"`
}

type syncAggregateJSON struct {
	SyncCommitteeBits      string `json:"sync_committee_bits"`
	SyncCommitteeSignature string `json:"sync_committee_signature"`
}

// Participants counts the set bits.
func (s *SyncAggregate) Participants() int {
	n := 0

	for _, b := range s.SyncCommitteeBits {
		for b != 0 {
			n += int(b & 1)
			b >>= 1
		}
	}

	return n
}

// ToJSON converts the aggregate to its wire representation.
func (s *SyncAggregate) ToJSON() syncAggregateJSON {
	return syncAggregateJSON{
		SyncCommitteeBits:      fmt.Sprintf("%#x", s.SyncCommitteeBits),
		SyncCommitteeSignature: fmt.Sprintf("%#x", s.SyncCommitteeSignature),
	}
}

// FromJSON fills the aggregate from its wire representation.
func (s *SyncAggregate) FromJSON(data syncAggregateJSON) error {
	if data.SyncCommitteeBits == "" {
		return errors.New("sync committee bits are required")
	}

	if data.SyncCommitteeSignature == "" {
		return errors.New("sync committee signature is required")
	}

	bits, err := hex.DecodeString(strings.TrimPrefix(data.SyncCommitteeBits, "0x"))
	if err != nil {
		return errors.Wrap(err, "invalid sync committee bits")
	}

	s.SyncCommitteeBits = bits

	signature, err := hex.DecodeString(strings.TrimPrefix(data.SyncCommitteeSignature, "0x"))
	if err != nil {
		return errors.Wrap(err, "invalid sync committee signature")
	}

	copy(s.SyncCommitteeSignature[:], signature)

	return nil
}

// MarshalJSON implements json.Marshaler.
func (s SyncAggregate) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.ToJSON())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *SyncAggregate) UnmarshalJSON(input []byte) error {
	var data syncAggregateJSON
	if err := json.Unmarshal(input, &data); err != nil {
		return errors.Wrap(err, "failed to unmarshal sync aggregate")
	}

	return s.FromJSON(data)
}

// NextSyncCommitteeDepth and NextSyncCommitteeIndex locate the
// next_sync_committee field in the attested beacon state.
const (
	NextSyncCommitteeDepth = 5
	NextSyncCommitteeIndex = 23
)

// Update is a light client update: the committee's attestation over a state
// that commits to the next period's committee.
type Update struct {
	AttestedHeader          Header        `json:"attested_header"`
	NextSyncCommittee       SyncCommittee `json:"next_sync_committee"`
	NextSyncCommitteeBranch []phase0.Root `json:"next_sync_committee_branch"`
	FinalizedHeader         Header        `json:"finalized_header"`
	FinalityBranch          []phase0.Root `json:"finality_branch"`
	SyncAggregate           SyncAggregate `json:"sync_aggregate"`
	SignatureSlot           phase0.Slot   `json:"signature_slot"`
}

type updateJSON struct {
	AttestedHeader          json.RawMessage   `json:"attested_header"`
	NextSyncCommittee       syncCommitteeJSON `json:"next_sync_committee"`
	NextSyncCommitteeBranch []string          `json:"next_sync_committee_branch"`
	FinalizedHeader         json.RawMessage   `json:"finalized_header"`
	FinalityBranch          []string          `json:"finality_branch"`
	SyncAggregate           syncAggregateJSON `json:"sync_aggregate"`
	SignatureSlot           string            `json:"signature_slot"`
}

// AttestedPeriod returns the period of the attested header.
func (u *Update) AttestedPeriod() uint64 {
	return u.AttestedHeader.Beacon.Period()
}

// VerifyNextCommitteeBranch checks that the carried next committee is the one
// the attested state root commits to.
func (u *Update) VerifyNextCommitteeBranch() bool {
	return VerifyBranch(
		u.NextSyncCommittee.Root(),
		u.NextSyncCommitteeBranch,
		NextSyncCommitteeDepth,
		NextSyncCommitteeIndex,
		u.AttestedHeader.Beacon.StateRoot,
	)
}

// UnmarshalJSON implements json.Unmarshaler.
func (u *Update) UnmarshalJSON(input []byte) error {
	var jsonData updateJSON
	if err := json.Unmarshal(input, &jsonData); err != nil {
		return errors.Wrap(err, "invalid JSON")
	}

	if err := json.Unmarshal(jsonData.AttestedHeader, &u.AttestedHeader); err != nil {
		return errors.Wrap(err, "invalid attested header")
	}

	if err := u.NextSyncCommittee.FromJSON(jsonData.NextSyncCommittee); err != nil {
		return errors.Wrap(err, "invalid next sync committee")
	}

	u.NextSyncCommitteeBranch = make([]phase0.Root, len(jsonData.NextSyncCommitteeBranch))
	for i, root := range jsonData.NextSyncCommitteeBranch {
		if err := decodeRoot(&u.NextSyncCommitteeBranch[i], root); err != nil {
			return errors.Wrapf(err, "invalid next sync committee branch root: %s", root)
		}
	}

	if len(jsonData.FinalizedHeader) > 0 {
		if err := json.Unmarshal(jsonData.FinalizedHeader, &u.FinalizedHeader); err != nil {
			return errors.Wrap(err, "invalid finalized header")
		}
	}

	u.FinalityBranch = make([]phase0.Root, len(jsonData.FinalityBranch))
	for i, root := range jsonData.FinalityBranch {
		if err := decodeRoot(&u.FinalityBranch[i], root); err != nil {
			return errors.Wrapf(err, "invalid finality branch root: %s", root)
		}
	}

	if err := u.SyncAggregate.FromJSON(jsonData.SyncAggregate); err != nil {
		return errors.Wrap(err, "invalid sync aggregate")
	}

	slot, err := strconv.ParseUint(jsonData.SignatureSlot, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid signature slot: %s", jsonData.SignatureSlot)
	}

	u.SignatureSlot = phase0.Slot(slot)

	return nil
}

// MarshalJSON implements json.Marshaler.
func (u Update) MarshalJSON() ([]byte, error) {
	nextSyncCommitteeBranch := make([]string, len(u.NextSyncCommitteeBranch))
	for i, root := range u.NextSyncCommitteeBranch {
		nextSyncCommitteeBranch[i] = root.String()
	}

	finalityBranch := make([]string, len(u.FinalityBranch))
	for i, root := range u.FinalityBranch {
		finalityBranch[i] = root.String()
	}

	attested, err := json.Marshal(u.AttestedHeader)
	if err != nil {
		return nil, err
	}

	finalized, err := json.Marshal(u.FinalizedHeader)
	if err != nil {
		return nil, err
	}

	return json.Marshal(&updateJSON{
		AttestedHeader:          attested,
		NextSyncCommittee:       u.NextSyncCommittee.ToJSON(),
		NextSyncCommitteeBranch: nextSyncCommitteeBranch,
		FinalizedHeader:         finalized,
		FinalityBranch:          finalityBranch,
		SyncAggregate:           u.SyncAggregate.ToJSON(),
		SignatureSlot:           fmt.Sprintf("%d", u.SignatureSlot),
	})
}

// updatesResponse is the beacon API envelope for
// eth/v1/beacon/light_client/updates.
type updatesResponse []struct {
	Version string `json:"version"`
	Data    Update `json:"data"`
}

// ParseUpdates parses the beacon API response body for a light client
// updates query.
func ParseUpdates(body []byte) ([]*Update, error) {
	var resp updatesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, "parse light client updates")
	}

	out := make([]*Update, len(resp))
	for i := range resp {
		u := resp[i].Data
		out[i] = &u
	}

	return out, nil
}
