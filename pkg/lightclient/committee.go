package lightclient

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/pkg/errors"
)

// CommitteeSize is the number of validators in a sync committee.
const CommitteeSize = 512

// SyncCommittee is one period's committee: 512 public keys plus their
// aggregate.
type SyncCommittee struct {
	Pubkeys         []phase0.BLSPubKey `json:"pubkeys"`
	AggregatePubkey phase0.BLSPubKey   `json:"aggregate_pubkey"`
}

type syncCommitteeJSON struct {
	Pubkeys         []string `json:"pubkeys"`
	AggregatePubkey string   `json:"aggregate_pubkey"`
}

// Root computes the SSZ hash tree root of the committee, as committed to by
// the next_sync_committee branch of a light client update.
func (s *SyncCommittee) Root() phase0.Root {
	leaves := make([][32]byte, len(s.Pubkeys))
	for i := range s.Pubkeys {
		leaves[i] = pubkeyRoot(s.Pubkeys[i])
	}

	pubkeysRoot := Merkleize(leaves)
	aggRoot := pubkeyRoot(s.AggregatePubkey)

	return Merkleize([][32]byte{pubkeysRoot, aggRoot})
}

// pubkeyRoot hashes one 48-byte key as a two-chunk SSZ byte vector.
func pubkeyRoot(pk phase0.BLSPubKey) [32]byte {
	var c0, c1 [32]byte

	copy(c0[:], pk[:32])
	copy(c1[:], pk[32:])

	return hashPair(c0, c1)
}

// Encode serializes the committee to the period-store blob layout: 512 keys
// of 48 bytes followed by the aggregate key.
func (s *SyncCommittee) Encode() []byte {
	out := make([]byte, 0, (CommitteeSize+1)*48)

	for _, pk := range s.Pubkeys {
		out = append(out, pk[:]...)
	}

	out = append(out, s.AggregatePubkey[:]...)

	return out
}

// DecodeCommittee parses a period-store blob back into a committee.
func DecodeCommittee(blob []byte) (*SyncCommittee, error) {
	if len(blob) != (CommitteeSize+1)*48 {
		return nil, errors.Errorf("committee blob must be %d bytes, got %d", (CommitteeSize+1)*48, len(blob))
	}

	s := &SyncCommittee{
		Pubkeys: make([]phase0.BLSPubKey, CommitteeSize),
	}

	for i := 0; i < CommitteeSize; i++ {
		copy(s.Pubkeys[i][:], blob[i*48:(i+1)*48])
	}

	copy(s.AggregatePubkey[:], blob[CommitteeSize*48:])

	return s, nil
}

// ToJSON converts the committee to its wire representation.
func (s *SyncCommittee) ToJSON() syncCommitteeJSON {
	pubkeys := make([]string, len(s.Pubkeys))
	for i, pubkey := range s.Pubkeys {
		pubkeys[i] = fmt.Sprintf("%#x", pubkey)
	}

	return syncCommitteeJSON{
		Pubkeys:         pubkeys,
		AggregatePubkey: fmt.Sprintf("%#x", s.AggregatePubkey),
	}
}

// FromJSON fills the committee from its wire representation.
func (s *SyncCommittee) FromJSON(data syncCommitteeJSON) error {
	s.Pubkeys = make([]phase0.BLSPubKey, len(data.Pubkeys))

	for i, pubkey := range data.Pubkeys {
		pk, err := hex.DecodeString(strings.TrimPrefix(pubkey, "0x"))
		if err != nil {
			return errors.Wrapf(err, "invalid pubkey: %s", pubkey)
		}

		copy(s.Pubkeys[i][:], pk)
	}

	aggregatePubkey, err := hex.DecodeString(strings.TrimPrefix(data.AggregatePubkey, "0x"))
	if err != nil {
		return errors.Wrap(err, "invalid aggregate pubkey")
	}

	copy(s.AggregatePubkey[:], aggregatePubkey)

	return nil
}

// MarshalJSON implements json.Marshaler.
func (s SyncCommittee) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.ToJSON())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *SyncCommittee) UnmarshalJSON(data []byte) error {
	var jsonData syncCommitteeJSON
	if err := json.Unmarshal(data, &jsonData); err != nil {
		return err
	}

	return s.FromJSON(jsonData)
}
