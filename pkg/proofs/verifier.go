package proofs

import (
	"github.com/pkg/errors"

	"github.com/ethpandaops/proofgate/pkg/lightclient"
)

// SignatureVerifier is the narrow seam to the BLS library: it checks an
// aggregate signature of the participant keys over a signing root. The
// cryptographic implementation lives outside the engine.
type SignatureVerifier interface {
	VerifyAggregate(pubkeys [][]byte, signingRoot [32]byte, signature []byte) error
}

// Verifier validates a light client update against the committee that
// signed it.
type Verifier interface {
	VerifyUpdate(update *lightclient.Update, committee *lightclient.SyncCommittee) error
}

// ThresholdVerifier checks supermajority participation and the
// next-committee merkle branch, delegating the aggregate signature to the
// injected SignatureVerifier when one is configured.
type ThresholdVerifier struct {
	Signature SignatureVerifier
}

// VerifyUpdate implements Verifier.
func (v *ThresholdVerifier) VerifyUpdate(update *lightclient.Update, committee *lightclient.SyncCommittee) error {
	participants := update.SyncAggregate.Participants()
	if participants*3 < lightclient.CommitteeSize*2 {
		return errors.Errorf("insufficient participation: %d of %d", participants, lightclient.CommitteeSize)
	}

	if !update.VerifyNextCommitteeBranch() {
		return errors.New("next sync committee branch does not match attested state root")
	}

	if v.Signature == nil {
		return nil
	}

	pubkeys := participantKeys(update, committee)
	root := update.AttestedHeader.Beacon.HashTreeRoot()

	return errors.Wrap(
		v.Signature.VerifyAggregate(pubkeys, root, update.SyncAggregate.SyncCommitteeSignature[:]),
		"sync aggregate signature",
	)
}

func participantKeys(update *lightclient.Update, committee *lightclient.SyncCommittee) [][]byte {
	bits := update.SyncAggregate.SyncCommitteeBits

	var out [][]byte

	for i, pk := range committee.Pubkeys {
		if i/8 >= len(bits) {
			break
		}

		if bits[i/8]&(1<<uint(i%8)) != 0 {
			key := make([]byte, len(pk))
			copy(key, pk[:])
			out = append(out, key)
		}
	}

	return out
}
