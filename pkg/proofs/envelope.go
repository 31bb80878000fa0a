// Package proofs holds the proof builders the engine drives: the state
// functions that turn one RPC method call into upstream reads and a
// verifiable response envelope.
package proofs

import (
	"strings"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// Envelope union selectors. The envelope is the top-level container the
// gateway emits: one selector byte followed by the selected arm's bytes.
const (
	SelectorProof    byte = 0
	SelectorData     byte = 1
	SelectorSyncData byte = 2
)

// Encode produces the envelope bytes for one arm.
func Encode(selector byte, payload []byte) []byte {
	out := make([]byte, 0, 1+len(payload))
	out = append(out, selector)
	out = append(out, payload...)

	return out
}

// Decode splits an envelope back into selector and payload.
func Decode(envelope []byte) (byte, []byte, error) {
	if len(envelope) == 0 {
		return 0, nil, errors.New("empty envelope")
	}

	return envelope[0], envelope[1:], nil
}

// EncodeUint256 left-pads a hex quantity into the 32-byte arm payload.
func EncodeUint256(hexValue string) ([]byte, error) {
	// Upstreams may send quantities with leading zero digits ("0x0a");
	// FromHex only accepts the canonical form, so strip them first.
	canonical := hexValue
	if len(canonical) > 3 && strings.HasPrefix(canonical, "0x") {
		digits := strings.TrimLeft(canonical[2:], "0")
		if digits == "" {
			digits = "0"
		}

		canonical = "0x" + digits
	}

	v, err := uint256.FromHex(canonical)
	if err != nil {
		return nil, errors.Wrapf(err, "parse quantity %q", hexValue)
	}

	out := v.Bytes32()

	return out[:], nil
}
