package engine

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ethpandaops/proofgate/pkg/datareq"
)

// StepResult is the three-valued outcome of one proof builder pass.
type StepResult int

const (
	// StepPending means the builder needs more reads (or offload) before it
	// can make progress.
	StepPending StepResult = iota
	// StepSuccess means rc.Result holds the finished response.
	StepSuccess
	// StepError means the builder failed; rc.Err holds the cause.
	StepError
)

// StepFunc is the opaque proof state function. It may register new data
// requests via Need and must be idempotent with respect to already-completed
// reads.
type StepFunc func(rc *Request) StepResult

// FinishFunc receives the terminal response exactly once. It runs on the
// loop, so it must hand the bytes off rather than block.
type FinishFunc func(result []byte, err error)

// State is the request context's resume state.
type State int

const (
	// StateRunning means a resume pass is executing or scheduled.
	StateRunning State = iota
	// StateAwaiting means the context is parked on unresolved reads.
	StateAwaiting
	// StateTerminal means the finish callback has fired.
	StateTerminal
)

// SyncRange marks the sync-committee periods a proof needs but the store
// lacks. The runner fills the gap before resuming the proof.
type SyncRange struct {
	From uint64
	To   uint64
}

// Request is the per-inbound-request context. It is created on ingress,
// mutated only by the owning loop, and destroyed exactly once when the
// terminal response is written.
type Request struct {
	Method  string
	Params  json.RawMessage
	ChainID uint64
	Start   time.Time
	TraceID string

	// Reads is the owned read vector; indices are stable, a retried read
	// rewrites its slot rather than its identity.
	Reads []*datareq.Request

	// Result and Err are the terminal slots. The first error written wins.
	Result []byte
	Err    error

	// Offload asks the runner to execute the next step on the worker pool.
	// NeedsSync asks it to run a sync-committee transition first.
	Offload   bool
	NeedsSync *SyncRange

	state      State
	step       StepFunc
	finish     FinishFunc
	cancelled  bool
	deadline   *time.Timer
	nextSubmit int
	readIndex  map[common.Hash]*datareq.Request

	engine *Engine
}

// Need registers a data request with the context. Replaying a fingerprint
// that is already registered returns the existing read (and its cached
// completion), which is what makes builder steps idempotent.
func (rc *Request) Need(dr *datareq.Request) *datareq.Request {
	fp := dr.Fingerprint()

	if existing, ok := rc.readIndex[fp]; ok {
		return existing
	}

	rc.Reads = append(rc.Reads, dr)
	rc.readIndex[fp] = dr

	return dr
}

// SetError writes the error slot; the first writer wins.
func (rc *Request) SetError(err error) {
	if rc.Err == nil {
		rc.Err = err
	}
}

// Cancelled reports whether the client went away or the context was
// cancelled. Builders check this at each resume.
func (rc *Request) Cancelled() bool {
	return rc.cancelled
}

func (rc *Request) unresolved() int {
	n := 0

	for _, dr := range rc.Reads {
		if !dr.Done() {
			n++
		}
	}

	return n
}
