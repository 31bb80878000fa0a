package datareq

import (
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// Type identifies the upstream family a request is served by.
type Type uint8

const (
	TypeEthRPC Type = iota
	TypeBeaconAPI
	TypeRESTAPI
	TypeInternal
)

// String returns the type name.
func (t Type) String() string {
	switch t {
	case TypeEthRPC:
		return "eth_rpc"
	case TypeBeaconAPI:
		return "beacon_api"
	case TypeRESTAPI:
		return "rest_api"
	case TypeInternal:
		return "internal"
	}

	return "unknown"
}

// Encoding is the body encoding requested from (and sent to) the upstream.
type Encoding uint8

const (
	EncodingJSON Encoding = iota
	EncodingSSZ
	EncodingOctet
)

// ContentType returns the request content type for the encoding.
func (e Encoding) ContentType() string {
	switch e {
	case EncodingSSZ, EncodingOctet:
		return "application/octet-stream"
	default:
		return "application/json"
	}
}

// Accept returns the Accept header value for the encoding.
func (e Encoding) Accept() string {
	return e.ContentType()
}

// Request is a single upstream read. It is created by a proof builder (or by
// recursive fan-out), registered with the owning request context and the
// coalescing cache, and completes exactly once with either Response or Err
// set. It stays attached to its request context until that context
// terminates.
type Request struct {
	Kind     Type
	Encoding Encoding

	// Verb is the HTTP verb; URL is the path suffix resolved against the
	// chosen upstream's base URL.
	Verb string
	URL  string

	// Method is the JSON-RPC method for eth_rpc requests, empty otherwise.
	Method  string
	Payload []byte

	// TTL is a cache lifetime hint. Zero means the cache policy default.
	TTL time.Duration

	// Exclude is the node-exclude bitmask; bit i excludes upstream index i
	// of the matching kind. Preferred is an upstream kind-flag mask that
	// biases selection.
	Exclude   uint64
	Preferred uint8

	// Block, when non-zero, is the execution block the read depends on;
	// selection prefers upstreams whose observed head covers it.
	Block uint64

	// Completion slots. Upstream is the index of the upstream that served
	// the response, -1 before the first attempt.
	Response []byte
	Err      error
	Upstream int
	Attempts int

	fp    common.Hash
	fpSet bool
}

// Fingerprint returns the deterministic 32-byte identity of the request,
// computed over type, url, verb, payload and encoding. It is the cache and
// coalescing key.
func (r *Request) Fingerprint() common.Hash {
	if r.fpSet {
		return r.fp
	}

	h := sha256.New()
	h.Write([]byte{byte(r.Kind), byte(r.Encoding)})
	h.Write([]byte(r.Verb))
	h.Write([]byte{0})
	h.Write([]byte(r.URL))
	h.Write([]byte{0})
	h.Write(r.Payload)

	copy(r.fp[:], h.Sum(nil))
	r.fpSet = true

	return r.fp
}

// Done reports whether the request has completed.
func (r *Request) Done() bool {
	return r.Response != nil || r.Err != nil
}

// Complete stores the response payload. The first completion wins; later
// calls are ignored so a cancelled retry cannot clobber a settled request.
func (r *Request) Complete(payload []byte) {
	if r.Done() {
		return
	}

	r.Response = payload
}

// Fail stores the terminal error.
func (r *Request) Fail(err error) {
	if r.Done() {
		return
	}

	r.Err = err
}

// Reset clears the completion slots so the request can be re-dispatched on
// another upstream. Identity (fingerprint) is unchanged.
func (r *Request) Reset() {
	r.Response = nil
	r.Err = nil
	r.Upstream = -1
}

// rpcCall is the JSON-RPC request envelope sent to execution upstreams.
type rpcCall struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      int             `json:"id"`
}

// NewEthRPC builds an eth_rpc POST request for the given method and params.
// Params must marshal to a JSON array.
func NewEthRPC(method string, params interface{}) (*Request, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, "marshal params")
	}

	payload, err := json.Marshal(rpcCall{
		JSONRPC: "2.0",
		Method:  method,
		Params:  raw,
		ID:      1,
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal call")
	}

	return &Request{
		Kind:     TypeEthRPC,
		Encoding: EncodingJSON,
		Verb:     http.MethodPost,
		Method:   method,
		Payload:  payload,
		Upstream: -1,
	}, nil
}

// NewEthRPCRaw wraps an already-encoded JSON-RPC body, as used by the
// transparent proxy path.
func NewEthRPCRaw(method string, body []byte) *Request {
	return &Request{
		Kind:     TypeEthRPC,
		Encoding: EncodingJSON,
		Verb:     http.MethodPost,
		Method:   method,
		Payload:  body,
		Upstream: -1,
	}
}

// NewBeaconGET builds a beacon REST API GET request.
func NewBeaconGET(path string, encoding Encoding) *Request {
	return &Request{
		Kind:     TypeBeaconAPI,
		Encoding: encoding,
		Verb:     http.MethodGet,
		URL:      path,
		Upstream: -1,
	}
}

// NewInternal builds a request answered by the local period/chain store.
func NewInternal(path string) *Request {
	return &Request{
		Kind:     TypeInternal,
		Encoding: EncodingOctet,
		Verb:     http.MethodGet,
		URL:      path,
		Upstream: -1,
	}
}
