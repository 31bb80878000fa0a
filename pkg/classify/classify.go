// Package classify maps upstream responses to retry decisions. The
// classification is a pure function of the HTTP status, the body and the
// request descriptor, so the same response always yields the same class.
package classify

import (
	"encoding/json"
	"strings"

	"github.com/ethpandaops/proofgate/pkg/datareq"
)

// Class is the outcome of classifying one upstream response.
type Class int

const (
	// Success means the response is usable as-is.
	Success Class = iota
	// Retry means the attempt failed for a reason another upstream (or a
	// later attempt) may not share.
	Retry
	// UserError means the request itself is at fault; retrying cannot help.
	UserError
	// MethodNotSupported means this upstream cannot serve the method at
	// all; the pair should be remembered and another upstream selected.
	MethodNotSupported
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case Success:
		return "success"
	case Retry:
		return "retry"
	case UserError:
		return "user_error"
	case MethodNotSupported:
		return "method_not_supported"
	}

	return "unknown"
}

// rpcError is the JSON-RPC error object embedded in 2xx/4xx bodies.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcEnvelope struct {
	Error  *rpcError       `json:"error"`
	Result json.RawMessage `json:"result"`
}

// nullResultRetryMethods are methods where "result":null indicates the
// upstream has not caught up to the requested block yet, not a true absence.
var nullResultRetryMethods = map[string]bool{
	"eth_getBlockByHash":   true,
	"eth_getBlockByNumber": true,
	"eth_getBlockReceipts": true,
}

// beaconNotFoundPaths are beacon API paths whose 404s are transient on lagging
// nodes and worth retrying elsewhere.
var beaconNotFoundPaths = []string{
	"/beacon/blocks",
	"/beacon/headers",
	"light_client/bootstrap",
	"light_client/updates",
}

var beaconNotFoundMarkers = []string{
	"not found",
	"Not found",
	"NOT_FOUND",
	"bootstrap unavailable",
}

// Response classifies one upstream response. First match wins, in the order
// of the decision table.
func Response(status int, body []byte, req *datareq.Request) Class {
	if status >= 200 && status < 300 {
		return classify2xx(body, req)
	}

	// Transport-level failures arrive with a pseudo status below 400.
	if status < 400 || status >= 500 {
		return Retry
	}

	switch status {
	case 401, 429:
		return Retry
	case 403:
		if code, msg, ok := parseRPCError(body); ok {
			return classifyRPCCode(code, msg, req)
		}

		return UserError
	case 400:
		if req.Kind == datareq.TypeBeaconAPI && strings.Contains(string(body), "Unsupported method") {
			return MethodNotSupported
		}

		if req.Kind == datareq.TypeEthRPC {
			if code, msg, ok := parseRPCError(body); ok {
				return classifyRPCCode(code, msg, req)
			}
		}

		return UserError
	case 404:
		if req.Kind == datareq.TypeBeaconAPI && beaconRetryableNotFound(req.URL, body) {
			return Retry
		}

		return UserError
	}

	return UserError
}

func classify2xx(body []byte, req *datareq.Request) Class {
	if req.Kind != datareq.TypeEthRPC {
		return Success
	}

	var env rpcEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		// Not JSON at all; let the caller try another node.
		return Retry
	}

	if env.Error != nil {
		return classifyRPCCode(env.Error.Code, env.Error.Message, req)
	}

	if string(env.Result) == "null" && nullResultRetryMethods[req.Method] {
		return Retry
	}

	return Success
}

func beaconRetryableNotFound(path string, body []byte) bool {
	matched := false

	for _, p := range beaconNotFoundPaths {
		if strings.Contains(path, p) {
			matched = true

			break
		}
	}

	if !matched {
		return false
	}

	s := string(body)
	for _, m := range beaconNotFoundMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}

	return false
}

// classifyRPCCode dispatches a JSON-RPC error code, falling back to message
// pattern analysis for the overloaded -32602/-32000 codes. Unknown codes are
// retried.
func classifyRPCCode(code int, msg string, req *datareq.Request) Class {
	switch code {
	case -32601, -32004:
		return MethodNotSupported
	case -32005, -32029, -32009, -32011, -32603, -32001, -32002:
		return Retry
	case -32700, -32003, -32015, 3:
		return UserError
	case -32602, -32000:
		return classifyRPCMessage(msg, req)
	}

	return Retry
}

var tierLimitMarkers = []string{
	"tier",
	"upgrade your plan",
	"not available on the free",
	"archive data",
	"exceeds the limit",
}

var retryMessageMarkers = []string{
	"Header not found",
	"header not found",
	"timeout",
	"Block not found",
	"block not found",
	"in the future",
}

var userErrorMessageMarkers = []string{
	"Nonce too low",
	"nonce too low",
	"Gas limit",
	"gas limit",
}

var proofWindowMarkers = []string{
	"proof window",
	"state not available",
	"distance to target block",
}

func classifyRPCMessage(msg string, req *datareq.Request) Class {
	if req.Method == "eth_getProof" {
		for _, m := range proofWindowMarkers {
			if strings.Contains(msg, m) {
				return MethodNotSupported
			}
		}
	}

	for _, m := range tierLimitMarkers {
		if strings.Contains(msg, m) {
			return MethodNotSupported
		}
	}

	for _, m := range retryMessageMarkers {
		if strings.Contains(msg, m) {
			return Retry
		}
	}

	for _, m := range userErrorMessageMarkers {
		if strings.Contains(msg, m) {
			return UserError
		}
	}

	return Retry
}

// ErrorIndicatesNotFound reports whether a failed response means the value is
// genuinely absent (as opposed to the upstream failing). Proof builders use
// this to distinguish expected absence from failure.
func ErrorIndicatesNotFound(status int, body []byte, req *datareq.Request) bool {
	if status == 404 {
		return !(req.Kind == datareq.TypeBeaconAPI && beaconRetryableNotFound(req.URL, body))
	}

	if status >= 200 && status < 300 && req.Kind == datareq.TypeEthRPC {
		var env rpcEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return false
		}

		if env.Error == nil && string(env.Result) == "null" {
			return !nullResultRetryMethods[req.Method]
		}
	}

	return false
}

// RateLimited reports whether the response carries an explicit rate-limit
// signal (HTTP 429 or JSON-RPC -32029).
func RateLimited(status int, body []byte) bool {
	if status == 429 {
		return true
	}

	if code, _, ok := parseRPCError(body); ok && code == -32029 {
		return true
	}

	return false
}

func parseRPCError(body []byte) (int, string, bool) {
	var env rpcEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Error == nil {
		return 0, "", false
	}

	return env.Error.Code, env.Error.Message, true
}
