package classify

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/proofgate/pkg/datareq"
)

func ethReq(method string) *datareq.Request {
	dr, err := datareq.NewEthRPC(method, []interface{}{})
	if err != nil {
		panic(err)
	}

	return dr
}

func beaconReq(path string) *datareq.Request {
	return datareq.NewBeaconGET(path, datareq.EncodingJSON)
}

func TestResponseDecisionTable(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		req    *datareq.Request
		want   Class
	}{
		{"beacon 200", 200, `{"data":{}}`, beaconReq("eth/v2/beacon/blocks/head"), Success},
		{"eth 200 result", 200, `{"jsonrpc":"2.0","id":1,"result":"0x1"}`, ethReq("eth_getBalance"), Success},
		{"eth 200 null block", 200, `{"jsonrpc":"2.0","id":1,"result":null}`, ethReq("eth_getBlockByNumber"), Retry},
		{"eth 200 null receipts", 200, `{"jsonrpc":"2.0","id":1,"result":null}`, ethReq("eth_getBlockReceipts"), Retry},
		{"eth 200 null other method", 200, `{"jsonrpc":"2.0","id":1,"result":null}`, ethReq("eth_getTransactionByHash"), Success},
		{"eth 200 error -32601", 200, `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`, ethReq("eth_getProof"), MethodNotSupported},
		{"eth 200 error -32004", 200, `{"error":{"code":-32004,"message":"unsupported"}}`, ethReq("eth_getProof"), MethodNotSupported},
		{"eth 200 error -32005", 200, `{"error":{"code":-32005,"message":"limit"}}`, ethReq("eth_call"), Retry},
		{"eth 200 error -32029", 200, `{"error":{"code":-32029,"message":"rate limited"}}`, ethReq("eth_call"), Retry},
		{"eth 200 error -32603", 200, `{"error":{"code":-32603,"message":"internal"}}`, ethReq("eth_call"), Retry},
		{"eth 200 error -32700", 200, `{"error":{"code":-32700,"message":"parse error"}}`, ethReq("eth_call"), UserError},
		{"eth 200 error 3", 200, `{"error":{"code":3,"message":"execution reverted"}}`, ethReq("eth_call"), UserError},
		{"eth 200 unknown code", 200, `{"error":{"code":-31999,"message":"??"}}`, ethReq("eth_call"), Retry},
		{"eth -32000 header not found", 200, `{"error":{"code":-32000,"message":"Header not found"}}`, ethReq("eth_call"), Retry},
		{"eth -32000 timeout", 200, `{"error":{"code":-32000,"message":"request timeout"}}`, ethReq("eth_call"), Retry},
		{"eth -32000 nonce too low", 200, `{"error":{"code":-32000,"message":"Nonce too low"}}`, ethReq("eth_sendRawTransaction"), UserError},
		{"eth -32000 gas limit", 200, `{"error":{"code":-32000,"message":"exceeds block Gas limit"}}`, ethReq("eth_sendRawTransaction"), UserError},
		{"eth -32602 tier", 200, `{"error":{"code":-32602,"message":"archive data requires a paid tier"}}`, ethReq("eth_call"), MethodNotSupported},
		{"getProof proof window", 200, `{"error":{"code":-32000,"message":"distance to target block exceeds maximum proof window"}}`, ethReq("eth_getProof"), MethodNotSupported},
		{"getProof state not available", 200, `{"error":{"code":-32000,"message":"state not available"}}`, ethReq("eth_getProof"), MethodNotSupported},
		{"server error", 500, "boom", ethReq("eth_call"), Retry},
		{"bad gateway", 502, "", beaconReq("eth/v1/beacon/headers"), Retry},
		{"unauthorized", 401, "", ethReq("eth_call"), Retry},
		{"rate limited", 429, "", ethReq("eth_call"), Retry},
		{"transport", 0, "", ethReq("eth_call"), Retry},
		{"forbidden with rpc error", 403, `{"error":{"code":-32005,"message":"capacity"}}`, ethReq("eth_call"), Retry},
		{"forbidden plain", 403, "denied", ethReq("eth_call"), UserError},
		{"beacon 400 unsupported", 400, `{"message":"Unsupported method"}`, beaconReq("eth/v1/beacon/rewards"), MethodNotSupported},
		{"eth 400 with rpc error", 400, `{"error":{"code":-32601,"message":"nope"}}`, ethReq("eth_call"), MethodNotSupported},
		{"plain 400", 400, "bad request", beaconReq("eth/v1/whatever"), UserError},
		{"beacon 404 block not found", 404, `{"message":"Block not found"}`, beaconReq("eth/v2/beacon/blocks/0xabc"), Retry},
		{"beacon 404 bootstrap", 404, `{"message":"bootstrap unavailable"}`, beaconReq("eth/v1/beacon/light_client/bootstrap/0xabc"), Retry},
		{"beacon 404 other path", 404, `{"message":"not found"}`, beaconReq("eth/v1/node/peers/xyz"), UserError},
		{"eth 404", 404, "", ethReq("eth_call"), UserError},
		{"teapot", 418, "", ethReq("eth_call"), UserError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Response(tt.status, []byte(tt.body), tt.req))
		})
	}
}

// The class must be a pure function of its inputs.
func TestResponseDeterminism(t *testing.T) {
	req := ethReq("eth_getBalance")
	body := []byte(`{"error":{"code":-32000,"message":"Header not found"}}`)

	first := Response(200, body, req)
	for i := 0; i < 100; i++ {
		require.Equal(t, first, Response(200, body, req))
	}
}

func TestErrorIndicatesNotFound(t *testing.T) {
	require.True(t, ErrorIndicatesNotFound(404, nil, beaconReq("eth/v1/node/peers/xyz")))
	require.False(t, ErrorIndicatesNotFound(404, []byte(`{"message":"Block not found"}`), beaconReq("eth/v2/beacon/blocks/0xabc")))

	require.True(t, ErrorIndicatesNotFound(200, []byte(`{"result":null}`), ethReq("eth_getTransactionByHash")))
	require.False(t, ErrorIndicatesNotFound(200, []byte(`{"result":null}`), ethReq("eth_getBlockByNumber")))
	require.False(t, ErrorIndicatesNotFound(200, []byte(`{"result":"0x1"}`), ethReq("eth_getTransactionByHash")))
}

func TestRateLimited(t *testing.T) {
	require.True(t, RateLimited(429, nil))
	require.True(t, RateLimited(200, []byte(`{"error":{"code":-32029,"message":"slow down"}}`)))
	require.False(t, RateLimited(200, []byte(`{"result":"0x1"}`)))
}

func TestClassString(t *testing.T) {
	for c, want := range map[Class]string{
		Success:            "success",
		Retry:              "retry",
		UserError:          "user_error",
		MethodNotSupported: "method_not_supported",
	} {
		require.Equal(t, want, fmt.Sprint(c.String()))
	}
}
