package clients

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/zenchain/fhevm/types"
)

// CallContract issues an eth_call against the latest block over any RPCCaller,
// so injected providers and dialed clients are handled alike.
func CallContract(ctx context.Context, caller types.RPCCaller, msg ethereum.CallMsg) ([]byte, error) {
	arg := map[string]interface{}{
		"data": hexutil.Bytes(msg.Data),
	}
	if msg.To != nil {
		arg["to"] = msg.To
	}
	if msg.From != (common.Address{}) {
		arg["from"] = msg.From
	}

	var out hexutil.Bytes
	if err := caller.CallContext(ctx, &out, "eth_call", arg, "latest"); err != nil {
		return nil, err
	}
	return out, nil
}

// ViewCall packs method with args, calls contract and unpacks the outputs.
func ViewCall(ctx context.Context, caller types.RPCCaller, contract common.Address, parsed abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := CallContract(ctx, caller, ethereum.CallMsg{To: &contract, Data: data})
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, contract.Hex(), err)
	}
	values, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}
