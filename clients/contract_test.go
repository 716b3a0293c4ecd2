package clients

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
)

const balanceABI = `[{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}]`

type callRecorder struct {
	method string
	args   []interface{}
	reply  []byte
	err    error
}

func (c *callRecorder) CallContext(_ context.Context, result interface{}, method string, args ...interface{}) error {
	c.method = method
	c.args = args
	if c.err != nil {
		return c.err
	}
	raw, _ := json.Marshal(hexutil.Bytes(c.reply))
	return json.Unmarshal(raw, result)
}

func TestViewCall(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(balanceABI))
	require.NoError(t, err)

	word := make([]byte, 32)
	word[31] = 42
	rec := &callRecorder{reply: word}
	contract := common.HexToAddress(testACL)

	out, err := ViewCall(context.Background(), rec, contract, parsed, "balanceOf", common.HexToAddress(testKMS))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "42", out[0].(interface{ String() string }).String())

	require.Equal(t, "eth_call", rec.method)
	require.Len(t, rec.args, 2)
	require.Equal(t, "latest", rec.args[1])
	arg := rec.args[0].(map[string]interface{})
	require.Equal(t, &contract, arg["to"])
	require.NotContains(t, arg, "from")
}

func TestViewCallErrors(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(balanceABI))
	require.NoError(t, err)
	contract := common.HexToAddress(testACL)

	_, err = ViewCall(context.Background(), &callRecorder{}, contract, parsed, "missing")
	require.ErrorContains(t, err, "pack missing")

	_, err = ViewCall(context.Background(), &callRecorder{err: errors.New("execution reverted")}, contract, parsed, "balanceOf", contract)
	require.ErrorContains(t, err, "execution reverted")

	_, err = ViewCall(context.Background(), &callRecorder{reply: []byte{1}}, contract, parsed, "balanceOf", contract)
	require.ErrorContains(t, err, "unpack balanceOf")
}
