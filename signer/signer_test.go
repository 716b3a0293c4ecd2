package signer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/require"

	"github.com/zenchain/fhevm/utils/eip712"
)

func typedData(t *testing.T) apitypes.TypedData {
	t.Helper()
	r := eip712.NewRequest(
		eip712.DecryptionDomain(55815, common.HexToAddress("0x5ffdaAB0373E62E2ea2944776209aEf29E631A64")),
		[]byte{1, 2, 3},
		[]common.Address{common.HexToAddress("0x1000000000000000000000000000000000000001")},
		1767225600, 7,
	)
	td, err := r.TypedData(eip712.UserDecryptType)
	require.NoError(t, err)
	return td
}

func TestKeySigner(t *testing.T) {
	s, err := NewKeySignerFromHex("0xb71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291")
	require.NoError(t, err)

	td := typedData(t)
	sig, err := s.SignTypedData(context.Background(), td)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	require.GreaterOrEqual(t, sig[64], byte(27))

	addr, err := eip712.RecoverSigner(td, sig)
	require.NoError(t, err)
	require.Equal(t, s.Address(), addr)

	_, err = NewKeySignerFromHex("zz")
	require.Error(t, err)
}

type fakeWallet struct {
	key    *KeySigner
	method string
	reject error
}

func (f *fakeWallet) CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	f.method = method
	if f.reject != nil {
		return f.reject
	}
	var td apitypes.TypedData
	if err := json.Unmarshal([]byte(args[1].(string)), &td); err != nil {
		return err
	}
	sig, err := f.key.SignTypedData(ctx, td)
	if err != nil {
		return err
	}
	*(result.(*hexutil.Bytes)) = sig
	return nil
}

func TestWalletSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	local := NewKeySigner(key)
	wallet := &fakeWallet{key: local}

	w := NewWalletSigner(wallet, local.Address())
	td := typedData(t)
	sig, err := w.SignTypedData(context.Background(), td)
	require.NoError(t, err)
	require.Equal(t, "eth_signTypedData_v4", wallet.method)

	addr, err := eip712.RecoverSigner(td, sig)
	require.NoError(t, err)
	require.Equal(t, local.Address(), addr)

	wallet.reject = errors.New("User rejected the request.")
	_, err = w.SignTypedData(context.Background(), td)
	require.EqualError(t, err, "User rejected the request.")
}
