package types

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/zenchain/fhevm/utils/eip712"
)

// Runtime is the FHE capability surface a session uses after construction.
// Implementations are immutable once returned by the factory.
type Runtime interface {
	// CreateEncryptedInput starts a typed input bound to contract and user.
	CreateEncryptedInput(contract, user common.Address) EncryptedInput

	// UserDecrypt decrypts every handle in one call. It either returns a
	// value for each handle or fails as a whole.
	UserDecrypt(ctx context.Context, req *UserDecryptRequest) (map[string]ClearValue, error)

	GenerateKeypair() (*Keypair, error)

	// CreateSigningRequest builds the structured message a user signs to
	// authorize decryption under publicKey.
	CreateSigningRequest(publicKey []byte, contracts []common.Address, startTimestamp, durationDays int64) *eip712.Request

	PublicKey() KeyMaterial
	PublicParams(maxBits int) KeyMaterial

	ChainID() uint64
	Close() error
}

// UserDecryptRequest carries the handles to decrypt and the grant that
// authorizes them.
type UserDecryptRequest struct {
	Pairs             []HandleContractPair
	PrivateKey        []byte
	PublicKey         []byte
	Signature         []byte
	ContractAddresses []common.Address
	UserAddress       common.Address
	StartTimestamp    int64
	DurationDays      int64
}

// EncryptedPayload is the result of encrypting an input: one handle per
// added value and a proof accepted by the input verifier.
type EncryptedPayload struct {
	Handles    []Handle
	InputProof []byte
}

// EncryptedInput accumulates typed values and encrypts them together.
// Add methods never fail; a bad value surfaces from Encrypt.
type EncryptedInput interface {
	AddBool(v bool) EncryptedInput
	Add8(v uint8) EncryptedInput
	Add16(v uint16) EncryptedInput
	Add32(v uint32) EncryptedInput
	Add64(v uint64) EncryptedInput
	Add128(v *uint256.Int) EncryptedInput
	Add256(v *uint256.Int) EncryptedInput
	AddAddress(v common.Address) EncryptedInput
	Encrypt(ctx context.Context) (*EncryptedPayload, error)
}

// MaxInputValues bounds the number of values in one encrypted input.
const MaxInputValues = 255

// MaxInputBits bounds the summed bit width of one encrypted input.
const MaxInputBits = 2048

// EncryptFunc turns collected values into a payload.
type EncryptFunc func(ctx context.Context, contract, user common.Address, values []ClearValue) (*EncryptedPayload, error)

// InputBuilder is the EncryptedInput shared by runtime implementations.
type InputBuilder struct {
	contract common.Address
	user     common.Address
	values   []ClearValue
	bits     int
	err      error
	encrypt  EncryptFunc
}

var _ EncryptedInput = (*InputBuilder)(nil)

func NewInputBuilder(contract, user common.Address, encrypt EncryptFunc) *InputBuilder {
	return &InputBuilder{contract: contract, user: user, encrypt: encrypt}
}

func (b *InputBuilder) add(v ClearValue) EncryptedInput {
	if b.err != nil {
		return b
	}
	if err := v.Check(); err != nil {
		b.err = err
		return b
	}
	if len(b.values) >= MaxInputValues {
		b.err = fmt.Errorf("encrypted input holds at most %d values", MaxInputValues)
		return b
	}
	if b.bits+v.Type.Bits() > MaxInputBits {
		b.err = fmt.Errorf("encrypted input exceeds %d bits", MaxInputBits)
		return b
	}
	b.bits += v.Type.Bits()
	b.values = append(b.values, v)
	return b
}

func (b *InputBuilder) AddBool(v bool) EncryptedInput { return b.add(BoolValue(v)) }
func (b *InputBuilder) Add8(v uint8) EncryptedInput   { return b.add(Uint8Value(v)) }
func (b *InputBuilder) Add16(v uint16) EncryptedInput { return b.add(Uint16Value(v)) }
func (b *InputBuilder) Add32(v uint32) EncryptedInput { return b.add(Uint32Value(v)) }
func (b *InputBuilder) Add64(v uint64) EncryptedInput { return b.add(Uint64Value(v)) }
func (b *InputBuilder) AddAddress(v common.Address) EncryptedInput {
	return b.add(AddressValue(v))
}

func (b *InputBuilder) Add128(v *uint256.Int) EncryptedInput {
	return b.addInt(TypeUint128, v)
}

func (b *InputBuilder) Add256(v *uint256.Int) EncryptedInput {
	return b.addInt(TypeUint256, v)
}

func (b *InputBuilder) addInt(t FheType, v *uint256.Int) EncryptedInput {
	if v == nil {
		return b.add(ClearValue{Type: t})
	}
	return b.add(ClearValue{Type: t, Value: new(uint256.Int).Set(v)})
}

// Values returns a copy of the collected values.
func (b *InputBuilder) Values() []ClearValue {
	return append([]ClearValue(nil), b.values...)
}

func (b *InputBuilder) Encrypt(ctx context.Context) (*EncryptedPayload, error) {
	if b.err != nil {
		return nil, NewError(ErrCodeInvalidArgument, b.err, "invalid encrypted input")
	}
	if len(b.values) == 0 {
		return nil, NewError(ErrCodeInvalidArgument, errors.New("no values added"), "invalid encrypted input")
	}
	return b.encrypt(ctx, b.contract, b.user, b.Values())
}
