package types

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// FheType is the encrypted type tag carried in byte 30 of a handle.
type FheType uint8

const (
	TypeBool    FheType = 0
	TypeUint8   FheType = 2
	TypeUint16  FheType = 3
	TypeUint32  FheType = 4
	TypeUint64  FheType = 5
	TypeUint128 FheType = 6
	TypeAddress FheType = 7
	TypeUint256 FheType = 8
)

var fheTypeInfo = map[FheType]struct {
	name string
	bits int
}{
	TypeBool:    {"ebool", 2},
	TypeUint8:   {"euint8", 8},
	TypeUint16:  {"euint16", 16},
	TypeUint32:  {"euint32", 32},
	TypeUint64:  {"euint64", 64},
	TypeUint128: {"euint128", 128},
	TypeAddress: {"eaddress", 160},
	TypeUint256: {"euint256", 256},
}

func (t FheType) Valid() bool {
	_, ok := fheTypeInfo[t]
	return ok
}

// Bits is the width the type occupies in an input proof.
func (t FheType) Bits() int {
	return fheTypeInfo[t].bits
}

func (t FheType) String() string {
	if info, ok := fheTypeInfo[t]; ok {
		return info.name
	}
	return fmt.Sprintf("fhetype(%d)", uint8(t))
}

// HandleVersion is the format version written in the last handle byte.
const HandleVersion = 0

// Handle is a 32-byte ciphertext identifier:
// prefix[0:21] | index[21] | chainID[22:30] | type[30] | version[31].
type Handle [32]byte

// NewHandle lays out a handle from its parts.
func NewHandle(prefix [21]byte, index uint8, chainID uint64, t FheType) Handle {
	var h Handle
	copy(h[:21], prefix[:])
	h[21] = index
	binary.BigEndian.PutUint64(h[22:30], chainID)
	h[30] = byte(t)
	h[31] = HandleVersion
	return h
}

// ParseHandle decodes a 0x-prefixed 32-byte hex string.
func ParseHandle(s string) (Handle, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return Handle{}, fmt.Errorf("invalid handle %q: %w", s, err)
	}
	if len(b) != len(Handle{}) {
		return Handle{}, fmt.Errorf("invalid handle %q: want 32 bytes, got %d", s, len(b))
	}
	var h Handle
	copy(h[:], b)
	return h, nil
}

func (h Handle) Index() uint8 {
	return h[21]
}

func (h Handle) ChainID() uint64 {
	return binary.BigEndian.Uint64(h[22:30])
}

func (h Handle) Type() FheType {
	return FheType(h[30])
}

func (h Handle) IsZero() bool {
	return h == Handle{}
}

// String is the canonical lowercase hex form used as decryption result key.
func (h Handle) String() string {
	return strings.ToLower(hexutil.Encode(h[:]))
}

func (h Handle) Hash() common.Hash {
	return common.Hash(h)
}

func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Handle) UnmarshalText(text []byte) error {
	parsed, err := ParseHandle(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// HandleContractPair names a handle together with the contract that owns it.
type HandleContractPair struct {
	Handle          Handle         `json:"handle"`
	ContractAddress common.Address `json:"contractAddress"`
}

// ClearValue is a decrypted or to-be-encrypted value of a given FHE type.
// Booleans are 0 or 1 and addresses occupy the low 20 bytes.
type ClearValue struct {
	Type  FheType
	Value *uint256.Int
}

func BoolValue(b bool) ClearValue {
	v := uint256.NewInt(0)
	if b {
		v.SetOne()
	}
	return ClearValue{Type: TypeBool, Value: v}
}

func Uint8Value(v uint8) ClearValue {
	return ClearValue{Type: TypeUint8, Value: uint256.NewInt(uint64(v))}
}
func Uint16Value(v uint16) ClearValue {
	return ClearValue{Type: TypeUint16, Value: uint256.NewInt(uint64(v))}
}
func Uint32Value(v uint32) ClearValue {
	return ClearValue{Type: TypeUint32, Value: uint256.NewInt(uint64(v))}
}
func Uint64Value(v uint64) ClearValue { return ClearValue{Type: TypeUint64, Value: uint256.NewInt(v)} }

func AddressValue(a common.Address) ClearValue {
	return ClearValue{Type: TypeAddress, Value: new(uint256.Int).SetBytes20(a.Bytes())}
}

// IntValue builds a value of an integer type. It fails when v does not fit.
func IntValue(t FheType, v *uint256.Int) (ClearValue, error) {
	if !t.Valid() {
		return ClearValue{}, fmt.Errorf("unsupported fhe type %d", uint8(t))
	}
	cv := ClearValue{Type: t, Value: new(uint256.Int).Set(v)}
	if err := cv.Check(); err != nil {
		return ClearValue{}, err
	}
	return cv, nil
}

// Check verifies the value fits the declared type.
func (c ClearValue) Check() error {
	if c.Value == nil {
		return fmt.Errorf("%s value is nil", c.Type)
	}
	limit := c.Type.Bits()
	if c.Type == TypeBool {
		limit = 1
	}
	if c.Value.BitLen() > limit {
		return fmt.Errorf("value %s overflows %s", c.Value.Dec(), c.Type)
	}
	return nil
}

func (c ClearValue) Bool() bool {
	return c.Value != nil && !c.Value.IsZero()
}

func (c ClearValue) Uint64() uint64 {
	if c.Value == nil {
		return 0
	}
	return c.Value.Uint64()
}

func (c ClearValue) Address() common.Address {
	if c.Value == nil {
		return common.Address{}
	}
	return common.Address(c.Value.Bytes20())
}

func (c ClearValue) String() string {
	switch c.Type {
	case TypeBool:
		return fmt.Sprintf("%t", c.Bool())
	case TypeAddress:
		return c.Address().Hex()
	default:
		if c.Value == nil {
			return "0"
		}
		return c.Value.Dec()
	}
}

// MarshalJSON renders booleans as JSON booleans, addresses as checksummed
// hex and integers as decimal strings.
func (c ClearValue) MarshalJSON() ([]byte, error) {
	switch c.Type {
	case TypeBool:
		return json.Marshal(c.Bool())
	default:
		return json.Marshal(c.String())
	}
}

// Bytes32 is the big-endian 32-byte word of the value.
func (c ClearValue) Bytes32() [32]byte {
	if c.Value == nil {
		return [32]byte{}
	}
	return c.Value.Bytes32()
}

// ClearValueFromBytes32 decodes a big-endian word as a value of type t.
func ClearValueFromBytes32(t FheType, word [32]byte) ClearValue {
	return ClearValue{Type: t, Value: new(uint256.Int).SetBytes32(word[:])}
}
