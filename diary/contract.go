package diary

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/zenchain/fhevm/clients"
	"github.com/zenchain/fhevm/types"
)

const diaryABI = `[
{"type":"function","name":"submitEntry","stateMutability":"nonpayable","inputs":[
 {"name":"encryptedMood","type":"bytes32"},{"name":"moodProof","type":"bytes"},
 {"name":"encryptedStress","type":"bytes32"},{"name":"stressProof","type":"bytes"},
 {"name":"encryptedSleep","type":"bytes32"},{"name":"sleepProof","type":"bytes"},
 {"name":"encryptedTags","type":"bytes32"},{"name":"tagsProof","type":"bytes"},
 {"name":"encryptedTextHash","type":"bytes32"},{"name":"textProof","type":"bytes"},
 {"name":"isPublic","type":"bool"}],
 "outputs":[{"name":"entryId","type":"uint256"}]},
{"type":"function","name":"deleteEntry","stateMutability":"nonpayable","inputs":[{"name":"entryId","type":"uint256"}],"outputs":[]},
{"type":"function","name":"updatePrivacySetting","stateMutability":"nonpayable","inputs":[{"name":"allowPublic","type":"bool"}],"outputs":[]},
{"type":"function","name":"getUserEntries","stateMutability":"view","inputs":[{"name":"user","type":"address"},{"name":"offset","type":"uint256"},{"name":"limit","type":"uint256"}],"outputs":[{"name":"entryIds","type":"uint256[]"}]},
{"type":"function","name":"getUserEntryCount","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"count","type":"uint256"}]},
{"type":"function","name":"getEntry","stateMutability":"view","inputs":[{"name":"entryId","type":"uint256"}],"outputs":[{"name":"entry","type":"tuple","components":[
 {"name":"id","type":"uint256"},{"name":"author","type":"address"},
 {"name":"moodScore","type":"bytes32"},{"name":"stressScore","type":"bytes32"},{"name":"sleepQuality","type":"bytes32"},
 {"name":"moodTags","type":"bytes32"},{"name":"diaryTextHash","type":"bytes32"},
 {"name":"timestamp","type":"uint256"},{"name":"isPublic","type":"bool"},{"name":"isDeleted","type":"bool"}]}]},
{"type":"function","name":"getEntryMoodScore","stateMutability":"view","inputs":[{"name":"entryId","type":"uint256"}],"outputs":[{"name":"","type":"bytes32"}]},
{"type":"function","name":"getEntryStressScore","stateMutability":"view","inputs":[{"name":"entryId","type":"uint256"}],"outputs":[{"name":"","type":"bytes32"}]},
{"type":"function","name":"getEntrySleepQuality","stateMutability":"view","inputs":[{"name":"entryId","type":"uint256"}],"outputs":[{"name":"","type":"bytes32"}]},
{"type":"function","name":"getEntryMoodTags","stateMutability":"view","inputs":[{"name":"entryId","type":"uint256"}],"outputs":[{"name":"","type":"bytes32"}]},
{"type":"function","name":"getEntryTextHash","stateMutability":"view","inputs":[{"name":"entryId","type":"uint256"}],"outputs":[{"name":"","type":"bytes32"}]},
{"type":"event","name":"EntrySubmitted","anonymous":false,"inputs":[
 {"name":"user","type":"address","indexed":true},{"name":"entryId","type":"uint256","indexed":true},
 {"name":"timestamp","type":"uint256","indexed":false},{"name":"isPublic","type":"bool","indexed":false}]}
]`

// ErrNoSubmission is returned when a receipt carries no EntrySubmitted log.
var ErrNoSubmission = errors.New("no EntrySubmitted event in logs")

var parsedABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(diaryABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// OnchainEntry is the stored form of an entry: encrypted fields are handles.
type OnchainEntry struct {
	Id            *big.Int
	Author        common.Address
	MoodScore     [32]byte
	StressScore   [32]byte
	SleepQuality  [32]byte
	MoodTags      [32]byte
	DiaryTextHash [32]byte
	Timestamp     *big.Int
	IsPublic      bool
	IsDeleted     bool
}

// Handles returns the encrypted fields of the entry.
func (e *OnchainEntry) Handles() EntryHandles {
	return EntryHandles{
		Mood:     types.Handle(e.MoodScore),
		Stress:   types.Handle(e.StressScore),
		Sleep:    types.Handle(e.SleepQuality),
		Tags:     types.Handle(e.MoodTags),
		TextHash: types.Handle(e.DiaryTextHash),
	}
}

// Contract binds the diary contract over an RPC caller. Writes are returned
// as call data for the caller's wallet to send.
type Contract struct {
	address common.Address
	caller  types.RPCCaller
}

func NewContract(address common.Address, caller types.RPCCaller) *Contract {
	return &Contract{address: address, caller: caller}
}

func (c *Contract) Address() common.Address { return c.address }

// SubmitEntryCallData encodes submitEntry for an encrypted entry. The single
// input proof covers all five handles.
func SubmitEntryCallData(payload *types.EncryptedPayload, isPublic bool) ([]byte, error) {
	if payload == nil || len(payload.Handles) != FieldCount {
		return nil, fmt.Errorf("diary entry needs %d handles", FieldCount)
	}
	h, proof := payload.Handles, payload.InputProof
	return parsedABI.Pack("submitEntry",
		[32]byte(h[0]), proof,
		[32]byte(h[1]), proof,
		[32]byte(h[2]), proof,
		[32]byte(h[3]), proof,
		[32]byte(h[4]), proof,
		isPublic,
	)
}

func DeleteEntryCallData(entryID *big.Int) ([]byte, error) {
	return parsedABI.Pack("deleteEntry", entryID)
}

func UpdatePrivacyCallData(allowPublic bool) ([]byte, error) {
	return parsedABI.Pack("updatePrivacySetting", allowPublic)
}

// UserEntries lists entry ids of user, paged by offset and limit.
func (c *Contract) UserEntries(ctx context.Context, user common.Address, offset, limit uint64) ([]*big.Int, error) {
	out, err := clients.ViewCall(ctx, c.caller, c.address, parsedABI, "getUserEntries", user, new(big.Int).SetUint64(offset), new(big.Int).SetUint64(limit))
	if err != nil {
		return nil, err
	}
	ids, ok := out[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected getUserEntries result %T", out[0])
	}
	return ids, nil
}

func (c *Contract) UserEntryCount(ctx context.Context, user common.Address) (uint64, error) {
	out, err := clients.ViewCall(ctx, c.caller, c.address, parsedABI, "getUserEntryCount", user)
	if err != nil {
		return 0, err
	}
	n, ok := out[0].(*big.Int)
	if !ok || !n.IsUint64() {
		return 0, fmt.Errorf("unexpected getUserEntryCount result %v", out[0])
	}
	return n.Uint64(), nil
}

// Entry reads the full stored entry.
func (c *Contract) Entry(ctx context.Context, entryID *big.Int) (*OnchainEntry, error) {
	out, err := clients.ViewCall(ctx, c.caller, c.address, parsedABI, "getEntry", entryID)
	if err != nil {
		return nil, err
	}
	entry := abi.ConvertType(out[0], new(OnchainEntry)).(*OnchainEntry)
	return entry, nil
}

// EntryHandles reads the five encrypted fields through their getters.
func (c *Contract) EntryHandles(ctx context.Context, entryID *big.Int) (EntryHandles, error) {
	var hs EntryHandles
	getters := []struct {
		method string
		dst    *types.Handle
	}{
		{"getEntryMoodScore", &hs.Mood},
		{"getEntryStressScore", &hs.Stress},
		{"getEntrySleepQuality", &hs.Sleep},
		{"getEntryMoodTags", &hs.Tags},
		{"getEntryTextHash", &hs.TextHash},
	}
	for _, g := range getters {
		out, err := clients.ViewCall(ctx, c.caller, c.address, parsedABI, g.method, entryID)
		if err != nil {
			return EntryHandles{}, err
		}
		word, ok := out[0].([32]byte)
		if !ok {
			return EntryHandles{}, fmt.Errorf("unexpected %s result %T", g.method, out[0])
		}
		*g.dst = types.Handle(word)
	}
	return hs, nil
}

// SubmittedEntryID extracts the new entry id from a submitEntry receipt.
func SubmittedEntryID(logs []*gethtypes.Log) (*big.Int, error) {
	event := parsedABI.Events["EntrySubmitted"]
	for _, l := range logs {
		if len(l.Topics) != 3 || l.Topics[0] != event.ID {
			continue
		}
		return new(big.Int).SetBytes(l.Topics[2].Bytes()), nil
	}
	return nil, ErrNoSubmission
}
