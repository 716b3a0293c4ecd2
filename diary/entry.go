// Package diary is the diary contract boundary: encrypting entries for
// submission, reading their handles back and decoding decrypted values.
package diary

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/zenchain/fhevm/types"
)

// FieldCount is the number of encrypted fields in an entry.
const FieldCount = 5

// Entry is a decrypted diary entry. Scores range from 1 to 10.
type Entry struct {
	MoodScore    uint8    `json:"moodScore" validate:"min=1,max=10"`
	StressScore  uint8    `json:"stressScore" validate:"min=1,max=10"`
	SleepQuality uint8    `json:"sleepQuality" validate:"min=1,max=10"`
	MoodTags     MoodTag  `json:"moodTags"`
	TextHash     [32]byte `json:"textHash"`
	IsPublic     bool     `json:"isPublic"`
}

func (e *Entry) Validate() error {
	if err := types.Validate(e); err != nil {
		return types.NewError(types.ErrCodeInvalidArgument, err, "invalid diary entry")
	}
	if e.MoodTags&^AllMoodTags != 0 {
		return types.NewError(types.ErrCodeInvalidArgument, nil, "unknown mood tag bits %#x", uint32(e.MoodTags&^AllMoodTags))
	}
	return nil
}

// TextDigest packs the first 32 bytes of text into the on-chain text word,
// zero padded on the right.
func TextDigest(text string) [32]byte {
	var out [32]byte
	copy(out[:], text)
	return out
}

// EntryHandles are the five handles of one stored entry.
type EntryHandles struct {
	Mood     types.Handle
	Stress   types.Handle
	Sleep    types.Handle
	Tags     types.Handle
	TextHash types.Handle
}

func (h EntryHandles) List() []types.Handle {
	return []types.Handle{h.Mood, h.Stress, h.Sleep, h.Tags, h.TextHash}
}

// Pairs binds every handle of the entry to contract.
func (h EntryHandles) Pairs(contract common.Address) []types.HandleContractPair {
	list := h.List()
	out := make([]types.HandleContractPair, len(list))
	for i, handle := range list {
		out[i] = types.HandleContractPair{Handle: handle, ContractAddress: contract}
	}
	return out
}

// EncryptEntry encrypts an entry for submission by user to contract.
// Field order is mood, stress, sleep, tags and text word.
func EncryptEntry(ctx context.Context, rt types.Runtime, contract, user common.Address, e *Entry) (*types.EncryptedPayload, EntryHandles, error) {
	if err := e.Validate(); err != nil {
		return nil, EntryHandles{}, err
	}
	payload, err := rt.CreateEncryptedInput(contract, user).
		Add8(e.MoodScore).
		Add8(e.StressScore).
		Add8(e.SleepQuality).
		Add32(uint32(e.MoodTags)).
		Add256(new(uint256.Int).SetBytes32(e.TextHash[:])).
		Encrypt(ctx)
	if err != nil {
		return nil, EntryHandles{}, err
	}
	if len(payload.Handles) != FieldCount {
		return nil, EntryHandles{}, fmt.Errorf("runtime returned %d handles for a diary entry", len(payload.Handles))
	}
	hs := payload.Handles
	return payload, EntryHandles{Mood: hs[0], Stress: hs[1], Sleep: hs[2], Tags: hs[3], TextHash: hs[4]}, nil
}

// DecodeEntry rebuilds an entry from decrypted values keyed by handle.
func DecodeEntry(values map[string]types.ClearValue, h EntryHandles) (*Entry, error) {
	get := func(name string, handle types.Handle, limit uint64) (uint64, error) {
		v, ok := values[handle.String()]
		if !ok {
			return 0, fmt.Errorf("missing decrypted %s", name)
		}
		if v.Value == nil || !v.Value.IsUint64() || v.Value.Uint64() > limit {
			return 0, fmt.Errorf("decrypted %s out of range: %s", name, v)
		}
		return v.Value.Uint64(), nil
	}

	mood, err := get("mood", h.Mood, 0xff)
	if err != nil {
		return nil, err
	}
	stress, err := get("stress", h.Stress, 0xff)
	if err != nil {
		return nil, err
	}
	sleep, err := get("sleep", h.Sleep, 0xff)
	if err != nil {
		return nil, err
	}
	tags, err := get("tags", h.Tags, 0xffffffff)
	if err != nil {
		return nil, err
	}
	text, ok := values[h.TextHash.String()]
	if !ok {
		return nil, fmt.Errorf("missing decrypted text word")
	}

	return &Entry{
		MoodScore:    uint8(mood),
		StressScore:  uint8(stress),
		SleepQuality: uint8(sleep),
		MoodTags:     MoodTag(tags),
		TextHash:     text.Bytes32(),
	}, nil
}

// MoodTag is a bitmask of mood labels.
type MoodTag uint32

const (
	Anxious   MoodTag = 0x01
	Calm      MoodTag = 0x02
	Happy     MoodTag = 0x04
	Tired     MoodTag = 0x08
	Sad       MoodTag = 0x10
	Excited   MoodTag = 0x20
	Depressed MoodTag = 0x40
	Relaxed   MoodTag = 0x80
	Angry     MoodTag = 0x100
	Grateful  MoodTag = 0x200
	Lonely    MoodTag = 0x400
	Fulfilled MoodTag = 0x800

	AllMoodTags MoodTag = 0xfff
)

var moodLabels = map[MoodTag]string{
	Anxious:   "Anxious",
	Calm:      "Calm",
	Happy:     "Happy",
	Tired:     "Tired",
	Sad:       "Sad",
	Excited:   "Excited",
	Depressed: "Depressed",
	Relaxed:   "Relaxed",
	Angry:     "Angry",
	Grateful:  "Grateful",
	Lonely:    "Lonely",
	Fulfilled: "Fulfilled",
}

// Labels returns the labels of the set bits in ascending bit order.
func (m MoodTag) Labels() []string {
	var bits []MoodTag
	for tag := range moodLabels {
		if m&tag != 0 {
			bits = append(bits, tag)
		}
	}
	sort.Slice(bits, func(i, j int) bool { return bits[i] < bits[j] })
	out := make([]string, len(bits))
	for i, b := range bits {
		out[i] = moodLabels[b]
	}
	return out
}

// ParseMoodTags combines labels into a bitmask. Labels are case sensitive.
func ParseMoodTags(labels ...string) (MoodTag, error) {
	var m MoodTag
outer:
	for _, l := range labels {
		for tag, name := range moodLabels {
			if name == l {
				m |= tag
				continue outer
			}
		}
		return 0, fmt.Errorf("unknown mood tag %q", l)
	}
	return m, nil
}
