package conversation

import (
	"fmt"
	"reflect"
	"time"

	"github.com/dotsetgreg/dotrag/pkg/memory"
	"github.com/dotsetgreg/dotrag/pkg/priority"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// snapshotVersion is bumped whenever the envelope layout changes.
const snapshotVersion = 1

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	var err error
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("conversation: creating CBOR encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("conversation: creating CBOR decoder: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("conversation: creating zstd encoder: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("conversation: creating zstd decoder: " + err.Error())
	}
}

// recordSnapshot is the wire form of a memory record.
type recordSnapshot struct {
	ID             string         `cbor:"1,keyasint"`
	Content        string         `cbor:"2,keyasint"`
	Tier           memory.Tier    `cbor:"3,keyasint"`
	Priority       priority.Level `cbor:"4,keyasint"`
	Tags           []string       `cbor:"5,keyasint,omitempty"`
	CreatedAt      time.Time      `cbor:"6,keyasint"`
	LastAccessedAt time.Time      `cbor:"7,keyasint"`
	CreatedTurn    int            `cbor:"8,keyasint"`
	LastAccessTurn int            `cbor:"9,keyasint"`
	AccessCount    int            `cbor:"10,keyasint"`
	Seq            uint64         `cbor:"11,keyasint"`
}

type envelope struct {
	Version    int              `cbor:"1,keyasint"`
	State      State            `cbor:"2,keyasint"`
	MemoryTurn int              `cbor:"3,keyasint,omitempty"`
	Memory     []recordSnapshot `cbor:"4,keyasint,omitempty"`
}

// Serialize encodes a state as deterministic CBOR compressed with zstd.
// Equal states always produce equal bytes.
func Serialize(state *State) ([]byte, error) {
	return encodeSnapshot(state, nil)
}

// Deserialize reverses Serialize. Memory records carried by the snapshot
// are ignored; the store restores them separately.
func Deserialize(data []byte) (*State, error) {
	env, err := decodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	if err := env.State.Validate(); err != nil {
		return nil, fmt.Errorf("deserialize conversation: %w", err)
	}
	return &env.State, nil
}

func encodeSnapshot(state *State, mem *memory.Manager) ([]byte, error) {
	if state == nil {
		return nil, fmt.Errorf("serialize conversation: nil state")
	}
	env := envelope{Version: snapshotVersion, State: state.Clone()}
	if mem != nil {
		env.MemoryTurn = mem.Turn()
		for _, tier := range memory.Tiers {
			for _, r := range mem.Records(tier) {
				env.Memory = append(env.Memory, recordSnapshot{
					ID:             r.ID,
					Content:        r.Content,
					Tier:           r.Tier,
					Priority:       r.Priority,
					Tags:           r.Tags.Slice(),
					CreatedAt:      r.CreatedAt,
					LastAccessedAt: r.LastAccessedAt,
					CreatedTurn:    r.CreatedTurn,
					LastAccessTurn: r.LastAccessTurn,
					AccessCount:    r.AccessCount,
					Seq:            r.Seq,
				})
			}
		}
	}
	raw, err := encMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("serialize conversation %s: %w", state.ConversationID, err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

func decodeSnapshot(data []byte) (*envelope, error) {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("deserialize conversation: decompress: %w", err)
	}
	var env envelope
	if err := decMode.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("deserialize conversation: %w", err)
	}
	if env.Version != snapshotVersion {
		return nil, fmt.Errorf("deserialize conversation: unsupported snapshot version %d", env.Version)
	}
	return &env, nil
}

func (env *envelope) records() []memory.Record {
	out := make([]memory.Record, 0, len(env.Memory))
	for _, r := range env.Memory {
		out = append(out, memory.Record{
			ID:             r.ID,
			Content:        r.Content,
			Tier:           r.Tier,
			Priority:       r.Priority,
			Tags:           memory.NewTagSet(r.Tags...),
			CreatedAt:      r.CreatedAt,
			LastAccessedAt: r.LastAccessedAt,
			CreatedTurn:    r.CreatedTurn,
			LastAccessTurn: r.LastAccessTurn,
			AccessCount:    r.AccessCount,
			Seq:            r.Seq,
		})
	}
	return out
}
