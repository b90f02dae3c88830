package archive

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/louisbranch/sessionstate/internal/platform/compress"
	"github.com/louisbranch/sessionstate/internal/services/state/domain/entity"
)

var envelopeMagic = []byte("SSA1")

// maxHeaderSize bounds the JSON header so a corrupt length cannot force a
// large allocation.
const maxHeaderSize = 64 << 10

// Header describes an archived payload. It is stored in front of the
// payload so a blob can be decoded without consulting the index.
type Header struct {
	EntityID      string    `json:"entity_id"`
	EntityType    string    `json:"entity_type"`
	SchemaVersion int       `json:"schema_version"`
	Seq           uint64    `json:"seq"`
	Status        string    `json:"status,omitempty"`
	Completed     bool      `json:"completed"`
	LastActivity  time.Time `json:"last_activity"`
	CreatedAt     time.Time `json:"created_at"`
	// Size is the uncompressed payload length.
	Size       int  `json:"size"`
	Compressed bool `json:"compressed"`
}

// Encode serialises a state into an archive blob, compressing the payload
// when compressed is true.
func Encode(state entity.State, createdAt time.Time, compressed bool) ([]byte, Header, error) {
	payload := state.Payload
	if compressed {
		out, err := compress.Compress(payload)
		if err != nil {
			return nil, Header{}, fmt.Errorf("compress archive payload: %w", err)
		}
		payload = out
	}
	header := Header{
		EntityID:      state.ID,
		EntityType:    state.Type,
		SchemaVersion: state.SchemaVersion,
		Seq:           state.Seq,
		Status:        state.Status,
		Completed:     state.Completed,
		LastActivity:  state.LastActivity.UTC(),
		CreatedAt:     createdAt.UTC(),
		Size:          len(state.Payload),
		Compressed:    compressed,
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, Header{}, fmt.Errorf("marshal archive header: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(envelopeMagic) + 4 + len(headerJSON) + len(payload))
	buf.Write(envelopeMagic)
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(headerJSON)))
	buf.Write(size[:])
	buf.Write(headerJSON)
	buf.Write(payload)
	return buf.Bytes(), header, nil
}

// DecodeHeader reads only the header of an archive blob.
func DecodeHeader(data []byte) (Header, []byte, error) {
	if len(data) < len(envelopeMagic)+4 || !bytes.Equal(data[:len(envelopeMagic)], envelopeMagic) {
		return Header{}, nil, fmt.Errorf("archive blob has no envelope")
	}
	rest := data[len(envelopeMagic):]
	size := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]
	if size > maxHeaderSize || int(size) > len(rest) {
		return Header{}, nil, fmt.Errorf("archive header length %d out of range", size)
	}
	var header Header
	if err := json.Unmarshal(rest[:size], &header); err != nil {
		return Header{}, nil, fmt.Errorf("decode archive header: %w", err)
	}
	return header, rest[size:], nil
}

// Decode rebuilds the archived state from a blob.
func Decode(data []byte) (entity.State, Header, error) {
	header, payload, err := DecodeHeader(data)
	if err != nil {
		return entity.State{}, Header{}, err
	}
	if header.Compressed {
		payload, err = compress.Decompress(payload)
		if err != nil {
			return entity.State{}, Header{}, fmt.Errorf("decompress archive payload: %w", err)
		}
	} else {
		payload = append([]byte(nil), payload...)
	}
	if len(payload) != header.Size {
		return entity.State{}, Header{}, fmt.Errorf("archive payload size %d, header says %d", len(payload), header.Size)
	}
	if len(payload) == 0 {
		payload = nil
	}
	return entity.State{
		ID:            header.EntityID,
		Type:          header.EntityType,
		SchemaVersion: header.SchemaVersion,
		Seq:           header.Seq,
		Status:        header.Status,
		Payload:       payload,
		Completed:     header.Completed,
		LastActivity:  header.LastActivity,
	}, header, nil
}
