package docstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Index types.
const (
	IndexTypePrimary    = "primary"
	IndexTypePersistent = "persistent"
	IndexTypeHash       = "hash"
)

// Build states.
const (
	BuildStateBuilding  = "building"
	BuildStateCommitted = "committed"
	BuildStateAborted   = "aborted"
)

// IndexSpec is the index metadata exposed per collection.
type IndexSpec struct {
	ID     string   `json:"id"`
	Type   string   `json:"type"`
	Fields []string `json:"fields"`
}

// BuildRecord tracks the lifecycle of one secondary index build.
type BuildRecord struct {
	Collection string    `json:"collection"`
	Spec       IndexSpec `json:"spec"`
	State      string    `json:"state"`
	// tick of the indexCreate operation
	StartTick uint64 `json:"start_tick"`
	// tick of the indexCommit or indexAbort operation, 0 while building
	EndTick uint64 `json:"end_tick,omitempty"`
	Entries uint64 `json:"entries,omitempty"`
}

// CommitPayload is carried by indexCommit operations.
type CommitPayload struct {
	Entries uint64 `json:"entries"`
}

// Encode serializes the BuildRecord to JSON bytes.
func (r *BuildRecord) Encode() []byte {
	data, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return data
}

func DecodeBuildRecord(data []byte) *BuildRecord {
	if len(data) == 0 {
		return nil
	}
	var r BuildRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil
	}
	return &r
}

// PrimaryIndexID returns the id of the implicit primary index of a collection.
func PrimaryIndexID(collection string) string {
	return collection + "/0"
}

// IndexID returns the id of the secondary index created at tick.
func IndexID(collection string, tick uint64) string {
	return fmt.Sprintf("%s/%d", collection, tick)
}

func primaryIndex(collection string) IndexSpec {
	return IndexSpec{ID: PrimaryIndexID(collection), Type: IndexTypePrimary, Fields: []string{"_key"}}
}

// EncodeUint64 converts a uint64 to big-endian bytes for BoltDB keys.
func EncodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// DecodeUint64 converts big-endian bytes back to uint64.
func DecodeUint64(data []byte) uint64 {
	if len(data) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}
