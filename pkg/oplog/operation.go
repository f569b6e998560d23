package oplog

import (
	"errors"
	"fmt"
	"sync"

	flatbuffers "github.com/google/flatbuffers/go"
	oplogfb "github.com/unijord/shardlog/pkg/gen/go/fb/oplog"
)

var ErrMalformedOperation = errors.New("malformed operation record")

// Kind is the type of change an Operation describes.
type Kind uint8

const (
	KindInsert           = Kind(oplogfb.OpKindINSERT)
	KindUpdate           = Kind(oplogfb.OpKindUPDATE)
	KindRemove           = Kind(oplogfb.OpKindREMOVE)
	KindCreateCollection = Kind(oplogfb.OpKindCREATE_COLLECTION)
	KindIndexCreate      = Kind(oplogfb.OpKindINDEX_CREATE)
	KindIndexCommit      = Kind(oplogfb.OpKindINDEX_COMMIT)
	KindIndexAbort       = Kind(oplogfb.OpKindINDEX_ABORT)
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindRemove:
		return "remove"
	case KindCreateCollection:
		return "createCollection"
	case KindIndexCreate:
		return "indexCreate"
	case KindIndexCommit:
		return "indexCommit"
	case KindIndexAbort:
		return "indexAbort"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k >= KindInsert && k <= KindIndexAbort
}

// Operation is one entry of the log. Tick is assigned by the log on append.
type Operation struct {
	Tick       uint64
	Collection string
	Kind       Kind
	Key        string
	Payload    []byte
}

var builderPool = sync.Pool{
	New: func() interface{} {
		return flatbuffers.NewBuilder(1024)
	},
}

// Encode serializes op as an Operation flatbuffer.
func Encode(op Operation) []byte {
	builder := builderPool.Get().(*flatbuffers.Builder)
	defer func() {
		builder.Reset()
		builderPool.Put(builder)
	}()

	collection := builder.CreateString(op.Collection)
	key := builder.CreateString(op.Key)
	var payload flatbuffers.UOffsetT
	if len(op.Payload) > 0 {
		payload = builder.CreateByteVector(op.Payload)
	}

	oplogfb.OperationStart(builder)
	oplogfb.OperationAddTick(builder, op.Tick)
	oplogfb.OperationAddCollection(builder, collection)
	oplogfb.OperationAddKind(builder, oplogfb.OpKind(op.Kind))
	oplogfb.OperationAddKey(builder, key)
	if payload != 0 {
		oplogfb.OperationAddPayload(builder, payload)
	}
	end := oplogfb.OperationEnd(builder)
	oplogfb.FinishOperationBuffer(builder, end)

	data := builder.FinishedBytes()
	result := make([]byte, len(data))
	copy(result, data)
	return result
}

// Decode parses an Operation flatbuffer. The result never aliases data,
// so data may be a slice of a mapped segment.
func Decode(data []byte) (op Operation, err error) {
	if len(data) < flatbuffers.SizeUOffsetT*2 {
		return Operation{}, fmt.Errorf("%w: %d bytes", ErrMalformedOperation, len(data))
	}
	defer func() {
		// the flatbuffers accessors index without bounds checks of their own.
		if r := recover(); r != nil {
			op = Operation{}
			err = fmt.Errorf("%w: %v", ErrMalformedOperation, r)
		}
	}()

	fb := oplogfb.GetRootAsOperation(data, 0)
	op = Operation{
		Tick:       fb.Tick(),
		Collection: string(fb.Collection()),
		Kind:       Kind(fb.Kind()),
		Key:        string(fb.Key()),
	}
	if p := fb.PayloadBytes(); len(p) > 0 {
		op.Payload = append([]byte(nil), p...)
	}
	if !op.Kind.Valid() {
		return Operation{}, fmt.Errorf("%w: unknown kind %d", ErrMalformedOperation, op.Kind)
	}
	return op, nil
}
