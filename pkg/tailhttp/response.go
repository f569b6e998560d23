package tailhttp

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/unijord/shardlog/pkg/oplog"
)

const (
	contentTypeJSON   = "application/json"
	contentTypeOplog  = "application/x-shardlog-oplog"
	headerLastTick    = "X-Shardlog-Last-Tick"
	maxFrameSize      = 64 << 20
	frameLengthPrefix = 4
)

type Status string

const (
	StatusOK    Status = "OK"
	StatusError Status = "error"
)

// Response is the JSON body of non tail responses.
type Response struct {
	Status Status `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

func newOKResponse() Response {
	return Response{Status: StatusOK}
}

func newErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

// writeFrames writes every op as a big endian uint32 length followed by
// the encoded operation.
func writeFrames(w io.Writer, ops []oplog.Operation) error {
	var prefix [frameLengthPrefix]byte
	for _, op := range ops {
		data := oplog.Encode(op)
		binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
		if _, err := w.Write(prefix[:]); err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	return nil
}

// readFrames decodes frames until EOF.
func readFrames(r io.Reader) ([]oplog.Operation, error) {
	var (
		ops    []oplog.Operation
		prefix [frameLengthPrefix]byte
	)
	for {
		if _, err := io.ReadFull(r, prefix[:]); err != nil {
			if err == io.EOF {
				return ops, nil
			}
			return nil, fmt.Errorf("read frame length: %w", err)
		}
		n := binary.BigEndian.Uint32(prefix[:])
		if n > maxFrameSize {
			return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("read frame: %w", err)
		}
		op, err := oplog.Decode(data)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
}
