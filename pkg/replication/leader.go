package replication

import (
	"context"

	"github.com/unijord/shardlog/pkg/oplog"
)

// Handshake is the leader's answer to a new connection.
type Handshake struct {
	ServerID  string `json:"serverId"`
	Role      string `json:"role"`
	FirstTick uint64 `json:"firstTick"`
	LastTick  uint64 `json:"lastTick"`
}

// Batch is one fetch result.
type Batch struct {
	Ops []oplog.Operation
	// LastTick of the leader log when the batch was read.
	LastTick uint64
}

// Leader serves its log to followers. Fetch registers from as the
// retention watermark of consumerID before reading, so everything from
// there on stays available. Fetching below the first retained tick
// returns ErrTickNotAvailable.
type Leader interface {
	Handshake(ctx context.Context) (Handshake, error)
	Fetch(ctx context.Context, consumerID string, from uint64, limit int) (Batch, error)
	Release(ctx context.Context, consumerID string) error
}

// LeaderClient is a connection to a leader.
type LeaderClient interface {
	Leader
	Close() error
}

// Dialer connects to the leader at endpoint. Failures should wrap
// ErrConnection.
type Dialer func(ctx context.Context, endpoint string) (LeaderClient, error)

// Sink applies replicated operations locally.
type Sink interface {
	// ApplyReplicated durably applies op. It must be idempotent for ticks
	// at or below AppliedTick.
	ApplyReplicated(op oplog.Operation) error
	AppliedTick() uint64
}
