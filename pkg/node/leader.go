package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/unijord/shardlog/pkg/replication"
	"github.com/unijord/shardlog/pkg/walfs"
)

// Leader returns an in-process client for the node's log. The tail
// HTTP server and migrations serve it.
func (n *Node) Leader() replication.LeaderClient {
	return &localLeader{n: n}
}

type localLeader struct {
	n *Node
}

func (l *localLeader) Handshake(ctx context.Context) (replication.Handshake, error) {
	if err := ctx.Err(); err != nil {
		return replication.Handshake{}, err
	}
	if _, closed := l.n.state(); closed {
		return replication.Handshake{}, fmt.Errorf("%w: %w", replication.ErrConnection, ErrClosed)
	}
	return replication.Handshake{
		ServerID:  l.n.id,
		Role:      l.n.Role(),
		FirstTick: l.n.log.FirstTick(),
		LastTick:  l.n.log.LastTick(),
	}, nil
}

// Fetch registers from as the watermark of consumerID before it reads, so
// the archive keeps everything the consumer still needs.
func (l *localLeader) Fetch(ctx context.Context, consumerID string, from uint64, limit int) (replication.Batch, error) {
	if err := ctx.Err(); err != nil {
		return replication.Batch{}, err
	}
	if _, closed := l.n.state(); closed {
		return replication.Batch{}, fmt.Errorf("%w: %w", replication.ErrConnection, ErrClosed)
	}

	l.n.archive.RegisterWatermark(consumerID, from)
	if first := l.n.log.FirstTick(); from < first {
		return replication.Batch{}, fmt.Errorf("%w: tick %d, first retained %d", replication.ErrTickNotAvailable, from, first)
	}

	last := l.n.log.LastTick()
	ops, err := l.n.log.Read(from, limit)
	if errors.Is(err, walfs.ErrTickPurged) {
		return replication.Batch{}, fmt.Errorf("%w: %v", replication.ErrTickNotAvailable, err)
	}
	if err != nil {
		return replication.Batch{}, err
	}
	return replication.Batch{Ops: ops, LastTick: max(last, l.n.log.LastTick())}, nil
}

func (l *localLeader) Release(ctx context.Context, consumerID string) error {
	l.n.archive.UnregisterWatermark(consumerID)
	return nil
}

func (l *localLeader) Close() error { return nil }
