package slotty

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewLogCatchUpTask builds a task replaying entries after followerLastIndex to target
func NewLogCatchUpTask(member *RaftMember, target Node, followerLastIndex uint64) *LogCatchUpTask {
	return &LogCatchUpTask{
		id:                uuid.New(),
		member:            member,
		target:            target,
		term:              member.Term(),
		followerLastIndex: followerLastIndex,
	}
}

// Run sends batches of entries until the follower log matches the leader log.
// It returns the index the follower is known to match
func (t *LogCatchUpTask) Run(ctx context.Context) (uint64, error) {
	m := t.member
	prev := t.followerLastIndex
	m.logger.Debug().
		Str("address", m.thisNode.MetaAddress()).
		Str("header", m.header.String()).
		Str("peerAddress", t.target.MetaAddress()).
		Str("taskId", t.id.String()).
		Str("from", fmt.Sprintf("%d", prev)).
		Msgf("Starting log catch up")

replay:
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if !m.isLeaderAt(t.term) {
			return 0, &LeaderUnknownError{Group: m.Group()}
		}

		m.mu.Lock()
		last, snapshotIndex, commitIndex := m.lastLogIndex, m.snapshotIndex, m.commitIndex
		prevTerm, ok := m.termAtLocked(prev)
		if prev > last {
			prev = last
			prevTerm, ok = m.termAtLocked(prev)
		}
		m.mu.Unlock()
		if prev < snapshotIndex || !ok {
			return 0, ErrLogCompacted
		}

		// an empty batch checks that the follower matches at prev
		var entries []*LogEntry
		if prev < last {
			var err error
			entries, err = m.store.GetLogsByRange(prev+1, last, m.config.CatchUpBatchSize)
			if err != nil {
				if errors.Is(err, ErrLogNotFound) {
					return 0, ErrLogCompacted
				}
				return 0, err
			}
		}

		request := &AppendEntriesRequest{
			Name:         m.name,
			Header:       m.header,
			Term:         t.term,
			Leader:       m.thisNode,
			PrevLogIndex: prev,
			PrevLogTerm:  prevTerm,
			Entries:      entries,
			LeaderCommit: commitIndex,
		}
		response, err := t.send(ctx, request)
		if err != nil {
			return 0, err
		}
		if response.Term > t.term {
			m.stepDown(response.Term)
			return 0, &LeaderUnknownError{Group: m.Group()}
		}

		switch {
		case response.Success:
			if len(entries) == 0 {
				break replay
			}
			prev = entries[len(entries)-1].Index
		case response.LogMismatch:
			if prev == 0 {
				return 0, fmt.Errorf("%w: follower %s rejected index 0", ErrLogMismatch, t.target)
			}
			prev = min(prev-1, response.LastLogIndex)
		default:
			return 0, fmt.Errorf("%w: follower %s rejected entries", ErrRequestFailed, t.target)
		}
	}

	if !m.isLeaderAt(t.term) {
		return 0, &LeaderUnknownError{Group: m.Group()}
	}
	return prev, nil
}

// send delivers request, retrying on transport errors. The rpc itself is not
// cancelled with ctx so that a follower never sees half a batch
func (t *LogCatchUpTask) send(ctx context.Context, request *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	return sendWithRetries(ctx, t.member, t.target, func(rpcCtx context.Context, client Client) (*AppendEntriesResponse, error) {
		return client.AppendEntries(rpcCtx, request)
	})
}

// sendWithRetries runs call up to CatchUpRetries+1 times, each run on its own timeout
func sendWithRetries[T any](ctx context.Context, m *RaftMember, target Node, call func(context.Context, Client) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	for attempt := 0; attempt <= m.config.CatchUpRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff(m.config.HeartbeatInterval, uint64(attempt), 5)):
			}
		}

		rpcCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.ConnectionTimeout)
		response, err := callPeer(rpcCtx, m.pool, target, func(client Client) (T, error) {
			return call(rpcCtx, client)
		})
		cancel()
		if err == nil {
			return response, nil
		}
		lastErr = err
		m.logger.Debug().Err(err).
			Str("address", m.thisNode.MetaAddress()).
			Str("header", m.header.String()).
			Str("peerAddress", target.MetaAddress()).
			Str("attempt", fmt.Sprintf("%d", attempt+1)).
			Msgf("Catch up rpc failed")
	}
	return zero, &RaftConnectionError{Group: m.Group(), Node: target, Err: lastErr}
}
