package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"supply-integrity/internal/metrics"
	"supply-integrity/internal/scheduler"
)

// Sink receives decoded contract events in block order.
type Sink interface {
	HandleChainEvent(ctx context.Context, ev Event) error
}

// LeaderLock elects a single poller among replicas; the postgres store
// implements it with a session advisory lock.
type LeaderLock interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Listener polls the contract for new events and hands them to a Sink.
type Listener struct {
	reader   *Reader
	sink     Sink
	interval time.Duration
	logger   zerolog.Logger

	leader    LeaderLock
	leaderKey int64

	mu        sync.Mutex
	lastBlock uint64
	started   bool
}

// NewListener builds a listener that resumes from opts.StartBlock.
func NewListener(reader *Reader, sink Sink, interval time.Duration, logger zerolog.Logger) *Listener {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Listener{
		reader:   reader,
		sink:     sink,
		interval: interval,
		logger:   logger.With().Str("component", "chain_listener").Logger(),
	}
}

// WithLeaderLock makes every poll conditional on holding key.
func (l *Listener) WithLeaderLock(lock LeaderLock, key int64) *Listener {
	l.leader = lock
	l.leaderKey = key
	return l
}

// Run polls until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info().
		Str("contract", l.reader.address.Hex()).
		Dur("interval", l.interval).
		Uint64("start_block", l.reader.opts.StartBlock).
		Msg("chain listener started")

	sched := scheduler.New(scheduler.Options{
		Interval:  l.interval,
		Immediate: true,
		Name:      "chain_poll",
	}, l.logger)
	return sched.Run(ctx, l.Poll)
}

// LastBlock returns the highest fully processed block.
func (l *Listener) LastBlock() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastBlock
}

// Poll processes every confirmed block since the previous poll. The cursor
// only advances past ranges whose events were all applied.
func (l *Listener) Poll(ctx context.Context, _ time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.leader != nil && l.leaderKey != 0 {
		unlock, acquired, err := l.leader.TryAdvisoryLock(ctx, l.leaderKey)
		if err != nil {
			return fmt.Errorf("acquire leader lock: %w", err)
		}
		if !acquired {
			l.logger.Debug().Int64("key", l.leaderKey).Msg("skip poll because leader lock held elsewhere")
			return nil
		}
		defer unlock()
	}

	head, err := l.reader.headBlock(ctx)
	if err != nil {
		return err
	}
	confirmations := l.reader.opts.Confirmations
	if head < confirmations {
		return nil
	}
	safe := head - confirmations

	from := l.reader.opts.StartBlock
	if l.started {
		from = l.lastBlock + 1
	}
	if from > safe {
		return nil
	}

	for start := from; start <= safe; {
		end := l.chunkEnd(start, safe)
		n, err := l.processRange(ctx, start, end)
		if err != nil {
			return err
		}
		l.lastBlock = end
		l.started = true
		metrics.ChainLastBlock.Set(float64(end))
		if n > 0 {
			l.logger.Info().Uint64("from", start).Uint64("to", end).Int("events", n).Msg("chain events applied")
		}
		start = end + 1
	}
	return nil
}

// Backfill replays [from, to] without moving the poll cursor and returns the
// number of events applied.
func (l *Listener) Backfill(ctx context.Context, from, to uint64) (int, error) {
	if to < from {
		return 0, fmt.Errorf("invalid block range %d-%d", from, to)
	}
	total := 0
	for start := from; start <= to; {
		end := l.chunkEnd(start, to)
		n, err := l.processRange(ctx, start, end)
		total += n
		if err != nil {
			return total, err
		}
		l.logger.Debug().Uint64("from", start).Uint64("to", end).Int("events", n).Msg("backfill chunk done")
		start = end + 1
	}
	return total, nil
}

func (l *Listener) chunkEnd(start, limit uint64) uint64 {
	size := l.reader.opts.MaxBlockRange
	if size == 0 {
		return limit
	}
	end := start + size - 1
	if end > limit || end < start {
		return limit
	}
	return end
}

func (l *Listener) processRange(ctx context.Context, from, to uint64) (int, error) {
	logs, err := l.reader.logsInRange(ctx, from, to)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, raw := range logs {
		if raw.Removed {
			continue
		}
		ev, err := decodeLog(raw)
		if err != nil {
			l.logger.Warn().Err(err).Str("tx", raw.TxHash.Hex()).Uint64("block", raw.BlockNumber).Msg("skip undecodable log")
			continue
		}
		if err := l.sink.HandleChainEvent(ctx, ev); err != nil {
			return applied, fmt.Errorf("apply %s for batch %s at block %d: %w", ev.Name, ev.BatchID, ev.BlockNumber, err)
		}
		metrics.ChainEventsTotal.WithLabelValues(ev.Name).Inc()
		applied++
	}
	return applied, nil
}
