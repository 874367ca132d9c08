package journal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/rzbill/intelbridge/internal/bus"
	"github.com/rzbill/intelbridge/internal/message"
	"github.com/rzbill/intelbridge/internal/metrics"
	pebblestore "github.com/rzbill/intelbridge/internal/storage/pebble"
	"github.com/rzbill/intelbridge/pkg/log"
)

// Origin tags envelopes the journal publishes on the bus.
const Origin = "journal"

// Entry is one recorded message.
type Entry struct {
	Seq     uint64
	At      time.Time
	Payload []byte
}

// Options configures a Journal.
type Options struct {
	// Retention drops entries older than this on every trim. Zero keeps all.
	Retention time.Duration
	// TrimEvery is the trim period used by Run. Default 1 minute.
	TrimEvery time.Duration
	// TrimBatch bounds deletes per commit. Default 1024.
	TrimBatch int
	Now       func() time.Time
	Metrics   *metrics.Metrics
	Logger    log.Logger
}

// Journal is an append-only per-class log of bus intel and sightings.
type Journal struct {
	db   *pebblestore.DB
	opts Options

	mu      sync.Mutex
	lastSeq map[message.TopicClass]uint64
	notify  chan struct{}

	logger log.Logger
}

var classes = [...]message.TopicClass{message.ClassIntel, message.ClassSighting}

// Open loads the last sequence of each class from db.
func Open(db *pebblestore.DB, opts Options) (*Journal, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TrimEvery <= 0 {
		opts.TrimEvery = time.Minute
	}
	if opts.TrimBatch <= 0 {
		opts.TrimBatch = 1024
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	j := &Journal{
		db:      db,
		opts:    opts,
		lastSeq: make(map[message.TopicClass]uint64, len(classes)),
		notify:  make(chan struct{}),
		logger:  opts.Logger.WithComponent("journal"),
	}
	for _, c := range classes {
		meta, err := db.Get(keyMeta(c))
		switch {
		case err == nil && len(meta) >= 8:
			j.lastSeq[c] = binary.BigEndian.Uint64(meta[:8])
		case err != nil && !errors.Is(err, pebblestore.ErrNotFound):
			return nil, fmt.Errorf("journal: load %s meta: %w", c, err)
		}
	}
	return j, nil
}

// Append records payload under class and returns its sequence.
func (j *Journal) Append(ctx context.Context, class message.TopicClass, payload []byte) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	seq := j.lastSeq[class] + 1
	b := j.db.NewBatch()
	defer b.Close()
	if err := b.Set(keyEntry(class, seq), encodeRecord(j.opts.Now(), payload), nil); err != nil {
		return 0, err
	}
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], seq)
	if err := b.Set(keyMeta(class), meta[:], nil); err != nil {
		return 0, err
	}
	if err := j.db.Commit(ctx, b); err != nil {
		return 0, err
	}
	j.lastSeq[class] = seq
	close(j.notify)
	j.notify = make(chan struct{})
	j.opts.Metrics.Journaled(string(class))
	return seq, nil
}

// WaitForAppend blocks until the next append or timeout. It reports whether
// an append happened.
func (j *Journal) WaitForAppend(timeout time.Duration) bool {
	j.mu.Lock()
	ch := j.notify
	j.mu.Unlock()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}

// Since returns entries of class recorded at or after cutoff, oldest first.
// limit <= 0 means no limit.
func (j *Journal) Since(class message.TopicClass, cutoff time.Time, limit int) ([]Entry, error) {
	lo, hi := entryBounds(class)
	iter, err := j.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Entry
	for ok := iter.First(); ok && (limit <= 0 || len(out) < limit); ok = iter.Next() {
		at, payload, valid := decodeRecord(iter.Value())
		if !valid {
			j.logger.Warn("skipping corrupt journal entry", log.Uint64("seq", seqFromKey(iter.Key())))
			continue
		}
		if at.Before(cutoff) {
			continue
		}
		out = append(out, Entry{Seq: seqFromKey(iter.Key()), At: at, Payload: payload})
	}
	return out, iter.Error()
}

// TrimOlderThan deletes the leading entries of class recorded before cutoff,
// committing at most TrimBatch deletes per batch.
func (j *Journal) TrimOlderThan(ctx context.Context, class message.TopicClass, cutoff time.Time) (int, error) {
	lo, hi := entryBounds(class)
	iter, err := j.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	deleted := 0
	ok := iter.First()
	for ok {
		b := j.db.NewBatch()
		n := 0
		for ok && n < j.opts.TrimBatch {
			at, _, valid := decodeRecord(iter.Value())
			if valid && !at.Before(cutoff) {
				ok = false
				break
			}
			if err := b.Delete(iter.Key(), nil); err != nil {
				b.Close()
				return deleted, err
			}
			n++
			ok = iter.Next()
		}
		if n > 0 {
			if err := j.db.Commit(ctx, b); err != nil {
				b.Close()
				return deleted, err
			}
			deleted += n
		}
		b.Close()
	}
	j.opts.Metrics.Trimmed(deleted)
	return deleted, nil
}

// Run records bus intel and sightings until ctx is done. Bus snapshot
// requests are answered from their own goroutines so recording never waits
// on them. Retention runs every TrimEvery.
func (j *Journal) Run(ctx context.Context, b *bus.Bus) error {
	var answers sync.WaitGroup
	defer answers.Wait()
	sub := b.SubscribeBlocking("journal",
		message.KindIntel.BusTopic(),
		message.KindSighting.BusTopic(),
		message.KindSnapshotRequest.BusTopic(),
	)
	defer sub.Close()
	ticker := time.NewTicker(j.opts.TrimEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.trim(ctx)
		case env, ok := <-sub.C():
			if !ok {
				return nil
			}
			if req, ok := env.Msg.(message.SnapshotRequest); ok {
				if env.Origin == Origin || req.Window <= 0 {
					continue
				}
				answers.Add(1)
				go func() {
					defer answers.Done()
					j.answer(ctx, b, req)
				}()
				continue
			}
			j.record(ctx, env)
		}
	}
}

func (j *Journal) record(ctx context.Context, env bus.Envelope) {
	switch m := env.Msg.(type) {
	case message.Intel, message.Sighting:
		payload, err := message.Encode(m)
		if err != nil {
			j.logger.Warn("not journaling invalid message", log.Err(err))
			return
		}
		class := message.ClassIntel
		if m.Kind() == message.KindSighting {
			class = message.ClassSighting
		}
		if _, err := j.Append(ctx, class, payload); err != nil {
			j.logger.Error("journal append failed", log.Err(err))
		}
	}
}

func (j *Journal) answer(ctx context.Context, b *bus.Bus, req message.SnapshotRequest) {
	entries, err := j.Since(req.Type, j.opts.Now().Add(-req.Window), 0)
	if err != nil {
		j.logger.Error("snapshot read failed", log.Err(err), log.Token(req.Token))
		return
	}
	sent := 0
	for _, e := range entries {
		body, err := message.Decode(req.Type.Kind(), e.Payload)
		if err != nil {
			continue
		}
		env, err := message.Wrap(req, body)
		if err != nil {
			continue
		}
		if err := b.Publish(ctx, bus.For(env, Origin)); err != nil {
			j.logger.Warn("snapshot publish aborted", log.Err(err))
			return
		}
		sent++
	}
	j.logger.Debug("answered snapshot", log.Token(req.Token), log.Str("snapshot_id", req.SnapshotID.String()), log.Int("entries", sent))
}

func (j *Journal) trim(ctx context.Context) {
	if j.opts.Retention <= 0 {
		return
	}
	cutoff := j.opts.Now().Add(-j.opts.Retention)
	for _, c := range classes {
		n, err := j.TrimOlderThan(ctx, c, cutoff)
		if err != nil {
			j.logger.Error("journal trim failed", log.Err(err), log.Str("class", string(c)))
			continue
		}
		if n > 0 {
			j.logger.Info("journal trimmed", log.Str("class", string(c)), log.Int("entries", n))
		}
	}
}
