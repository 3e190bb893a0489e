package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

var (
	messagePrefix   = []byte("inbox/msg/")
	indexVersionKey = []byte("inbox/meta/index")

	// statePrefix indexes message ids by state: inbox/state/<state>/<id>.
	statePrefix = []byte("inbox/state/")

	// duePrefix orders pending messages by next attempt: inbox/due/<unix nanos, hex>/<id>.
	duePrefix = []byte("inbox/due/")
)

const indexVersion = "v1"

// PebbleStore keeps messages in a local Pebble database, one JSON value per message,
// plus state and due-time index keys written in the same batch.
type PebbleStore struct {
	db *pebble.DB
	// mu serialises read-modify-write of a message and its index keys.
	mu sync.Mutex
}

var _ Store = (*PebbleStore)(nil)

// NewPebbleStore opens (or creates) the database in dir. An empty dir keeps everything in memory.
func NewPebbleStore(dir string) (*PebbleStore, error) {
	opts := &pebble.Options{
		MemTableSize:          8 << 20,
		L0CompactionThreshold: 4,
		L0StopWritesThreshold: 12,
	}
	dir = strings.TrimSpace(dir)
	if dir == "" {
		opts.FS = vfs.NewMem()
		dir = "inbox"
	} else {
		dir = filepath.Clean(dir)
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	store := &PebbleStore{db: db}
	if err := store.ensureIndex(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pebble index: %w", err)
	}
	return store, nil
}

func messageKey(id string) []byte {
	key := make([]byte, 0, len(messagePrefix)+len(id))
	key = append(key, messagePrefix...)
	return append(key, id...)
}

func stateKey(state State, id string) []byte {
	key := make([]byte, 0, len(statePrefix)+len(state)+1+len(id))
	key = append(key, statePrefix...)
	key = append(key, state...)
	key = append(key, '/')
	return append(key, id...)
}

func stateKeyPrefix(state State) []byte {
	return stateKey(state, "")
}

// dueStamp encodes t as fixed-width hex so byte order matches time order.
func dueStamp(t time.Time) string {
	nanos := uint64(0)
	if !t.IsZero() && t.Unix() > 0 {
		nanos = uint64(t.UnixNano())
	}
	return fmt.Sprintf("%016x", nanos)
}

func dueKey(at time.Time, id string) []byte {
	stamp := dueStamp(at)
	key := make([]byte, 0, len(duePrefix)+len(stamp)+1+len(id))
	key = append(key, duePrefix...)
	key = append(key, stamp...)
	key = append(key, '/')
	return append(key, id...)
}

func indexKeys(msg Message) [][]byte {
	keys := [][]byte{stateKey(msg.State, msg.ID)}
	if msg.State == StatePending {
		keys = append(keys, dueKey(msg.NextAttemptAt, msg.ID))
	}
	return keys
}

func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	upper[len(upper)-1]++
	return upper
}

// ensureIndex backfills index keys for databases written before the index existed.
func (p *PebbleStore) ensureIndex() error {
	value, closer, err := p.db.Get(indexVersionKey)
	if err == nil {
		current := string(value)
		_ = closer.Close()
		if current == indexVersion {
			return nil
		}
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return err
	}

	batch := p.db.NewBatch()
	defer batch.Close()
	var setErr error
	err = p.scan(context.Background(), func(msg Message) bool {
		for _, key := range indexKeys(msg) {
			if setErr = batch.Set(key, nil, nil); setErr != nil {
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	if setErr != nil {
		return setErr
	}
	if err := batch.Set(indexVersionKey, []byte(indexVersion), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (p *PebbleStore) Put(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidMessage)
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	batch := p.db.NewBatch()
	defer batch.Close()
	if previous, err := p.Get(ctx, msg.ID); err == nil {
		for _, key := range indexKeys(previous) {
			if err := batch.Delete(key, nil); err != nil {
				return err
			}
		}
	} else if !errors.Is(err, ErrMessageNotFound) {
		return err
	}
	if err := batch.Set(messageKey(msg.ID), value, nil); err != nil {
		return err
	}
	for _, key := range indexKeys(msg) {
		if err := batch.Set(key, nil, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (p *PebbleStore) Get(_ context.Context, id string) (Message, error) {
	value, closer, err := p.db.Get(messageKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Message{}, ErrMessageNotFound
		}
		return Message{}, err
	}
	defer closer.Close()

	var msg Message
	if err := json.Unmarshal(value, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message %s: %w", id, err)
	}
	return msg, nil
}

func (p *PebbleStore) Delete(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	previous, err := p.Get(ctx, id)
	if errors.Is(err, ErrMessageNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	batch := p.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(messageKey(id), nil); err != nil {
		return err
	}
	for _, key := range indexKeys(previous) {
		if err := batch.Delete(key, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

// Due walks the due index up to now, so dead letters and future retries are never read.
func (p *PebbleStore) Due(ctx context.Context, now time.Time, limit int) ([]Message, error) {
	upper := append(append([]byte(nil), duePrefix...), dueStamp(now)...)
	upper = append(upper, '/'+1)
	ids, err := p.indexIDs(ctx, duePrefix, upper, limit, func(suffix []byte) string {
		_, id, _ := strings.Cut(string(suffix), "/")
		return id
	})
	if err != nil {
		return nil, err
	}
	return p.load(ctx, ids)
}

func (p *PebbleStore) List(ctx context.Context, state State, limit int) ([]Message, error) {
	if state == "" {
		var out []Message
		err := p.scan(ctx, func(msg Message) bool {
			out = append(out, msg)
			return limit <= 0 || len(out) < limit
		})
		return out, err
	}
	prefix := stateKeyPrefix(state)
	ids, err := p.indexIDs(ctx, prefix, prefixUpperBound(prefix), limit, func(suffix []byte) string {
		return string(suffix)
	})
	if err != nil {
		return nil, err
	}
	return p.load(ctx, ids)
}

// Count reads index keys only; values are never decoded.
func (p *PebbleStore) Count(ctx context.Context, state State) (int, error) {
	prefix := messagePrefix
	if state != "" {
		prefix = stateKeyPrefix(state)
	}
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return 0, err
	}
	defer it.Close()

	count := 0
	for it.First(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		count++
	}
	return count, it.Error()
}

func (p *PebbleStore) Close() error { return p.db.Close() }

// indexIDs collects message ids from index keys in [lower, upper).
func (p *PebbleStore) indexIDs(ctx context.Context, lower, upper []byte, limit int, id func(suffix []byte) string) ([]string, error) {
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var ids []string
	for it.First(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if v := id(it.Key()[len(lower):]); v != "" {
			ids = append(ids, v)
		}
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, it.Error()
}

func (p *PebbleStore) load(ctx context.Context, ids []string) ([]Message, error) {
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		msg, err := p.Get(ctx, id)
		if errors.Is(err, ErrMessageNotFound) {
			// deleted between the index read and the load
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// scan walks messages in key order (ULID, so oldest first) until fn returns false.
func (p *PebbleStore) scan(ctx context.Context, fn func(Message) bool) error {
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: messagePrefix, UpperBound: prefixUpperBound(messagePrefix)})
	if err != nil {
		return err
	}
	defer it.Close()

	for it.First(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var msg Message
		if err := json.Unmarshal(it.Value(), &msg); err != nil {
			return fmt.Errorf("decode message %s: %w", it.Key(), err)
		}
		if !fn(msg) {
			break
		}
	}
	return it.Error()
}
