package store

import (
	"context"
	"sync"
	"time"
)

// Op is a single pending write: a put of Data under Key, or a delete.
type Op struct {
	Key    Key
	Data   []byte
	Delete bool
}

// PutOp returns an Op that writes rec.
func PutOp(rec Record) Op { return Op{Key: rec.Key, Data: rec.Data} }

// DeleteOp returns an Op that removes key.
func DeleteOp(key Key) Op { return Op{Key: key, Delete: true} }

// Journal is a write-through buffer in front of a Store. Writes that fail
// stay pending and are replayed, together with the next batch, on the next
// Apply or on Flush. A later op for the same key supersedes an earlier one.
type Journal struct {
	st      Store
	timeout time.Duration

	mu      sync.Mutex
	pending []Op
	index   map[Key]int
}

// NewJournal returns a Journal writing to st. Each commit is bounded by
// timeout; zero means no bound beyond ctx.
func NewJournal(st Store, timeout time.Duration) *Journal {
	return &Journal{st: st, timeout: timeout, index: make(map[Key]int)}
}

// Store returns the underlying backend.
func (j *Journal) Store() Store { return j.st }

// NewID returns a fresh id from the underlying backend.
func (j *Journal) NewID() string { return j.st.NewID() }

// Apply adds ops to the pending set and commits everything pending in one
// transaction. On failure all ops remain pending.
func (j *Journal) Apply(ctx context.Context, ops ...Op) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, op := range ops {
		j.add(op)
	}
	return j.commitLocked(ctx)
}

// ApplyAtomic commits the pending set plus ops in one transaction. Unlike
// Apply, ops are discarded if the commit fails; earlier pending ops stay.
func (j *Journal) ApplyAtomic(ctx context.Context, ops ...Op) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	batch := make([]Op, 0, len(j.pending)+len(ops))
	batch = append(batch, j.pending...)
	batch = append(batch, ops...)
	if err := j.commit(ctx, batch); err != nil {
		return err
	}
	j.reset()
	return nil
}

// Flush retries every pending op.
func (j *Journal) Flush(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.commitLocked(ctx)
}

// Pending returns the number of ops awaiting a successful commit.
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}

func (j *Journal) add(op Op) {
	if i, ok := j.index[op.Key]; ok {
		j.pending[i] = op
		return
	}
	j.index[op.Key] = len(j.pending)
	j.pending = append(j.pending, op)
}

func (j *Journal) reset() {
	j.pending = nil
	clear(j.index)
}

func (j *Journal) commitLocked(ctx context.Context) error {
	if len(j.pending) == 0 {
		return nil
	}
	if err := j.commit(ctx, j.pending); err != nil {
		return err
	}
	j.reset()
	return nil
}

func (j *Journal) commit(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	return j.st.Update(ctx, func(tx Tx) error {
		for _, op := range ops {
			if op.Delete {
				if err := tx.Delete(op.Key); err != nil {
					return err
				}
				continue
			}
			rec := Record{Key: op.Key, Data: op.Data}
			if err := tx.Put(&rec); err != nil {
				return err
			}
		}
		return nil
	})
}
