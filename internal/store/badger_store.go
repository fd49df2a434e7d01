package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/communitymedia/captiond/internal/model"
)

// Key layout:
// - jobs:        "job:<id>" (JSON)
// - fingerprint: "fp:<fp>" (value = jobID of the active holder)
// - runs:        "run:<fingerprint>" (JSON)
// - scheduler:   "sched:<template>" (RFC3339)
// - leases:      "lease:<key>" (JSON with owner + expiry)
// - schema:      "schema:version"
const (
	prefixJob   = "job:"
	prefixFP    = "fp:"
	prefixRun   = "run:"
	prefixSched = "sched:"
	prefixLease = "lease:"
	keySchema   = "schema:version"
)

// BadgerStore is the durable Store backed by an embedded badger database.
type BadgerStore struct {
	db *badger.DB
}

type leaseRecord struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// OpenBadger opens (or creates) the store at path and runs forward-only
// schema migration.
func OpenBadger(path string) (*BadgerStore, error) {
	if path == "" {
		return nil, errors.New("store path required")
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	s := &BadgerStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BadgerStore) migrate() error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keySchema))
		if err == badger.ErrKeyNotFound {
			return txn.Set([]byte(keySchema), []byte(strconv.Itoa(SchemaVersion)))
		}
		if err != nil {
			return err
		}
		var onDisk int
		if err := item.Value(func(val []byte) error {
			onDisk, err = strconv.Atoi(string(val))
			return err
		}); err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		if onDisk > SchemaVersion {
			return fmt.Errorf("%w: on-disk=%d supported=%d", ErrSchemaTooNew, onDisk, SchemaVersion)
		}
		// No older versions exist yet; future migrations slot in here.
		return txn.Set([]byte(keySchema), []byte(strconv.Itoa(SchemaVersion)))
	})
}

func (s *BadgerStore) Close() error { return s.db.Close() }

// --- Jobs ---

func (s *BadgerStore) CreateJob(ctx context.Context, j *model.Job) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if j.Fingerprint != "" {
			item, err := txn.Get([]byte(prefixFP + j.Fingerprint))
			if err == nil {
				var holder string
				if verr := item.Value(func(val []byte) error {
					holder = string(val)
					return nil
				}); verr != nil {
					return verr
				}
				return &DuplicateError{Fingerprint: j.Fingerprint, ExistingJobID: holder}
			}
			if err != badger.ErrKeyNotFound {
				return err
			}
			if err := txn.Set([]byte(prefixFP+j.Fingerprint), []byte(j.JobID)); err != nil {
				return err
			}
		}
		buf, err := json.Marshal(j)
		if err != nil {
			return err
		}
		return txn.Set([]byte(prefixJob+j.JobID), buf)
	})
}

func (s *BadgerStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var out model.Job
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixJob + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) UpdateJob(ctx context.Context, id string, fn func(*model.Job) error) (*model.Job, error) {
	var out model.Job
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixJob + id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		}); err != nil {
			return err
		}
		wasTerminal := out.State.IsTerminal()
		if err := fn(&out); err != nil {
			return err
		}
		out.UpdatedAt = time.Now().UTC()
		buf, err := json.Marshal(&out)
		if err != nil {
			return err
		}
		if err := txn.Set([]byte(prefixJob+id), buf); err != nil {
			return err
		}
		// Entering a terminal state releases the fingerprint for new work.
		if !wasTerminal && out.State.IsTerminal() && out.Fingerprint != "" {
			if err := s.releaseFingerprint(txn, out.Fingerprint, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// releaseFingerprint removes the fp index entry, but only if this job still
// holds it. A newer job may have re-claimed the fingerprint in the meantime.
func (s *BadgerStore) releaseFingerprint(txn *badger.Txn, fp, jobID string) error {
	item, err := txn.Get([]byte(prefixFP + fp))
	if err == badger.ErrKeyNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	var holder string
	if err := item.Value(func(val []byte) error {
		holder = string(val)
		return nil
	}); err != nil {
		return err
	}
	if holder != jobID {
		return nil
	}
	return txn.Delete([]byte(prefixFP + fp))
}

func (s *BadgerStore) ListJobs(ctx context.Context, filter JobFilter) ([]*model.Job, error) {
	var list []*model.Job
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(prefixJob)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var rec model.Job
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			if filter.matches(&rec) {
				j := rec
				list = append(list, &j)
			}
		}
		return nil
	})
	return list, err
}

func (s *BadgerStore) ActiveJobByFingerprint(ctx context.Context, fp string) (string, bool, error) {
	var jobID string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixFP + fp))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			jobID = string(val)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return jobID, true, nil
}

// --- Pipeline runs ---

func (s *BadgerStore) GetRun(ctx context.Context, fingerprint string) (*model.PipelineRun, error) {
	var out model.PipelineRun
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixRun + fingerprint))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) PutRun(ctx context.Context, r *model.PipelineRun) error {
	r.UpdatedAt = time.Now().UTC()
	buf, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixRun+r.Recording.Fingerprint), buf)
	})
}

func (s *BadgerStore) UpdateRun(ctx context.Context, fingerprint string, fn func(*model.PipelineRun) error) (*model.PipelineRun, error) {
	var out model.PipelineRun
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixRun + fingerprint))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		}); err != nil {
			return err
		}
		if err := fn(&out); err != nil {
			return err
		}
		out.UpdatedAt = time.Now().UTC()
		buf, err := json.Marshal(&out)
		if err != nil {
			return err
		}
		return txn.Set([]byte(prefixRun+fingerprint), buf)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Scheduler marks ---

func (s *BadgerStore) LastFired(ctx context.Context, template string) (time.Time, bool, error) {
	var raw string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixSched + template))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			raw = string(val)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse scheduler mark for %s: %w", template, err)
	}
	return t, true, nil
}

func (s *BadgerStore) SetLastFired(ctx context.Context, template string, t time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixSched+template), []byte(t.UTC().Format(time.RFC3339Nano)))
	})
}

// --- Leases ---

func (s *BadgerStore) TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	var acquired bool
	err := s.db.Update(func(txn *badger.Txn) error {
		now := time.Now()
		item, err := txn.Get([]byte(prefixLease + key))
		if err == nil {
			var rec leaseRecord
			if verr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); verr == nil {
				if now.Before(rec.ExpiresAt) && rec.Owner != owner {
					// Held by someone else.
					return nil
				}
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		rec := leaseRecord{Owner: owner, ExpiresAt: now.Add(ttl)}
		buf, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := txn.Set([]byte(prefixLease+key), buf); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	return acquired, err
}

func (s *BadgerStore) RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	var renewed bool
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixLease + key))
		if err == badger.ErrKeyNotFound {
			return nil // lost
		}
		if err != nil {
			return err
		}
		var rec leaseRecord
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}
		if rec.Owner != owner {
			return nil // stolen
		}
		// An expired lease is not renewable; recovery must take over.
		if time.Now().After(rec.ExpiresAt) {
			return nil
		}
		rec.ExpiresAt = time.Now().Add(ttl)
		buf, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := txn.Set([]byte(prefixLease+key), buf); err != nil {
			return err
		}
		renewed = true
		return nil
	})
	return renewed, err
}

func (s *BadgerStore) ReleaseLease(ctx context.Context, key, owner string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixLease + key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var rec leaseRecord
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return nil
		}
		if rec.Owner == owner {
			return txn.Delete([]byte(prefixLease + key))
		}
		return nil
	})
}
