package storage

import (
	"iter"

	"github.com/iidesho/bragi/sbragi"
	jsoniter "github.com/json-iterator/go"
	"github.com/nutsdb/nutsdb"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigFastest

const bucket = "flyt"

type KV[T any] interface {
	Set(k string, v T) error
	Get(k string) (v T, err error)
	Delete(k string) error
	Range() iter.Seq2[string, T]
	Close() error
}

type kv[T any] struct {
	db *nutsdb.DB
}

func New[T any](dir string) (KV[T], error) {
	db, err := nutsdb.Open(
		nutsdb.DefaultOptions,
		nutsdb.WithDir(dir),
	)
	if err != nil {
		return nil, errors.Wrap(err, "opening kv store")
	}
	err = db.Update(func(tx *nutsdb.Tx) error {
		return tx.NewKVBucket(bucket)
	})
	sbragi.WithoutEscalation().WithError(err).Debug("creating kv bucket", "dir", dir)
	return kv[T]{
		db: db,
	}, nil
}

func (s kv[T]) Set(k string, v T) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sbragi.Trace("storing", "key", k, "val", string(b))
	return s.db.Update(func(tx *nutsdb.Tx) error {
		return tx.Put(bucket, []byte(k), b, 0)
	})
}

func (s kv[T]) Get(k string) (v T, err error) {
	var data []byte
	err = s.db.View(func(tx *nutsdb.Tx) error {
		data, err = tx.Get(bucket, []byte(k))
		return err
	})
	if err != nil {
		return
	}
	err = json.Unmarshal(data, &v)
	return
}

func (s kv[T]) Delete(k string) error {
	return s.db.Update(func(tx *nutsdb.Tx) error {
		return tx.Delete(bucket, []byte(k))
	})
}

func (s kv[T]) Range() iter.Seq2[string, T] {
	var keys [][]byte
	var values [][]byte
	err := s.db.View(func(tx *nutsdb.Tx) error {
		var err error
		keys, values, err = tx.GetAll(bucket)
		return err
	})
	sbragi.WithoutEscalation().WithError(err).Error("getting values for range")
	return func(yield func(string, T) bool) {
		var v T
		for i := range keys {
			err = json.Unmarshal(values[i], &v)
			if sbragi.WithError(err).
				Error("unmarshaling value", "key", string(keys[i]), "raw_value", string(values[i])) {
				continue
			}
			if !yield(string(keys[i]), v) {
				return
			}
		}
	}
}

func (s kv[T]) Close() error {
	return s.db.Close()
}
