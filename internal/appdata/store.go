/*
 * Copyright 2019 Dgraph Labs, Inc. and Contributors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package appdata implements the App-Data Store (spec §4.2): a durable
// local key/value store holding per-query last-seen IDs and per-query tweet
// history, backed by Badger — the embedded KV store the teacher repo already
// depends on (for badger/y.Closer in its older variant), here put to its
// actual purpose.
package appdata

import (
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger"
	"github.com/pkg/errors"
)

const (
	lastIDPrefix = "lastid/"
	tweetPrefix  = "tweets/"
)

// TweetRecord is one entry of a per-query tweet-ID history table.
type TweetRecord struct {
	ID        string
	Timestamp int64
}

// Store is a durable key/value store. Badger serialises writers internally,
// satisfying spec §4.2's "writes are atomic at operation granularity;
// concurrent reads/writes from multiple workers are safe" contract without
// any extra locking in this package.
type Store struct {
	db *badger.DB
}

// Open opens (creating if necessary) a Badger database rooted at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "appdata: opening badger store at %q", dir)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return errors.Wrap(s.db.Close(), "appdata: closing badger store")
}

// PutLastID records the most recently ingested item id for query uid. It is
// called only after a query's entire paged walk completes successfully
// (spec invariant: "A LastID is recorded only after the entire paged walk
// for that uid succeeds").
func (s *Store) PutLastID(uid, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(lastIDPrefix+uid), []byte(id))
	})
	return errors.Wrapf(err, "appdata: put last id for %q", uid)
}

// GetLastID returns the last recorded item id for uid, if any.
func (s *Store) GetLastID(uid string) (id string, ok bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, getErr := txn.Get([]byte(lastIDPrefix + uid))
		if getErr == badger.ErrKeyNotFound {
			return nil
		}
		if getErr != nil {
			return getErr
		}
		ok = true
		return item.Value(func(val []byte) error {
			id = string(val)
			return nil
		})
	})
	if err != nil {
		return "", false, errors.Wrapf(err, "appdata: get last id for %q", uid)
	}
	return id, ok, nil
}

// PutQueryTweets appends a batch of (tweet_id, unix_seconds) pairs to the
// per-query-kind tweet history table, used for dedup in Query.Pickle.
func (s *Store) PutQueryTweets(kind string, records []TweetRecord) error {
	if len(records) == 0 {
		return nil
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, r := range records {
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, uint64(r.Timestamp))
			key := tweetKey(kind, r.ID)
			if setErr := txn.Set(key, buf); setErr != nil {
				return setErr
			}
		}
		return nil
	})
	return errors.Wrapf(err, "appdata: put query tweets for kind %q", kind)
}

// GetQueryTweets returns the full tweet-ID history recorded for kind.
func (s *Store) GetQueryTweets(kind string) ([]TweetRecord, error) {
	var out []TweetRecord
	prefix := []byte(tweetPrefix + kind + "/")
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := string(item.Key())
			id := strings.TrimPrefix(key, string(prefix))
			var ts int64
			if valErr := item.Value(func(val []byte) error {
				if len(val) == 8 {
					ts = int64(binary.BigEndian.Uint64(val))
				}
				return nil
			}); valErr != nil {
				return valErr
			}
			out = append(out, TweetRecord{ID: id, Timestamp: ts})
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "appdata: get query tweets for kind %q", kind)
	}
	return out, nil
}

// HasQueryTweet is a point-lookup shortcut for Pickle's dedup filter, avoiding
// a full-history scan per page on large, long-running query kinds.
func (s *Store) HasQueryTweet(kind, id string) (bool, error) {
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, getErr := txn.Get(tweetKey(kind, id))
		if getErr == badger.ErrKeyNotFound {
			return nil
		}
		if getErr != nil {
			return getErr
		}
		found = true
		return nil
	})
	if err != nil {
		return false, errors.Wrapf(err, "appdata: has query tweet %q/%q", kind, id)
	}
	return found, nil
}

func tweetKey(kind, id string) []byte {
	return []byte(tweetPrefix + kind + "/" + id)
}

// FormatTimestamp renders unix seconds as a decimal string. The tweet
// history table itself stores timestamps as 8-byte big-endian values.
func FormatTimestamp(unixSeconds int64) string {
	return strconv.FormatInt(unixSeconds, 10)
}
