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

// Package usercache implements the User Cache (spec §4.4): a time-bounded
// in-memory map of user id to profile, backed by Ristretto — the same
// library the teacher pulls in for goroutine lifecycle management
// (ristretto/z.Closer) in its newer variant, here used for its actual
// purpose, a TTL cache.
package usercache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ChimeraCoder/anaconda"
	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
)

// Lookupper dispatches a users/lookup-shaped query for the given ids and
// returns full profiles. The scheduler supplies an implementation backed by
// the query/exchange layer; usercache stays decoupled from that package.
type Lookupper interface {
	LookupUsers(ctx context.Context, ids []string) ([]anaconda.User, error)
}

const lookupChunkSize = 100

// Cache is an explicit collaborator (not a singleton) shared by every
// exchange worker that performs mention expansion.
type Cache struct {
	store *ristretto.Cache
	ttl   time.Duration

	// expandMu serialises the whole gather/chunk/dispatch/splice sequence so
	// concurrent expansion bursts don't issue duplicate users/lookup calls
	// for the same missing id, per spec §4.4's "mutually exclusive" note.
	// Plain reads of store bypass this lock entirely.
	expandMu sync.Mutex
}

// New builds a Cache whose entries expire after ttl.
func New(ttl time.Duration) (*Cache, error) {
	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     1 << 27,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "usercache: creating ristretto cache")
	}
	return &Cache{store: store, ttl: ttl}, nil
}

// Add stamps user with the current time and stores it by id.
func (c *Cache) Add(user anaconda.User) {
	c.store.SetWithTTL(user.IdStr, user, 1, c.ttl)
}

// Get returns the cached profile for id, if present and unexpired. Ristretto
// evicts expired entries lazily, so a miss here may also mean "expired".
func (c *Cache) Get(id string) (anaconda.User, bool) {
	v, ok := c.store.Get(id)
	if !ok {
		return anaconda.User{}, false
	}
	user, ok := v.(anaconda.User)
	return user, ok
}

// Wait blocks until pending async cache writes have been applied. Tests that
// Add then immediately Get should call this first.
func (c *Cache) Wait() {
	c.store.Wait()
}

// ExpandMentions walks each decoded tweet document for "user_mentions"
// arrays (wherever they're nested — top-level entities, a retweeted_status,
// a quoted_status), and splices the full cached profile into every mention
// stub found, dispatching a chunked users/lookup for ids missing from the
// cache. Tweets are plain decoded JSON documents rather than anaconda.Tweet
// so arbitrary extra profile fields (followers_count, verified, ...) can be
// merged into the stub the way the original Python implementation splices
// whole dicts together.
func (c *Cache) ExpandMentions(ctx context.Context, tweets []map[string]interface{}, lookup Lookupper) error {
	c.expandMu.Lock()
	defer c.expandMu.Unlock()

	var mentions []map[string]interface{}
	for _, tweet := range tweets {
		mentions = append(mentions, findMentions(tweet)...)
	}
	if len(mentions) == 0 {
		return nil
	}

	missing := map[string]bool{}
	for _, m := range mentions {
		if id, ok := stringField(m, "id_str"); ok {
			if _, cached := c.Get(id); !cached {
				missing[id] = true
			}
		}
	}

	if len(missing) > 0 {
		ids := make([]string, 0, len(missing))
		for id := range missing {
			ids = append(ids, id)
		}
		for start := 0; start < len(ids); start += lookupChunkSize {
			end := start + lookupChunkSize
			if end > len(ids) {
				end = len(ids)
			}
			users, err := lookup.LookupUsers(ctx, ids[start:end])
			if err != nil {
				return errors.Wrap(err, "usercache: users/lookup chunk")
			}
			for _, u := range users {
				c.Add(u)
			}
		}
		c.Wait()
	}

	for _, m := range mentions {
		id, ok := stringField(m, "id_str")
		if !ok {
			continue
		}
		user, ok := c.Get(id)
		if !ok {
			continue
		}
		spliceProfile(m, user)
	}
	return nil
}

// findMentions recursively searches a decoded JSON document for arrays keyed
// "user_mentions", returning references to each mention map so callers can
// mutate them in place, mirroring twicorder.utils.find_key's recursive
// dictionary search in the original implementation.
func findMentions(node interface{}) []map[string]interface{} {
	var out []map[string]interface{}
	switch v := node.(type) {
	case map[string]interface{}:
		for key, val := range v {
			if key == "user_mentions" {
				if arr, ok := val.([]interface{}); ok {
					for _, item := range arr {
						if m, ok := item.(map[string]interface{}); ok {
							out = append(out, m)
						}
					}
					continue
				}
			}
			out = append(out, findMentions(val)...)
		}
	case []interface{}:
		for _, item := range v {
			out = append(out, findMentions(item)...)
		}
	}
	return out
}

func stringField(m map[string]interface{}, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// spliceProfile merges user's JSON fields into the mention stub, leaving any
// field the stub already set untouched only where the profile has no value
// for it; profile fields otherwise win, matching the Python implementation's
// plain dict.update(full_profile).
func spliceProfile(mention map[string]interface{}, user anaconda.User) {
	data, err := json.Marshal(user)
	if err != nil {
		return
	}
	var profile map[string]interface{}
	if err := json.Unmarshal(data, &profile); err != nil {
		return
	}
	for k, v := range profile {
		mention[k] = v
	}
}
