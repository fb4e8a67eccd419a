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

// Package ratelimit implements Rate-Limit Central (spec §4.3): per-endpoint
// rate limit snapshots parsed from server headers, consulted before every
// request and updated after every successful one.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Limit is a per-endpoint rate-limit snapshot (spec §3's RateLimit).
type Limit struct {
	Cap       int
	Remaining int
	Reset     time.Time
}

// Exhausted reports whether no further requests are allowed on this window.
func (l Limit) Exhausted() bool {
	return l.Remaining <= 0
}

// Central is an explicit collaborator (not a process-global singleton, per
// the spec's design note) shared by every exchange worker. Reads take a
// read lock; writes replace the per-endpoint Limit value under the write
// lock so a reader never observes a partially updated Limit.
type Central struct {
	mu     sync.RWMutex
	limits map[string]Limit
}

// New returns an empty Central.
func New() *Central {
	return &Central{limits: make(map[string]Limit)}
}

// Update replaces the snapshot for endpoint if header carries all three
// x-rate-limit-* fields; otherwise it is a no-op, per spec §4.3.
func (c *Central) Update(endpoint string, header http.Header) {
	limitStr := header.Get("x-rate-limit-limit")
	remainingStr := header.Get("x-rate-limit-remaining")
	resetStr := header.Get("x-rate-limit-reset")
	if limitStr == "" || remainingStr == "" || resetStr == "" {
		return
	}

	cap, err := strconv.Atoi(limitStr)
	if err != nil {
		return
	}
	remaining, err := strconv.Atoi(remainingStr)
	if err != nil {
		return
	}
	resetUnix, err := strconv.ParseInt(resetStr, 10, 64)
	if err != nil {
		return
	}

	limit := Limit{
		Cap:       cap,
		Remaining: remaining,
		Reset:     time.Unix(resetUnix, 0),
	}

	c.mu.Lock()
	c.limits[endpoint] = limit
	c.mu.Unlock()
}

// Get returns the current snapshot for endpoint, if one has been recorded.
func (c *Central) Get(endpoint string) (Limit, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.limits[endpoint]
	return l, ok
}
