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

// Package stats reports periodic progress counters for the exchange,
// modelled on the teacher's reportWriteStats/reportInsertStats loops in
// dgraph-io-flock/go/main.go, raised to structured zerolog logging and a
// z.Closer-driven lifecycle instead of log.Printf and a bare goroutine.
package stats

import (
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/z"
	"github.com/dustin/go-humanize"

	"github.com/dgraph-io/twicorder/internal/logging"
)

// Counters is a point-in-time snapshot of Tracker's atomic fields.
type Counters struct {
	Dispatched uint64
	Completed  uint64
	Pages      uint64
	Errors     uint64
}

// Tracker accumulates exchange activity counters. It is an explicit
// collaborator shared by the exchange and the stats reporter, never a
// package-level singleton.
type Tracker struct {
	dispatched uint64
	completed  uint64
	pages      uint64
	errors     uint64
}

// New returns a zeroed Tracker.
func New() *Tracker {
	return &Tracker{}
}

func (t *Tracker) IncDispatched() { atomic.AddUint64(&t.dispatched, 1) }
func (t *Tracker) IncCompleted()  { atomic.AddUint64(&t.completed, 1) }
func (t *Tracker) AddPages(n uint64) { atomic.AddUint64(&t.pages, n) }
func (t *Tracker) IncErrors()     { atomic.AddUint64(&t.errors, 1) }

func (t *Tracker) snapshot() Counters {
	return Counters{
		Dispatched: atomic.LoadUint64(&t.dispatched),
		Completed:  atomic.LoadUint64(&t.completed),
		Pages:      atomic.LoadUint64(&t.pages),
		Errors:     atomic.LoadUint64(&t.errors),
	}
}

// Report logs a counters snapshot every interval until closer is signalled,
// mirroring the teacher's ticker-driven report loops.
func (t *Tracker) Report(closer *z.Closer, interval time.Duration) {
	defer closer.Done()
	log := logging.WithComponent("stats")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prev Counters
	for {
		select {
		case <-closer.HasBeenClosed():
			return
		case <-ticker.C:
		}
		cur := t.snapshot()
		pageRate := float64(cur.Pages-prev.Pages) / interval.Seconds()
		log.Info().
			Uint64("dispatched", cur.Dispatched).
			Uint64("completed", cur.Completed).
			Str("pages", humanize.Comma(int64(cur.Pages))).
			Float64("pages_per_sec", pageRate).
			Uint64("errors", cur.Errors).
			Msg("twicorder stats")
		prev = cur
	}
}
