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

// Package exchange implements the Query Exchange (spec §4.7): one FIFO
// queue and one worker per endpoint, deduplicating pending/running queries
// by uid and pacing requests with the token-bucket rate limiter anaconda
// itself depends on, rather than bare time.Sleep calls.
package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/ChimeraCoder/tokenbucket"
	"github.com/dgraph-io/ristretto/z"
	"github.com/rs/zerolog"

	"github.com/dgraph-io/twicorder/internal/logging"
	"github.com/dgraph-io/twicorder/internal/query"
	"github.com/dgraph-io/twicorder/internal/stats"
)

const (
	queueCapacity = 4096
	pageDelay     = 200 * time.Millisecond
	queryDelay    = 500 * time.Millisecond
)

// Exchange owns one queue and one worker goroutine per endpoint. Queue
// identity by endpoint is deliberate: it serialises requests to a shared
// rate-limit window, per spec §4.7's closing note.
type Exchange struct {
	mu       sync.Mutex
	queues   map[string]chan query.Query
	inflight map[string]bool

	closer  *z.Closer
	tracker *stats.Tracker
	log     zerolog.Logger
}

// New returns a ready Exchange. tracker may be nil to disable stats
// bookkeeping.
func New(tracker *stats.Tracker) *Exchange {
	return &Exchange{
		queues:   make(map[string]chan query.Query),
		inflight: make(map[string]bool),
		closer:   z.NewCloser(0),
		tracker:  tracker,
		log:      logging.WithComponent("exchange"),
	}
}

// Add enqueues q on its endpoint's queue, creating the queue and worker on
// first use. If an equivalent query (by uid) is already pending or running,
// the new one is dropped silently, per spec §4.7.
func (e *Exchange) Add(q query.Query) {
	e.mu.Lock()
	if e.inflight[q.UID()] {
		e.mu.Unlock()
		e.log.Debug().Str("uid", q.UID()).Str("kind", q.Name()).Msg("dropping duplicate query")
		return
	}
	e.inflight[q.UID()] = true

	queue, ok := e.queues[q.Endpoint()]
	if !ok {
		queue = make(chan query.Query, queueCapacity)
		e.queues[q.Endpoint()] = queue
		e.closer.AddRunning(1)
		go e.worker(q.Endpoint(), queue)
	}
	e.mu.Unlock()

	if e.tracker != nil {
		e.tracker.IncDispatched()
	}
	queue <- q
}

// worker drains one endpoint's queue, running each query to completion
// before taking the next, per spec §4.7's "Worker loop". A nil value is the
// shutdown sentinel sent by Wait.
func (e *Exchange) worker(endpoint string, queue chan query.Query) {
	defer e.closer.Done()
	log := logging.WithEndpoint("exchange", endpoint)
	pageBucket := tokenbucket.NewBucket(pageDelay, 1)
	queryBucket := tokenbucket.NewBucket(queryDelay, 1)

	for q := range queue {
		if q == nil {
			return
		}
		e.runToCompletion(log, q, pageBucket)
		<-queryBucket.SpendToken(1)

		e.mu.Lock()
		delete(e.inflight, q.UID())
		e.mu.Unlock()

		if e.tracker != nil {
			e.tracker.IncCompleted()
		}
	}
}

// runToCompletion repeatedly calls q.Run until it reports done. Errors are
// logged but never abort the loop: per spec §5, a query that hasn't
// advanced to done is retried by the worker loop.
func (e *Exchange) runToCompletion(log zerolog.Logger, q query.Query, pageBucket *tokenbucket.Bucket) {
	ctx := context.Background()
	for !q.Done() {
		if err := q.Run(ctx); err != nil {
			log.Warn().Err(err).Str("uid", q.UID()).Str("kind", q.Name()).Msg("query run failed, will retry")
			if e.tracker != nil {
				e.tracker.IncErrors()
			}
		} else if e.tracker != nil {
			e.tracker.AddPages(1)
		}
		if !q.Done() {
			<-pageBucket.SpendToken(1)
		}
	}
}

// Wait enqueues a sentinel on every live queue and blocks until every
// worker has drained its queue and exited, per spec §4.7.
func (e *Exchange) Wait() {
	e.mu.Lock()
	queues := make([]chan query.Query, 0, len(e.queues))
	for _, q := range e.queues {
		queues = append(queues, q)
	}
	e.mu.Unlock()

	for _, q := range queues {
		q <- nil
	}
	e.closer.SignalAndWait()
}
