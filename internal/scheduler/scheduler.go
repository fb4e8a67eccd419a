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

// Package scheduler implements the Scheduler (spec §4.9): owns the Task
// Manager and the Query Exchange, casts due tasks into concrete queries on
// a fixed tick, and stops cooperatively on SIGINT/SIGTERM.
package scheduler

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ChimeraCoder/anaconda"
	"github.com/rs/zerolog"

	"github.com/dgraph-io/twicorder/internal/exchange"
	"github.com/dgraph-io/twicorder/internal/logging"
	"github.com/dgraph-io/twicorder/internal/query"
	"github.com/dgraph-io/twicorder/internal/tasks"
)

// Scheduler owns the task manager and exchange for one run of the crawler.
type Scheduler struct {
	tasks    *tasks.Manager
	exchange *exchange.Exchange
	deps     query.Deps
	tick     time.Duration
	log      zerolog.Logger
}

// New builds a Scheduler. deps is copied and its Lookup field is set to the
// Scheduler itself, so mention expansion (spec §4.4) dispatches a
// users/lookup query without usercache importing query or exchange.
func New(tm *tasks.Manager, ex *exchange.Exchange, deps query.Deps, tick time.Duration) *Scheduler {
	s := &Scheduler{
		tasks:    tm,
		exchange: ex,
		tick:     tick,
		log:      logging.WithComponent("scheduler"),
	}
	deps.Lookup = s
	s.deps = deps
	return s
}

// Run ticks until ctx is cancelled or a SIGINT/SIGTERM arrives, then drains
// the exchange (spec §4.9: "stop initiates exchange.wait()") before
// returning.
func (s *Scheduler) Run(ctx context.Context) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.log.Info().Dur("tick", s.tick).Int("tasks", len(s.tasks.All())).Msg("scheduler starting")

	for {
		select {
		case <-sig:
			s.log.Info().Msg("shutdown signal received, draining exchange")
			s.exchange.Wait()
			return nil
		case <-ctx.Done():
			s.log.Info().Msg("context cancelled, draining exchange")
			s.exchange.Wait()
			return ctx.Err()
		case now := <-ticker.C:
			s.runTick(now)
		}
	}
}

func (s *Scheduler) runTick(now time.Time) {
	for _, t := range s.tasks.Due(now) {
		ctor, ok := query.Registry[t.Kind]
		if !ok {
			s.log.Warn().Str("kind", t.Kind).Msg("no query registered for task kind")
			continue
		}
		q, err := ctor(t.Bucket, t.Multipart, t.Kwargs, s.deps)
		if err != nil {
			s.log.Error().Err(err).Str("kind", t.Kind).Msg("constructing query")
			continue
		}
		s.exchange.Add(q)
	}
}

// LookupUsers implements usercache.Lookupper. It runs a users/lookup query
// synchronously to completion against the real collaborators, bypassing the
// exchange's queues entirely: mention expansion needs profiles back before
// the calling query's save() can proceed, which an asynchronously queued
// dispatch can't provide (spec §4.4's expand_mentions is a blocking step of
// save()).
func (s *Scheduler) LookupUsers(ctx context.Context, ids []string) ([]anaconda.User, error) {
	lookupDeps := s.deps
	lookupDeps.Lookup = nil // the "user" kind never expands mentions itself

	kwargs := map[string]string{"user_id": strings.Join(ids, ",")}
	q, err := query.NewUserLookupQuery("", true, kwargs, lookupDeps)
	if err != nil {
		return nil, err
	}
	for !q.Done() {
		if err := q.Run(ctx); err != nil {
			return nil, err
		}
	}

	if s.deps.Cache == nil {
		return nil, nil
	}
	users := make([]anaconda.User, 0, len(ids))
	for _, id := range ids {
		if u, ok := s.deps.Cache.Get(id); ok {
			users = append(users, u)
		}
	}
	return users, nil
}
