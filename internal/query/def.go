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

// Package query implements the Query state machine (spec §4.6): one
// instance retrieves one logical resource, paging through a third-party
// REST endpoint, deduplicating against the app-data store, and persisting
// survivors to the output writer and document database.
//
// Concrete kinds differ only in a handful of declared fields (endpoint,
// results path, pagination path, resume-token key, mention expansion) plus
// three behavioural overrides (Timeline's synthesised pagination,
// free-search's tweet_mode repair, user-lookup's no-disk save). Rather than
// modelling that with embedding and method overrides, each kind is a Def
// plus a Hooks value fed into a single Base implementation — composition
// over inheritance, the idiomatic Go way to express "mostly-shared
// behaviour with a few overridable seams".
package query

import (
	"context"
	"net/url"
)

// Def declares the fields that vary between concrete query kinds.
type Def struct {
	// Name is the task kind string (e.g. "user_timeline"), also used as the
	// per-query-kind tweet-history namespace in the app-data store.
	Name string
	// Endpoint is appended to the configured base URL plus ".json".
	Endpoint string
	// ResultsPath is a dot path into the decoded response body locating the
	// page array; "" means the body itself is the array.
	ResultsPath string
	// FetchMorePath is a dot path locating the pagination cursor; ""
	// means the kind has no JSON-driven pagination (either no pagination at
	// all, or a synthesised one supplied via Hooks.DeterminePagination).
	FetchMorePath string
	// ResumeKey is the kwargs key that the last persisted item id is
	// injected under at construction time; "" means no cross-run floor.
	ResumeKey string
	// RequestType is "get" or "post".
	RequestType string
	// TokenAuth selects the cached app-only bearer token instead of the
	// user-context OAuth 1.0a signature.
	TokenAuth bool
	// ExpandMentions enables mention expansion against the User Cache
	// before save, for kinds whose payload embeds user_mentions.
	ExpandMentions bool
}

// Hooks carries the small set of overridable behaviours a kind may need.
// All fields are optional; the zero value is the default shared behaviour.
type Hooks struct {
	// DeterminePagination fully replaces the default fetch_more_path
	// navigation for a kind whose pagination state can't be read straight
	// off the JSON body — only Timeline needs this, since its cursor is
	// synthesised from the just-extracted page rather than a response
	// field.
	DeterminePagination func(b *Base)
	// FixQuery mutates a parsed "?k=v&..." pagination cursor before it's
	// stored, letting a kind repair a token the server returns incomplete
	// (free-search's tweet_mode=extended workaround).
	FixQuery func(q url.Values)
	// Save overrides persistence; nil means write to disk (and, if
	// configured, the document DB).
	Save func(b *Base, ctx context.Context) error
	// SuppressPickle skips dedup against per-query tweet history entirely
	// (user-lookup: profiles aren't "items" with a tweet history).
	SuppressPickle bool
}
