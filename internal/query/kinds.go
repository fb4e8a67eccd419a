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

package query

import (
	"context"
	"math/big"
	"net/url"
)

// Registry maps a task's kind string (spec §6 task-list keys) to the
// constructor for its concrete query. The scheduler looks kinds up here
// when dispatching a due task.
var Registry = map[string]func(bucket string, multipart bool, kwargs map[string]string, deps Deps) (*Base, error){
	"user_timeline":     NewTimelineQuery,
	"free_search":       NewStandardSearchQuery,
	"user":              NewUserLookupQuery,
	"status":            NewStatusLookupQuery,
	"fullarchive_get":   NewFullArchiveGetQuery,
	"fullarchive_post":  NewFullArchivePostQuery,
	"friends_list":      NewFriendsListQuery,
	"rate_limit_status": NewRateLimitStatusQuery,
}

const maxIDKwarg = "max_id"

// NewTimelineQuery builds a user_timeline query. Its pagination is
// synthesised rather than read off the response: after each page it takes
// the oldest item's id_str, writes it into kwargs as max_id for the next
// request, and halts once that candidate stops moving backwards or the page
// comes back empty (spec §4.6's "Timeline" override).
func NewTimelineQuery(bucket string, multipart bool, kwargs map[string]string, deps Deps) (*Base, error) {
	def := Def{
		Name:           "user_timeline",
		Endpoint:       "/statuses/user_timeline",
		ResultsPath:    "",
		FetchMorePath:  "",
		ResumeKey:      "since_id",
		RequestType:    "get",
		ExpandMentions: true,
	}
	return New(def, Hooks{DeterminePagination: timelineDeterminePagination}, bucket, multipart, kwargs, deps)
}

func timelineDeterminePagination(b *Base) {
	if len(b.results) == 0 {
		b.done = true
		b.moreResultsForm = nil
		return
	}
	last := b.results[len(b.results)-1]
	newCursor, ok := stringField(last, "id_str")
	if !ok {
		b.done = true
		return
	}
	prev := b.kwargs[maxIDKwarg]
	if prev != "" && !idLess(newCursor, prev) {
		b.done = true
		return
	}
	b.kwargs[maxIDKwarg] = newCursor
}

// idLess compares two Twitter snowflake ids numerically, falling back to a
// lexicographic compare if either fails to parse as an integer.
func idLess(a, b string) bool {
	ai, aok := new(big.Int).SetString(a, 10)
	bi, bok := new(big.Int).SetString(b, 10)
	if !aok || !bok {
		return a < b
	}
	return ai.Cmp(bi) < 0
}

// NewStandardSearchQuery builds a free_search query. It uses the default
// fetch_more_path navigation (search_metadata.next_results) verbatim, but
// repairs a missing tweet_mode=extended on the reconstructed cursor — a
// known server quirk where next_results omits it (spec §4.6's
// "Free-search" override).
func NewStandardSearchQuery(bucket string, multipart bool, kwargs map[string]string, deps Deps) (*Base, error) {
	def := Def{
		Name:           "free_search",
		Endpoint:       "/search/tweets",
		ResultsPath:    "statuses",
		FetchMorePath:  "search_metadata.next_results",
		ResumeKey:      "since_id",
		RequestType:    "get",
		ExpandMentions: true,
	}
	return New(def, Hooks{FixQuery: fixSearchTweetMode}, bucket, multipart, kwargs, deps)
}

func fixSearchTweetMode(q url.Values) {
	if q.Get("tweet_mode") == "" {
		q.Set("tweet_mode", "extended")
	}
}

// NewUserLookupQuery builds a user query. It suppresses pickle() and the
// disk/document-DB save entirely; instead save() pushes every returned
// profile into the User Cache, which is how mention expansion's
// users/lookup dispatch populates the cache it reads from (spec §4.6's
// "User lookup" override).
func NewUserLookupQuery(bucket string, multipart bool, kwargs map[string]string, deps Deps) (*Base, error) {
	def := Def{
		Name:        "user",
		Endpoint:    "/users/lookup",
		ResultsPath: "",
		RequestType: "get",
	}
	return New(def, Hooks{SuppressPickle: true, Save: saveToUserCache}, bucket, multipart, kwargs, deps)
}

func saveToUserCache(b *Base, ctx context.Context) error {
	if b.cache == nil {
		b.log.Warn().Msg("user cache unavailable, dropping lookup results")
		return nil
	}
	for _, item := range b.results {
		user, err := decodeUser(item)
		if err != nil {
			b.log.Warn().Err(err).Msg("decoding user profile")
			continue
		}
		b.cache.Add(user)
		if b.doc != nil {
			if err := b.doc.UpsertUser(ctx, item); err != nil {
				b.log.Warn().Err(err).Msg("document db upsert")
			}
		}
	}
	b.cache.Wait()
	return nil
}

// NewStatusLookupQuery builds a status query (/statuses/lookup). Its
// save() is a documented no-op per spec §9's third open question: the
// original's StatusQuery.save override is empty with no stated intent, so
// this pass leaves persistence of status lookups out of scope rather than
// inventing behaviour for it.
func NewStatusLookupQuery(bucket string, multipart bool, kwargs map[string]string, deps Deps) (*Base, error) {
	def := Def{
		Name:        "status",
		Endpoint:    "/statuses/lookup",
		ResultsPath: "",
		RequestType: "get",
	}
	return New(def, Hooks{Save: noopSave}, bucket, multipart, kwargs, deps)
}

// NewFullArchiveGetQuery builds a fullarchive_get query against the
// Premium/Enterprise full-archive search endpoint. Its "next" cursor is an
// opaque token (not a query-string fragment), so the default pagination
// handling folds it into kwargs under "next" for the following request.
// save() is a documented no-op, as for StatusLookupQuery.
func NewFullArchiveGetQuery(bucket string, multipart bool, kwargs map[string]string, deps Deps) (*Base, error) {
	def := Def{
		Name:          "fullarchive_get",
		Endpoint:      "/tweets/search/fullarchive/production",
		ResultsPath:   "",
		FetchMorePath: "next",
		RequestType:   "get",
	}
	return New(def, Hooks{Save: noopSave}, bucket, multipart, kwargs, deps)
}

// NewFullArchivePostQuery builds a fullarchive_post query: same endpoint,
// POST with app-only bearer auth, kwargs carried as a JSON body instead of
// a query string. save() is a documented no-op.
func NewFullArchivePostQuery(bucket string, multipart bool, kwargs map[string]string, deps Deps) (*Base, error) {
	def := Def{
		Name:          "fullarchive_post",
		Endpoint:      "/tweets/search/fullarchive/production",
		ResultsPath:   "",
		FetchMorePath: "next",
		RequestType:   "post",
		TokenAuth:     true,
	}
	return New(def, Hooks{Save: noopSave}, bucket, multipart, kwargs, deps)
}

// NewFriendsListQuery builds a friends_list query. save() is a documented
// no-op.
func NewFriendsListQuery(bucket string, multipart bool, kwargs map[string]string, deps Deps) (*Base, error) {
	def := Def{
		Name:        "friends_list",
		Endpoint:    "/friends/list",
		ResultsPath: "",
		RequestType: "get",
	}
	return New(def, Hooks{Save: noopSave}, bucket, multipart, kwargs, deps)
}

// NewRateLimitStatusQuery builds a rate_limit_status query. save() is a
// documented no-op: the per-endpoint limits in the response body are
// discarded, and Rate-Limit Central is updated only from this request's own
// headers, under /application/rate_limit_status.
func NewRateLimitStatusQuery(bucket string, multipart bool, kwargs map[string]string, deps Deps) (*Base, error) {
	def := Def{
		Name:        "rate_limit_status",
		Endpoint:    "/application/rate_limit_status",
		ResultsPath: "",
		RequestType: "get",
	}
	return New(def, Hooks{Save: noopSave}, bucket, multipart, kwargs, deps)
}

func noopSave(b *Base, ctx context.Context) error {
	return nil
}
