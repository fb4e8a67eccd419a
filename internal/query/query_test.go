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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/ChimeraCoder/anaconda"

	"github.com/dgraph-io/twicorder/internal/appdata"
	"github.com/dgraph-io/twicorder/internal/config"
	"github.com/dgraph-io/twicorder/internal/creds"
	"github.com/dgraph-io/twicorder/internal/output"
	"github.com/dgraph-io/twicorder/internal/ratelimit"
	"github.com/dgraph-io/twicorder/internal/usercache"
)

func testDeps(t *testing.T, srv *httptest.Server) (Deps, *appdata.Store) {
	t.Helper()
	store, err := appdata.Open(t.TempDir())
	if err != nil {
		t.Fatalf("appdata.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return Deps{
		BaseURL:   srv.URL,
		Creds:     creds.New(config.Credentials{}),
		Limiter:   ratelimit.New(),
		Store:     store,
		Writer:    output.New(),
		OutputDir: t.TempDir(),
		Postfix:   ".json",
	}, store
}

func tweet(id, createdAt string) map[string]interface{} {
	return map[string]interface{}{
		"id_str":     id,
		"created_at": createdAt,
	}
}

func writeJSONArray(w http.ResponseWriter, items []map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(items)
}

func outputLines(t *testing.T, dir string) []map[string]interface{} {
	t.Helper()
	var files []string
	_ = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if len(files) != 1 {
		t.Fatalf("expected exactly one output file under %q, found %v", dir, files)
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("reading output file: %v", err)
	}
	var out []map[string]interface{}
	for _, line := range splitNonEmptyLines(string(data)) {
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decoding output line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func splitNonEmptyLines(s string) []string {
	var out []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func runUntilDone(t *testing.T, q *Base, maxPages int) {
	t.Helper()
	for i := 0; !q.Done(); i++ {
		if i >= maxPages {
			t.Fatalf("query did not finish within %d pages", maxPages)
		}
		if err := q.Run(context.Background()); err != nil {
			t.Fatalf("Run: %v", err)
		}
	}
}

// Scenario 1: fresh timeline walk, two pages.
func TestTimelineFreshWalk(t *testing.T) {
	var calls int
	mux := http.NewServeMux()
	mux.HandleFunc("/statuses/user_timeline.json", func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch calls {
		case 1:
			writeJSONArray(w, []map[string]interface{}{
				tweet("30", "Wed Oct 10 20:19:24 +0000 2018"),
				tweet("29", "Wed Oct 10 20:19:23 +0000 2018"),
				tweet("28", "Wed Oct 10 20:19:22 +0000 2018"),
			})
		case 2:
			writeJSONArray(w, []map[string]interface{}{
				tweet("27", "Wed Oct 10 20:19:21 +0000 2018"),
				tweet("26", "Wed Oct 10 20:19:20 +0000 2018"),
			})
		default:
			writeJSONArray(w, nil)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	deps, store := testDeps(t, srv)
	q, err := NewTimelineQuery("alice", true, map[string]string{"screen_name": "alice"}, deps)
	if err != nil {
		t.Fatalf("NewTimelineQuery: %v", err)
	}

	runUntilDone(t, q, 5)

	lines := outputLines(t, deps.OutputDir)
	wantIDs := []string{"30", "29", "28", "27", "26"}
	if len(lines) != len(wantIDs) {
		t.Fatalf("expected %d lines, got %d: %+v", len(wantIDs), len(lines), lines)
	}
	for i, want := range wantIDs {
		if got := lines[i]["id_str"]; got != want {
			t.Fatalf("line %d: expected id_str %q, got %v", i, want, got)
		}
	}

	lastID, ok, err := store.GetLastID(q.UID())
	if err != nil || !ok || lastID != "30" {
		t.Fatalf("expected LastID 30, got %q ok=%v err=%v", lastID, ok, err)
	}

	for _, id := range wantIDs {
		has, err := store.HasQueryTweet("user_timeline", id)
		if err != nil || !has {
			t.Fatalf("expected tweet %q in history: has=%v err=%v", id, has, err)
		}
	}
}

// A task with multipart: false stops after its first page even though the
// response carries a cursor the query would otherwise follow.
func TestMultipartFalseStopsAfterFirstPage(t *testing.T) {
	var calls int
	mux := http.NewServeMux()
	mux.HandleFunc("/statuses/user_timeline.json", func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSONArray(w, []map[string]interface{}{
			tweet("30", "Wed Oct 10 20:19:24 +0000 2018"),
			tweet("29", "Wed Oct 10 20:19:23 +0000 2018"),
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	deps, _ := testDeps(t, srv)
	q, err := NewTimelineQuery("alice", false, map[string]string{"screen_name": "alice"}, deps)
	if err != nil {
		t.Fatalf("NewTimelineQuery: %v", err)
	}

	if err := q.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !q.Done() {
		t.Fatal("expected query to be done after its first page")
	}
	if calls != 1 {
		t.Fatalf("expected exactly one request, got %d", calls)
	}

	lines := outputLines(t, deps.OutputDir)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines from the single page, got %+v", lines)
	}
}

// Scenario 2: resumed timeline walk, 28 already recorded in history.
func TestTimelineResumedWalk(t *testing.T) {
	var calls int
	mux := http.NewServeMux()
	mux.HandleFunc("/statuses/user_timeline.json", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			writeJSONArray(w, []map[string]interface{}{
				tweet("30", "Wed Oct 10 20:19:24 +0000 2018"),
				tweet("29", "Wed Oct 10 20:19:23 +0000 2018"),
				tweet("28", "Wed Oct 10 20:19:22 +0000 2018"),
			})
			return
		}
		writeJSONArray(w, nil)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	deps, store := testDeps(t, srv)

	probe, err := NewTimelineQuery("alice", true, map[string]string{"screen_name": "alice"}, Deps{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("probe NewTimelineQuery: %v", err)
	}
	if err := store.PutLastID(probe.UID(), "28"); err != nil {
		t.Fatalf("seeding last id: %v", err)
	}
	if err := store.PutQueryTweets("user_timeline", []appdata.TweetRecord{{ID: "28", Timestamp: 1}}); err != nil {
		t.Fatalf("seeding tweet history: %v", err)
	}

	q, err := NewTimelineQuery("alice", true, map[string]string{"screen_name": "alice"}, deps)
	if err != nil {
		t.Fatalf("NewTimelineQuery: %v", err)
	}
	if q.UID() != probe.UID() {
		t.Fatalf("uid mismatch between probe and real query: %q vs %q", probe.UID(), q.UID())
	}

	runUntilDone(t, q, 5)

	lines := outputLines(t, deps.OutputDir)
	if len(lines) != 2 || lines[0]["id_str"] != "30" || lines[1]["id_str"] != "29" {
		t.Fatalf("expected [30, 29], got %+v", lines)
	}

	lastID, ok, err := store.GetLastID(q.UID())
	if err != nil || !ok || lastID != "30" {
		t.Fatalf("expected LastID 30, got %q ok=%v err=%v", lastID, ok, err)
	}
}

// Scenario 3: rate limit respected.
func TestRateLimitRespected(t *testing.T) {
	// The reset header carries whole unix seconds, so the window must exceed
	// one second for the truncated reset to still lie in the future.
	const waitWindow = 2 * time.Second

	var calls int
	var callTimes []time.Time
	mux := http.NewServeMux()
	mux.HandleFunc("/statuses/user_timeline.json", func(w http.ResponseWriter, r *http.Request) {
		calls++
		callTimes = append(callTimes, time.Now())
		if calls == 1 {
			w.Header().Set("x-rate-limit-limit", "15")
			w.Header().Set("x-rate-limit-remaining", "0")
			w.Header().Set("x-rate-limit-reset", strconv.FormatInt(time.Now().Add(waitWindow).Unix(), 10))
			writeJSONArray(w, []map[string]interface{}{tweet("1", "Wed Oct 10 20:19:24 +0000 2018")})
			return
		}
		writeJSONArray(w, nil)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	deps, _ := testDeps(t, srv)
	q, err := NewTimelineQuery("alice", true, map[string]string{"screen_name": "alice"}, deps)
	if err != nil {
		t.Fatalf("NewTimelineQuery: %v", err)
	}

	runUntilDone(t, q, 5)

	if len(callTimes) < 2 {
		t.Fatalf("expected at least 2 calls, got %d", len(callTimes))
	}
	gap := callTimes[1].Sub(callTimes[0])
	if gap < waitWindow/2 {
		t.Fatalf("expected second request delayed by rate limit reset, gap was %v", gap)
	}
}

// Scenario 4: free-search pagination token repair.
func TestSearchPaginationTokenRepair(t *testing.T) {
	var calls int
	var secondCallQuery map[string][]string
	mux := http.NewServeMux()
	mux.HandleFunc("/search/tweets.json", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"statuses":[{"id_str":"1","created_at":"Wed Oct 10 20:19:24 +0000 2018"}],"search_metadata":{"next_results":"?max_id=42&q=foo"}}`))
			return
		}
		secondCallQuery = map[string][]string(r.URL.Query())
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"statuses":[],"search_metadata":{}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	deps, _ := testDeps(t, srv)
	q, err := NewStandardSearchQuery("foo", true, map[string]string{"q": "foo"}, deps)
	if err != nil {
		t.Fatalf("NewStandardSearchQuery: %v", err)
	}

	runUntilDone(t, q, 5)

	if secondCallQuery == nil {
		t.Fatal("expected a second request")
	}
	if got := secondCallQuery["tweet_mode"]; len(got) != 1 || got[0] != "extended" {
		t.Fatalf("expected tweet_mode=extended on repaired request, got %v", secondCallQuery)
	}
	if got := secondCallQuery["max_id"]; len(got) != 1 || got[0] != "42" {
		t.Fatalf("expected max_id=42 carried over verbatim, got %v", secondCallQuery)
	}
}

type stubLookupper struct {
	calls [][]string
	users map[string]anaconda.User
}

func (s *stubLookupper) LookupUsers(ctx context.Context, ids []string) ([]anaconda.User, error) {
	s.calls = append(s.calls, append([]string(nil), ids...))
	var out []anaconda.User
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

// Scenario 6: mention expansion.
func TestTimelineExpandsMentions(t *testing.T) {
	mux := http.NewServeMux()
	var calls int
	mux.HandleFunc("/statuses/user_timeline.json", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			writeJSONArray(w, []map[string]interface{}{
				{
					"id_str":     "1",
					"created_at": "Wed Oct 10 20:19:24 +0000 2018",
					"entities": map[string]interface{}{
						"user_mentions": []interface{}{
							map[string]interface{}{"id_str": "9", "screen_name": "nine_stub"},
						},
					},
				},
			})
			return
		}
		writeJSONArray(w, nil)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	deps, _ := testDeps(t, srv)
	cache, err := usercache.New(15 * time.Minute)
	if err != nil {
		t.Fatalf("usercache.New: %v", err)
	}
	lookup := &stubLookupper{users: map[string]anaconda.User{
		"9": {IdStr: "9", ScreenName: "nine", FollowersCount: 42},
	}}
	deps.Cache = cache
	deps.Lookup = lookup

	q, err := NewTimelineQuery("alice", true, map[string]string{"screen_name": "alice"}, deps)
	if err != nil {
		t.Fatalf("NewTimelineQuery: %v", err)
	}
	runUntilDone(t, q, 5)

	if len(lookup.calls) != 1 || len(lookup.calls[0]) != 1 || lookup.calls[0][0] != "9" {
		t.Fatalf("expected one users/lookup call for id 9, got %+v", lookup.calls)
	}

	lines := outputLines(t, deps.OutputDir)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %+v", lines)
	}
	entities := lines[0]["entities"].(map[string]interface{})
	mentions := entities["user_mentions"].([]interface{})
	mention := mentions[0].(map[string]interface{})
	if mention["followers_count"] != float64(42) {
		t.Fatalf("expected spliced followers_count 42, got %+v", mention)
	}
}

// User lookup suppresses disk save entirely and instead populates the cache.
func TestUserLookupPushesToCacheNotDisk(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/lookup.json", func(w http.ResponseWriter, r *http.Request) {
		writeJSONArray(w, []map[string]interface{}{
			{"id_str": "9", "screen_name": "nine", "followers_count": float64(42)},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	deps, _ := testDeps(t, srv)
	cache, err := usercache.New(15 * time.Minute)
	if err != nil {
		t.Fatalf("usercache.New: %v", err)
	}
	deps.Cache = cache

	q, err := NewUserLookupQuery("", true, map[string]string{"user_id": "9"}, deps)
	if err != nil {
		t.Fatalf("NewUserLookupQuery: %v", err)
	}
	if err := q.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	entries, _ := filepath.Glob(filepath.Join(deps.OutputDir, "*", "*"))
	if len(entries) != 0 {
		t.Fatalf("expected no output files from user lookup, found %v", entries)
	}

	user, ok := cache.Get("9")
	if !ok || user.ScreenName != "nine" {
		t.Fatalf("expected user 9 cached, got %+v ok=%v", user, ok)
	}
}

// Status lookup's save() is a documented no-op: the page is fetched and
// deduped against history, but nothing is written to disk.
func TestStatusLookupSaveIsNoop(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/statuses/lookup.json", func(w http.ResponseWriter, r *http.Request) {
		writeJSONArray(w, []map[string]interface{}{tweet("1", "Wed Oct 10 20:19:24 +0000 2018")})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	deps, _ := testDeps(t, srv)
	q, err := NewStatusLookupQuery("status", true, map[string]string{"id": "1"}, deps)
	if err != nil {
		t.Fatalf("NewStatusLookupQuery: %v", err)
	}
	if err := q.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	entries, _ := filepath.Glob(filepath.Join(deps.OutputDir, "*", "*"))
	if len(entries) != 0 {
		t.Fatalf("expected no output files, found %v", entries)
	}
}
