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

package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgraph-io/twicorder/internal/appdata"
	"github.com/dgraph-io/twicorder/internal/config"
	"github.com/dgraph-io/twicorder/internal/creds"
	"github.com/dgraph-io/twicorder/internal/exchange"
	"github.com/dgraph-io/twicorder/internal/output"
	"github.com/dgraph-io/twicorder/internal/query"
	"github.com/dgraph-io/twicorder/internal/ratelimit"
	"github.com/dgraph-io/twicorder/internal/tasks"
	"github.com/dgraph-io/twicorder/internal/usercache"
)

func loadTaskList(t *testing.T, yamlDoc string) *tasks.Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	if err := os.WriteFile(path, []byte(yamlDoc), 0o644); err != nil {
		t.Fatalf("writing task list: %v", err)
	}
	m, err := tasks.Load(path)
	if err != nil {
		t.Fatalf("tasks.Load: %v", err)
	}
	return m
}

func writeJSONArray(w http.ResponseWriter, items []map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(items)
}

func TestRunTickDispatchesDueTasks(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/statuses/user_timeline.json", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			writeJSONArray(w, []map[string]interface{}{
				{"id_str": "1", "created_at": "Wed Oct 10 20:19:24 +0000 2018"},
			})
			return
		}
		writeJSONArray(w, nil)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store, err := appdata.Open(t.TempDir())
	if err != nil {
		t.Fatalf("appdata.Open: %v", err)
	}
	defer store.Close()

	outputDir := t.TempDir()
	deps := query.Deps{
		BaseURL:   srv.URL,
		Creds:     creds.New(config.Credentials{}),
		Limiter:   ratelimit.New(),
		Store:     store,
		Writer:    output.New(),
		OutputDir: outputDir,
		Postfix:   ".json",
	}

	tm := loadTaskList(t, "user_timeline:\n  - kwargs: {screen_name: alice}\n")
	ex := exchange.New(nil)
	s := New(tm, ex, deps, time.Hour)

	s.runTick(time.Now())
	ex.Wait()

	var files []string
	_ = filepath.Walk(outputDir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if len(files) != 1 {
		t.Fatalf("expected exactly one output file, found %v", files)
	}
}

func TestRunTickSkipsUnknownKind(t *testing.T) {
	tm := loadTaskList(t, "not_a_real_kind:\n  - kwargs: {}\n")
	ex := exchange.New(nil)
	s := New(tm, ex, query.Deps{}, time.Hour)

	// Must not panic despite no registered constructor for the kind.
	s.runTick(time.Now())
	ex.Wait()
}

func TestLookupUsersReturnsProfilesFromCache(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/lookup.json", func(w http.ResponseWriter, r *http.Request) {
		writeJSONArray(w, []map[string]interface{}{
			{"id_str": "9", "screen_name": "bob", "followers_count": 42},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cache, err := usercache.New(15 * time.Minute)
	if err != nil {
		t.Fatalf("usercache.New: %v", err)
	}
	deps := query.Deps{
		BaseURL: srv.URL,
		Creds:   creds.New(config.Credentials{}),
		Limiter: ratelimit.New(),
		Cache:   cache,
	}

	tm := loadTaskList(t, "{}\n")
	ex := exchange.New(nil)
	s := New(tm, ex, deps, time.Hour)

	users, err := s.LookupUsers(context.Background(), []string{"9"})
	if err != nil {
		t.Fatalf("LookupUsers: %v", err)
	}
	if len(users) != 1 || users[0].IdStr != "9" || users[0].FollowersCount != 42 {
		t.Fatalf("unexpected users: %+v", users)
	}
}
