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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ChimeraCoder/anaconda"
	"github.com/dustin/go-jsonpointer"
	gojson "github.com/dustin/gojson"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/dgraph-io/twicorder/internal/appdata"
	"github.com/dgraph-io/twicorder/internal/creds"
	"github.com/dgraph-io/twicorder/internal/docdb"
	"github.com/dgraph-io/twicorder/internal/logging"
	"github.com/dgraph-io/twicorder/internal/output"
	"github.com/dgraph-io/twicorder/internal/ratelimit"
	"github.com/dgraph-io/twicorder/internal/usercache"
)

// twitterTimestampLayout is the created_at format the v1.1 API uses.
const twitterTimestampLayout = "Mon Jan 02 15:04:05 -0700 2006"

// Query is the narrow interface the exchange and scheduler depend on.
type Query interface {
	Endpoint() string
	UID() string
	Name() string
	Done() bool
	Run(ctx context.Context) error
}

// Deps bundles the collaborators a Base needs. Doc and Cache/Lookup are
// optional (nil disables document-DB upserts and mention expansion
// respectively); the rest are required.
type Deps struct {
	BaseURL string
	Creds   *creds.Provider
	Limiter *ratelimit.Central
	Store   *appdata.Store
	Writer  *output.Writer
	Doc     *docdb.Client
	Cache   *usercache.Cache
	Lookup  usercache.Lookupper

	OutputDir string
	Postfix   string
}

// Base implements the full run() state machine from spec §4.6. Concrete
// kinds are built by New with a Def and Hooks; see kinds.go.
type Base struct {
	def   Def
	hooks Hooks

	baseURL   string
	outputDir string
	postfix   string
	bucket    string

	kwargs          map[string]string
	moreResultsForm url.Values
	multipart       bool

	uid    string
	done   bool
	lastID string

	results    []map[string]interface{}
	outputPath string

	creds   *creds.Provider
	limiter *ratelimit.Central
	store   *appdata.Store
	writer  *output.Writer
	doc     *docdb.Client
	cache   *usercache.Cache
	lookup  usercache.Lookupper

	log zerolog.Logger
}

// New builds a Base for def, injecting the cross-run resume token (if the
// app-data store has one) under def.ResumeKey. origKwargs are the
// declarative task kwargs, pre-injection — uid is always computed from
// these, never from the resume token, so uid stays stable across restarts.
// multipart is the dispatching task's multipart flag (spec §3's Task
// attribute "whether multipart (follow pagination)"): false stops the walk
// after its first page regardless of what the response's cursor says.
func New(def Def, hooks Hooks, bucket string, multipart bool, origKwargs map[string]string, deps Deps) (*Base, error) {
	uid := computeUID(deps.BaseURL, def, origKwargs)

	kwargs := make(map[string]string, len(origKwargs)+1)
	for k, v := range origKwargs {
		kwargs[k] = v
	}
	if def.ResumeKey != "" && deps.Store != nil {
		if last, ok, err := deps.Store.GetLastID(uid); err != nil {
			return nil, errors.Wrapf(err, "query: reading last id for %q", uid)
		} else if ok {
			kwargs[def.ResumeKey] = last
		}
	}

	return &Base{
		def:       def,
		hooks:     hooks,
		baseURL:   deps.BaseURL,
		outputDir: deps.OutputDir,
		postfix:   deps.Postfix,
		bucket:    bucket,
		kwargs:    kwargs,
		multipart: multipart,
		uid:       uid,
		creds:     deps.Creds,
		limiter:   deps.Limiter,
		store:     deps.Store,
		writer:    deps.Writer,
		doc:       deps.Doc,
		cache:     deps.Cache,
		lookup:    deps.Lookup,
		log:       logging.WithComponent("query." + def.Name),
	}, nil
}

func (b *Base) Endpoint() string { return b.def.Endpoint }
func (b *Base) UID() string      { return b.uid }
func (b *Base) Name() string     { return b.def.Name }
func (b *Base) Done() bool       { return b.done }

// Run executes one page of the state machine (spec §4.6 run()). Step
// numbers in comments refer to the spec's numbered list; steps 6 and 7 are
// evaluated in the opposite order internally (results extracted before
// pagination is determined) because Timeline's synthesised pagination needs
// the just-extracted page — a reordering invisible to any external
// observer, since the two steps read disjoint parts of the response body.
func (b *Base) Run(ctx context.Context) error {
	if b.done {
		return nil
	}

	// 1. Consult Rate-Limit Central; sleep past reset+jitter if exhausted.
	if lim, ok := b.limiter.Get(b.def.Endpoint); ok && lim.Exhausted() {
		wait := time.Until(lim.Reset) + jitter()
		if wait > 0 {
			b.log.Debug().Dur("wait", wait).Str("endpoint", b.def.Endpoint).Msg("rate limit exhausted, waiting for reset")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}

	// 2 & 3. Build the request and attempt it with bounded backoff.
	resp, err := b.attempt(ctx)
	if err != nil {
		b.log.Warn().Err(err).Msg("exhausted retries")
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "query: reading response body")
	}

	// 4. Status handling.
	if resp.StatusCode == http.StatusTooManyRequests {
		b.log.Warn().Str("endpoint", b.def.Endpoint).Msg("rate limited (429)")
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		b.log.Warn().Int("status", resp.StatusCode).Bytes("body", truncate(body, 512)).Msg("non-200 response")
		return nil
	}

	// 5. Rate-Limit Central update from headers.
	b.limiter.Update(b.def.Endpoint, resp.Header)

	// 7 (extracted first; see func comment). Results path navigation.
	raw, err := navigate(body, b.def.ResultsPath)
	if err != nil {
		b.log.Warn().Err(err).Str("path", b.def.ResultsPath).Msg("navigating results path")
	}
	b.results = toMaps(raw)

	// 6. Pagination/done determination.
	if b.hooks.DeterminePagination != nil {
		b.hooks.DeterminePagination(b)
	} else {
		b.defaultDeterminePagination(body)
	}
	if !b.multipart {
		b.done = true
		b.moreResultsForm = nil
	}

	// 8. Pickle + save, capture last id.
	if len(b.results) > 0 {
		if !b.hooks.SuppressPickle {
			b.pickle()
		}
		if err := b.save(ctx); err != nil {
			b.log.Error().Err(err).Msg("save failed")
		}
		if b.lastID == "" {
			if id, ok := stringField(b.results[0], "id_str"); ok {
				b.lastID = id
			}
		}
	}

	// 9. Persist LastID only once the whole walk is done.
	if b.done && b.lastID != "" && b.store != nil {
		if err := b.store.PutLastID(b.uid, b.lastID); err != nil {
			b.log.Error().Err(err).Msg("persisting last id")
		}
	}

	return nil
}

func (b *Base) attempt(ctx context.Context) (*http.Response, error) {
	var lastErr error
	for try := 0; try < 5; try++ {
		resp, err := b.doRequest(ctx)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		b.log.Warn().Err(err).Int("attempt", try+1).Msg("transport error")
		if try == 4 {
			break
		}
		wait := time.Duration(1<<uint(try)) * time.Second
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, errors.Wrap(lastErr, "query: transport")
}

func (b *Base) doRequest(ctx context.Context) (*http.Response, error) {
	reqURL := b.baseURL + b.def.Endpoint + ".json"
	if b.def.RequestType == "post" {
		body, err := json.Marshal(stringMapToAny(b.kwargs))
		if err != nil {
			return nil, errors.Wrap(err, "query: marshalling POST body")
		}
		return b.creds.Do(ctx, "post", reqURL, nil, body, b.def.TokenAuth)
	}
	return b.creds.Do(ctx, "get", reqURL, b.effectiveForm(), nil, b.def.TokenAuth)
}

// effectiveForm returns the current pagination cursor's query values if
// one is pending, else the effective kwargs — only one of the two is ever
// in play for a given page, per spec §4.6 step 2's "(a) cursor verbatim, or
// (b) kwargs merge".
func (b *Base) effectiveForm() url.Values {
	if b.moreResultsForm != nil {
		return b.moreResultsForm
	}
	form := url.Values{}
	for k, v := range b.kwargs {
		form.Set(k, v)
	}
	return form
}

// defaultDeterminePagination implements spec §4.6 step 6 for every kind
// that doesn't synthesise its own cursor. A "?k=v&..."-shaped cursor (e.g.
// free-search's next_results) is kept as a literal query-string fragment
// and reused verbatim on the next request, matching option (a); an opaque
// token (e.g. fullarchive's next) is folded into kwargs under its own
// field name so the next request's normal kwargs merge carries it forward,
// matching option (b). Either way the cursor's declared field name is the
// last segment of FetchMorePath.
func (b *Base) defaultDeterminePagination(body []byte) {
	if b.def.FetchMorePath == "" {
		b.done = true
		return
	}
	raw, err := navigate(body, b.def.FetchMorePath)
	if err != nil || isEmptyCursor(raw) {
		b.moreResultsForm = nil
		b.done = true
		return
	}
	s, ok := raw.(string)
	if !ok {
		b.moreResultsForm = nil
		b.done = true
		return
	}
	if strings.HasPrefix(s, "?") || strings.HasPrefix(s, "&") {
		q, parseErr := url.ParseQuery(strings.TrimLeft(s, "?&"))
		if parseErr != nil {
			q = url.Values{}
		}
		if b.hooks.FixQuery != nil {
			b.hooks.FixQuery(q)
		}
		b.moreResultsForm = q
		return
	}
	key := lastPathSegment(b.def.FetchMorePath)
	b.kwargs[key] = s
	b.moreResultsForm = nil
}

func (b *Base) pickle() {
	if b.store == nil {
		return
	}
	survivors := b.results[:0:0]
	var records []appdata.TweetRecord
	for _, item := range b.results {
		id, ok := stringField(item, "id_str")
		if !ok {
			survivors = append(survivors, item)
			continue
		}
		has, err := b.store.HasQueryTweet(b.def.Name, id)
		if err != nil {
			b.log.Warn().Err(err).Str("id", id).Msg("checking tweet history")
			survivors = append(survivors, item)
			continue
		}
		if has {
			continue
		}
		survivors = append(survivors, item)
		records = append(records, appdata.TweetRecord{ID: id, Timestamp: parseCreatedAt(item)})
	}
	b.results = survivors
	if err := b.store.PutQueryTweets(b.def.Name, records); err != nil {
		b.log.Warn().Err(err).Msg("recording tweet history")
	}
}

func (b *Base) save(ctx context.Context) error {
	if b.def.ExpandMentions && b.cache != nil && b.lookup != nil {
		if err := b.cache.ExpandMentions(ctx, b.results, b.lookup); err != nil {
			b.log.Warn().Err(err).Msg("expanding mentions")
		}
	}
	if b.hooks.Save != nil {
		return b.hooks.Save(b, ctx)
	}
	return b.defaultSave(ctx)
}

func (b *Base) defaultSave(ctx context.Context) error {
	if len(b.results) == 0 || b.bucket == "" {
		return nil
	}
	if b.outputPath == "" {
		firstID, _ := stringField(b.results[0], "id_str")
		b.outputPath = output.BuildPath(b.outputDir, b.bucket, firstID, b.postfix, time.Now())
	}

	var buf bytes.Buffer
	for _, item := range b.results {
		line, err := json.Marshal(item)
		if err != nil {
			b.log.Warn().Err(err).Msg("marshalling record")
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if b.writer != nil {
		if err := b.writer.Write(buf.Bytes(), b.outputPath); err != nil {
			b.log.Error().Err(err).Msg("writing output")
		}
	}

	if b.doc != nil {
		for _, item := range b.results {
			if err := b.doc.UpsertTweet(ctx, item); err != nil {
				b.log.Warn().Err(err).Msg("document db upsert")
			}
		}
	}
	return nil
}

func navigate(body []byte, dotPath string) (interface{}, error) {
	if dotPath == "" {
		var v interface{}
		if err := gojson.Unmarshal(body, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
	ptr := "/" + strings.ReplaceAll(dotPath, ".", "/")
	fragment, err := jsonpointer.Find(body, ptr)
	if err != nil || len(fragment) == 0 {
		return nil, err
	}
	var v interface{}
	if err := gojson.Unmarshal(fragment, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func toMaps(raw interface{}) []map[string]interface{} {
	arr, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(arr))
	for _, item := range arr {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

func isEmptyCursor(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	default:
		return false
	}
}

func stringField(m map[string]interface{}, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func parseCreatedAt(item map[string]interface{}) int64 {
	s, ok := stringField(item, "created_at")
	if !ok {
		return time.Now().Unix()
	}
	t, err := time.Parse(twitterTimestampLayout, s)
	if err != nil {
		return time.Now().Unix()
	}
	return t.Unix()
}

func lastPathSegment(dotPath string) string {
	parts := strings.Split(dotPath, ".")
	return parts[len(parts)-1]
}

func stringMapToAny(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

func decodeUser(item map[string]interface{}) (anaconda.User, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return anaconda.User{}, err
	}
	var user anaconda.User
	if err := json.Unmarshal(data, &user); err != nil {
		return anaconda.User{}, err
	}
	return user, nil
}

func jitter() time.Duration {
	return time.Duration(50+rand.Intn(200)) * time.Millisecond
}
