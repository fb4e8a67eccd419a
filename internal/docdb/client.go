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

// Package docdb implements the optional document-database upsert named in
// spec §4.6's Query.Save: "upsert each record into the document DB
// collection (keyed by id, best-effort; failures are logged, not fatal)".
// The teacher repo's document store is Dgraph, upserted by a
// query-then-mutate block keyed on a uniqueness predicate; we carry that
// forward unchanged (dgraph-io-flock/go/main.go's buildQuery).
package docdb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/dgraph-io/dgo/v2"
	"github.com/dgraph-io/dgo/v2/protos/api"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
)

// Schema is installed once at startup via Client.EnsureSchema.
const Schema = `
type Tweet {
	id_str
	created_at
	full_text
	author
	mention
}

type User {
	id_str
	screen_name
	followers_count
}

id_str: string @index(exact) @upsert .
screen_name: string @index(term) .
created_at: dateTime @index(hour) .
full_text: string .
followers_count: int .
author: uid @reverse .
mention: [uid] @reverse .
`

// Client wraps a Dgraph connection, reconnecting transparently when the
// underlying gRPC connection is found dead, per spec §5: "Document DB
// handle: callers must check liveness before use and reconnect
// transparently."
type Client struct {
	addrs []string

	mu   sync.Mutex
	conn *grpc.ClientConn
	dgr  *dgo.Dgraph
}

// New returns a Client that lazily dials addrs on first use.
func New(addrs []string) *Client {
	return &Client{addrs: addrs}
}

func (c *Client) dgraph() (*dgo.Dgraph, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dgr != nil && c.alive() {
		return c.dgr, nil
	}

	var clients []api.DgraphClient
	for _, addr := range c.addrs {
		conn, err := grpc.Dial(addr, grpc.WithInsecure())
		if err != nil {
			return nil, errors.Wrapf(err, "docdb: dialing alpha %q", addr)
		}
		clients = append(clients, api.NewDgraphClient(conn))
		c.conn = conn
	}
	c.dgr = dgo.NewDgraphClient(clients...)
	return c.dgr, nil
}

func (c *Client) alive() bool {
	txn := c.dgr.NewReadOnlyTxn()
	_, err := txn.Query(context.Background(), `{q(func: has(dgraph.type), first: 1){uid}}`)
	return err == nil
}

// EnsureSchema installs the Tweet/User schema with a single Alter call; a
// failure (for instance an alpha still starting up) is returned without
// retrying.
func (c *Client) EnsureSchema(ctx context.Context) error {
	dgr, err := c.dgraph()
	if err != nil {
		return err
	}
	return errors.Wrap(dgr.Alter(ctx, &api.Operation{Schema: Schema}), "docdb: alter schema")
}

// UpsertTweet upserts a tweet document keyed by id_str, linking its author
// (the raw record's "user" object) and its mentions
// (entities.user_mentions) into the author/mention edges declared in
// Schema, mirroring the teacher's buildQuery.
func (c *Client) UpsertTweet(ctx context.Context, record map[string]interface{}) error {
	dgr, err := c.dgraph()
	if err != nil {
		return err
	}

	queries, payload, err := buildTweetMutation(record)
	if err != nil {
		return err
	}

	txn := dgr.NewTxn()
	req := &api.Request{
		Query:     "query {" + strings.Join(queries, "\n") + "}",
		Mutations: []*api.Mutation{{SetJson: payload}},
		CommitNow: true,
	}
	_, err = txn.Do(ctx, req)
	return errors.Wrap(err, "docdb: upsert tweet")
}

// buildTweetMutation resolves a raw Twitter API tweet record's "user" and
// "entities.user_mentions" fields into the author/mention edges Schema
// declares, and renders the upsert query plus mutation payload. Split out
// from UpsertTweet so the edge-resolution logic can be exercised without a
// live Dgraph connection.
func buildTweetMutation(record map[string]interface{}) (queries []string, payload []byte, err error) {
	idStr, _ := record["id_str"].(string)
	if idStr == "" {
		return nil, nil, errors.New("docdb: tweet record missing id_str")
	}

	queries = []string{fmt.Sprintf(`t as var(func: eq(id_str, %q))`, idStr)}
	record["uid"] = "uid(t)"
	record["dgraph.type"] = "Tweet"

	seen := map[string]string{}
	if author, ok := record["user"].(map[string]interface{}); ok {
		if uid, q := userUpsertClause(author, "u", seen); uid != "" {
			if q != "" {
				queries = append(queries, q)
			}
			author["uid"] = uid
			author["dgraph.type"] = "User"
		}
		record["author"] = author
	}
	delete(record, "user")

	if entities, ok := record["entities"].(map[string]interface{}); ok {
		if raw, ok := entities["user_mentions"].([]interface{}); ok {
			mentions := make([]interface{}, 0, len(raw))
			for i, m := range raw {
				mm, ok := m.(map[string]interface{})
				if !ok {
					continue
				}
				varName := fmt.Sprintf("m%d", i+1)
				if uid, q := userUpsertClause(mm, varName, seen); uid != "" {
					if q != "" {
						queries = append(queries, q)
					}
					mm["uid"] = uid
					mm["dgraph.type"] = "User"
				}
				mentions = append(mentions, mm)
			}
			if len(mentions) > 0 {
				record["mention"] = mentions
			}
		}
	}
	delete(record, "entities")

	payload, err = json.Marshal(record)
	if err != nil {
		return nil, nil, errors.Wrap(err, "docdb: marshalling tweet record")
	}
	return queries, payload, nil
}

// userUpsertClause builds (or reuses) the upsert-by-variable query fragment
// for a user map keyed by id_str, deduplicating repeated mentions of the
// same user within one upsert the way the teacher's buildQuery does. query
// is "" both when the user has no id_str and when an earlier occurrence of
// the same id_str in this upsert already has a variable (varName is then
// unused); uid is returned in both the fresh and the deduplicated case.
func userUpsertClause(user map[string]interface{}, varName string, seen map[string]string) (uid, query string) {
	userID, _ := user["id_str"].(string)
	if userID == "" {
		return "", ""
	}
	if existing, ok := seen[userID]; ok {
		return fmt.Sprintf("uid(%s)", existing), ""
	}
	seen[userID] = varName
	q := fmt.Sprintf(`%s as var(func: eq(id_str, %q))`, varName, userID)
	return fmt.Sprintf("uid(%s)", varName), q
}

// UpsertUser upserts a standalone user profile, used by UserLookupQuery's
// save() override to populate the document DB from users/lookup responses.
func (c *Client) UpsertUser(ctx context.Context, user map[string]interface{}) error {
	dgr, err := c.dgraph()
	if err != nil {
		return err
	}
	userID, _ := user["id_str"].(string)
	if userID == "" {
		return errors.New("docdb: user record missing id_str")
	}
	user["uid"] = "uid(u)"
	user["dgraph.type"] = "User"

	payload, err := json.Marshal(user)
	if err != nil {
		return errors.Wrap(err, "docdb: marshalling user record")
	}

	txn := dgr.NewTxn()
	req := &api.Request{
		Query:     fmt.Sprintf(`query {u as var(func: eq(id_str, %q))}`, userID),
		Mutations: []*api.Mutation{{SetJson: payload}},
		CommitNow: true,
	}
	_, err = txn.Do(ctx, req)
	return errors.Wrap(err, "docdb: upsert user")
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
