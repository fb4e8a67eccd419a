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

package ratelimit

import (
	"net/http"
	"strconv"
	"testing"
	"time"
)

func TestUpdateRequiresAllThreeHeaders(t *testing.T) {
	c := New()
	h := http.Header{}
	h.Set("x-rate-limit-limit", "15")
	h.Set("x-rate-limit-remaining", "10")
	// reset missing
	c.Update("/statuses/user_timeline", h)

	if _, ok := c.Get("/statuses/user_timeline"); ok {
		t.Fatal("expected no limit recorded when a header is missing")
	}
}

func TestUpdateAndGet(t *testing.T) {
	c := New()
	reset := time.Now().Add(2 * time.Minute).Unix()
	h := http.Header{}
	h.Set("x-rate-limit-limit", "15")
	h.Set("x-rate-limit-remaining", "0")
	h.Set("x-rate-limit-reset", strconv.FormatInt(reset, 10))
	c.Update("/statuses/user_timeline", h)

	l, ok := c.Get("/statuses/user_timeline")
	if !ok {
		t.Fatal("expected limit to be recorded")
	}
	if l.Cap != 15 || l.Remaining != 0 {
		t.Fatalf("unexpected limit: %+v", l)
	}
	if !l.Exhausted() {
		t.Fatal("expected Exhausted() to be true when remaining is 0")
	}
}
