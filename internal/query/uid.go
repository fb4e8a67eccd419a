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
	"encoding/hex"
	"fmt"
	"sort"

	"golang.org/x/crypto/blake2s"
)

// computeUID hashes a query's declarative inputs — everything that defines
// "what to fetch", not the mutable resume state injected afterwards — into a
// stable identifier. Two queries built from identical task kwargs hash to
// the same uid regardless of when they're constructed, per spec §8's
// invariant "uid(Q) is equal for identical declarative inputs"; this is what
// lets the exchange dedup pending/running work and the app-data store key
// LastID independent of a since_id/max_id floor that changes run to run.
func computeUID(baseURL string, def Def, kwargs map[string]string) string {
	h, err := blake2s.New256(nil)
	if err != nil {
		// blake2s.New256 only errors on a bad key, and we pass none.
		panic(err)
	}
	fmt.Fprintf(h, "%s|%s|%s|%s|%s", def.Name, baseURL, def.Endpoint, def.ResultsPath, def.FetchMorePath)

	keys := make([]string, 0, len(kwargs))
	for k := range kwargs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "|%s=%s", k, kwargs[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}
