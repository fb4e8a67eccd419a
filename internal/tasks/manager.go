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

// Package tasks implements the Task Manager (spec §4.8): loads the
// declarative task list (spec §6) and tracks each task's due state across
// scheduler ticks.
package tasks

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const defaultFrequencyMinutes = 15

// Task is a declarative unit of recurring work (spec §3's "Task"). It is
// created once at load and never mutated except for its due-tracking
// timestamp.
type Task struct {
	Kind      string
	Frequency time.Duration
	Multipart bool
	Bucket    string
	Kwargs    map[string]string

	mu           sync.Mutex
	lastDispatch time.Time
}

// Due reports true on the task's first access, and again every time
// Frequency has elapsed since the previous true result, updating the
// last-dispatch stamp on that edge (spec §4.8).
func (t *Task) Due(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastDispatch.IsZero() || now.Sub(t.lastDispatch) >= t.Frequency {
		t.lastDispatch = now
		return true
	}
	return false
}

type taskEntry struct {
	Frequency int               `yaml:"frequency"`
	Multipart *bool             `yaml:"multipart"`
	Bucket    string            `yaml:"bucket"`
	Kwargs    map[string]string `yaml:"kwargs"`
}

// Manager holds the fixed set of tasks loaded at startup.
type Manager struct {
	tasks []*Task
}

// Load reads the task list document described in spec §6: a mapping from
// query kind to a list of task entries.
func Load(path string) (*Manager, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "tasks: reading task list %q", path)
	}

	var doc map[string][]taskEntry
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "tasks: parsing task list %q", path)
	}

	kinds := make([]string, 0, len(doc))
	for kind := range doc {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	var out []*Task
	for _, kind := range kinds {
		for _, e := range doc[kind] {
			freq := e.Frequency
			if freq <= 0 {
				freq = defaultFrequencyMinutes
			}
			multipart := true
			if e.Multipart != nil {
				multipart = *e.Multipart
			}
			bucket := e.Bucket
			if bucket == "" {
				bucket = kind
			}
			out = append(out, &Task{
				Kind:      kind,
				Frequency: time.Duration(freq) * time.Minute,
				Multipart: multipart,
				Bucket:    bucket,
				Kwargs:    e.Kwargs,
			})
		}
	}
	return &Manager{tasks: out}, nil
}

// Due returns every task whose Due(now) edge fired on this call.
func (m *Manager) Due(now time.Time) []*Task {
	var due []*Task
	for _, t := range m.tasks {
		if t.Due(now) {
			due = append(due, t)
		}
	}
	return due
}

// All returns every loaded task, regardless of due state.
func (m *Manager) All() []*Task {
	return m.tasks
}
