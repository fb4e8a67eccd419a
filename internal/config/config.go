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

// Package config loads and refreshes Twicorder's runtime configuration.
//
// It replaces the Python implementation's class-level cache
// (twicorder.config.Config) with an explicit, injectable Service per the
// spec's design note on shared mutable config caches: no package-level
// globals, an owned Service returns an immutable snapshot, and reload policy
// runs on a timer checked at Get time.
package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Runtime holds the recognised options from spec.md §6's "Runtime config".
type Runtime struct {
	ConfigReloadInterval int    `yaml:"config_reload_interval"`
	OutputDir            string `yaml:"output_dir"`
	SavePrefix           string `yaml:"save_prefix"`
	SavePostfix          string `yaml:"save_postfix"`
	TweetsPerFile        int    `yaml:"tweets_per_file"`
	UserLookupInterval   int    `yaml:"user_lookup_interval"`
	FullUserMentions     bool   `yaml:"full_user_mentions"`
	UseMongo             bool   `yaml:"use_mongo"`

	// Stream-listener options, out of core scope per spec §1 but kept on the
	// struct so config.yaml documents written for the listener collaborator
	// parse without error here too.
	Track            []string `yaml:"track"`
	Follow           []string `yaml:"follow"`
	Locations        []string `yaml:"locations"`
	Languages        []string `yaml:"languages"`
	StallWarnings    bool     `yaml:"stall_warnings"`
	Encoding         string   `yaml:"encoding"`
	FilterLevel      string   `yaml:"filter_level"`
	FollowAlsoTracks bool     `yaml:"follow_also_tracks"`
	StreamMode       string   `yaml:"stream_mode"`

	LogLevel  string `yaml:"log_level"`
	LogJSON   bool   `yaml:"log_json"`
	AppDataDir string `yaml:"appdata_dir"`
	DgraphAddr string `yaml:"dgraph_addr"`
}

// Credentials holds the application and user secrets from spec.md §6's
// "Credentials (YAML)".
type Credentials struct {
	Application struct {
		ConsumerKey    string `yaml:"consumer_key"`
		ConsumerSecret string `yaml:"consumer_secret"`
	} `yaml:"application"`
	User struct {
		Key    string `yaml:"key"`
		Secret string `yaml:"secret"`
	} `yaml:"user"`
}

// Service owns the runtime config cache. It is created with Load and passed
// down to collaborators; it is never a package-level singleton.
type Service struct {
	configPath string
	snapshot   atomic.Value // holds Runtime
	lastLoad   atomic.Value // holds time.Time
}

// Load reads configPath once and returns a ready Service.
func Load(configPath string) (*Service, error) {
	s := &Service{configPath: configPath}
	rt, err := s.read()
	if err != nil {
		return nil, errors.Wrapf(err, "config: initial load of %q", configPath)
	}
	s.snapshot.Store(rt)
	s.lastLoad.Store(time.Now())
	return s, nil
}

func (s *Service) read() (Runtime, error) {
	data, err := os.ReadFile(s.configPath)
	if err != nil {
		return Runtime{}, errors.Wrap(err, "reading config file")
	}
	var rt Runtime
	if err := yaml.Unmarshal(data, &rt); err != nil {
		return Runtime{}, errors.Wrap(err, "parsing config yaml")
	}
	if rt.ConfigReloadInterval <= 0 {
		rt.ConfigReloadInterval = 300
	}
	if rt.SavePostfix == "" {
		rt.SavePostfix = ".json"
	}
	if rt.UserLookupInterval <= 0 {
		rt.UserLookupInterval = 15
	}
	if rt.OutputDir != "" {
		rt.OutputDir = expandHome(rt.OutputDir)
	}
	if rt.AppDataDir != "" {
		rt.AppDataDir = expandHome(rt.AppDataDir)
	}
	return rt, nil
}

func expandHome(p string) string {
	if len(p) >= 2 && p[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

// Get returns the current immutable config snapshot, reloading from disk
// first if config_reload_interval seconds have elapsed since the last load.
func (s *Service) Get() Runtime {
	last, _ := s.lastLoad.Load().(time.Time)
	current := s.snapshot.Load().(Runtime)
	interval := time.Duration(current.ConfigReloadInterval) * time.Second
	if time.Since(last) < interval {
		return current
	}
	rt, err := s.read()
	if err != nil {
		// Keep serving the stale snapshot; a transient disk/parse error here
		// is not fatal per spec §7 (only startup config errors are fatal).
		return current
	}
	s.snapshot.Store(rt)
	s.lastLoad.Store(time.Now())
	return rt
}

// LoadCredentials reads the credentials YAML document described in §6.
// Missing or unparsable credentials are a fatal configuration error.
func LoadCredentials(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, errors.Wrapf(err, "reading credentials file %q", path)
	}
	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return Credentials{}, errors.Wrapf(err, "parsing credentials file %q", path)
	}
	if creds.Application.ConsumerKey == "" || creds.Application.ConsumerSecret == "" {
		return Credentials{}, errors.New("credentials: missing application consumer key/secret")
	}
	if creds.User.Key == "" || creds.User.Secret == "" {
		return Credentials{}, errors.New("credentials: missing user key/secret")
	}
	return creds, nil
}
