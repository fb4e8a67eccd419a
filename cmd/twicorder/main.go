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

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/ristretto/z"
	"github.com/spf13/cobra"

	"github.com/dgraph-io/twicorder/internal/appdata"
	"github.com/dgraph-io/twicorder/internal/config"
	"github.com/dgraph-io/twicorder/internal/creds"
	"github.com/dgraph-io/twicorder/internal/docdb"
	"github.com/dgraph-io/twicorder/internal/exchange"
	"github.com/dgraph-io/twicorder/internal/logging"
	"github.com/dgraph-io/twicorder/internal/output"
	"github.com/dgraph-io/twicorder/internal/query"
	"github.com/dgraph-io/twicorder/internal/ratelimit"
	"github.com/dgraph-io/twicorder/internal/scheduler"
	"github.com/dgraph-io/twicorder/internal/stats"
	"github.com/dgraph-io/twicorder/internal/tasks"
	"github.com/dgraph-io/twicorder/internal/usercache"
)

// twitterAPIBase is the versioned REST base named in spec §6's "Wire API".
// It's fixed rather than a config option: the core targets exactly one
// Twitter API generation.
const twitterAPIBase = "https://api.twitter.com/1.1"

const statsReportInterval = 30 * time.Second

var (
	configPath      string
	credentialsPath string
	taskListPath    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "twicorder",
	Short: "Twicorder harvests tweets and user profiles from the Twitter v1.1 API",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to runtime config")
	rootCmd.PersistentFlags().StringVar(&credentialsPath, "credentials", "credentials.yaml", "path to API credentials")
	rootCmd.PersistentFlags().StringVar(&taskListPath, "tasks", "tasks.yaml", "path to the task list")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(exportCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the scheduler and crawl until stopped",
	RunE:  runRun,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Raw→relational export (not implemented by the core crawler)",
	Long: `Export is a collaborator of the core crawler (spec §1's "raw→relational
exporter"), intentionally out of scope for this module: it ingests the
newline-delimited files the Output Writer produces into a tabular schema
for downstream analytics tooling.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("export: not implemented by the core crawler; see spec §1 non-goals")
	},
}

func runRun(cmd *cobra.Command, args []string) error {
	cfgService, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	runtime := cfgService.Get()

	logging.Init(logging.Config{
		Level:      logging.Level(runtime.LogLevel),
		JSONOutput: runtime.LogJSON,
	})
	log := logging.WithComponent("main")

	credentials, err := config.LoadCredentials(credentialsPath)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}

	appDataDir := runtime.AppDataDir
	if appDataDir == "" {
		appDataDir = "twicorder-data"
	}
	store, err := appdata.Open(appDataDir)
	if err != nil {
		return fmt.Errorf("opening app-data store: %w", err)
	}
	defer store.Close()

	var doc *docdb.Client
	if runtime.UseMongo && runtime.DgraphAddr != "" {
		doc = docdb.New([]string{runtime.DgraphAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := doc.EnsureSchema(ctx); err != nil {
			log.Warn().Err(err).Msg("document db schema install failed, continuing without it")
			doc = nil
		}
		cancel()
	}

	ttl := time.Duration(runtime.UserLookupInterval) * time.Minute
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	cache, err := usercache.New(ttl)
	if err != nil {
		return fmt.Errorf("creating user cache: %w", err)
	}

	tm, err := tasks.Load(taskListPath)
	if err != nil {
		return fmt.Errorf("loading task list: %w", err)
	}

	tracker := stats.New()
	ex := exchange.New(tracker)
	statsCloser := z.NewCloser(1)
	go tracker.Report(statsCloser, statsReportInterval)
	defer statsCloser.SignalAndWait()

	deps := query.Deps{
		BaseURL:   twitterAPIBase,
		Creds:     creds.New(credentials),
		Limiter:   ratelimit.New(),
		Store:     store,
		Writer:    output.New(),
		Doc:       doc,
		Cache:     cache,
		OutputDir: runtime.OutputDir,
		Postfix:   runtime.SavePostfix,
	}
	if !runtime.FullUserMentions {
		deps.Cache = nil
	}

	sched := scheduler.New(tm, ex, deps, time.Minute)
	log.Info().Str("output_dir", runtime.OutputDir).Msg("twicorder starting")
	return sched.Run(cmd.Context())
}
