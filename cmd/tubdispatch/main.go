/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// tubdispatch is the out-of-band dispatcher the host cron invokes:
//
//	tubdispatch <jobId>
//
// Exit code 0 means the action endpoint answered 2xx (or the job was already
// cancelled); anything else exits non-zero and leaves the job's liveness
// check un-pinged so the remote monitor alerts on the missed dispatch.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/zerologr"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/soakworks/tubd/internal/config"
	"github.com/soakworks/tubd/internal/dispatch"
	"github.com/soakworks/tubd/internal/jobstore"
	"github.com/soakworks/tubd/internal/liveness"
)

func main() {
	_ = godotenv.Load()

	flags := pflag.NewFlagSet("tubdispatch", pflag.ExitOnError)
	config.BindFlags(flags)
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "failed to parse flags:", err)
		os.Exit(2)
	}
	if flags.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: tubdispatch <jobId>")
		os.Exit(2)
	}
	jobID := flags.Arg(0)

	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(2)
	}

	zl := zerolog.New(os.Stderr).With().Timestamp().Str("job", jobID).Logger()
	logger := zerologr.New(&zl)

	store, err := jobstore.Open(filepath.Join(cfg.DataDir, "jobs"))
	if err != nil {
		zl.Error().Err(err).Msg("opening job store")
		os.Exit(1)
	}

	var live liveness.Client
	if cfg.Liveness.Enabled() {
		live = liveness.NewHTTPClient(cfg.Liveness.BaseURL, cfg.Liveness.APIKey, logger)
	} else {
		live = liveness.Disabled{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	runner := dispatch.NewRunner(store, live, logger)
	if err := runner.Run(ctx, jobID); err != nil {
		zl.Error().Err(err).Msg("dispatch failed")
		os.Exit(1)
	}
}
