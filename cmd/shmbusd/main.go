/*
 * Copyright 2025 SREDiag Authors
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

//go:build unix

// Command shmbusd hosts the shared-memory connection broker behind a Unix socket.
//
//	shmbusd -config /etc/shmbus/shmbusd.yaml -socket /run/shmbus/shmbus.sock
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/srediag/shmbus/adapter"
	"github.com/srediag/shmbus/internal/logger"
	"github.com/srediag/shmbus/pkg/broker"
	"github.com/srediag/shmbus/pkg/daemon"
)

var log = logger.New("shmbusd", os.Stderr)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "shmbusd: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig resolves the configuration: defaults, the file named by -config, the environment,
// then the remaining flags.
func loadConfig(args []string, lookup func(string) (string, bool)) (*Config, error) {
	path := configPath(args)
	if v, ok := lookup(envPrefix + "CONFIG"); ok && path == "" {
		path = v
	}

	conf := defaultConfig()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		err = conf.decode(f)
		_ = f.Close()
		if err != nil {
			return nil, err
		}
	}
	if err := conf.applyEnv(lookup); err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet("shmbusd", flag.ContinueOnError)
	fs.String("config", path, "YAML configuration file")
	conf.bindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return conf, nil
}

// configPath finds -config ahead of flag parsing, which needs the file loaded first.
func configPath(args []string) string {
	for i, a := range args {
		if a == "--" {
			break
		}
		name := strings.TrimLeft(a, "-")
		if len(a)-len(name) < 1 || len(a)-len(name) > 2 {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func run(args []string) error {
	conf, err := loadConfig(args, os.LookupEnv)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if conf.LogLevel >= 0 {
		logger.SetLogLevel(conf.LogLevel)
	}
	bc, err := conf.brokerConfig()
	if err != nil {
		return err
	}
	dc, err := conf.daemonConfig()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	bc.Registerer = reg
	bc.Meter = adapter.Meter(nil)
	dc.Tracer = adapter.Tracer(nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := broker.New(ctx, bc)
	if err != nil {
		return err
	}
	srv, err := daemon.New(b, dc)
	if err != nil {
		return multierr.Append(err, b.Shutdown(context.Background()))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx)
	})
	if conf.Admin != "" {
		admin := &http.Server{
			Addr:              conf.Admin,
			Handler:           daemon.AdminHandler(b, reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Infof("admin listening on %s", conf.Admin)
			if err := admin.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return admin.Shutdown(sctx)
		})
	}

	err = g.Wait()
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = multierr.Append(err, b.Shutdown(sctx))
	log.Infof("stopped")
	return err
}
