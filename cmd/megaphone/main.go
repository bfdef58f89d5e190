// Copyright 2024 The Megaphone Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The megaphone binary is the broker daemon. It serves the public channel
// API over HTTP, the management API over a unix socket and the sync pipe
// service over gRPC.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"github.com/d71-dev/megaphone/pkg/agent"
	"github.com/d71-dev/megaphone/pkg/broker"
	"github.com/d71-dev/megaphone/pkg/config"
	"github.com/d71-dev/megaphone/pkg/protocol"
	"github.com/d71-dev/megaphone/pkg/server"
	"github.com/d71-dev/megaphone/pkg/syncpipe"
)

func main() {
	a := kingpin.New("megaphone", "Long running server-to-client event stream broker")
	configPath := a.Flag("config.file", "Path to the configuration file.").
		Default("").String()
	logLevel := a.Flag("log.level", "Log level (debug, info, warn, error).").
		Default("info").Enum("debug", "info", "warn", "error")

	if _, err := a.Parse(os.Args[1:]); err != nil {
		kingpin.Fatalf("parsing command line: %s", err)
	}

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	switch *logLevel {
	case "debug":
		logger = level.NewFilter(logger, level.AllowDebug())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	cfg, err := config.Load(*configPath)
	if err != nil {
		level.Error(logger).Log("msg", "loading configuration failed", "err", err)
		os.Exit(1)
	}

	reg := agent.NewRegistry(cfg.AgentWarmup())
	for name, mode := range cfg.Agent.Virtual {
		if mode != config.AgentModeMaster {
			// Replicas come into existence when a peer opens a pipe;
			// they cannot be declared without the master's key.
			level.Warn(logger).Log("msg", "ignoring configured replica agent", "agent", name)
			continue
		}
		if err := reg.AddMaster(name, false); err != nil {
			level.Error(logger).Log("msg", "adding virtual agent failed", "agent", name, "err", err)
			os.Exit(1)
		}
		level.Info(logger).Log("msg", "virtual agent registered", "agent", name, "mode", protocol.ModeMaster)
	}

	hooks := broker.NewNotifier(log.With(logger, "component", "webhooks"), cfg.Webhooks)
	brk := broker.New(log.With(logger, "component", "broker"), reg, hooks, prometheus.DefaultRegisterer)

	ctx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	var g run.Group
	{
		// Termination handler.
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		g.Add(
			func() error {
				select {
				case <-term:
					level.Info(logger).Log("msg", "received SIGTERM, exiting gracefully...")
				case <-cancel:
				}
				return nil
			},
			func(error) {
				close(cancel)
			},
		)
	}
	{
		// Public channel API.
		apiCtx, cancel := context.WithCancel(ctx)
		api := server.NewAPI(log.With(logger, "component", "api"), brk, cfg.PollDuration(), prometheus.DefaultGatherer)
		g.Add(
			func() error {
				level.Info(logger).Log("msg", "starting public API", "address", cfg.Address)
				return api.ListenAndServe(apiCtx, cfg.Address)
			},
			func(error) {
				cancel()
			},
		)
	}
	{
		// Management API on the local socket.
		mngCtx, cancel := context.WithCancel(ctx)
		pipe := func(ctx context.Context, agentName, target string) error {
			_, err := syncpipe.StartPipe(ctx, log.With(logger, "component", "pipe"), reg, brk, agentName, target)
			return err
		}
		mng := server.NewMgmt(log.With(logger, "component", "mgmt"), reg, brk, pipe)
		g.Add(
			func() error {
				level.Info(logger).Log("msg", "starting management API", "socket", cfg.MngSocketPath)
				return mng.ListenAndServe(mngCtx, cfg.MngSocketPath)
			},
			func(error) {
				cancel()
			},
		)
	}
	{
		// Sync pipe ingress.
		srv := grpc.NewServer(
			grpc.StreamInterceptor(grpc_prometheus.StreamServerInterceptor),
			grpc.UnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		)
		protocol.RegisterSyncServiceServer(srv, syncpipe.NewServer(log.With(logger, "component", "syncpipe"), reg, brk))
		grpc_prometheus.Register(srv)
		g.Add(
			func() error {
				lis, err := net.Listen("tcp", cfg.GRPCAddress)
				if err != nil {
					return err
				}
				level.Info(logger).Log("msg", "starting sync pipe listener", "address", cfg.GRPCAddress)
				return srv.Serve(lis)
			},
			func(error) {
				srv.GracefulStop()
			},
		)
	}
	{
		// Idle channel sweeper.
		sweepCtx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				return brk.RunSweeper(sweepCtx)
			},
			func(error) {
				cancel()
			},
		)
	}

	if err := g.Run(); err != nil {
		level.Error(logger).Log("msg", "run loop failed", "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "exiting")
}
