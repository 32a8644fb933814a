// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/pingcap/tistream/client"
	"github.com/pingcap/tistream/meta/barrier"
	"github.com/pingcap/tistream/meta/cluster"
	"github.com/pingcap/tistream/meta/fragment"
	"github.com/pingcap/tistream/meta/metastore"
	"github.com/pingcap/tistream/meta/storage"
	"github.com/pingcap/tistream/pkg/config"
	"github.com/pingcap/tistream/pkg/version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type serverOptions struct {
	configFile  string
	storageAddr string

	cfg *config.Config
}

// newServerCommand creates the server command.
func newServerCommand() *cobra.Command {
	o := &serverOptions{cfg: config.GetDefaultConfig()}

	command := &cobra.Command{
		Use:   "server",
		Short: "Run the tistream meta server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.complete(cmd); err != nil {
				return err
			}
			return o.run()
		},
	}
	command.Flags().StringVar(&o.configFile, "config", "", "path of the configuration file")
	command.Flags().StringVar(&o.cfg.Addr, "addr", o.cfg.Addr, "address to expose status and metrics")
	command.Flags().StringSliceVar(&o.cfg.EtcdEndpoints, "etcd-endpoints", o.cfg.EtcdEndpoints, "endpoints of etcd, separated by comma")
	command.Flags().StringVar(&o.storageAddr, "storage-addr", "", "address of the storage service, uses an embedded engine when empty")
	command.Flags().StringVar(&o.cfg.LogLevel, "log-level", o.cfg.LogLevel, "log level (debug, info, warn, error)")
	command.Flags().StringVar(&o.cfg.LogFile, "log-file", o.cfg.LogFile, "log file path, stdout when empty")
	return command
}

// complete merges the configuration file with command line flags, flags
// taking precedence.
func (o *serverOptions) complete(cmd *cobra.Command) error {
	if o.configFile != "" {
		fileCfg := config.GetDefaultConfig()
		if err := fileCfg.FromTomlFile(o.configFile); err != nil {
			return err
		}
		if !cmd.Flags().Changed("addr") {
			o.cfg.Addr = fileCfg.Addr
		}
		if !cmd.Flags().Changed("etcd-endpoints") {
			o.cfg.EtcdEndpoints = fileCfg.EtcdEndpoints
		}
		if !cmd.Flags().Changed("log-level") {
			o.cfg.LogLevel = fileCfg.LogLevel
		}
		if !cmd.Flags().Changed("log-file") {
			o.cfg.LogFile = fileCfg.LogFile
		}
		o.cfg.Barrier = fileCfg.Barrier
	}
	return o.cfg.Validate()
}

func (o *serverOptions) run() error {
	logger, props, err := log.InitLogger(&log.Config{
		Level: o.cfg.LogLevel,
		File:  log.FileLogConfig{Filename: o.cfg.LogFile},
	})
	if err != nil {
		return errors.Annotate(err, "init logger")
	}
	log.ReplaceGlobals(logger, props)
	version.LogVersionInfo()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		sig := <-sc
		log.Info("got signal to exit", zap.Stringer("signal", sig))
		cancel()
	}()

	metaStore, err := metastore.NewEtcdStore(ctx, o.cfg.EtcdEndpoints)
	if err != nil {
		return errors.Annotate(err, "connect etcd")
	}
	defer func() {
		if err := metaStore.Close(); err != nil {
			log.Warn("close meta store failed", zap.Error(err))
		}
	}()

	var engine storage.Engine
	if o.storageAddr != "" {
		grpcEngine, err := storage.NewGrpcEngine(ctx, o.storageAddr)
		if err != nil {
			return errors.Annotate(err, "connect storage service")
		}
		engine = grpcEngine
	} else {
		engine = storage.NewLocalEngine()
	}

	registry := prometheus.NewRegistry()
	barrier.InitMetrics(registry)
	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(o.cfg.Addr, nil); err != nil {
			log.Warn("status server exited", zap.Error(err))
		}
	}()

	manager := barrier.New(
		o.cfg.Barrier,
		cluster.NewRegistry(),
		fragment.NewLocalManager(),
		metaStore,
		engine,
		client.NewStreamClientPool(),
		clock.New(),
	)
	err = manager.Run(ctx)
	if errors.Cause(err) == context.Canceled {
		return nil
	}
	return errors.Trace(err)
}
