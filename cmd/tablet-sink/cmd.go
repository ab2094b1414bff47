// Copyright 2025 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/tabletsink/pkg/sink/config"
	"github.com/pingcap/tabletsink/pkg/util/logutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	flagConfig     = "config"
	flagLogLevel   = "log-level"
	flagLogFile    = "log-file"
	flagLogFormat  = "log-format"
	flagStatusAddr = "status-addr"
)

func defineCommonFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringP(flagConfig, "c", "", "Set the TOML config file")
	cmd.PersistentFlags().StringP(flagLogLevel, "L", "", "Set the log level, overrides the config file")
	cmd.PersistentFlags().String(flagLogFile, "", "Set the log file path, overrides the config file")
	cmd.PersistentFlags().String(flagLogFormat, "", "Set the log format, overrides the config file")
	cmd.PersistentFlags().String(flagStatusAddr, "",
		"Set the HTTP listening address for the metrics service. Set to empty string to disable")
}

// loadConfig reads the config file named by the flags, applies the log
// flags and initializes the global logger.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	path, err := flags.GetString(flagConfig)
	if err != nil {
		return nil, errors.Trace(err)
	}
	cfg := config.NewConfig()
	if path != "" {
		if cfg, err = config.LoadFromFile(path); err != nil {
			return nil, err
		}
	} else if err = cfg.Adjust(); err != nil {
		return nil, err
	}
	for name, field := range map[string]*string{
		flagLogLevel:  &cfg.Log.Level,
		flagLogFile:   &cfg.Log.File,
		flagLogFormat: &cfg.Log.Format,
	} {
		v, err := flags.GetString(name)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if v != "" {
			*field = v
		}
	}
	if err := logutil.InitLogger(cfg.Log.ToLogConfig()); err != nil {
		return nil, err
	}
	logutil.BgLogger().Info("config loaded", zap.String("file", path), zap.Stringer("config", cfg))
	return cfg, nil
}

// startStatusServer serves the metrics of registry on the address named by
// the flags. The returned function stops the server; it is a no-op when no
// address is set.
func startStatusServer(cmd *cobra.Command, registry *prometheus.Registry) (func(), error) {
	addr, err := cmd.Flags().GetString(flagStatusAddr)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if addr == "" {
		return func() {}, nil
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "listen on status address %s", addr)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			logutil.BgLogger().Warn("status server stopped", zap.Error(err))
		}
	}()
	logutil.BgLogger().Info("status server started", zap.Stringer("addr", listener.Addr()))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
