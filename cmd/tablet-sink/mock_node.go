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
	"github.com/pingcap/tabletsink/pkg/sink/transport/httptransport"
	"github.com/pingcap/tabletsink/pkg/util/logutil"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMockNodeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mock-node",
		Short: "serve an in-memory storage node that counts the rows it receives",
		Args:  cobra.NoArgs,
		RunE:  runMockNode,
	}
	cmd.Flags().String("addr", "127.0.0.1:8040", "Set the listening address of the node")
	cmd.Flags().Int64("node-id", 1, "Set the id of the node")
	return cmd
}

func runMockNode(cmd *cobra.Command, _ []string) error {
	if _, err := loadConfig(cmd); err != nil {
		return err
	}
	addr, err := cmd.Flags().GetString("addr")
	if err != nil {
		return errors.Trace(err)
	}
	nodeID, err := cmd.Flags().GetInt64("node-id")
	if err != nil {
		return errors.Trace(err)
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Annotatef(err, "listen on %s", addr)
	}
	handler := httptransport.NewNodeHandler(nodeID)
	srv := &http.Server{Handler: handler.Router(), ReadHeaderTimeout: 5 * time.Second}
	logger := logutil.BgLogger().With(zap.Int64("node", nodeID))
	logger.Info("mock node started", zap.Stringer("addr", listener.Addr()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()
	select {
	case err = <-errCh:
		return errors.Trace(err)
	case <-cmd.Context().Done():
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return errors.Trace(err)
	}
	logger.Info("mock node stopped", zap.Int64("requests", handler.Requests()))
	return nil
}
