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
	goerrors "errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/docker/go-units"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pingcap/errors"
	"github.com/pingcap/tabletsink/pkg/sink"
	"github.com/pingcap/tabletsink/pkg/sink/common"
	"github.com/pingcap/tabletsink/pkg/sink/metric"
	"github.com/pingcap/tabletsink/pkg/sink/partition"
	"github.com/pingcap/tabletsink/pkg/sink/transport/httptransport"
	"github.com/pingcap/tabletsink/pkg/types"
	"github.com/pingcap/tabletsink/pkg/util/chunk"
	"github.com/pingcap/tabletsink/pkg/util/logutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

const demoIndexID = 1

func newLoadCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load",
		Short: "load generated rows into the configured storage nodes",
		Args:  cobra.NoArgs,
		RunE:  runLoad,
	}
	cmd.Flags().Int("rows", 100000, "Set the number of rows to generate")
	cmd.Flags().Int("batch-size", 1024, "Set the number of rows per batch")
	cmd.Flags().Int("partitions", 4, "Set the number of RANGE partitions of the table")
	cmd.Flags().Int("buckets", 4, "Set the number of buckets per partition")
	cmd.Flags().Int("replicas", 3, "Set the number of replicas per tablet, capped by the number of nodes")
	cmd.Flags().Float64("invalid-ratio", 0, "Set the ratio of generated rows with a NULL id")
	return cmd
}

type loadOptions struct {
	rows         int
	batchSize    int
	partitions   int
	buckets      int
	replicas     int
	invalidRatio float64
}

func parseLoadOptions(cmd *cobra.Command) (*loadOptions, error) {
	flags := cmd.Flags()
	var (
		opts loadOptions
		err  error
	)
	for name, v := range map[string]*int{
		"rows":       &opts.rows,
		"batch-size": &opts.batchSize,
		"partitions": &opts.partitions,
		"buckets":    &opts.buckets,
		"replicas":   &opts.replicas,
	} {
		if *v, err = flags.GetInt(name); err != nil {
			return nil, errors.Trace(err)
		}
		if *v <= 0 {
			return nil, common.ErrInvalidArgument.GenWithStack("--%s must be positive, got %d", name, *v)
		}
	}
	if opts.invalidRatio, err = flags.GetFloat64("invalid-ratio"); err != nil {
		return nil, errors.Trace(err)
	}
	return &opts, nil
}

func runLoad(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	opts, err := parseLoadOptions(cmd)
	if err != nil {
		return err
	}
	if len(cfg.Nodes) == 0 {
		return common.ErrInvalidConfig.GenWithStack("no storage node configured")
	}
	nodeIDs := make([]int64, 0, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		nodeIDs = append(nodeIDs, n.ID)
	}
	slices.Sort(nodeIDs)

	schema := demoSchema()
	snap, err := demoSnapshot(nodeIDs, opts)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	metrics := metric.NewMetrics()
	metrics.RegisterTo(registry)
	stopStatus, err := startStatusServer(cmd, registry)
	if err != nil {
		return err
	}
	defer stopStatus()

	client := httptransport.NewClient(cfg.NodeAddrs(), httptransport.WithCompression(cfg.Compression))
	defer client.Close()
	coord, err := sink.New(cfg, sink.Descriptor{Schema: schema, Snapshot: snap}, client, sink.WithMetrics(metrics))
	if err != nil {
		return err
	}
	logger := logutil.BgLogger().With(zap.String(logutil.LogFieldLoadID, coord.LoadID()))
	logger.Info("load started", zap.Stringer("transport", client), zap.Int("rows", opts.rows))

	ctx := cmd.Context()
	var sessionErr error
	if err := coord.Open(ctx); err == nil {
		sessionErr = sendRows(ctx, coord, schema, opts)
	}
	res, err := coord.Close(ctx, sessionErr)
	printResult(cmd.OutOrStdout(), res)
	return err
}

// sendRows generates the rows and sends them batch by batch. An error
// returned by Send that did not abort the session is returned to be
// reported at close.
func sendRows(ctx context.Context, coord *sink.Coordinator, schema *types.Schema, opts *loadOptions) error {
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	for start := 0; start < opts.rows; start += opts.batchSize {
		n := min(opts.batchSize, opts.rows-start)
		chk := chunk.New(schema.FieldTypes(), n)
		for i := range n {
			id := int64(start + i)
			if rnd.Float64() < opts.invalidRatio {
				chk.Column(0).AppendNull()
			} else {
				chk.Column(0).AppendInt64(id)
			}
			chk.Column(1).AppendString(fmt.Sprintf("row-%d", id))
			chk.Column(2).AppendDecimal(decimal.New(id%100000, -2))
		}
		if _, err := coord.Send(ctx, chk); err != nil {
			var abortErr *sink.AbortError
			if goerrors.As(err, &abortErr) {
				return nil
			}
			return err
		}
	}
	return nil
}

func demoSchema() *types.Schema {
	return &types.Schema{
		Version: 1,
		Columns: []types.ColumnDef{
			{Name: "id", Type: types.NewFieldType(types.KindBigInt)},
			{Name: "name", Type: types.NewVarcharType(64).WithNullable(true)},
			{Name: "amount", Type: types.NewDecimalType(10, 2).WithNullable(true)},
		},
	}
}

// demoSnapshot splits the id space of the generated rows into equal RANGE
// partitions and places the replicas of every tablet on consecutive nodes.
func demoSnapshot(nodeIDs []int64, opts *loadOptions) (*partition.Snapshot, error) {
	replicas := min(opts.replicas, len(nodeIDs))
	span := max(opts.rows/opts.partitions, 1)
	meta := partition.Meta{
		Type:                partition.Range,
		PartitionColumns:    []int{0},
		DistributionColumns: []int{0},
		Indexes:             []int64{demoIndexID},
		Locations:           make(map[int64][]int64),
	}
	next := 0
	for p := range opts.partitions {
		part := partition.Partition{
			ID:         int64(1000 + p),
			NumBuckets: opts.buckets,
		}
		if p > 0 {
			part.Lower = []types.Datum{types.NewIntDatum(int64(p * span))}
		}
		if p < opts.partitions-1 {
			part.Upper = []types.Datum{types.NewIntDatum(int64((p + 1) * span))}
		}
		tablets := make([]int64, 0, opts.buckets)
		for b := range opts.buckets {
			tablet := int64(10000 + p*opts.buckets + b)
			tablets = append(tablets, tablet)
			nodes := make([]int64, 0, replicas)
			for r := range replicas {
				nodes = append(nodes, nodeIDs[(next+r)%len(nodeIDs)])
			}
			next++
			meta.Locations[tablet] = nodes
		}
		part.Indexes = []partition.IndexTablets{{IndexID: demoIndexID, Tablets: tablets}}
		meta.Partitions = append(meta.Partitions, part)
	}
	return partition.NewSnapshot(meta, nil)
}

func printResult(w io.Writer, res *sink.Result) {
	if res == nil {
		return
	}
	summary := table.NewWriter()
	summary.SetTitle("load %s", res.LoadID)
	summary.AppendHeader(table.Row{"Status", "Received", "Accepted", "Filtered", "Backpressure", "Elapsed"})
	status := "success"
	if res.Kind != sink.KindNone {
		status = res.Kind.String()
	}
	summary.AppendRow(table.Row{status, res.RowsReceived, res.RowsAccepted, res.RowsFiltered,
		res.BackpressureWait.Round(time.Millisecond), res.Elapsed.Round(time.Millisecond)})
	fmt.Fprintln(w, summary.Render())

	unitTable := table.NewWriter()
	unitTable.AppendHeader(table.Row{"Index", "Node", "Phase", "Added", "Acked", "Dropped", "Requests", "Retries", "Held"})
	for _, u := range res.Units {
		unitTable.AppendRow(table.Row{u.IndexID, u.NodeID, u.Phase, u.RowsAdded, u.RowsAcked, u.RowsDropped,
			u.Requests, u.Retries, units.HumanSize(float64(u.HeldBytes))})
	}
	fmt.Fprintln(w, unitTable.Render())

	for _, e := range res.NodeErrors {
		fmt.Fprintln(w, e.Error())
	}
}
