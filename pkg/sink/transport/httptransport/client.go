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

package httptransport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/tabletsink/pkg/sink/common"
	"github.com/pingcap/tabletsink/pkg/sink/config"
	"github.com/pingcap/tabletsink/pkg/sink/dispatch"
)

// paths served by a storage node.
const (
	OpenPath     = "/tablet_writer/open"
	AddBlockPath = "/tablet_writer/add_block"
	StatusPath   = "/status"
)

// maxErrorBodySize limits how much of an error body is kept in messages.
const maxErrorBodySize = 4096

// Client sends tablet writer requests to storage nodes over HTTP. It
// implements dispatch.Transport.
type Client struct {
	addrs       map[int64]string
	compression string
	httpClient  *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCompression sets the compression of request bodies, one of the
// config.Compression* values.
func WithCompression(compression string) ClientOption {
	return func(c *Client) {
		c.compression = compression
	}
}

// WithHTTPClient replaces the underlying http client. Its redirect policy
// is overwritten.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a client for the nodes in addrs, keyed by node id. An
// address without scheme is reached over plain http.
func NewClient(addrs map[int64]string, opts ...ClientOption) *Client {
	c := &Client{
		addrs:       make(map[int64]string, len(addrs)),
		compression: config.CompressionNone,
	}
	for id, addr := range addrs {
		if !strings.Contains(addr, "://") {
			addr = "http://" + addr
		}
		c.addrs[id] = strings.TrimSuffix(addr, "/")
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	// a redirect would replay the body to a node that did not open the
	// writer
	c.httpClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return c
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// Open implements dispatch.Transport.
func (c *Client) Open(ctx context.Context, nodeID int64, req *dispatch.OpenRequest) error {
	var resp dispatch.WriteResponse
	if err := c.post(ctx, nodeID, OpenPath, req, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return common.ErrRequestNode.Wrap(&common.HTTPStatusError{StatusCode: http.StatusOK, Message: resp.Message}).
			GenWithStackByArgs(http.StatusOK, resp.Message)
	}
	return nil
}

// Write implements dispatch.Transport. A node answering with a well formed
// WriteResponse is not an error, even when the response reports a failure.
func (c *Client) Write(ctx context.Context, nodeID int64, req *dispatch.WriteRequest) (*dispatch.WriteResponse, error) {
	resp := &dispatch.WriteResponse{}
	if err := c.post(ctx, nodeID, AddBlockPath, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, nodeID int64, path string, body, result any) error {
	addr, ok := c.addrs[nodeID]
	if !ok {
		return common.ErrInvalidArgument.GenWithStack("no address for node %d", nodeID)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return common.ErrEncodeRequest.Wrap(err).GenWithStackByArgs()
	}
	data, encoding, err := compress(c.compression, data)
	if err != nil {
		return common.ErrEncodeRequest.Wrap(err).GenWithStackByArgs()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+path, bytes.NewReader(data))
	if err != nil {
		return errors.Trace(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		httpReq.Header.Set("Content-Encoding", encoding)
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		_ = httpResp.Body.Close()
	}()
	if httpResp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBodySize))
		message := strings.TrimSpace(string(msg))
		return common.ErrRequestNode.Wrap(&common.HTTPStatusError{StatusCode: httpResp.StatusCode, Message: message}).
			GenWithStackByArgs(httpResp.StatusCode, message)
	}
	if err := json.NewDecoder(httpResp.Body).Decode(result); err != nil {
		return errors.Annotatef(err, "decode response of %s from node %d after %s", path, nodeID, time.Since(start))
	}
	return nil
}

// String implements fmt.Stringer.
func (c *Client) String() string {
	return fmt.Sprintf("http transport to %d nodes, compression %s", len(c.addrs), c.compression)
}
