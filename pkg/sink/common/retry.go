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

package common

import (
	"context"
	goerrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"

	"github.com/pingcap/errors"
	"github.com/pingcap/tabletsink/pkg/util/logutil"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorClass tells whether a failed request may be replayed.
type ErrorClass int

const (
	// Transient errors are retried with the same request.
	Transient ErrorClass = iota
	// Permanent errors are not retried.
	Permanent
)

func (c ErrorClass) String() string {
	if c == Transient {
		return "transient"
	}
	return "permanent"
}

// some nodes report overload only in the error message.
var retryableErrorMsgList = []string{
	"server is busy",
	"too many requests",
	"memory limit exceeded, retry later",
	// Mock error during test
	"injected random error",
}

func isRetryableFromErrorMessage(err error) bool {
	msgLower := strings.ToLower(err.Error())
	for _, errStr := range retryableErrorMsgList {
		if strings.Contains(msgLower, errStr) {
			return true
		}
	}
	return false
}

// IsRetryableError returns whether the error is transient (e.g. network
// connection dropped) or irrecoverable (e.g. schema mismatch). This
// function returns `false` (irrecoverable) if `err == nil`.
//
// If the error is a multierr, returns true only if all suberrors are retryable.
func IsRetryableError(err error) bool {
	for _, singleError := range errors.Errors(err) {
		if !isSingleRetryableError(singleError) {
			if singleError != nil && !goerrors.Is(singleError, context.Canceled) {
				logutil.BgLogger().Debug("meet un-retryable error", zap.Error(singleError),
					zap.String("info", fmt.Sprintf("type: %T", singleError)))
			}
			return false
		}
	}
	return true
}

// Classify returns the class of a request error.
func Classify(err error) ErrorClass {
	if IsRetryableError(err) {
		return Transient
	}
	return Permanent
}

var retryableErrorIDs = map[errors.ErrorID]struct{}{
	ErrNodeBusy.ID(): {},
}

// see https://github.com/golang/go/blob/b3251514531123d7fd007682389bce7428d159a0/src/net/http/transport.go#L1541-L1544
var nonRetryableURLInnerErrorMsg = []string{
	"net/http: request canceled",
	"net/http: request canceled while waiting for connection",
}

func isRetryableURLInnerError(err error) bool {
	if err == nil || err == io.EOF {
		return true
	}
	errMsg := err.Error()
	for _, msg := range nonRetryableURLInnerErrorMsg {
		if strings.Contains(errMsg, msg) {
			return false
		}
	}
	return true
}

func isSingleRetryableError(err error) bool {
	err = errors.Cause(err)

	switch err {
	case nil, context.Canceled, io.EOF:
		return false
	case context.DeadlineExceeded:
		// a request timed out by its own rpc deadline
		return true
	}

	switch nerr := err.(type) {
	case net.Error:
		if nerr.Timeout() {
			return true
		}
		// the error might be nested, such as *url.Error -> *net.OpError -> *os.SyscallError
		var syscallErr *os.SyscallError
		if goerrors.As(nerr, &syscallErr) {
			return syscallErr.Err == syscall.ECONNREFUSED || syscallErr.Err == syscall.ECONNRESET ||
				syscallErr.Err == syscall.EPIPE
		}
		var urlErr *url.Error
		if goerrors.As(nerr, &urlErr) {
			return isRetryableURLInnerError(urlErr.Err)
		}
		return false
	case *errors.Error:
		_, ok := retryableErrorIDs[nerr.ID()]
		return ok
	case *HTTPStatusError:
		switch nerr.StatusCode {
		case http.StatusServiceUnavailable, http.StatusInternalServerError, http.StatusRequestTimeout,
			http.StatusTooManyRequests, http.StatusBadGateway, http.StatusGatewayTimeout:
			return true
		default:
			return false
		}
	default:
		rpcStatus, ok := status.FromError(err)
		if !ok {
			// non RPC error
			return isRetryableFromErrorMessage(err)
		}
		switch rpcStatus.Code() {
		case codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Unavailable:
			return true
		case codes.Unknown:
			return isRetryableFromErrorMessage(err)
		default:
			return false
		}
	}
}
