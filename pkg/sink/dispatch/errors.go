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

package dispatch

import (
	"fmt"
	"strings"

	"github.com/pingcap/tabletsink/pkg/sink/common"
)

// NodeError is the terminal failure of the unit of one node.
type NodeError struct {
	IndexID int64
	NodeID  int64
	Class   common.ErrorClass
	Err     error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("index %d node %d failed (%s): %v", e.IndexID, e.NodeID, e.Class, e.Err)
}

// Unwrap returns the cause of the failure.
func (e *NodeError) Unwrap() error { return e.Err }

// GroupError lists every failed unit of a group.
type GroupError struct {
	IndexID int64
	Nodes   []*NodeError
}

func (e *GroupError) Error() string {
	parts := make([]string, 0, len(e.Nodes))
	for _, n := range e.Nodes {
		parts = append(parts, n.Error())
	}
	return strings.Join(parts, "; ")
}

// Reported returns the failure reported as the cause of the group failure.
func (e *GroupError) Reported() *NodeError {
	return PreferPermanent(e.Nodes)
}

// Unwrap returns the errors of all failed nodes.
func (e *GroupError) Unwrap() []error {
	errs := make([]error, 0, len(e.Nodes))
	for _, n := range e.Nodes {
		errs = append(errs, n)
	}
	return errs
}

// PreferPermanent returns the first permanent failure, or the first failure
// if all are transient.
func PreferPermanent(errs []*NodeError) *NodeError {
	for _, e := range errs {
		if e.Class == common.Permanent {
			return e
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
