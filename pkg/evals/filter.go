/*
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

package evals

import (
	"encoding/json"
	"strings"

	"gorm.io/datatypes"

	"github.com/traceprism/traceprism/pkg/storage"
)

// Condition is one clause of a job configuration filter. All clauses must
// hold for a trace to match.
type Condition struct {
	Column   string `json:"column"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// MatchesFilter evaluates the configuration filter against a trace. An empty
// or unparseable filter matches everything, mirroring a rule saved without
// conditions.
func MatchesFilter(trace *storage.Trace, filter datatypes.JSON) bool {
	if len(filter) == 0 {
		return true
	}
	var conditions []Condition
	if err := json.Unmarshal(filter, &conditions); err != nil {
		return true
	}
	for _, c := range conditions {
		if !matches(trace, c) {
			return false
		}
	}
	return true
}

func matches(trace *storage.Trace, c Condition) bool {
	actual, ok := traceColumn(trace, c.Column)
	if !ok {
		return false
	}
	switch c.Operator {
	case "=", "==":
		return actual == c.Value
	case "!=":
		return actual != c.Value
	case "contains":
		return strings.Contains(actual, c.Value)
	case "starts_with":
		return strings.HasPrefix(actual, c.Value)
	default:
		return false
	}
}

func traceColumn(trace *storage.Trace, column string) (string, bool) {
	switch column {
	case "name":
		return trace.Name, true
	case "userId", "user_id":
		return trace.UserID, true
	case "sessionId", "session_id":
		return trace.SessionID, true
	case "release":
		return trace.Release, true
	case "version":
		return trace.Version, true
	default:
		return "", false
	}
}
