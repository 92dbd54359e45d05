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

package events

import "strings"

// Clean returns a copy of the event with NUL (U+0000) bytes stripped from
// every string leaf. Postgres rejects NUL inside text and jsonb columns, so
// scrubbing must happen before any persistence. Clean is idempotent.
func Clean(e Event) Event {
	return Event{
		ID:        stripNUL(e.ID),
		Type:      e.Type,
		Timestamp: stripNUL(e.Timestamp),
		Body:      cleanMap(e.Body),
	}
}

func cleanMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[stripNUL(k)] = cleanValue(v)
	}
	return out
}

func cleanValue(v any) any {
	switch val := v.(type) {
	case string:
		return stripNUL(val)
	case map[string]any:
		return cleanMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cleanValue(item)
		}
		return out
	default:
		return v
	}
}

func stripNUL(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}
