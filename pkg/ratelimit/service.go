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

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/traceprism/traceprism/pkg/auth"
)

// consumeScript atomically counts one request in the fixed window and
// returns {count, remaining window in ms}. The window starts with the first
// request; the PTTL<0 branch repairs keys that lost their expiry.
var consumeScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local ttl
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
else
	ttl = redis.call('PTTL', KEYS[1])
	if ttl < 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
		ttl = tonumber(ARGV[1])
	end
end
return {count, ttl}
`)

// defaultTimeout bounds every Redis round trip; on expiry the middleware
// fails closed with a 5xx rather than misreporting limit state.
const defaultTimeout = 500 * time.Millisecond

// Result reports the outcome of consuming one point. The service never
// raises on exhaustion; callers inspect Exceeded and decide policy.
type Result struct {
	APIKey            *auth.OrgEnrichedAPIKey
	Resource          Resource
	Points            int
	RemainingPoints   int
	MsBeforeNext      int64
	ConsumedPoints    int
	IsFirstInDuration bool
}

// Exceeded reports whether the budget is exhausted and the point was not
// consumed.
func (r *Result) Exceeded() bool {
	return r != nil && r.RemainingPoints <= 0 && r.ConsumedPoints == 0
}

// Service admits requests per (org, resource) against Redis-backed fixed
// windows. A nil *Service or a disabled one admits everything.
type Service struct {
	client  redis.UniversalClient
	plans   map[string]PlanLimits
	enabled bool
	timeout time.Duration
}

// NewService builds the limiter. enabled should be true only on cloud
// deployments; self-hosted installs run unlimited.
func NewService(client redis.UniversalClient, plans map[string]PlanLimits, enabled bool) *Service {
	return &Service{
		client:  client,
		plans:   plans,
		enabled: enabled,
		timeout: defaultTimeout,
	}
}

// Check consumes one point for the key's org on the given resource. It
// returns nil when limiting does not apply (not cloud, or unlimited budget).
// Redis failures propagate unchanged.
func (s *Service) Check(ctx context.Context, apiKey *auth.OrgEnrichedAPIKey, resource Resource) (*Result, error) {
	if s == nil || !s.enabled {
		return nil, nil
	}

	budget, err := s.effectiveBudget(apiKey, resource)
	if err != nil {
		return nil, err
	}
	if budget.Unlimited() {
		return nil, nil
	}

	points := *budget.Points
	windowMs := int64(*budget.DurationSeconds) * 1000

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := consumeScript.Run(ctx, s.client, []string{s.key(resource, apiKey.OrgID)}, windowMs).Result()
	if err != nil {
		return nil, fmt.Errorf("rate-limit consume for org %s on %s: %w", apiKey.OrgID, resource, err)
	}
	vals := raw.([]any)
	count := vals[0].(int64)
	msBeforeNext := vals[1].(int64)

	result := &Result{
		APIKey:            apiKey,
		Resource:          resource,
		Points:            points,
		RemainingPoints:   max(points-int(count), 0),
		MsBeforeNext:      msBeforeNext,
		IsFirstInDuration: count == 1,
	}
	if int(count) <= points {
		result.ConsumedPoints = 1
	}
	return result, nil
}

// effectiveBudget picks the per-key override when present, otherwise the
// plan group's budget for the resource.
func (s *Service) effectiveBudget(apiKey *auth.OrgEnrichedAPIKey, resource Resource) (Budget, error) {
	for _, override := range apiKey.RateLimits {
		if Resource(override.Resource) == resource {
			return Budget{Points: override.Points, DurationSeconds: override.DurationSeconds}, nil
		}
	}
	group, err := resolvePlanGroup(apiKey.Plan)
	if err != nil {
		return Budget{}, err
	}
	return s.plans[group][resource], nil
}

func (s *Service) key(resource Resource, orgID string) string {
	return fmt.Sprintf("rate-limit:%s:%s", resource, orgID)
}
