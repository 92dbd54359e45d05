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

package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/traceprism/traceprism/pkg/storage"
)

// AccessLevel scopes what event types a key may submit.
type AccessLevel string

const (
	AccessLevelAll    AccessLevel = "all"
	AccessLevelScores AccessLevel = "scores"
)

// Plan enumerates the billing plans that map onto rate-limit plan groups.
const (
	PlanDefault            = "default"
	PlanCloudHobby         = "cloud:hobby"
	PlanCloudPro           = "cloud:pro"
	PlanCloudTeam          = "cloud:team"
	PlanSelfHostEnterprise = "self-hosted:enterprise"
)

// RateLimitOverride is a per-key budget replacing the plan default for one
// resource. Nil points or duration disables limiting for that resource.
type RateLimitOverride struct {
	Resource        string `json:"resource"`
	Points          *int   `json:"points"`
	DurationSeconds *int   `json:"durationSeconds"`
}

// OrgEnrichedAPIKey is a verified key together with the denormalized org
// fields the rate limiter needs.
type OrgEnrichedAPIKey struct {
	ID         string
	OrgID      string
	Plan       string
	RateLimits []RateLimitOverride
}

// Scope is the authenticated principal's permission set for one request.
type Scope struct {
	ProjectID   string
	AccessLevel AccessLevel
}

// Result is the outcome of verifying an Authorization header.
type Result struct {
	ValidKey bool
	APIKey   *OrgEnrichedAPIKey
	Scope    *Scope
	Error    string
}

func invalid(reason string) *Result {
	return &Result{ValidKey: false, Error: reason}
}

const (
	cacheTTL     = time.Minute
	cacheCleanup = 5 * time.Minute
)

// Verifier resolves Basic publicKey:secretKey credentials against the key
// store. Successful verifications are cached briefly so a hot SDK does not
// hit the database on every batch.
type Verifier struct {
	store *storage.Store
	cache *cache.Cache
}

func NewVerifier(store *storage.Store) *Verifier {
	return &Verifier{
		store: store,
		cache: cache.New(cacheTTL, cacheCleanup),
	}
}

// VerifyAuthHeader checks an Authorization header value. A malformed or
// unknown credential yields an invalid Result, not an error; errors are
// reserved for store failures.
func (v *Verifier) VerifyAuthHeader(ctx context.Context, header string) (*Result, error) {
	publicKey, secretKey, ok := parseBasicAuth(header)
	if !ok {
		return invalid("Invalid Authorization header. Expected Basic authentication with publicKey:secretKey"), nil
	}

	if cached, found := v.cache.Get(cacheKey(publicKey, secretKey)); found {
		return cached.(*Result), nil
	}

	key, err := v.store.FindAPIKeyByPublicKey(ctx, publicKey)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return invalid("Invalid public key"), nil
	}
	if subtle.ConstantTimeCompare([]byte(key.FastHashedSecretKey), []byte(HashSecretKey(secretKey))) != 1 {
		return invalid("Invalid secret key"), nil
	}

	result := &Result{
		ValidKey: true,
		APIKey: &OrgEnrichedAPIKey{
			ID:         key.ID,
			OrgID:      key.OrgID,
			Plan:       key.Plan,
			RateLimits: parseOverrides(key.RateLimitOverrides),
		},
		Scope: &Scope{
			ProjectID:   key.ProjectID,
			AccessLevel: accessLevel(key.AccessLevel),
		},
	}
	v.cache.SetDefault(cacheKey(publicKey, secretKey), result)
	return result, nil
}

// HashSecretKey returns the fast hash under which secrets are stored.
func HashSecretKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func parseBasicAuth(header string) (publicKey, secretKey string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", "", false
	}
	publicKey, secretKey, ok = strings.Cut(string(decoded), ":")
	if !ok || publicKey == "" || secretKey == "" {
		return "", "", false
	}
	return publicKey, secretKey, true
}

func parseOverrides(raw []byte) []RateLimitOverride {
	if len(raw) == 0 {
		return nil
	}
	var overrides []RateLimitOverride
	if err := json.Unmarshal(raw, &overrides); err != nil {
		return nil
	}
	return overrides
}

func accessLevel(level string) AccessLevel {
	if level == string(AccessLevelScores) {
		return AccessLevelScores
	}
	return AccessLevelAll
}

// the cache key covers both halves so a rotated secret cannot be replayed
// from a stale entry
func cacheKey(publicKey, secretKey string) string {
	sum := sha256.Sum256([]byte(publicKey + ":" + secretKey))
	return hex.EncodeToString(sum[:])
}
