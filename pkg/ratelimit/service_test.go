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

package ratelimit_test

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"

	"github.com/traceprism/traceprism/pkg/auth"
	"github.com/traceprism/traceprism/pkg/ratelimit"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Service", func() {
	var (
		ctx     context.Context
		mr      *miniredis.Miniredis
		client  *redis.Client
		service *ratelimit.Service
		apiKey  *auth.OrgEnrichedAPIKey
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		mr, err = miniredis.Run()
		Expect(err).ToNot(HaveOccurred())
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		service = ratelimit.NewService(client, ratelimit.DefaultPlans(), true)
		apiKey = &auth.OrgEnrichedAPIKey{ID: "key-1", OrgID: "org-1", Plan: auth.PlanDefault}
	})
	AfterEach(func() {
		Expect(client.Close()).To(Succeed())
		mr.Close()
	})

	It("should admit and count consecutive requests", func() {
		first, err := service.Check(ctx, apiKey, ratelimit.ResourceIngestion)
		Expect(err).ToNot(HaveOccurred())
		Expect(first.IsFirstInDuration).To(BeTrue())
		Expect(first.ConsumedPoints).To(Equal(1))
		Expect(first.RemainingPoints).To(Equal(99))

		second, err := service.Check(ctx, apiKey, ratelimit.ResourceIngestion)
		Expect(err).ToNot(HaveOccurred())
		Expect(second.IsFirstInDuration).To(BeFalse())
		Expect(second.RemainingPoints).To(Equal(98))
	})

	It("should stop admitting once the budget is spent", func() {
		for i := 0; i < 100; i++ {
			result, err := service.Check(ctx, apiKey, ratelimit.ResourceIngestion)
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Exceeded()).To(BeFalse(), "request %d should be admitted", i+1)
		}
		result, err := service.Check(ctx, apiKey, ratelimit.ResourceIngestion)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Exceeded()).To(BeTrue())
		Expect(result.RemainingPoints).To(Equal(0))
		Expect(result.ConsumedPoints).To(Equal(0))
		Expect(result.MsBeforeNext).To(BeNumerically("<=", 60_000))
	})

	It("should open a fresh window after expiry", func() {
		for i := 0; i < 101; i++ {
			_, err := service.Check(ctx, apiKey, ratelimit.ResourceIngestion)
			Expect(err).ToNot(HaveOccurred())
		}
		mr.FastForward(61 * time.Second)
		result, err := service.Check(ctx, apiKey, ratelimit.ResourceIngestion)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.IsFirstInDuration).To(BeTrue())
		Expect(result.Exceeded()).To(BeFalse())
	})

	It("should isolate orgs and resources", func() {
		otherOrg := &auth.OrgEnrichedAPIKey{ID: "key-2", OrgID: "org-2", Plan: auth.PlanDefault}
		for i := 0; i < 101; i++ {
			_, err := service.Check(ctx, apiKey, ratelimit.ResourceIngestion)
			Expect(err).ToNot(HaveOccurred())
		}
		result, err := service.Check(ctx, otherOrg, ratelimit.ResourceIngestion)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Exceeded()).To(BeFalse())

		result, err = service.Check(ctx, apiKey, ratelimit.ResourcePublicAPI)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Exceeded()).To(BeFalse())
	})

	It("should not limit unlimited resources", func() {
		result, err := service.Check(ctx, apiKey, ratelimit.ResourcePrompts)
		Expect(err).ToNot(HaveOccurred())
		Expect(result).To(BeNil())
	})

	It("should not limit when disabled", func() {
		disabled := ratelimit.NewService(client, ratelimit.DefaultPlans(), false)
		result, err := disabled.Check(ctx, apiKey, ratelimit.ResourceIngestion)
		Expect(err).ToNot(HaveOccurred())
		Expect(result).To(BeNil())
	})

	It("should prefer per-key overrides over the plan budget", func() {
		apiKey.RateLimits = []auth.RateLimitOverride{{
			Resource:        string(ratelimit.ResourceIngestion),
			Points:          lo.ToPtr(2),
			DurationSeconds: lo.ToPtr(60),
		}}
		for i := 0; i < 2; i++ {
			result, err := service.Check(ctx, apiKey, ratelimit.ResourceIngestion)
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Exceeded()).To(BeFalse())
			Expect(result.Points).To(Equal(2))
		}
		result, err := service.Check(ctx, apiKey, ratelimit.ResourceIngestion)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Exceeded()).To(BeTrue())
	})

	It("should treat a null override as unlimited", func() {
		apiKey.RateLimits = []auth.RateLimitOverride{{Resource: string(ratelimit.ResourceIngestion)}}
		result, err := service.Check(ctx, apiKey, ratelimit.ResourceIngestion)
		Expect(err).ToNot(HaveOccurred())
		Expect(result).To(BeNil())
	})

	It("should fail on unknown plans", func() {
		apiKey.Plan = "cloud:platinum"
		_, err := service.Check(ctx, apiKey, ratelimit.ResourceIngestion)
		Expect(err).To(HaveOccurred())
	})

	It("should use the team budget for team plans", func() {
		teamKey := &auth.OrgEnrichedAPIKey{ID: "key-3", OrgID: "org-3", Plan: auth.PlanCloudTeam}
		result, err := service.Check(ctx, teamKey, ratelimit.ResourceIngestion)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Points).To(Equal(5000))
	})
})
