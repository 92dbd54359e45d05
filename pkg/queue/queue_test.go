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

package queue_test

import (
	"context"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/traceprism/traceprism/pkg/queue"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type jobPayload struct {
	TraceID   string `json:"traceId"`
	ProjectID string `json:"projectId"`
}

var _ = Describe("Queue", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		mr     *miniredis.Miniredis
		client *redis.Client
		q      *queue.Queue
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		var err error
		mr, err = miniredis.Run()
		Expect(err).ToNot(HaveOccurred())
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		q = queue.New(client, queue.StreamTraceUpsert, zap.NewNop(), queue.Options{
			Group:         "test-group",
			Consumer:      "test-consumer",
			Concurrency:   2,
			BlockDuration: 10 * time.Millisecond,
		})
	})
	AfterEach(func() {
		q.Stop()
		cancel()
		Expect(client.Close()).To(Succeed())
		mr.Close()
	})

	It("should report stream depth", func() {
		Expect(q.Enqueue(ctx, jobPayload{TraceID: "t-1", ProjectID: "p-1"})).To(Succeed())
		Expect(q.Enqueue(ctx, jobPayload{TraceID: "t-2", ProjectID: "p-1"})).To(Succeed())
		Expect(q.Length(ctx)).To(BeNumerically("==", 2))
	})

	It("should deliver each entry exactly once to a healthy handler", func() {
		var mu sync.Mutex
		var seen []string

		Expect(q.Start(ctx, func(_ context.Context, msg *queue.Message) error {
			var p jobPayload
			Expect(msg.Decode(&p)).To(Succeed())
			mu.Lock()
			seen = append(seen, p.TraceID)
			mu.Unlock()
			return nil
		})).To(Succeed())

		Expect(q.Enqueue(ctx, jobPayload{TraceID: "t-1", ProjectID: "p-1"})).To(Succeed())
		Expect(q.Enqueue(ctx, jobPayload{TraceID: "t-2", ProjectID: "p-1"})).To(Succeed())

		Eventually(func() []string {
			mu.Lock()
			defer mu.Unlock()
			return append([]string(nil), seen...)
		}, 5*time.Second, 10*time.Millisecond).Should(ConsistOf("t-1", "t-2"))

		// all entries acknowledged
		Eventually(func() int64 {
			summary, err := client.XPending(ctx, queue.StreamTraceUpsert, "test-group").Result()
			if err != nil {
				return -1
			}
			return summary.Count
		}, 5*time.Second, 10*time.Millisecond).Should(BeNumerically("==", 0))
	})

	It("should leave failed entries pending for redelivery", func() {
		var mu sync.Mutex
		attempts := 0

		Expect(q.Start(ctx, func(context.Context, *queue.Message) error {
			mu.Lock()
			attempts++
			mu.Unlock()
			return context.DeadlineExceeded
		})).To(Succeed())

		Expect(q.Enqueue(ctx, jobPayload{TraceID: "t-1", ProjectID: "p-1"})).To(Succeed())

		Eventually(func() int {
			mu.Lock()
			defer mu.Unlock()
			return attempts
		}, 5*time.Second, 10*time.Millisecond).Should(BeNumerically(">=", 1))

		summary, err := client.XPending(ctx, queue.StreamTraceUpsert, "test-group").Result()
		Expect(err).ToNot(HaveOccurred())
		Expect(summary.Count).To(BeNumerically("==", 1))
	})

	It("should carry the enqueue timestamp on delivered entries", func() {
		var mu sync.Mutex
		var got *queue.Message

		Expect(q.Start(ctx, func(_ context.Context, msg *queue.Message) error {
			mu.Lock()
			got = msg
			mu.Unlock()
			return nil
		})).To(Succeed())

		before := time.Now().Add(-time.Second)
		Expect(q.Enqueue(ctx, jobPayload{TraceID: "t-1", ProjectID: "p-1"})).To(Succeed())

		Eventually(func() *queue.Message {
			mu.Lock()
			defer mu.Unlock()
			return got
		}, 5*time.Second, 10*time.Millisecond).ShouldNot(BeNil())

		mu.Lock()
		defer mu.Unlock()
		Expect(got.EnqueuedAt).To(BeTemporally(">", before))
		Expect(got.DeliveryCount).To(BeNumerically("==", 1))
	})

	It("should refuse a second Start", func() {
		handler := func(context.Context, *queue.Message) error { return nil }
		Expect(q.Start(ctx, handler)).To(Succeed())
		Expect(q.Start(ctx, handler)).ToNot(Succeed())
	})
})
