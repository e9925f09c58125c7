package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/atlaseo/eogrid/internal/invalidation"
)

type fakeInvalidator struct {
	failFirst atomic.Bool
	mu        sync.Mutex
	seen      []string
}

func (f *fakeInvalidator) Invalidate(_ context.Context, collection, version string) error {
	f.mu.Lock()
	f.seen = append(f.seen, collection+"@"+version)
	f.mu.Unlock()
	if f.failFirst.Load() {
		f.failFirst.Store(false)
		return errors.New("boom")
	}
	return nil
}

type sess struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *sess) Claims() map[string][]int32 { return nil }
func (s *sess) MemberID() string           { return "" }
func (s *sess) GenerationID() int32        { return 0 }
func (s *sess) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, m.Offset)
	s.mu.Unlock()
}
func (s *sess) ResetOffset(_ string, _ int32, _ int64, _ string) {}
func (s *sess) MarkOffset(_ string, _ int32, _ int64, _ string)  {}
func (s *sess) Context() context.Context                         { return s.ctx }
func (s *sess) Errors() <-chan error                             { return nil }
func (s *sess) Commit()                                          {}

type claim struct {
	part int32
	msgs chan *sarama.ConsumerMessage
}

func (c *claim) Topic() string                            { return "catalog-invalidation" }
func (c *claim) Partition() int32                         { return c.part }
func (c *claim) InitialOffset() int64                     { return 0 }
func (c *claim) HighWaterMarkOffset() int64               { return 0 }
func (c *claim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func eventBytes(collection, version string) []byte {
	ev := invalidation.Event{
		Version: 1, Op: invalidation.OpPublish,
		Collection: collection, ItemVersion: version,
		TS: time.Now().UTC(),
	}
	b, _ := json.Marshal(ev)
	return b
}

func newConsumerForTest(inv Invalidator) *Consumer {
	cfg := Config{Brokers: []string{"x"}, Topic: "catalog-invalidation", GroupID: "g"}
	return New(cfg, zerolog.Nop(), inv, nil)
}

func TestSinglePartition_OrderAndCommitAfterWork(t *testing.T) {
	inv := &fakeInvalidator{}
	c := newConsumerForTest(inv)

	g := &groupHandler{process: c.ProcessOne}
	s := &sess{ctx: t.Context()}
	ch := make(chan *sarama.ConsumerMessage, 2)

	ch <- &sarama.ConsumerMessage{Topic: "catalog-invalidation", Partition: 0, Offset: 10, Value: eventBytes("GAMI", "1.0")}
	ch <- &sarama.ConsumerMessage{Topic: "catalog-invalidation", Partition: 0, Offset: 11, Value: eventBytes("CCI_BIOMASS", "4")}
	close(ch)

	if err := g.ConsumeClaim(s, &claim{part: 0, msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}

	if len(s.marked) != 2 || s.marked[0] != 10 || s.marked[1] != 11 {
		t.Fatalf("marked offsets=%v want [10 11]", s.marked)
	}
	if len(inv.seen) != 2 || inv.seen[0] != "GAMI@1.0" || inv.seen[1] != "CCI_BIOMASS@4" {
		t.Fatalf("invalidations=%v", inv.seen)
	}
}

func TestRetry_CommitOnceAfterSuccess(t *testing.T) {
	inv := &fakeInvalidator{}
	inv.failFirst.Store(true)
	c := newConsumerForTest(inv)
	ctx := context.Background()

	msg := &sarama.ConsumerMessage{Topic: "catalog-invalidation", Partition: 0, Offset: 5, Value: eventBytes("GAMI", "1.0")}
	if err := c.ProcessOne(ctx, msg); err == nil {
		t.Fatal("expected error on first attempt")
	}

	s := &sess{ctx: ctx}
	g := &groupHandler{process: c.ProcessOne}
	ch := make(chan *sarama.ConsumerMessage, 1)
	ch <- msg
	close(ch)
	if err := g.ConsumeClaim(s, &claim{part: 0, msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim second attempt: %v", err)
	}
	if len(s.marked) != 1 || s.marked[0] != 5 {
		t.Fatalf("offset was not marked after success; marked=%v", s.marked)
	}
}

func TestPoisonMessagesAreSkippedAndCommitted(t *testing.T) {
	inv := &fakeInvalidator{}
	c := newConsumerForTest(inv)

	g := &groupHandler{process: c.ProcessOne}
	s := &sess{ctx: t.Context()}
	ch := make(chan *sarama.ConsumerMessage, 3)

	ch <- &sarama.ConsumerMessage{Partition: 0, Offset: 1, Value: []byte("{not json")}
	ch <- &sarama.ConsumerMessage{Partition: 0, Offset: 2, Value: []byte(`{"version":1,"op":"upsert","collection":"GAMI","ts":"2026-03-14T00:00:00Z"}`)}
	ch <- &sarama.ConsumerMessage{Partition: 0, Offset: 3, Value: eventBytes("GAMI", "1.0")}
	close(ch)

	if err := g.ConsumeClaim(s, &claim{part: 0, msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(s.marked) != 3 {
		t.Fatalf("marked=%v want all three offsets", s.marked)
	}
	if len(inv.seen) != 1 || inv.seen[0] != "GAMI@1.0" {
		t.Fatalf("invalidations=%v", inv.seen)
	}
}

func TestMultiPartition_Parallel_NoCrossOrdering(t *testing.T) {
	inv := &fakeInvalidator{}
	c := newConsumerForTest(inv)
	g := &groupHandler{process: c.ProcessOne}

	s := &sess{ctx: t.Context()}

	p0 := make(chan *sarama.ConsumerMessage, 2)
	p1 := make(chan *sarama.ConsumerMessage, 2)
	p0 <- &sarama.ConsumerMessage{Topic: "t", Partition: 0, Offset: 1, Value: eventBytes("GAMI", "1.0")}
	p0 <- &sarama.ConsumerMessage{Topic: "t", Partition: 0, Offset: 2, Value: eventBytes("GAMI", "2.0")}
	p1 <- &sarama.ConsumerMessage{Topic: "t", Partition: 1, Offset: 1, Value: eventBytes("RADD", "1")}
	p1 <- &sarama.ConsumerMessage{Topic: "t", Partition: 1, Offset: 2, Value: eventBytes("RADD", "2")}
	close(p0)
	close(p1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = g.ConsumeClaim(s, &claim{part: 0, msgs: p0}) }()
	go func() { defer wg.Done(); _ = g.ConsumeClaim(s, &claim{part: 1, msgs: p1}) }()
	wg.Wait()

	if len(s.marked) != 4 {
		t.Fatalf("expected 4 marks total; got %v", s.marked)
	}
}
