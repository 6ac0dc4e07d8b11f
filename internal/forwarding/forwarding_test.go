package forwarding

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"beaconwatch/internal/monitor"
	"beaconwatch/internal/transport"
)

type memorySink struct {
	mu      sync.Mutex
	records []monitor.Statistics
	err     error
}

func (s *memorySink) Name() string { return "memory" }

func (s *memorySink) Deliver(_ context.Context, stats monitor.Statistics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, stats)
	return nil
}

func (s *memorySink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func sampleStats(count uint64) monitor.Statistics {
	return monitor.Statistics{
		SessionID:         uuid.MustParse("7f1c2a8e-5a0e-4c1e-9a57-6d7c1f4f2b10"),
		PeerAddress:       "AA:BB:CC:DD:EE:FF",
		SourceAddress:     0xBEAC0001,
		SignalStrengthDBm: -69,
		SightingCount:     count,
		FrequencyHz:       0.5,
		DistanceMeters:    1,
		ElapsedSeconds:    2,
		ReceivedAt:        time.Date(2026, 10, 19, 8, 0, 2, 0, time.UTC),
	}
}

func TestAsyncDropsWhenQueueFull(t *testing.T) {
	sink := &memorySink{}
	a := NewAsync(sink, 2, 0, zerolog.Nop())
	var drops []string
	a.OnDrop(func(name string) { drops = append(drops, name) })

	listener := a.Listener()
	for i := uint64(1); i <= 5; i++ {
		listener(sampleStats(i))
	}

	if _, _, dropped := a.Stats(); dropped != 3 {
		t.Fatalf("队列容量 2, 应丢弃 3 条, 实际 %d", dropped)
	}
	if len(drops) != 3 || drops[0] != "memory" {
		t.Fatalf("OnDrop 回调异常: %v", drops)
	}
}

func TestAsyncRunDeliversAndFlushes(t *testing.T) {
	sink := &memorySink{}
	a := NewAsync(sink, 8, time.Second, zerolog.Nop())
	for i := uint64(1); i <= 4; i++ {
		a.Enqueue(sampleStats(i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for sink.len() < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if sink.len() != 4 {
		t.Fatalf("应投递 4 条, 实际 %d", sink.len())
	}
	for i, rec := range sink.records {
		if rec.SightingCount != uint64(i+1) {
			t.Fatalf("投递顺序错误: index %d count %d", i, rec.SightingCount)
		}
	}
	if delivered, failed, _ := a.Stats(); delivered != 4 || failed != 0 {
		t.Fatalf("计数异常 delivered=%d failed=%d", delivered, failed)
	}
}

type slowSink struct {
	memorySink
	delay time.Duration
}

func (s *slowSink) Deliver(ctx context.Context, stats monitor.Statistics) error {
	time.Sleep(s.delay)
	return s.memorySink.Deliver(ctx, stats)
}

func TestAsyncBlockingListenerWaitsForSpace(t *testing.T) {
	sink := &slowSink{delay: time.Millisecond}
	a := NewAsync(sink, 4, time.Second, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	listener := a.BlockingListener(ctx)
	for i := uint64(1); i <= 50; i++ {
		listener(sampleStats(i))
	}
	cancel()
	<-done

	delivered, _, dropped := a.Stats()
	if dropped != 0 || delivered != 50 || sink.len() != 50 {
		t.Fatalf("阻塞模式不应丢弃: delivered=%d dropped=%d", delivered, dropped)
	}
	for i, rec := range sink.records {
		if rec.SightingCount != uint64(i+1) {
			t.Fatalf("投递顺序错误: index %d count %d", i, rec.SightingCount)
		}
	}
}

func TestAsyncBlockingListenerDropsAfterCancel(t *testing.T) {
	a := NewAsync(&memorySink{}, 1, 0, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	listener := a.BlockingListener(ctx)
	a.Enqueue(sampleStats(1))
	listener(sampleStats(2))

	if _, _, dropped := a.Stats(); dropped != 1 {
		t.Fatalf("队列已满且 ctx 已取消时应丢弃 1 条, 实际 %d", dropped)
	}
}

func TestAsyncCountsFailures(t *testing.T) {
	sink := &memorySink{err: errors.New("broker down")}
	a := NewAsync(sink, 4, 0, zerolog.Nop())
	a.Enqueue(sampleStats(1))
	a.Enqueue(sampleStats(2))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a.Run(ctx)

	if _, failed, _ := a.Stats(); failed != 2 {
		t.Fatalf("应记录 2 次失败, 实际 %d", failed)
	}
}

func TestNewRecordOmitsAbsentTxPower(t *testing.T) {
	body, err := json.Marshal(NewRecord(sampleStats(1)))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := decoded["tx_power_dbm"]; ok {
		t.Fatalf("缺失的 tx power 不应出现在 JSON 中: %s", body)
	}
	if decoded["session_id"] != "7f1c2a8e-5a0e-4c1e-9a57-6d7c1f4f2b10" {
		t.Fatalf("session_id 错误: %v", decoded["session_id"])
	}

	stats := sampleStats(1)
	stats.TxPower = transport.TxPowerOf(-10)
	rec := NewRecord(stats)
	if rec.TxPowerDBm == nil || *rec.TxPowerDBm != -10 {
		t.Fatalf("tx power 应为 -10, 实际 %v", rec.TxPowerDBm)
	}
}

func TestTopicFor(t *testing.T) {
	got := TopicFor("beacons/{source}/statistics", 0xBEAC0001)
	if got != "beacons/beac0001/statistics" {
		t.Fatalf("topic 展开错误: %s", got)
	}
	if got := TopicFor("beacons/all", 1); got != "beacons/all" {
		t.Fatalf("无占位符时应保持原样: %s", got)
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSinkKeysBySource(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w}

	if err := sink.Deliver(context.Background(), sampleStats(3)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("应写入 1 条消息, 实际 %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "beac0001" {
		t.Fatalf("key 错误: %s", msg.Key)
	}
	var rec Record
	if err := json.Unmarshal(msg.Value, &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.SightingCount != 3 || rec.DistanceMeters != 1 {
		t.Fatalf("消息内容错误: %+v", rec)
	}
	if err := sink.Close(); err != nil || !w.closed {
		t.Fatalf("close 未传递到 writer")
	}
}

func TestCompressionNames(t *testing.T) {
	cases := map[string]kafka.Compression{
		"gzip":   kafka.Gzip,
		"LZ4":    kafka.Lz4,
		"zstd":   kafka.Zstd,
		"snappy": kafka.Snappy,
		"none":   0,
	}
	for name, want := range cases {
		if got := compression(name); got != want {
			t.Fatalf("%s: 期望 %v, 实际 %v", name, want, got)
		}
	}
}
