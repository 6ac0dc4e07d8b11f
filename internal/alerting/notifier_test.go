package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"beaconwatch/internal/monitor"
)

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "Distance: 0.80 m (threshold 1.00 m)") {
		t.Fatalf("text 内容不正确: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

type recordingNotifier struct {
	notes []Notification
	err   error
}

func (r *recordingNotifier) Notify(_ context.Context, note Notification) error {
	r.notes = append(r.notes, note)
	return r.err
}

func TestProximityAlerterThresholdAndCooldown(t *testing.T) {
	now := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	rec := &recordingNotifier{}
	alerter := NewProximityAlerter(1.0, 10*time.Minute, func() time.Time { return now }, testLogger(), rec)
	ctx := context.Background()

	far := monitor.Statistics{SourceAddress: 1, DistanceMeters: 1.5}
	near := monitor.Statistics{SourceAddress: 1, DistanceMeters: 1.0}
	other := monitor.Statistics{SourceAddress: 2, DistanceMeters: 0.3}

	for _, s := range []monitor.Statistics{far, near, near, other} {
		if err := alerter.Deliver(ctx, s); err != nil {
			t.Fatalf("Deliver 不应报错: %v", err)
		}
	}
	if len(rec.notes) != 2 {
		t.Fatalf("冷却期内同一来源只应告警一次, 实际 %d 次", len(rec.notes))
	}

	now = now.Add(11 * time.Minute)
	_ = alerter.Deliver(ctx, near)
	if len(rec.notes) != 3 {
		t.Fatalf("冷却期结束后应再次告警, 实际 %d 次", len(rec.notes))
	}
}

func TestProximityAlerterRetriesAfterTotalFailure(t *testing.T) {
	rec := &recordingNotifier{err: errors.New("down")}
	alerter := NewProximityAlerter(1.0, time.Hour, nil, testLogger(), rec)
	near := monitor.Statistics{SourceAddress: 9, DistanceMeters: 0.5}

	if err := alerter.Deliver(context.Background(), near); err == nil {
		t.Fatal("所有渠道失败时应返回错误")
	}
	rec.err = nil
	if err := alerter.Deliver(context.Background(), near); err != nil {
		t.Fatalf("重试应成功: %v", err)
	}
	if len(rec.notes) != 2 {
		t.Fatalf("失败后应允许重试, 实际调用 %d 次", len(rec.notes))
	}
}

func sampleNote() Notification {
	return Notification{
		SourceAddress:   0xBEAC0001,
		PeerAddress:     "AA:BB:CC:DD:EE:FF",
		ReceivedAt:      time.Now(),
		DistanceMeters:  decimal.NewFromFloat(0.8),
		ThresholdMeters: decimal.NewFromInt(1),
		SignalDBm:       decimal.NewFromInt(-60),
		SightingCount:   3,
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
