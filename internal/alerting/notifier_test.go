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

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"supply-integrity/internal/storage"
)

func sampleNote() Notification {
	return Notification{
		BatchID:  "B1",
		AlertID:  "a-1",
		Reason:   "Duplicate transfer detected",
		Transfer: storage.Transfer{BatchID: "B1", From: "0xA", To: "0xB", Timestamp: 1700000000000, Location: "Dock 4"},
		RaisedAt: time.Now(),
	}
}

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
	for _, want := range []string{"B1", "Duplicate transfer detected", "0xA -> 0xB", "Dock 4"} {
		if !strings.Contains(received["text"], want) {
			t.Fatalf("text 应包含 %q: %s", want, received["text"])
		}
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

func TestMultiDeliversToAllChannels(t *testing.T) {
	ok := &recordingNotifier{}
	failing := &recordingNotifier{err: errors.New("boom")}
	last := &recordingNotifier{}

	multi := NewMulti().Add("ok", ok).Add("failing", failing).Add("nil", nil).Add("last", last)
	if multi.Len() != 3 {
		t.Fatalf("expected 3 channels, got %d", multi.Len())
	}

	err := multi.Notify(context.Background(), sampleNote())
	if err == nil || !strings.Contains(err.Error(), "failing: boom") {
		t.Fatalf("expected joined channel error, got %v", err)
	}
	if len(ok.notes) != 1 || len(failing.notes) != 1 || len(last.notes) != 1 {
		t.Fatal("every channel should be attempted once")
	}
}

type fakePublisher struct {
	channel string
	payload []byte
	err     error
}

func (f *fakePublisher) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	return redis.NewIntResult(1, f.err)
}

func TestRedisPublisherPublishesJSON(t *testing.T) {
	fake := &fakePublisher{}
	p := newRedisPublisher(fake, "", testLogger())

	if err := p.Notify(context.Background(), sampleNote()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if fake.channel != "batchguard:alerts" {
		t.Fatalf("unexpected channel %q", fake.channel)
	}

	var got Notification
	if err := json.Unmarshal(fake.payload, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.BatchID != "B1" || got.Transfer.From != "0xA" {
		t.Fatalf("unexpected payload: %+v", got)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close without client closer: %v", err)
	}
}

func TestRedisPublisherError(t *testing.T) {
	p := newRedisPublisher(&fakePublisher{err: errors.New("down")}, "c", testLogger())
	if err := p.Notify(context.Background(), sampleNote()); err == nil {
		t.Fatal("publish error should surface")
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
