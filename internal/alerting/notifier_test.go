package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func deviationNote() Notification {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return Notification{
		VehicleID:         "bus-017",
		RouteID:           "linha-42",
		Entered:           true,
		DistanceOffRouteM: 412,
		Since:             now.Add(-30 * time.Second),
		At:                now,
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

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())

	if err := notifier.Notify(context.Background(), deviationNote()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "bus-017") {
		t.Fatalf("text 应包含车辆标识: %q", received["text"])
	}
	if !strings.Contains(received["text"], "Route Deviation") {
		t.Fatalf("text 应标记偏航: %q", received["text"])
	}
}

func TestTelegramNotifierClearMessage(t *testing.T) {
	var text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		_ = json.NewDecoder(r.Body).Decode(&payload)
		text = payload["text"]
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	note := deviationNote()
	note.Entered = false

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	if err := notifier.Notify(context.Background(), note); err != nil {
		t.Fatalf("Notify 应成功: %v", err)
	}
	if !strings.Contains(text, "Back On Route") {
		t.Fatalf("清除告警应标记回到路线: %q", text)
	}
	if !strings.Contains(text, "Deviated for") {
		t.Fatalf("清除告警应包含偏航时长: %q", text)
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	if err := notifier.Notify(context.Background(), deviationNote()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}
