package main

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestLoadScenario(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, `[
		{"frame": {"type": "fidelity_update", "fidelity": {"score": 0.72}}},
		{"after": "250ms", "frame": {"type": "violation_alert", "alert": {"id": "v-1", "severity": "high"}}}
	]`)

	steps, err := loadScenario(path)
	if err != nil {
		t.Fatalf("loadScenario: %v", err)
	}

	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	if steps[0].After != 0 {
		t.Errorf("step 1 delay: expected 0, got %v", steps[0].After)
	}
	if steps[1].After != 250*time.Millisecond {
		t.Errorf("step 2 delay: expected 250ms, got %v", steps[1].After)
	}
	if !strings.Contains(string(steps[1].Frame), "violation_alert") {
		t.Errorf("step 2 frame: %s", steps[1].Frame)
	}
}

func TestLoadScenario_BadDelay(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, `[{"after": "soon", "frame": {"type": "fidelity_update"}}]`)

	if _, err := loadScenario(path); err == nil {
		t.Fatal("expected error for unparseable delay")
	}
}

func TestLoadScenario_FrameMissingType(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, `[{"frame": {"fidelity": {"score": 0.9}}}]`)

	if _, err := loadScenario(path); err == nil {
		t.Fatal("expected error for frame without type")
	}
}

func TestLoadScenario_Empty(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, `[]`)

	if _, err := loadScenario(path); err == nil {
		t.Fatal("expected error for empty scenario")
	}
}

func TestServerGreetsAndAnswersCommands(t *testing.T) {
	// Emit interval of an hour keeps the walk quiet during the exchange.
	s := newServer(nil, time.Hour, 0, 1)
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	conn := dialWS(t, ts)

	greeting := readFrame(t, conn)
	if greeting["type"] != "connection_established" {
		t.Fatalf("expected connection_established greeting, got %v", greeting["type"])
	}
	if greeting["connection_id"] != "mock-1" {
		t.Errorf("connection_id: expected mock-1, got %v", greeting["connection_id"])
	}

	sendCommand(t, conn, `{"type":"get_fidelity_status"}`)
	status := readFrame(t, conn)
	if status["type"] != "fidelity_status" {
		t.Fatalf("expected fidelity_status, got %v", status["type"])
	}
	body, ok := status["status"].(map[string]any)
	if !ok {
		t.Fatalf("fidelity_status missing status body: %v", status)
	}
	score, ok := body["current_score"].(float64)
	if !ok || score <= 0 || score > 1 {
		t.Errorf("current_score: %v", body["current_score"])
	}
	if body["violation_count"] != float64(0) {
		t.Errorf("violation_count: expected 0, got %v", body["violation_count"])
	}

	sendCommand(t, conn, `{"type":"get_performance_metrics"}`)
	metrics := readFrame(t, conn)
	if metrics["type"] != "performance_metrics" {
		t.Fatalf("expected performance_metrics, got %v", metrics["type"])
	}
	mbody, ok := metrics["metrics"].(map[string]any)
	if !ok {
		t.Fatalf("performance_metrics missing metrics body: %v", metrics)
	}
	if _, ok := mbody["fidelity_score"].(float64); !ok {
		t.Errorf("metrics.fidelity_score: %v", mbody["fidelity_score"])
	}

	sendCommand(t, conn, `{"type":"subscribe_workflow","workflow_id":"wf-1"}`)
	confirmed := readFrame(t, conn)
	if confirmed["type"] != "subscription_confirmed" || confirmed["workflow_id"] != "wf-1" {
		t.Errorf("expected subscription_confirmed for wf-1, got %v", confirmed)
	}

	sendCommand(t, conn, `{"type":"unsubscribe_workflow","workflow_id":"wf-1"}`)
	unconfirmed := readFrame(t, conn)
	if unconfirmed["type"] != "unsubscription_confirmed" || unconfirmed["workflow_id"] != "wf-1" {
		t.Errorf("expected unsubscription_confirmed for wf-1, got %v", unconfirmed)
	}

	// Missing workflow_id and unknown commands both produce error frames.
	sendCommand(t, conn, `{"type":"subscribe_workflow"}`)
	errFrame := readFrame(t, conn)
	if errFrame["type"] != "error" {
		t.Fatalf("expected error frame, got %v", errFrame)
	}
	errBody, _ := errFrame["error"].(map[string]any)
	if errBody["code"] != "invalid_command" {
		t.Errorf("error code: expected invalid_command, got %v", errBody["code"])
	}

	sendCommand(t, conn, `{"type":"reticulate_splines"}`)
	errFrame = readFrame(t, conn)
	errBody, _ = errFrame["error"].(map[string]any)
	if errBody["code"] != "unknown_command" {
		t.Errorf("error code: expected unknown_command, got %v", errBody["code"])
	}
}

func TestServerPlaysScenario(t *testing.T) {
	scenario := []step{
		{Frame: json.RawMessage(`{"type":"fidelity_update","fidelity":{"score":0.72}}`)},
		{After: 10 * time.Millisecond, Frame: json.RawMessage(`{"type":"violation_alert","alert":{"id":"v-1","severity":"high"}}`)},
	}
	s := newServer(scenario, time.Hour, 0, 1)
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	conn := dialWS(t, ts)

	if greeting := readFrame(t, conn); greeting["type"] != "connection_established" {
		t.Fatalf("expected greeting first, got %v", greeting["type"])
	}

	update := readFrame(t, conn)
	if update["type"] != "fidelity_update" {
		t.Fatalf("step 1: expected fidelity_update, got %v", update["type"])
	}
	fidelity, _ := update["fidelity"].(map[string]any)
	if fidelity["score"] != 0.72 {
		t.Errorf("step 1 score: expected 0.72, got %v", fidelity["score"])
	}

	alert := readFrame(t, conn)
	if alert["type"] != "violation_alert" {
		t.Fatalf("step 2: expected violation_alert, got %v", alert["type"])
	}
}

func TestStatsEndpoint(t *testing.T) {
	s := newServer(nil, time.Hour, 0, 1)
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	conn := dialWS(t, ts)
	readFrame(t, conn) // greeting

	sendCommand(t, conn, `{"type":"get_fidelity_status"}`)
	readFrame(t, conn)
	sendCommand(t, conn, `{"type":"get_fidelity_status"}`)
	readFrame(t, conn)
	sendCommand(t, conn, `{"type":"subscribe_workflow","workflow_id":"wf-1"}`)
	readFrame(t, conn)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	s.handleStats(w, req)

	var stats struct {
		ConnectionsTotal  int64            `json:"connections_total"`
		ActiveConnections int64            `json:"active_connections"`
		CommandsTotal     int64            `json:"commands_total"`
		CommandsByType    map[string]int64 `json:"commands_by_type"`
	}
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}

	if stats.ConnectionsTotal != 1 {
		t.Errorf("connections_total: expected 1, got %d", stats.ConnectionsTotal)
	}
	if stats.ActiveConnections != 1 {
		t.Errorf("active_connections: expected 1, got %d", stats.ActiveConnections)
	}
	if stats.CommandsTotal != 3 {
		t.Errorf("commands_total: expected 3, got %d", stats.CommandsTotal)
	}
	if stats.CommandsByType["get_fidelity_status"] != 2 {
		t.Errorf("get_fidelity_status count: expected 2, got %d", stats.CommandsByType["get_fidelity_status"])
	}
	if stats.CommandsByType["subscribe_workflow"] != 1 {
		t.Errorf("subscribe_workflow count: expected 1, got %d", stats.CommandsByType["subscribe_workflow"])
	}
}

func TestDropClosesConnection(t *testing.T) {
	s := newServer(nil, time.Hour, 50*time.Millisecond, 1)
	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	conn := dialWS(t, ts)
	readFrame(t, conn) // greeting

	// The scheduled drop should surface as a read error shortly.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the server to drop the connection")
	}
}

func TestWalkStaysInRange(t *testing.T) {
	sess := &session{score: 0.92, rng: rand.New(rand.NewSource(42))}

	for i := 0; i < 5000; i++ {
		frames := sess.advance()
		if len(frames) == 0 {
			t.Fatal("advance returned no frames")
		}
		fidelity := frames[0]["fidelity"].(map[string]any)
		score := fidelity["score"].(float64)
		if score < 0.3 || score > 1 {
			t.Fatalf("step %d: score %v out of range", i, score)
		}
	}
}

func TestWalkCrossingAmberEmitsAlert(t *testing.T) {
	sess := &session{score: 0.705, rng: rand.New(rand.NewSource(7))}

	// Pin the score just above the amber band before each step; the downward
	// crossing is then a coin flip per step and certain over the loop.
	for i := 0; i < 2000; i++ {
		frames := sess.advance()
		if len(frames) > 1 {
			alert, ok := frames[1]["alert"].(map[string]any)
			if !ok || frames[1]["type"] != "violation_alert" {
				t.Fatalf("expected violation_alert, got %v", frames[1])
			}
			if alert["id"] == "" || alert["severity"] == "" {
				t.Errorf("alert missing identity: %v", alert)
			}
			if alert["violation_type"] != "constitutional.fidelity_drop" {
				t.Errorf("violation_type: %v", alert["violation_type"])
			}
			return
		}
		sess.mu.Lock()
		sess.score = 0.705
		sess.mu.Unlock()
	}
	t.Fatal("walk never crossed the amber band")
}

func TestWalkCrossingHalfEmitsEscalation(t *testing.T) {
	sess := &session{score: 0.505, rng: rand.New(rand.NewSource(11))}

	for i := 0; i < 2000; i++ {
		frames := sess.advance()
		for _, frame := range frames[1:] {
			if frame["type"] != "escalation_notification" {
				continue
			}
			esc, _ := frame["escalation"].(map[string]any)
			if esc["escalation_level"] != "emergency_response" {
				t.Errorf("escalation_level: %v", esc["escalation_level"])
			}
			return
		}
		sess.mu.Lock()
		sess.score = 0.505
		sess.mu.Unlock()
	}
	t.Fatal("walk never crossed below 0.5")
}

// --- helpers ---

func writeScenario(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "scenario.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write scenario: %v", err)
	}
	return path
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendCommand(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("send command: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
	return frame
}
