// Package main implements a mock constitutional governance backend for
// development and e2e testing. It speaks the monitor's WebSocket protocol on
// /api/ws: it greets each connection, answers snapshot and subscription
// commands, and pushes a synthetic fidelity score walk so the monitor has
// live traffic without a real governance deployment.
//
// Usage:
//
//	mock-backend -port 8765 -emit 2s
//	mock-backend -scenario ./scenario.json -drop 30s
//
// A scenario file is a JSON array of steps played to every connection in
// order, replacing the random walk. This makes demo runs deterministic:
//
//	[
//	  {"after": "500ms", "frame": {"type": "fidelity_update", "fidelity": {"score": 0.72}}},
//	  {"after": "1s", "frame": {"type": "violation_alert", "alert": {"id": "v-1", "severity": "high"}}}
//	]
//
// The -drop flag closes every connection after the given duration, which
// exercises the monitor's reconnect and resubscription paths.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// command is the inbound frame shape the monitor sends. Defined locally so
// the mock pins the wire format rather than whatever the client structs
// currently marshal to.
type command struct {
	Type       string `json:"type"`
	WorkflowID string `json:"workflow_id,omitempty"`
}

// step is one scripted frame in a scenario file.
type step struct {
	After time.Duration
	Frame json.RawMessage
}

type server struct {
	scenario []step
	emit     time.Duration
	drop     time.Duration
	seed     int64

	upgrader websocket.Upgrader

	conns    atomic.Int64 // connections accepted
	active   atomic.Int64 // connections currently open
	commands atomic.Int64 // total commands received

	// Per-type command counters for test assertions via /stats.
	commandsMu     sync.Mutex
	commandsByType map[string]int64
}

func newServer(scenario []step, emit, drop time.Duration, seed int64) *server {
	if emit <= 0 {
		emit = 2 * time.Second
	}
	return &server{
		scenario:       scenario,
		emit:           emit,
		drop:           drop,
		seed:           seed,
		commandsByType: make(map[string]int64),
	}
}

// session is one live monitor connection with its own synthetic score state.
type session struct {
	conn *websocket.Conn

	// writeMu serializes the emitter goroutine and command responses; gorilla
	// connections allow only one concurrent writer.
	writeMu sync.Mutex

	mu         sync.Mutex
	score      float64
	violations int
	rng        *rand.Rand
}

func main() {
	port := flag.Int("port", 8765, "port to listen on")
	emit := flag.Duration("emit", 2*time.Second, "synthetic fidelity update interval")
	scenarioPath := flag.String("scenario", "", "JSON scenario file replacing the random walk")
	drop := flag.Duration("drop", 0, "close each connection after this long (0 disables)")
	seed := flag.Int64("seed", 0, "random walk seed (0 seeds from the clock)")
	flag.Parse()

	// Allow env var override
	if env := os.Getenv("MOCK_BACKEND_SCENARIO"); env != "" && *scenarioPath == "" {
		*scenarioPath = env
	}

	var scenario []step
	if *scenarioPath != "" {
		var err error
		scenario, err = loadScenario(*scenarioPath)
		if err != nil {
			log.Fatalf("Failed to load scenario from %s: %v", *scenarioPath, err)
		}
		log.Printf("Loaded scenario with %d step(s) from %s", len(scenario), *scenarioPath)
	}
	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	s := newServer(scenario, *emit, *drop, *seed)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("Mock governance backend listening on %s (WebSocket endpoint /api/ws)", addr)
	if err := http.ListenAndServe(addr, s.routes()); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleStats returns connection and command counts for test assertions.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.commandsMu.Lock()
	byType := make(map[string]int64, len(s.commandsByType))
	for typ, n := range s.commandsByType {
		byType[typ] = n
	}
	s.commandsMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"connections_total":  s.conns.Load(),
		"active_connections": s.active.Load(),
		"commands_total":     s.commands.Load(),
		"commands_by_type":   byType,
	})
}

func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	n := s.conns.Add(1)
	s.active.Add(1)
	defer s.active.Add(-1)
	defer conn.Close()

	sess := &session{
		conn:  conn,
		score: 0.92,
		rng:   rand.New(rand.NewSource(s.seed + n)),
	}
	log.Printf("[conn %d] monitor connected from %s", n, r.RemoteAddr)

	if err := sess.writeJSON(map[string]any{
		"type":           "connection_established",
		"connection_id":  fmt.Sprintf("mock-%d", n),
		"server_version": "mock-0.1.0",
		"timestamp":      time.Now().UTC(),
	}); err != nil {
		return
	}

	done := make(chan struct{})
	defer close(done)

	if len(s.scenario) > 0 {
		go s.playScenario(sess, n, done)
	} else {
		go s.playWalk(sess, done)
	}
	if s.drop > 0 {
		go func() {
			select {
			case <-time.After(s.drop):
				log.Printf("[conn %d] dropping connection on schedule", n)
				conn.Close()
			case <-done:
			}
		}()
	}

	s.readCommands(sess, n)
}

func (s *server) readCommands(sess *session, n int64) {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			log.Printf("[conn %d] monitor disconnected: %v", n, err)
			return
		}

		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.Type == "" {
			log.Printf("[conn %d] ignoring malformed command: %s", n, data)
			continue
		}

		total := s.commands.Add(1)
		s.countCommand(cmd.Type)
		log.Printf("[command %d] conn=%d type=%s workflow=%q", total, n, cmd.Type, cmd.WorkflowID)

		if err := s.respond(sess, cmd); err != nil {
			log.Printf("[conn %d] response write failed: %v", n, err)
			return
		}
	}
}

func (s *server) countCommand(typ string) {
	s.commandsMu.Lock()
	s.commandsByType[typ]++
	s.commandsMu.Unlock()
}

func (s *server) respond(sess *session, cmd command) error {
	now := time.Now().UTC()

	switch cmd.Type {
	case "get_fidelity_status":
		score, violations, _ := sess.metrics()
		return sess.writeJSON(map[string]any{
			"type": "fidelity_status",
			"status": map[string]any{
				"current_score":   score,
				"violation_count": violations,
				"monitoring":      true,
			},
			"timestamp": now,
		})

	case "get_performance_metrics":
		score, _, latency := sess.metrics()
		return sess.writeJSON(map[string]any{
			"type": "performance_metrics",
			"metrics": map[string]any{
				"fidelity_score":      score,
				"avg_latency_ms":      latency,
				"events_per_second":   12.5,
				"active_workflows":    3,
				"uptime_seconds":      3600,
				"constitutional_hash": "mock-constitution-v1",
			},
			"timestamp": now,
		})

	case "subscribe_workflow":
		if cmd.WorkflowID == "" {
			return s.writeError(sess, "invalid_command", "subscribe_workflow requires workflow_id")
		}
		return sess.writeJSON(map[string]any{
			"type":        "subscription_confirmed",
			"workflow_id": cmd.WorkflowID,
			"timestamp":   now,
		})

	case "unsubscribe_workflow":
		if cmd.WorkflowID == "" {
			return s.writeError(sess, "invalid_command", "unsubscribe_workflow requires workflow_id")
		}
		return sess.writeJSON(map[string]any{
			"type":        "unsubscription_confirmed",
			"workflow_id": cmd.WorkflowID,
			"timestamp":   now,
		})

	default:
		return s.writeError(sess, "unknown_command", fmt.Sprintf("unsupported command type %q", cmd.Type))
	}
}

func (s *server) writeError(sess *session, code, message string) error {
	return sess.writeJSON(map[string]any{
		"type": "error",
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
		"timestamp": time.Now().UTC(),
	})
}

// playWalk pushes synthetic fidelity updates until the connection goes away.
func (s *server) playWalk(sess *session, done chan struct{}) {
	ticker := time.NewTicker(s.emit)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			for _, frame := range sess.advance() {
				if err := sess.writeJSON(frame); err != nil {
					return
				}
			}
		}
	}
}

// playScenario pushes the scripted frames in order, then goes quiet.
func (s *server) playScenario(sess *session, n int64, done chan struct{}) {
	for i, st := range s.scenario {
		select {
		case <-done:
			return
		case <-time.After(st.After):
		}
		if err := sess.writeRaw(st.Frame); err != nil {
			return
		}
		log.Printf("[conn %d] scenario step %d/%d pushed", n, i+1, len(s.scenario))
	}
	log.Printf("[conn %d] scenario complete", n)
}

func (sess *session) writeJSON(v any) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	return sess.conn.WriteJSON(v)
}

func (sess *session) writeRaw(data []byte) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	return sess.conn.WriteMessage(websocket.TextMessage, data)
}

// metrics snapshots the walk state plus a jittered request latency.
func (sess *session) metrics() (score float64, violations int, latencyMS float64) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.score, sess.violations, 60 + sess.rng.Float64()*80
}

// advance moves the synthetic score one step and returns the frames to push.
// The walk reverts toward a healthy mean, so the monitor sees mostly green
// with occasional amber and red excursions. Crossing below the amber band
// raises a violation alert; crossing below 0.5 raises an emergency
// escalation.
func (sess *session) advance() []map[string]any {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	prev := sess.score
	drift := (0.85 - sess.score) * 0.2
	noise := (sess.rng.Float64() - 0.5) * 0.24
	sess.score += drift + noise
	if sess.score > 1 {
		sess.score = 1
	}
	if sess.score < 0.3 {
		sess.score = 0.3
	}

	now := time.Now().UTC()
	frames := []map[string]any{{
		"type": "fidelity_update",
		"fidelity": map[string]any{
			"score": sess.score,
		},
		"timestamp": now,
	}}

	if prev >= 0.70 && sess.score < 0.70 {
		sess.violations++
		severity := "medium"
		switch {
		case sess.score < 0.55:
			severity = "critical"
		case sess.score < 0.62:
			severity = "high"
		}
		frames = append(frames, map[string]any{
			"type": "violation_alert",
			"alert": map[string]any{
				"id":             fmt.Sprintf("mock-v-%d", sess.violations),
				"severity":       severity,
				"violation_type": "constitutional.fidelity_drop",
				"description":    fmt.Sprintf("synthetic fidelity dropped to %.3f", sess.score),
				"fidelity_score": sess.score,
				"recommended_actions": []string{
					"review recent workflow decisions",
					"check constitutional rule updates",
				},
				"timestamp": now,
			},
			"timestamp": now,
		})
	}
	if prev >= 0.5 && sess.score < 0.5 {
		frames = append(frames, map[string]any{
			"type": "escalation_notification",
			"escalation": map[string]any{
				"id":                           fmt.Sprintf("mock-e-%d", sess.violations),
				"escalation_level":             "emergency_response",
				"violation_id":                 fmt.Sprintf("mock-v-%d", sess.violations),
				"assigned_to":                  "response-team",
				"response_time_target_minutes": 15,
				"notification_sent":            true,
				"timestamp":                    now,
			},
			"timestamp": now,
		})
	}
	return frames
}

// loadScenario reads a scenario file: a JSON array of steps, each with an
// optional "after" delay (Go duration string) and a mandatory "frame" object
// carrying a "type" field.
func loadScenario(path string) ([]step, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		After string          `json:"after"`
		Frame json.RawMessage `json:"frame"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("scenario %s has no steps", path)
	}

	steps := make([]step, 0, len(raw))
	for i, r := range raw {
		var after time.Duration
		if r.After != "" {
			after, err = time.ParseDuration(r.After)
			if err != nil {
				return nil, fmt.Errorf("step %d: bad delay %q: %w", i+1, r.After, err)
			}
		}

		var frame struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(r.Frame, &frame); err != nil {
			return nil, fmt.Errorf("step %d: bad frame: %w", i+1, err)
		}
		if frame.Type == "" {
			return nil, fmt.Errorf("step %d: frame missing type", i+1)
		}

		steps = append(steps, step{After: after, Frame: r.Frame})
	}
	return steps, nil
}
