package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/pokerclock/internal/auth"
	"github.com/lox/pokerclock/internal/clock"
)

func testLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.ErrorLevel})
}

type testEnv struct {
	ts     *httptest.Server
	srv    *Server
	engine *clock.Engine
	mClock *quartz.Mock
}

func newTestEnv(t *testing.T, durations ...int) *testEnv {
	t.Helper()
	return newTestEnvWith(t, nil, durations...)
}

func newTestEnvWith(t *testing.T, opts []Option, durations ...int) *testEnv {
	t.Helper()
	if len(durations) == 0 {
		durations = []int{60, 60, 60}
	}
	levels := make([]clock.BlindLevel, len(durations))
	for i, d := range durations {
		levels[i] = clock.BlindLevel{SmallBlind: 25 << i, BigBlind: 50 << i, DurationSeconds: d}
	}

	mClock := quartz.NewMock(t)
	engine, err := clock.New("sunday", clock.Reindex(levels), clock.WithClock(mClock), clock.WithLogger(testLogger()))
	require.NoError(t, err)

	registry := NewRegistry()
	_, err = registry.Add("Sunday Major", engine)
	require.NoError(t, err)

	opts = append([]Option{WithAllowedOrigins([]string{"https://screens.example.com"})}, opts...)
	srv := NewServer(registry, testLogger(), opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = registry.Close()
	})

	return &testEnv{ts: ts, srv: srv, engine: engine, mClock: mClock}
}

func (env *testEnv) advance(t *testing.T, seconds int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < seconds; i++ {
		env.mClock.Advance(time.Second).MustWait(ctx)
	}
}

func (env *testEnv) post(t *testing.T, path, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(env.ts.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (env *testEnv) dial(t *testing.T, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws/" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil reads messages until match returns true.
func readUntil(t *testing.T, conn *websocket.Conn, match func(*Message) bool) *Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		if match(&msg) {
			return &msg
		}
	}
}

func decodeState(t *testing.T, msg *Message) ClockStateData {
	t.Helper()
	require.Equal(t, MessageTypeClockState, msg.Type)
	var data ClockStateData
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	return data
}

func isType(mt MessageType) func(*Message) bool {
	return func(m *Message) bool { return m.Type == mt }
}

func TestServerHealth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListAndGetTournaments(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 600, 300)

	resp, err := http.Get(env.ts.URL + "/api/tournaments")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list []TournamentSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, "sunday", list[0].ID)
	assert.Equal(t, "Sunday Major", list[0].Name)
	assert.Equal(t, clock.StatusIdle, list[0].State.Status)

	resp2, err := http.Get(env.ts.URL + "/api/tournaments/sunday")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var detail TournamentDetail
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&detail))
	assert.Len(t, detail.Levels, 2)
	assert.Equal(t, 900, detail.TotalLength)

	resp3, err := http.Get(env.ts.URL + "/api/tournaments/nope")
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
}

func TestCommandEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp, body := env.post(t, "/api/tournaments/sunday/clock/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var result CommandResultData
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, CommandStart, result.Command)
	assert.Equal(t, clock.StatusRunning, result.State.Status)

	env.advance(t, 3)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"jump out of range", "/api/tournaments/sunday/clock/jump", `{"level": 3}`, http.StatusUnprocessableEntity, "out_of_range"},
		{"negative jump", "/api/tournaments/sunday/clock/jump", `{"level": -1}`, http.StatusUnprocessableEntity, "out_of_range"},
		{"jump without level", "/api/tournaments/sunday/clock/jump", ``, http.StatusBadRequest, "invalid_message"},
		{"start while running", "/api/tournaments/sunday/clock/start", ``, http.StatusConflict, "invalid_transition"},
		{"resume while running", "/api/tournaments/sunday/clock/resume", ``, http.StatusConflict, "invalid_transition"},
		{"unknown command", "/api/tournaments/sunday/clock/rewind", ``, http.StatusBadRequest, "invalid_message"},
		{"malformed body", "/api/tournaments/sunday/clock/jump", `{"level":`, http.StatusBadRequest, "invalid_message"},
		{"unknown tournament", "/api/tournaments/monday/clock/start", ``, http.StatusNotFound, "not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.post(t, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			var e ErrorData
			require.NoError(t, json.Unmarshal(body, &e))
			assert.Equal(t, tt.code, e.Code)
		})
	}

	// Rejected commands leave the clock untouched.
	state := env.engine.State()
	assert.Equal(t, clock.StatusRunning, state.Status)
	assert.Equal(t, 0, state.CurrentLevelIndex)
	assert.Equal(t, 3, state.ElapsedSeconds)

	resp, body = env.post(t, "/api/tournaments/sunday/clock/adjust", `{"seconds": -10}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, 13, result.State.ElapsedSeconds)

	resp, body = env.post(t, "/api/tournaments/sunday/clock/jump", `{"level": 2}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, 2, result.State.CurrentLevelIndex)

	resp, _ = env.post(t, "/api/tournaments/sunday/clock/pause", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.post(t, "/api/tournaments/sunday/clock/pause", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = env.post(t, "/api/tournaments/sunday/clock/stop", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatsEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, err := env.engine.Start(0)
	require.NoError(t, err)
	env.advance(t, 2)

	resp, err := http.Get(env.ts.URL + "/api/tournaments/sunday/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats clock.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, uint64(2), stats.Ticks)
}

func TestCORS(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodOptions, env.ts.URL+"/api/tournaments/sunday/clock/start", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://screens.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "https://screens.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example.com")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebSocketStreamsClockState(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 2, 60)
	conn := env.dial(t, "sunday")

	initial := decodeState(t, readUntil(t, conn, isType(MessageTypeClockState)))
	assert.Equal(t, clock.StatusIdle, initial.State.Status)

	require.Eventually(t, func() bool { return env.srv.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)

	_, err := env.engine.Start(0)
	require.NoError(t, err)
	started := decodeState(t, readUntil(t, conn, isType(MessageTypeClockState)))
	assert.Equal(t, clock.StatusRunning, started.State.Status)
	assert.Equal(t, clock.ReasonStart, started.Reason)

	env.advance(t, 1)
	ticked := decodeState(t, readUntil(t, conn, isType(MessageTypeClockState)))
	assert.Equal(t, 1, ticked.State.ElapsedSeconds)
	assert.Equal(t, clock.ReasonTick, ticked.Reason)

	env.advance(t, 1)
	msg := readUntil(t, conn, isType(MessageTypeLevelCompleted))
	var lc LevelCompletedData
	require.NoError(t, json.Unmarshal(msg.Data, &lc))
	assert.Equal(t, 0, lc.CompletedLevel.Index)
	assert.Equal(t, 1, lc.NewLevel.Index)
}

func TestWebSocketCommands(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	conn := env.dial(t, "sunday")
	readUntil(t, conn, isType(MessageTypeClockState))

	send := func(requestID string, data CommandData) {
		msg, err := NewMessage(MessageTypeCommand, data)
		require.NoError(t, err)
		msg.RequestID = requestID
		require.NoError(t, conn.WriteJSON(msg))
	}
	isReply := func(requestID string) func(*Message) bool {
		return func(m *Message) bool { return m.RequestID == requestID }
	}

	send("r1", CommandData{Command: CommandStart})
	reply := readUntil(t, conn, isReply("r1"))
	require.Equal(t, MessageTypeCommandResult, reply.Type)
	var result CommandResultData
	require.NoError(t, json.Unmarshal(reply.Data, &result))
	assert.Equal(t, clock.StatusRunning, result.State.Status)

	level := 7
	send("r2", CommandData{Command: CommandJump, Level: &level})
	reply = readUntil(t, conn, isReply("r2"))
	require.Equal(t, MessageTypeError, reply.Type)
	var e ErrorData
	require.NoError(t, json.Unmarshal(reply.Data, &e))
	assert.Equal(t, "out_of_range", e.Code)

	send("r3", CommandData{Command: CommandPause})
	readUntil(t, conn, isReply("r3"))
	send("r4", CommandData{Command: CommandPause})
	reply = readUntil(t, conn, isReply("r4"))
	require.NoError(t, json.Unmarshal(reply.Data, &e))
	assert.Equal(t, "invalid_transition", e.Code)

	raw := &Message{Type: "shuffle", Data: json.RawMessage(`{}`), RequestID: "r5"}
	require.NoError(t, conn.WriteJSON(raw))
	reply = readUntil(t, conn, isReply("r5"))
	require.NoError(t, json.Unmarshal(reply.Data, &e))
	assert.Equal(t, "unknown_message_type", e.Code)

	assert.Equal(t, clock.StatusPaused, env.engine.State().Status)
}

func TestWebSocketRejectsUnknownTournamentAndOrigin(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	base := "ws" + strings.TrimPrefix(env.ts.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(base+"/ws/monday", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err = websocket.DefaultDialer.Dial(base+"/ws/sunday", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDisconnectUnsubscribes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	conn := env.dial(t, "sunday")
	readUntil(t, conn, isType(MessageTypeClockState))
	require.Equal(t, 1, env.engine.Stats().Subscribers)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return env.engine.Stats().Subscribers == 0 && env.srv.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	t.Parallel()
	engine, err := clock.New("sunday", clock.Reindex([]clock.BlindLevel{{DurationSeconds: 60}}), clock.WithLogger(testLogger()))
	require.NoError(t, err)

	registry := NewRegistry()
	defer registry.Close()

	tournament, err := registry.Add("", engine)
	require.NoError(t, err)
	assert.Equal(t, "sunday", tournament.Name)

	_, err = registry.Add("again", engine)
	require.Error(t, err)
	assert.Len(t, registry.List(), 1)
}

func TestDirectorTokenRequiredForCommands(t *testing.T) {
	t.Parallel()
	env := newTestEnvWith(t, []Option{WithValidator(auth.NewStaticValidator(map[string]string{"td-secret": "floor"}))})

	resp, body := env.post(t, "/api/tournaments/sunday/clock/start", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, string(body), "unauthorized")
	assert.Equal(t, clock.StatusIdle, env.engine.State().Status)

	req, err := http.NewRequest(http.MethodPost, env.ts.URL+"/api/tournaments/sunday/clock/start", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer td-secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, clock.StatusRunning, env.engine.State().Status)

	// Read-only displays connect without a token but cannot issue commands.
	display := env.dial(t, "sunday")
	readUntil(t, display, isType(MessageTypeClockState))
	msg, err := NewMessage(MessageTypeCommand, CommandData{Command: CommandPause})
	require.NoError(t, err)
	msg.RequestID = "d1"
	require.NoError(t, display.WriteJSON(msg))
	reply := readUntil(t, display, func(m *Message) bool { return m.RequestID == "d1" })
	require.Equal(t, MessageTypeError, reply.Type)
	var e ErrorData
	require.NoError(t, json.Unmarshal(reply.Data, &e))
	assert.Equal(t, "unauthorized", e.Code)

	director := env.dial(t, "sunday?token=td-secret")
	readUntil(t, director, isType(MessageTypeClockState))
	msg.RequestID = "d2"
	require.NoError(t, director.WriteJSON(msg))
	reply = readUntil(t, director, func(m *Message) bool { return m.RequestID == "d2" })
	assert.Equal(t, MessageTypeCommandResult, reply.Type)
	assert.Equal(t, clock.StatusPaused, env.engine.State().Status)
}

func TestStaleEventsAreNotRelayed(t *testing.T) {
	t.Parallel()
	connectedAt := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	before := connectedAt.Add(-time.Millisecond)
	after := connectedAt.Add(time.Millisecond)

	tests := []struct {
		name  string
		event clock.Event
		stale bool
	}{
		{"state before connect", clock.StateChangedEvent{State: clock.State{ServerTime: before}}, true},
		{"state at connect", clock.StateChangedEvent{State: clock.State{ServerTime: connectedAt}}, false},
		{"state after connect", clock.StateChangedEvent{State: clock.State{ServerTime: after}}, false},
		{"level completed before connect", clock.LevelCompletedEvent{At: before}, true},
		{"level completed after connect", clock.LevelCompletedEvent{At: after}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.stale, staleEvent(tt.event, connectedAt))
		})
	}
}
