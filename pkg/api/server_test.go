package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sctennis77/zazzle-agent-sub001/pkg/broadcast"
	"github.com/sctennis77/zazzle-agent-sub001/pkg/monitor"
	"github.com/sctennis77/zazzle-agent-sub001/pkg/schedule"
	"github.com/sctennis77/zazzle-agent-sub001/pkg/store"
	"github.com/sctennis77/zazzle-agent-sub001/pkg/tasks"
)

type fakeScheduleStore struct {
	cfg       *tasks.ScheduleConfig
	upsertErr error
}

func (f *fakeScheduleStore) GetScheduleConfig(context.Context) (*tasks.ScheduleConfig, error) {
	if f.cfg == nil {
		return nil, store.ErrNotFound
	}
	return f.cfg, nil
}

func (f *fakeScheduleStore) UpsertScheduleConfig(_ context.Context, enabled bool, intervalHours int) (*tasks.ScheduleConfig, error) {
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	f.cfg = &tasks.ScheduleConfig{Enabled: enabled, IntervalHours: intervalHours}
	return f.cfg, nil
}

type fakeReader struct {
	task *tasks.Task
}

func (f *fakeReader) GetTask(_ context.Context, id string) (*tasks.Task, error) {
	if f.task == nil || f.task.ID != id {
		return nil, store.ErrNotFound
	}
	return f.task, nil
}

type fakeRunner struct {
	taskID string
	err    error
}

func (f *fakeRunner) RunManual(context.Context) (string, error) { return f.taskID, f.err }

type fakeStuck struct {
	report []monitor.StuckTask
}

func (f *fakeStuck) Report(context.Context) ([]monitor.StuckTask, error) { return f.report, nil }

func newTestServer(t *testing.T) (*Server, *fakeScheduleStore, *fakeReader, *fakeRunner, *fakeStuck) {
	t.Helper()
	sched := &fakeScheduleStore{}
	reader := &fakeReader{}
	runner := &fakeRunner{taskID: "tsk_manual"}
	stuck := &fakeStuck{}
	srv := New(sched, reader, runner, stuck, broadcast.NewHub(zerolog.Nop()), zerolog.Nop())
	return srv, sched, reader, runner, stuck
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: bad JSON response %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec, out
}

func TestHealthz(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)
	rec, body := doJSON(t, srv.Router(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz = %d %v", rec.Code, body)
	}
}

func TestScheduleRoundTrip(t *testing.T) {
	srv, sched, _, _, _ := newTestServer(t)
	r := srv.Router()

	// Unconfigured reads as a zero config, not an error.
	rec, body := doJSON(t, r, http.MethodGet, "/api/schedule", "")
	if rec.Code != http.StatusOK || body["enabled"] != false {
		t.Fatalf("empty schedule = %d %v", rec.Code, body)
	}

	rec, body = doJSON(t, r, http.MethodPut, "/api/schedule", `{"enabled":true,"interval_hours":24}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put schedule = %d %v", rec.Code, body)
	}
	if !sched.cfg.Enabled || sched.cfg.IntervalHours != 24 {
		t.Fatalf("stored config = %+v", sched.cfg)
	}

	rec, body = doJSON(t, r, http.MethodGet, "/api/schedule", "")
	if rec.Code != http.StatusOK || body["interval_hours"] != float64(24) {
		t.Fatalf("get schedule = %d %v", rec.Code, body)
	}
}

func TestPutScheduleRejectsBadInput(t *testing.T) {
	srv, sched, _, _, _ := newTestServer(t)
	sched.upsertErr = errors.New("interval_hours must be positive, got 0")
	r := srv.Router()

	rec, _ := doJSON(t, r, http.MethodPut, "/api/schedule", `{"enabled":true,"interval_hours":0}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad interval = %d, want 400", rec.Code)
	}

	rec, _ = doJSON(t, r, http.MethodPut, "/api/schedule", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body = %d, want 400", rec.Code)
	}
}

func TestManualTrigger(t *testing.T) {
	srv, _, _, runner, _ := newTestServer(t)
	r := srv.Router()

	rec, body := doJSON(t, r, http.MethodPost, "/api/schedule/trigger", "")
	if rec.Code != http.StatusAccepted || body["task_id"] != "tsk_manual" {
		t.Fatalf("trigger = %d %v", rec.Code, body)
	}

	runner.err = schedule.ErrBusy
	rec, _ = doJSON(t, r, http.MethodPost, "/api/schedule/trigger", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("busy trigger = %d, want 409", rec.Code)
	}
}

func TestGetTask(t *testing.T) {
	srv, _, reader, _, _ := newTestServer(t)
	reader.task = &tasks.Task{ID: "tsk_abc", Kind: tasks.KindCommission, Status: tasks.StatusPending}
	r := srv.Router()

	rec, body := doJSON(t, r, http.MethodGet, "/api/tasks/tsk_abc", "")
	if rec.Code != http.StatusOK || body["id"] != "tsk_abc" {
		t.Fatalf("get task = %d %v", rec.Code, body)
	}

	rec, _ = doJSON(t, r, http.MethodGet, "/api/tasks/tsk_missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing task = %d, want 404", rec.Code)
	}
}

func TestStuckReport(t *testing.T) {
	srv, _, _, _, stuck := newTestServer(t)
	stuck.report = []monitor.StuckTask{
		{Task: &tasks.Task{ID: "tsk_stuck", Status: tasks.StatusInProgress}, StuckFor: 10 * time.Minute},
	}
	rec, body := doJSON(t, srv.Router(), http.MethodGet, "/api/tasks/stuck", "")
	if rec.Code != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("stuck report = %d %v", rec.Code, body)
	}
}

func TestMetricsExposed(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("metrics output missing standard collectors")
	}
}

func TestProgressSocketSubscribeAndReceive(t *testing.T) {
	hub := broadcast.NewHub(zerolog.Nop())
	sched := &fakeScheduleStore{}
	srv := New(sched, &fakeReader{}, &fakeRunner{}, &fakeStuck{}, hub, zerolog.Nop())

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/progress"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(wsControl{Action: "subscribe", TaskID: "tsk_live"}); err != nil {
		t.Fatalf("subscribe frame: %v", err)
	}

	// The subscribe frame is handled asynchronously by the read loop.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, subs := hub.Counts(); subs == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.HandleMessage(tasks.NewTaskUpdate("tsk_live",
		map[string]interface{}{"status": "in_progress", "progress": 40}, time.Now()))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg tasks.ProgressMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if msg.TaskID != "tsk_live" || msg.Data["status"] != "in_progress" {
		t.Fatalf("received %+v", msg)
	}
}

func TestProgressSocketDisconnectCleansUp(t *testing.T) {
	hub := broadcast.NewHub(zerolog.Nop())
	srv := New(&fakeScheduleStore{}, &fakeReader{}, &fakeRunner{}, &fakeStuck{}, hub, zerolog.Nop())

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/progress?task_id=tsk_q"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if ls, subs := hub.Counts(); ls == 1 && subs == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("query-string subscription never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn.Close()

	deadline = time.Now().Add(2 * time.Second)
	for {
		if ls, subs := hub.Counts(); ls == 0 && subs == 0 {
			return
		}
		if time.Now().After(deadline) {
			ls, subs := hub.Counts()
			t.Fatalf("counts after disconnect = %d/%d, want 0/0", ls, subs)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
