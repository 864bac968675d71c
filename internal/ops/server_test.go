package ops

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	sbdb "github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/pipeline"
	"github.com/zulandar/switchboard/internal/queue"
	"github.com/zulandar/switchboard/internal/ticket"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	gdb *gorm.DB
	q   *queue.Queue
	url string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gdb, err := sbdb.OpenMemory()
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	q := queue.New(gdb)
	p := pipeline.New(q, pipeline.Deps{}, pipeline.Options{Attempts: 3})
	router, err := NewRouter(StartOpts{DB: gdb, Pipeline: p, Queue: q})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{gdb: gdb, q: q, url: srv.URL}
}

func (s *testServer) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.url+path, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	out := map[string]any{}
	if len(bytes.TrimSpace(data)) > 0 && data[0] == '{' {
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("decode %s %s response %q: %v", method, path, data, err)
		}
	}
	return resp.StatusCode, out
}

func (s *testServer) ingest(t *testing.T) *models.Ticket {
	t.Helper()
	res, err := ticket.Ingest(s.gdb, ticket.InboundOpts{
		Subject:       "Refund",
		Source:        ticket.SourceAPI,
		CustomerEmail: "bo@example.com",
		Body:          "I want a refund.",
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	return res.Ticket
}

func TestNewRouter_Validation(t *testing.T) {
	if _, err := NewRouter(StartOpts{}); err == nil || !strings.Contains(err.Error(), "db is required") {
		t.Errorf("err = %v, want db is required", err)
	}
	gdb, err := sbdb.OpenMemory()
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if _, err := NewRouter(StartOpts{DB: gdb}); err == nil || !strings.Contains(err.Error(), "pipeline is required") {
		t.Errorf("err = %v, want pipeline is required", err)
	}
}

func TestStart_NilDB(t *testing.T) {
	err := Start(context.Background(), StartOpts{})
	if err == nil || !strings.Contains(err.Error(), "db is required") {
		t.Errorf("err = %v, want db is required", err)
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	code, body := s.do(t, http.MethodGet, "/healthz", "")
	if code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("healthz = %d %v", code, body)
	}
}

func TestMetrics(t *testing.T) {
	s := newTestServer(t)
	resp, err := http.Get(s.url + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(data), "go_goroutines") {
		t.Error("metrics output lacks the Go collector")
	}
}

func TestInbound_StartsRun(t *testing.T) {
	s := newTestServer(t)
	code, body := s.do(t, http.MethodPost, "/inbound",
		`{"subject":"Order","customer_email":"cy@example.com","body":"Where is order 55?"}`)
	if code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %v", code, body)
	}
	if body["created"] != true || body["processing_id"] == nil || body["run"] != float64(1) {
		t.Errorf("body = %v", body)
	}
	id, _ := body["ticket_id"].(string)

	tk, err := ticket.Get(s.gdb, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tk.Source != ticket.SourceAPI {
		t.Errorf("source = %s, want api", tk.Source)
	}
	jobs, err := s.q.List(context.Background(), queue.StatusPending, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Queue != pipeline.QueueName(pipeline.StageIngest) {
		t.Errorf("jobs = %+v", jobs)
	}
}

func TestInbound_Validation(t *testing.T) {
	s := newTestServer(t)
	for _, body := range []string{
		`{"body":"hi"}`,
		`{"customer_email":"not-an-email","body":"hi"}`,
		`{"customer_email":"cy@example.com"}`,
		`not json`,
	} {
		if code, _ := s.do(t, http.MethodPost, "/inbound", body); code != http.StatusBadRequest {
			t.Errorf("POST /inbound %s = %d, want 400", body, code)
		}
	}
}

func TestInbound_UnknownTicket(t *testing.T) {
	s := newTestServer(t)
	code, _ := s.do(t, http.MethodPost, "/inbound", `{"ticket_id":"TK-NOPE","customer_email":"cy@example.com","body":"hi"}`)
	if code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
}

func TestTicketPipeline(t *testing.T) {
	s := newTestServer(t)
	tk := s.ingest(t)
	rows := []models.PipelineProcessing{
		{TicketID: tk.ID, Run: 1, Stage: pipeline.StageIngest, Status: pipeline.StatusCompleted},
		{TicketID: tk.ID, Run: 1, Stage: pipeline.StageIntent, Status: pipeline.StatusEscalated},
	}
	if err := s.gdb.Create(&rows).Error; err != nil {
		t.Fatalf("create rows: %v", err)
	}

	code, body := s.do(t, http.MethodGet, "/tickets/"+tk.ID+"/pipeline", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	list, _ := body["processing"].([]any)
	if len(list) != 2 {
		t.Fatalf("processing = %v", body["processing"])
	}
	second, _ := list[1].(map[string]any)
	if second["Stage"] != pipeline.StageIntent || second["Status"] != pipeline.StatusEscalated {
		t.Errorf("row = %v", second)
	}

	if code, _ := s.do(t, http.MethodGet, "/tickets/TK-NOPE/pipeline", ""); code != http.StatusNotFound {
		t.Errorf("unknown ticket = %d, want 404", code)
	}
}

func TestRetryProcessing(t *testing.T) {
	s := newTestServer(t)
	tk := s.ingest(t)
	failed := models.PipelineProcessing{TicketID: tk.ID, Run: 1, Stage: pipeline.StageIngest, Status: pipeline.StatusFailed, Error: "boom"}
	if err := s.gdb.Create(&failed).Error; err != nil {
		t.Fatalf("create row: %v", err)
	}

	code, body := s.do(t, http.MethodPost, "/processing/"+itoa(failed.ID)+"/retry", "")
	if code != http.StatusAccepted || body["Status"] != pipeline.StatusQueued {
		t.Fatalf("retry = %d %v", code, body)
	}

	// The row is queued now, so a second retry conflicts.
	if code, _ := s.do(t, http.MethodPost, "/processing/"+itoa(failed.ID)+"/retry", ""); code != http.StatusConflict {
		t.Errorf("second retry = %d, want 409", code)
	}
	if code, _ := s.do(t, http.MethodPost, "/processing/9999/retry", ""); code != http.StatusNotFound {
		t.Errorf("unknown row = %d, want 404", code)
	}
	if code, _ := s.do(t, http.MethodPost, "/processing/abc/retry", ""); code != http.StatusBadRequest {
		t.Errorf("bad id = %d, want 400", code)
	}
}

func TestJobs_ListAndRequeue(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	job, err := s.q.Enqueue(ctx, "mail.digest", map[string]int{"n": 1}, queue.Options{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.gdb.Model(job).Updates(map[string]interface{}{"status": queue.StatusDead, "attempts": 3}).Error; err != nil {
		t.Fatalf("kill job: %v", err)
	}

	code, body := s.do(t, http.MethodGet, "/jobs?status=dead", "")
	if code != http.StatusOK {
		t.Fatalf("list = %d", code)
	}
	if jobs, _ := body["jobs"].([]any); len(jobs) != 1 {
		t.Errorf("dead jobs = %v", body["jobs"])
	}
	if code, _ := s.do(t, http.MethodGet, "/jobs?limit=-1", ""); code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", code)
	}

	code, _ = s.do(t, http.MethodPost, "/jobs/"+itoa(job.ID)+"/requeue", "")
	if code != http.StatusAccepted {
		t.Fatalf("requeue = %d", code)
	}
	got, err := s.q.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != queue.StatusPending || got.Attempts != 0 {
		t.Errorf("job = %+v", got)
	}

	// Now pending, so it cannot be requeued again.
	if code, _ := s.do(t, http.MethodPost, "/jobs/"+itoa(job.ID)+"/requeue", ""); code != http.StatusConflict {
		t.Errorf("requeue of pending job = %d, want 409", code)
	}
	if code, _ := s.do(t, http.MethodPost, "/jobs/9999/requeue", ""); code != http.StatusNotFound {
		t.Errorf("unknown job = %d, want 404", code)
	}
}

func TestJobs_RequeueStageJobRetriesProcessing(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	tk := s.ingest(t)
	if err := ticket.Transition(s.gdb, tk.ID, ticket.StatusProcessing, nil); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := ticket.Transition(s.gdb, tk.ID, ticket.StatusEscalated, map[string]interface{}{"escalation_reason": "relay down"}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	row := models.PipelineProcessing{TicketID: tk.ID, Run: 1, Stage: pipeline.StageSafety, Status: pipeline.StatusFailed, Error: "relay: 502"}
	if err := s.gdb.Create(&row).Error; err != nil {
		t.Fatalf("create row: %v", err)
	}
	dead, err := s.q.Enqueue(ctx, pipeline.QueueName(pipeline.StageSafety), map[string]any{"processingId": row.ID, "ticketId": tk.ID}, queue.Options{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.gdb.Model(dead).Update("status", queue.StatusDead).Error; err != nil {
		t.Fatalf("kill job: %v", err)
	}
	if err := s.gdb.Model(&row).Update("job_id", dead.ID).Error; err != nil {
		t.Fatalf("link job: %v", err)
	}

	code, body := s.do(t, http.MethodPost, "/jobs/"+itoa(dead.ID)+"/requeue", "")
	if code != http.StatusAccepted {
		t.Fatalf("requeue = %d %v", code, body)
	}
	proc, _ := body["processing"].(map[string]any)
	if proc["Status"] != pipeline.StatusQueued {
		t.Errorf("processing = %v", body["processing"])
	}
	newID, _ := body["job_id"].(float64)
	if uint(newID) == dead.ID {
		t.Errorf("job_id = %v, want a new job", body["job_id"])
	}

	got, err := ticket.Get(s.gdb, tk.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != ticket.StatusProcessing || got.EscalationReason != "" {
		t.Errorf("ticket = %s %q, want processing", got.Status, got.EscalationReason)
	}
	old, _ := s.q.Get(ctx, dead.ID)
	if old.Status != queue.StatusDead {
		t.Errorf("old job = %s, want dead", old.Status)
	}
	if code, _ := s.do(t, http.MethodPost, "/jobs/"+itoa(uint(newID))+"/requeue", ""); code != http.StatusConflict {
		t.Errorf("requeue of pending stage job = %d, want 409", code)
	}
}

func TestUpdateSettings(t *testing.T) {
	s := newTestServer(t)
	code, _ := s.do(t, http.MethodPut, "/settings", `{"auto_reply_enabled":"false"}`)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	v, err := sbdb.GetSetting(s.gdb, sbdb.SettingAutoReply, "true")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if v != "false" {
		t.Errorf("auto reply = %q, want false", v)
	}

	for _, body := range []string{`{}`, `{"colour":"blue"}`, `{"auto_reply_enabled":"maybe"}`} {
		if code, _ := s.do(t, http.MethodPut, "/settings", body); code != http.StatusBadRequest {
			t.Errorf("PUT /settings %s = %d, want 400", body, code)
		}
	}
}

func itoa(id uint) string { return strconv.FormatUint(uint64(id), 10) }
