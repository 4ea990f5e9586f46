package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"ansible-mcp/internal/domain"
	"ansible-mcp/internal/usecase/command"
	"ansible-mcp/internal/usecase/eventbus"
	"ansible-mcp/internal/usecase/jobs"
	"ansible-mcp/internal/usecase/runner"
)

// fakeAnsible stands in for every engine binary. "--version" prints hello,
// a "slow" pattern sleeps, "progress" and "crlf" print CR-laden output,
// anything else echoes its arguments.
const fakeAnsible = `#!/bin/sh
case "$1" in
  --version) echo hello; exit 0 ;;
  slow) exec sleep 30 ;;
  progress) printf '10%%\r50%%\r100%%\n'; exit 0 ;;
  crlf) printf 'ok: [web1]\r\nchanged: [web2]\r\n'; exit 0 ;;
esac
echo "$@"
`

type testGateway struct {
	srv  *httptest.Server
	jobs *jobs.Service
}

type gatewayOptions struct {
	tokens []TokenEntry
	stream StreamOptions
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T, opts gatewayOptions) *testGateway {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("gateway tests use a POSIX shell script as the engine")
	}
	logger := newTestLogger()

	bin := filepath.Join(t.TempDir(), "ansible")
	if err := os.WriteFile(bin, []byte(fakeAnsible), 0o755); err != nil {
		t.Fatal(err)
	}

	bus := eventbus.New(logger)
	t.Cleanup(bus.Close)

	registry := jobs.NewRegistry(jobs.RegistryConfig{}, bus, logger)
	run := runner.New(runner.Config{KillGrace: 200 * time.Millisecond}, logger)
	svc := jobs.NewService(jobs.ServiceConfig{
		Engine: command.Engine{
			Ansible:          bin,
			AnsiblePlaybook:  bin,
			AnsibleInventory: bin,
		},
		KillGrace: 200 * time.Millisecond,
	}, registry, run, bus, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := NewServer("127.0.0.1:0", logger)
	RegisterRoutes(ctx, s, HandlerDeps{
		Jobs:   svc,
		Bus:    bus,
		Auth:   NewStaticTokenAuth(opts.tokens),
		Info:   ServerInfo{Name: "ansible-mcp", Version: "test"},
		Stream: opts.stream,
		Tools:  []ManifestTool{{Name: "ansible_version", Description: "Show the engine version"}},
		Logger: logger,
	})

	hs := httptest.NewServer(s.Handler())
	t.Cleanup(hs.Close)
	return &testGateway{srv: hs, jobs: svc}
}

func (g *testGateway) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, g.srv.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (g *testGateway) submit(t *testing.T, kind, body string) domain.Job {
	t.Helper()
	resp := g.do(t, http.MethodPost, "/api/v1/jobs/"+kind, body)
	if resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("submit %s: status = %d: %s", kind, resp.StatusCode, b)
	}
	var job domain.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	return job
}

func (g *testGateway) wait(t *testing.T, id string) domain.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	job, err := g.jobs.Registry().Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s): %v", id, err)
	}
	return job
}

func decodeError(t *testing.T, resp *http.Response) ErrorBody {
	t.Helper()
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body ErrorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func TestHealthz(t *testing.T) {
	g := newTestGateway(t, gatewayOptions{})
	resp := g.do(t, http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
}

func TestCreateJobThenStream(t *testing.T) {
	g := newTestGateway(t, gatewayOptions{})

	resp := g.do(t, http.MethodPost, "/api/v1/jobs/version", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var job domain.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatal(err)
	}
	if loc := resp.Header.Get("Location"); loc != "/api/v1/jobs/"+job.ID+"/stream" {
		t.Errorf("Location = %q", loc)
	}
	if job.Kind != domain.KindVersion {
		t.Errorf("Kind = %s", job.Kind)
	}

	// The stream ends after the done event, so the body can be read whole.
	stream := g.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID+"/stream", "")
	if ct := stream.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	body, err := io.ReadAll(stream.Body)
	if err != nil {
		t.Fatal(err)
	}
	got := string(body)

	wantChunk := "event: stdout\nid: 1\ndata: hello\ndata: \n\n"
	if !strings.Contains(got, wantChunk) {
		t.Errorf("stream missing stdout chunk %q:\n%s", wantChunk, got)
	}
	wantDone := "event: done\ndata: {\"state\":\"Succeeded\",\"exitCode\":0}\n\n"
	if !strings.HasSuffix(got, wantDone) {
		t.Errorf("stream should end with %q:\n%s", wantDone, got)
	}
}

func TestStreamResumesAfterLastEventID(t *testing.T) {
	g := newTestGateway(t, gatewayOptions{})
	job := g.submit(t, "version", "")
	g.wait(t, job.ID)

	req, _ := http.NewRequest(http.MethodGet, g.srv.URL+"/api/v1/jobs/"+job.ID+"/stream", nil)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if strings.Contains(string(body), "event: stdout") {
		t.Errorf("chunk 1 replayed despite Last-Event-ID:\n%s", body)
	}
	if !strings.Contains(string(body), "event: done") {
		t.Errorf("done event missing:\n%s", body)
	}
}

func TestCreateJobStreamsOnRequest(t *testing.T) {
	g := newTestGateway(t, gatewayOptions{})

	resp := g.do(t, http.MethodPost, "/api/v1/jobs/version?stream=1", "{}")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	got := string(body)

	if !strings.HasPrefix(got, "event: job\ndata: {\"id\":\"") {
		t.Errorf("stream should open with the job id:\n%s", got)
	}
	if !strings.Contains(got, "data: hello\n") {
		t.Errorf("output missing:\n%s", got)
	}
	if !strings.Contains(got, "event: done\n") {
		t.Errorf("done missing:\n%s", got)
	}
}

func TestStreamUnknownJob(t *testing.T) {
	g := newTestGateway(t, gatewayOptions{})

	for _, path := range []string{"/api/v1/jobs/nope/stream", "/api/v1/jobs/nope/ws", "/api/v1/jobs/nope"} {
		resp := g.do(t, http.MethodGet, path, "")
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, resp.StatusCode)
			continue
		}
		body := decodeError(t, resp)
		if body.Error.Code != domain.CodeJobNotFound {
			t.Errorf("%s: code = %s", path, body.Error.Code)
		}
	}
}

func TestCreateJobInvalid(t *testing.T) {
	g := newTestGateway(t, gatewayOptions{})

	tests := []struct {
		name string
		kind string
		body string
	}{
		{"unknown kind", "reboot", "{}"},
		{"malformed json", "ping", "{"},
		{"unknown field", "ping", `{"hosts":"all"}`},
		{"option injection", "ad-hoc", `{"pattern":"--become","args":"id"}`},
		{"timeout out of range", "version", `{"timeout_seconds":0}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := g.do(t, http.MethodPost, "/api/v1/jobs/"+tt.kind, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			if body := decodeError(t, resp); body.Error.Code != domain.CodeRequestInvalid {
				t.Errorf("code = %s", body.Error.Code)
			}
		})
	}

	if n := len(g.jobs.Registry().List(jobs.ListFilter{})); n != 0 {
		t.Errorf("rejected requests created %d jobs", n)
	}
}

func TestDeleteCancelsRunningJob(t *testing.T) {
	g := newTestGateway(t, gatewayOptions{})
	job := g.submit(t, "ad-hoc", `{"pattern":"slow","module":"ping"}`)

	resp := g.do(t, http.MethodDelete, "/api/v1/jobs/"+job.ID, "")
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	final := g.wait(t, job.ID)
	if final.State != domain.JobCancelled {
		t.Errorf("State = %s (%s)", final.State, final.Reason)
	}

	// Cancelling again is a no-op on a terminal job.
	again := g.do(t, http.MethodDelete, "/api/v1/jobs/"+job.ID, "")
	if again.StatusCode != http.StatusOK {
		t.Errorf("second DELETE status = %d, want 200", again.StatusCode)
	}
}

func TestDeleteEvict(t *testing.T) {
	g := newTestGateway(t, gatewayOptions{})

	running := g.submit(t, "ad-hoc", `{"pattern":"slow","module":"ping"}`)
	resp := g.do(t, http.MethodDelete, "/api/v1/jobs/"+running.ID+"?evict=1", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("evict running: status = %d, want 409", resp.StatusCode)
	}
	g.jobs.Cancel(running.ID, jobs.ReasonCancelled)

	done := g.submit(t, "version", "")
	g.wait(t, done.ID)
	resp = g.do(t, http.MethodDelete, "/api/v1/jobs/"+done.ID+"?evict=1", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("evict: status = %d, want 204", resp.StatusCode)
	}
	if resp := g.do(t, http.MethodGet, "/api/v1/jobs/"+done.ID, ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET after evict: status = %d", resp.StatusCode)
	}
}

func TestDisconnectCancelsJob(t *testing.T) {
	g := newTestGateway(t, gatewayOptions{stream: StreamOptions{CancelOnDisconnect: true}})
	job := g.submit(t, "ad-hoc", `{"pattern":"slow","module":"ping"}`)

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, g.srv.URL+"/api/v1/jobs/"+job.ID+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	cancel()
	resp.Body.Close()

	final := g.wait(t, job.ID)
	if final.State != domain.JobCancelled {
		t.Fatalf("State = %s, want Cancelled", final.State)
	}
	if final.Reason != jobs.ReasonDisconnected {
		t.Errorf("Reason = %q", final.Reason)
	}
}

func TestDisconnectKeepsJobByDefault(t *testing.T) {
	g := newTestGateway(t, gatewayOptions{})
	job := g.submit(t, "ad-hoc", `{"pattern":"slow","module":"ping"}`)
	t.Cleanup(func() { g.jobs.Cancel(job.ID, jobs.ReasonCancelled) })

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, g.srv.URL+"/api/v1/jobs/"+job.ID+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	resp.Body.Close()

	time.Sleep(200 * time.Millisecond)
	got, _ := g.jobs.Registry().Get(job.ID)
	if got.State != domain.JobRunning {
		t.Errorf("State = %s, want Running", got.State)
	}
}

func TestHeartbeat(t *testing.T) {
	g := newTestGateway(t, gatewayOptions{stream: StreamOptions{Heartbeat: 50 * time.Millisecond}})
	job := g.submit(t, "ad-hoc", `{"pattern":"slow","module":"ping"}`)
	t.Cleanup(func() { g.jobs.Cancel(job.ID, jobs.ReasonCancelled) })

	resp := g.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID+"/stream", "")
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != ": keepalive\n" {
		t.Errorf("first line = %q, want keepalive comment", line)
	}
}

func TestListJobs(t *testing.T) {
	g := newTestGateway(t, gatewayOptions{})
	v := g.submit(t, "version", "")
	p := g.submit(t, "ping", "")
	g.wait(t, v.ID)
	g.wait(t, p.ID)

	var list listResponse
	resp := g.do(t, http.MethodGet, "/api/v1/jobs", "")
	json.NewDecoder(resp.Body).Decode(&list)
	if len(list.Jobs) != 2 || list.Jobs[0].ID != v.ID || list.Jobs[1].ID != p.ID {
		t.Fatalf("jobs = %+v, want creation order", list.Jobs)
	}

	resp = g.do(t, http.MethodGet, "/api/v1/jobs?kind=ping&state=succeeded", "")
	list = listResponse{}
	json.NewDecoder(resp.Body).Decode(&list)
	if len(list.Jobs) != 1 || list.Jobs[0].ID != p.ID {
		t.Errorf("kind/state filter = %+v", list.Jobs)
	}

	resp = g.do(t, http.MethodGet, `/api/v1/jobs?filter=job.kind+%3D%3D+%22version%22`, "")
	list = listResponse{}
	json.NewDecoder(resp.Body).Decode(&list)
	if len(list.Jobs) != 1 || list.Jobs[0].ID != v.ID {
		t.Errorf("expression filter = %+v", list.Jobs)
	}

	for _, q := range []string{"kind=reboot", "state=sleeping", "filter=job.kind+%3D%3D"} {
		resp := g.do(t, http.MethodGet, "/api/v1/jobs?"+q, "")
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestAuth(t *testing.T) {
	g := newTestGateway(t, gatewayOptions{tokens: []TokenEntry{{Token: "test-token", Name: "tester"}}})

	resp := g.do(t, http.MethodGet, "/api/v1/jobs", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Error("WWW-Authenticate missing")
	}
	if body := decodeError(t, resp); body.Error.Code != domain.CodeGatewayAuth {
		t.Errorf("code = %s", body.Error.Code)
	}

	req, _ := http.NewRequest(http.MethodGet, g.srv.URL+"/api/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	bearer, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	bearer.Body.Close()
	if bearer.StatusCode != http.StatusOK {
		t.Errorf("bearer: status = %d", bearer.StatusCode)
	}

	if resp := g.do(t, http.MethodGet, "/api/v1/jobs?token=test-token", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("query token: status = %d", resp.StatusCode)
	}
	if resp := g.do(t, http.MethodGet, "/metrics", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("metrics without token: status = %d", resp.StatusCode)
	}
	for _, open := range []string{"/healthz", "/.well-known/mcp.json"} {
		if resp := g.do(t, http.MethodGet, open, ""); resp.StatusCode != http.StatusOK {
			t.Errorf("%s: status = %d, want 200 without token", open, resp.StatusCode)
		}
	}
}

func TestStaticTokenAuth(t *testing.T) {
	auth := NewStaticTokenAuth([]TokenEntry{{Token: "secret-123", Name: "ci"}, {Token: "", Name: "blank"}})

	info, err := auth.Authenticate("secret-123")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if info.Name != "ci" {
		t.Errorf("Name = %q", info.Name)
	}
	if _, err := auth.Authenticate(""); err == nil {
		t.Error("empty token should not match a blank entry")
	}
	if NewStaticTokenAuth(nil).Enabled() {
		t.Error("empty token list should disable auth")
	}
}

func TestDisabledFeatures(t *testing.T) {
	g := newTestGateway(t, gatewayOptions{})

	resp := g.do(t, http.MethodPost, "/api/v1/playbooks", `{"name":"site.yml","content":"- hosts: all\n"}`)
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("playbooks: status = %d, want 501", resp.StatusCode)
	}
	resp = g.do(t, http.MethodGet, "/api/v1/history", "")
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("history: status = %d, want 501", resp.StatusCode)
	}
	if body := decodeError(t, resp); body.Error.Code != domain.CodeHistoryDisabled {
		t.Errorf("history code = %s", body.Error.Code)
	}
}

func TestStatusAndMetrics(t *testing.T) {
	g := newTestGateway(t, gatewayOptions{})
	job := g.submit(t, "version", "")
	g.wait(t, job.ID)

	var status StatusResponse
	resp := g.do(t, http.MethodGet, "/api/v1/status", "")
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Server.Name != "ansible-mcp" || status.Server.Version != "test" {
		t.Errorf("server = %+v", status.Server)
	}
	if status.Jobs.ByState[domain.JobSucceeded] != 1 {
		t.Errorf("by_state = %v", status.Jobs.ByState)
	}
	if status.Engine.Breaker != "closed" {
		t.Errorf("breaker = %q", status.Engine.Breaker)
	}
	if status.History.Enabled {
		t.Error("history should be disabled")
	}

	resp = g.do(t, http.MethodGet, "/metrics", "")
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		"# TYPE ansiblemcp_jobs_submitted_total counter",
		`ansiblemcp_jobs{state="Succeeded"} 1`,
		"ansiblemcp_slots_running 0",
		"ansiblemcp_engine_breaker_open 0",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestManifest(t *testing.T) {
	g := newTestGateway(t, gatewayOptions{})

	var m Manifest
	resp := g.do(t, http.MethodGet, "/.well-known/mcp.json", "")
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatal(err)
	}
	if m.Name != "ansible-mcp" {
		t.Errorf("Name = %q", m.Name)
	}
	if m.Endpoints["streamable_http"] != g.srv.URL+"/mcp" {
		t.Errorf("endpoint = %q", m.Endpoints["streamable_http"])
	}
	if m.Auth != "none" {
		t.Errorf("Auth = %q", m.Auth)
	}
	if len(m.Tools) != 1 || m.Tools[0].Name != "ansible_version" {
		t.Errorf("Tools = %+v", m.Tools)
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.NewSubSystemError("command", "op", domain.ErrInvalidInput, ""), http.StatusBadRequest},
		{domain.ErrGatewayAuthFailed, http.StatusUnauthorized},
		{domain.NewSubSystemError("jobs", "op", domain.ErrNotFound, ""), http.StatusNotFound},
		{domain.NewSubSystemError("jobs", "op", domain.ErrInvalidTransition, ""), http.StatusConflict},
		{domain.NewSubSystemError("playbook", "op", domain.ErrDuplicate, ""), http.StatusConflict},
		{domain.ErrRateLimit, http.StatusTooManyRequests},
		{domain.ErrEngineUnavailable, http.StatusServiceUnavailable},
		{domain.ErrExecutableNotFound, http.StatusUnprocessableEntity},
		{domain.ErrDisabled, http.StatusNotImplemented},
		{domain.ErrTimeout, http.StatusGatewayTimeout},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusOf(tt.err); got != tt.want {
			t.Errorf("StatusOf(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestWriteErrorBody(t *testing.T) {
	tests := []struct {
		err       error
		code      domain.ErrorCode
		retryable bool
	}{
		{domain.NewSubSystemError("jobs", "op", domain.ErrNotFound, "j1"), domain.CodeJobNotFound, false},
		{domain.NewSubSystemError("runner", "op", domain.ErrEngineUnavailable, "breaker open"), domain.CodeEngineUnavailable, true},
		{domain.ErrRateLimit, domain.CodeRateLimit, true},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeError(rec, tt.err)

		var body ErrorBody
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Error.Code != tt.code {
			t.Errorf("%v: code = %s, want %s", tt.err, body.Error.Code, tt.code)
		}
		if body.Error.Retryable != tt.retryable {
			t.Errorf("%v: retryable = %v, want %v", tt.err, body.Error.Retryable, tt.retryable)
		}
		if rec.Header().Get("Content-Type") != "application/json" {
			t.Errorf("content type = %q", rec.Header().Get("Content-Type"))
		}
	}
}

func TestWebSocketStream(t *testing.T) {
	g := newTestGateway(t, gatewayOptions{})
	job := g.submit(t, "version", "")
	g.wait(t, job.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/api/v1/jobs/" + job.ID + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var stdout []byte
	for {
		var f Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if f.Type == FrameTypeChunk && f.Stream == domain.StreamStdout {
			stdout = append(stdout, f.Data...)
		}
		if f.Type == FrameTypeDone {
			if f.Outcome == nil || f.Outcome.State != domain.JobSucceeded {
				t.Fatalf("done outcome = %+v", f.Outcome)
			}
			if f.Outcome.ExitCode == nil || *f.Outcome.ExitCode != 0 {
				t.Errorf("exit code = %v", f.Outcome.ExitCode)
			}
			break
		}
	}
	if !strings.Contains(string(stdout), "hello") {
		t.Errorf("stdout = %q, want it to contain hello", stdout)
	}

	// The server closes normally after the done frame.
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("close status = %v (err %v)", websocket.CloseStatus(err), err)
	}
}

func TestWebSocketUnknownJob(t *testing.T) {
	g := newTestGateway(t, gatewayOptions{})
	resp := g.do(t, http.MethodGet, "/api/v1/jobs/nope/ws", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if body := decodeError(t, resp); body.Error.Code != domain.CodeJobNotFound {
		t.Errorf("code = %s", body.Error.Code)
	}
}

type sseEvent struct {
	name string
	id   string
	data string
}

// parseSSE reads body the way an EventSource client does: CRLF, CR and LF
// all end a line, and data lines are joined with LF.
func parseSSE(body string) []sseEvent {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\r", "\n")

	var out []sseEvent
	var cur sseEvent
	var data []string
	for _, line := range strings.Split(body, "\n") {
		if line == "" {
			if data != nil {
				cur.data = strings.Join(data, "\n")
				out = append(out, cur)
			}
			cur, data = sseEvent{}, nil
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			cur.name = value
		case "id":
			cur.id = value
		case "data":
			data = append(data, value)
		}
	}
	return out
}

// streamBytes reassembles one output stream from parsed events.
func streamBytes(t *testing.T, events []sseEvent, name string) []byte {
	t.Helper()
	var out []byte
	for _, ev := range events {
		switch ev.name {
		case name:
			out = append(out, ev.data...)
		case name + encodedSuffix:
			raw, err := base64.StdEncoding.DecodeString(ev.data)
			if err != nil {
				t.Fatalf("event %s: %v", ev.id, err)
			}
			out = append(out, raw...)
		}
	}
	return out
}

func TestStreamKeepsCarriageReturns(t *testing.T) {
	g := newTestGateway(t, gatewayOptions{})

	tests := []struct {
		pattern string
		want    string
	}{
		{"progress", "10%\r50%\r100%\n"},
		{"crlf", "ok: [web1]\r\nchanged: [web2]\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			job := g.submit(t, "ad-hoc", `{"pattern":"`+tt.pattern+`","module":"ping"}`)
			resp := g.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID+"/stream", "")
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatal(err)
			}

			events := parseSSE(string(body))
			if got := streamBytes(t, events, "stdout"); string(got) != tt.want {
				t.Errorf("stdout = %q, want %q", got, tt.want)
			}
			if len(events) == 0 || events[len(events)-1].name != "done" {
				t.Errorf("stream did not end with done: %+v", events)
			}
		})
	}
}

func TestWriteChunk(t *testing.T) {
	tests := []struct {
		name      string
		data      []byte
		wantEvent string
	}{
		{"plain text", []byte("ok: [web1]\nchanged: [web2]\n"), "stdout"},
		{"bare CR", []byte("10%\r50%"), "stdout-base64"},
		{"CRLF", []byte("ok\r\n"), "stdout-base64"},
		{"invalid UTF-8", []byte{'o', 'k', 0xff, '\n'}, "stdout-base64"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := writeChunk(&buf, domain.OutputChunk{Seq: 7, Stream: domain.StreamStdout, Data: tt.data}); err != nil {
				t.Fatal(err)
			}
			if bytes.IndexByte(buf.Bytes(), '\r') >= 0 {
				t.Fatalf("raw CR on the wire: %q", buf.String())
			}
			events := parseSSE(buf.String())
			if len(events) != 1 {
				t.Fatalf("events = %+v", events)
			}
			if events[0].name != tt.wantEvent || events[0].id != "7" {
				t.Errorf("event = %q id %q, want %q id 7", events[0].name, events[0].id, tt.wantEvent)
			}
			if got := streamBytes(t, events, "stdout"); !bytes.Equal(got, tt.data) {
				t.Errorf("round trip = %q, want %q", got, tt.data)
			}
		})
	}
}

func TestGetJobReportsStreamStats(t *testing.T) {
	g := newTestGateway(t, gatewayOptions{})
	job := g.submit(t, "version", "")
	g.wait(t, job.ID)

	resp := g.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var detail JobDetail
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatal(err)
	}
	if detail.ID != job.ID || detail.State != domain.JobSucceeded {
		t.Errorf("job = %+v", detail.Job)
	}
	if detail.Stream.Published == 0 || detail.Stream.Bytes != detail.OutputBytes {
		t.Errorf("stream = %+v, output_bytes = %d", detail.Stream, detail.OutputBytes)
	}
	if !detail.Stream.Closed || detail.Stream.Subscribers != 0 {
		t.Errorf("stream = %+v", detail.Stream)
	}
}
