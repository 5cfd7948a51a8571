package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/aether/internal/apps"
	"github.com/haasonsaas/aether/internal/auth"
	"github.com/haasonsaas/aether/internal/bus"
	"github.com/haasonsaas/aether/internal/kv"
	"github.com/haasonsaas/aether/internal/memory"
	"github.com/haasonsaas/aether/internal/metrics"
	"github.com/haasonsaas/aether/internal/proc"
	"github.com/haasonsaas/aether/internal/sandbox"
	"github.com/haasonsaas/aether/internal/sched"
	"github.com/haasonsaas/aether/pkg/models"
)

type nullSandbox struct{}

func (nullSandbox) Workdir() string                                   { return "/tmp/ws" }
func (nullSandbox) ReadFile(context.Context, string) (string, error)  { return "", nil }
func (nullSandbox) WriteFile(context.Context, string, string) error   { return nil }
func (nullSandbox) ListDir(context.Context, string) ([]string, error) { return nil, nil }
func (nullSandbox) Mkdir(context.Context, string) error               { return nil }
func (nullSandbox) Exec(context.Context, string) (*sandbox.ExecResult, error) {
	return &sandbox.ExecResult{}, nil
}
func (nullSandbox) Navigate(context.Context, string) error        { return nil }
func (nullSandbox) Click(context.Context, string) (string, error) { return "", nil }
func (nullSandbox) PageText(context.Context) (string, error)      { return "", nil }
func (nullSandbox) Release() error                                { return nil }

type nullFactory struct{}

func (nullFactory) Acquire(context.Context, int) (sandbox.Sandbox, error) {
	return nullSandbox{}, nil
}

type parkedRunner struct {
	mgr *proc.Manager
}

func (r *parkedRunner) Run(ctx context.Context, p *proc.Process) {
	<-ctx.Done()
	outcome := p.Outcome()
	if outcome == "" {
		outcome = models.OutcomeFailed
	}
	r.mgr.Exit(p, outcome, 1)
}

type fixture struct {
	ts     *httptest.Server
	server *Server
	auth   *auth.Service
	mgr    *proc.Manager
	bus    *bus.Bus
	apps   *apps.Registry
	admin  string // admin token
	user   string // user token
	userID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.Default()
	store := kv.NewMemory()
	eventBus := bus.New(logger)

	authSvc, err := auth.NewService(store, "test-secret", time.Hour, nil, logger)
	if err != nil {
		t.Fatalf("auth.NewService: %v", err)
	}
	mem := memory.New(store, eventBus, nil, logger)
	mgr := proc.NewManager(nullFactory{}, eventBus, nil, logger, proc.Options{})
	mgr.SetRunner(&parkedRunner{mgr: mgr})
	appReg := apps.NewRegistry(store, nil)

	server := NewServer(Deps{
		Auth:      authSvc,
		Scheduler: sched.New(mgr, "big", "small", logger),
		Manager:   mgr,
		Memory:    mem,
		Apps:      appReg,
		Bus:       eventBus,
		Metrics:   metrics.New(),
		Logger:    logger,
	})
	ts := httptest.NewServer(server.Handler())

	ctx := context.Background()
	adminUser, err := authSvc.CreateUser(ctx, "root", "password123", models.RoleAdmin)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	plainUser, err := authSvc.CreateUser(ctx, "alice", "password123", models.RoleUser)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	adminToken, err := authSvc.Issue(adminUser)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	userToken, err := authSvc.Issue(plainUser)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	f := &fixture{
		ts:     ts,
		server: server,
		auth:   authSvc,
		mgr:    mgr,
		bus:    eventBus,
		apps:   appReg,
		admin:  adminToken,
		user:   userToken,
		userID: plainUser.UID,
	}
	t.Cleanup(func() {
		ts.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = mgr.Shutdown(shutdownCtx)
	})
	return f
}

func (f *fixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
}

// dial opens an authenticated session and consumes the connection and
// kernel.ready greetings.
func (f *fixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL(), header)
	if err != nil {
		t.Fatalf("dial: %v (resp %v)", err, resp)
	}
	t.Cleanup(func() { conn.Close() })

	for _, want := range []string{models.TopicConnection, models.TopicKernelReady} {
		frame := readFrame(t, conn)
		if frame["type"] != want {
			t.Fatalf("greeting = %v, want %s", frame["type"], want)
		}
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

// request sends a frame and waits for its paired response, skipping any
// interleaved events.
func request(t *testing.T, conn *websocket.Conn, req map[string]any) map[string]any {
	t.Helper()
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	id := req["id"]
	for i := 0; i < 50; i++ {
		frame := readFrame(t, conn)
		if frame["id"] == id {
			return frame
		}
	}
	t.Fatalf("no response for id %v", id)
	return nil
}

func requestOK(t *testing.T, conn *websocket.Conn, req map[string]any) map[string]any {
	t.Helper()
	frame := request(t, conn, req)
	if frame["type"] != "response.ok" {
		t.Fatalf("response = %v", frame)
	}
	data, _ := frame["data"].(map[string]any)
	return data
}

func TestUpgradeRequiresValidToken(t *testing.T) {
	f := newFixture(t)

	if _, resp, err := websocket.DefaultDialer.Dial(f.wsURL(), nil); err == nil {
		t.Error("upgrade without token accepted")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %v", resp)
	}

	header := http.Header{"Authorization": {"Bearer garbage"}}
	if _, resp, err := websocket.DefaultDialer.Dial(f.wsURL(), header); err == nil {
		t.Error("upgrade with bad token accepted")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %v", resp)
	}
}

func TestTokenViaQueryParameter(t *testing.T) {
	f := newFixture(t)
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL()+"?token="+f.user, nil)
	if err != nil {
		t.Fatalf("dial with query token: %v", err)
	}
	conn.Close()
}

func TestLoginEndpoint(t *testing.T) {
	f := newFixture(t)

	body := strings.NewReader(`{"username":"alice","password":"password123"}`)
	resp, err := http.Post(f.ts.URL+"/login", "application/json", body)
	if err != nil {
		t.Fatalf("POST /login: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
		User  struct {
			Username string `json:"username"`
			Role     string `json:"role"`
		} `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Token == "" || out.User.Username != "alice" || out.User.Role != "user" {
		t.Errorf("login response = %+v", out)
	}

	bad := strings.NewReader(`{"username":"alice","password":"wrong"}`)
	resp2, err := http.Post(f.ts.URL+"/login", "application/json", bad)
	if err != nil {
		t.Fatalf("POST /login: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad login status = %d", resp2.StatusCode)
	}
}

func TestSpawnListKillFlow(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, f.user)

	data := requestOK(t, conn, map[string]any{
		"type": "process.spawn", "id": "r1",
		"goal": "draft the weekly report for the team",
	})
	pid := int(data["pid"].(float64))
	if pid == 0 {
		t.Fatalf("spawn data = %v", data)
	}
	if data["owner_uid"] != f.userID {
		t.Errorf("owner = %v", data["owner_uid"])
	}

	listData := requestOK(t, conn, map[string]any{"type": "process.list", "id": "r2"})
	procs := listData["processes"].([]any)
	if len(procs) != 1 {
		t.Fatalf("processes = %v", procs)
	}

	requestOK(t, conn, map[string]any{"type": "process.kill", "id": "r3", "pid": pid})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p, err := f.mgr.Get(pid)
		if err == nil && p.State().Terminal() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("killed process never exited")
}

func TestOwnershipEnforced(t *testing.T) {
	f := newFixture(t)
	userConn := f.dial(t, f.user)
	adminConn := f.dial(t, f.admin)

	// Admin spawns a process for itself.
	data := requestOK(t, adminConn, map[string]any{
		"type": "process.spawn", "id": "a1",
		"goal": "investigate the failing integration suite",
	})
	adminPID := int(data["pid"].(float64))

	// The plain user can neither see nor kill it.
	listData := requestOK(t, userConn, map[string]any{"type": "process.list", "id": "u1"})
	if procs := listData["processes"].([]any); len(procs) != 0 {
		t.Errorf("user sees foreign processes: %v", procs)
	}
	frame := request(t, userConn, map[string]any{"type": "process.kill", "id": "u2", "pid": adminPID})
	if frame["type"] != "response.error" || frame["code"] != models.CodeForbidden {
		t.Errorf("kill response = %v", frame)
	}

	// Admin sees the user's processes too.
	requestOK(t, userConn, map[string]any{
		"type": "process.spawn", "id": "u3", "goal": "summarize the minutes",
	})
	adminList := requestOK(t, adminConn, map[string]any{"type": "process.list", "id": "a2"})
	if procs := adminList["processes"].([]any); len(procs) != 2 {
		t.Errorf("admin list = %v", procs)
	}
}

func TestUnknownRequestType(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, f.user)

	frame := request(t, conn, map[string]any{"type": "fs.format", "id": "r1"})
	if frame["type"] != "response.error" || frame["code"] != models.CodeInvalidArgument {
		t.Errorf("response = %v", frame)
	}

	// The session survives protocol errors.
	requestOK(t, conn, map[string]any{"type": "kernel.status", "id": "r2"})
}

func TestMissingRequestID(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, f.user)

	if err := conn.WriteJSON(map[string]any{"type": "process.list"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readFrame(t, conn)
	if frame["type"] != "response.error" || frame["code"] != models.CodeInvalidArgument {
		t.Errorf("response = %v", frame)
	}
}

func TestMemoryRequests(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, f.user)

	rec := requestOK(t, conn, map[string]any{
		"type": "memory.store", "id": "m1",
		"layer": "semantic", "content": "the deploy pipeline runs on fridays",
		"tags": []string{"deploy"}, "importance": 0.7,
	})
	recID := rec["id"].(string)
	if rec["agent_uid"] != f.userID {
		t.Errorf("record uid = %v", rec["agent_uid"])
	}

	recall := requestOK(t, conn, map[string]any{
		"type": "memory.recall", "id": "m2", "query": "deploy pipeline",
	})
	if records := recall["records"].([]any); len(records) != 1 {
		t.Errorf("recall = %v", records)
	}

	// A plain user cannot touch another agent's memory.
	frame := request(t, conn, map[string]any{
		"type": "memory.recall", "id": "m3", "agent_uid": "someone-else",
	})
	if frame["type"] != "response.error" || frame["code"] != models.CodeForbidden {
		t.Errorf("foreign recall = %v", frame)
	}

	requestOK(t, conn, map[string]any{"type": "memory.forget", "id": "m4", "memory_id": recID})
	frame = request(t, conn, map[string]any{"type": "memory.forget", "id": "m5", "memory_id": recID})
	if frame["type"] != "response.error" || frame["code"] != models.CodeNotFound {
		t.Errorf("double forget = %v", frame)
	}
}

func TestMemoryProfileRequest(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, f.user)

	profile := requestOK(t, conn, map[string]any{"type": "memory.profile", "id": "p1"})
	if profile["agent_uid"] != f.userID {
		t.Errorf("profile = %v", profile)
	}
}

func TestAppRequests(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, f.user)

	if _, err := f.apps.Install(context.Background(), "notes", f.userID); err != nil {
		t.Fatalf("Install: %v", err)
	}

	listData := requestOK(t, conn, map[string]any{"type": "app.list", "id": "a1"})
	if appsList := listData["apps"].([]any); len(appsList) != 1 {
		t.Fatalf("apps = %v", appsList)
	}

	updated := requestOK(t, conn, map[string]any{
		"type": "app.enable", "id": "a2", "name": "notes", "enabled": false,
	})
	if updated["enabled"] != false {
		t.Errorf("app = %v", updated)
	}

	frame := request(t, conn, map[string]any{"type": "app.enable", "id": "a3", "name": "ghost"})
	if frame["type"] != "response.error" || frame["code"] != models.CodeNotFound {
		t.Errorf("unknown app = %v", frame)
	}
}

func TestApproveRequest(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, f.user)

	data := requestOK(t, conn, map[string]any{
		"type": "process.spawn", "id": "r1", "goal": "run the database migration",
	})
	pid := int(data["pid"].(float64))

	p, err := f.mgr.Get(pid)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	decisions := p.BeginApproval()

	requestOK(t, conn, map[string]any{"type": "agent.approve", "id": "r2", "pid": pid})
	select {
	case d := <-decisions:
		if !d.Approved || d.By != "alice" {
			t.Errorf("decision = %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no decision delivered")
	}

	// Nothing pending now.
	frame := request(t, conn, map[string]any{"type": "agent.reject", "id": "r3", "pid": pid})
	if frame["type"] != "response.error" || frame["code"] != models.CodeInvalidArgument {
		t.Errorf("reject without pending = %v", frame)
	}
}

func TestSubscribeFiltersByOwner(t *testing.T) {
	f := newFixture(t)
	userConn := f.dial(t, f.user)
	adminConn := f.dial(t, f.admin)

	requestOK(t, userConn, map[string]any{
		"type": "subscribe", "id": "s1", "topics": []string{"process"},
	})
	requestOK(t, adminConn, map[string]any{
		"type": "subscribe", "id": "s2", "topics": []string{"process"},
	})

	// Admin spawns for itself; only the admin session should see it.
	if err := adminConn.WriteJSON(map[string]any{
		"type": "process.spawn", "id": "s3", "goal": "research the vendor options",
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	sawEvent := false
	for i := 0; i < 10 && !sawEvent; i++ {
		frame := readFrame(t, adminConn)
		sawEvent = frame["type"] == models.TopicProcessSpawned
	}
	if !sawEvent {
		t.Error("admin never received its spawn event")
	}

	// The user spawns; its own event must arrive and carry its uid.
	if err := userConn.WriteJSON(map[string]any{
		"type": "process.spawn", "id": "s4", "goal": "summarize chapter one",
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	for i := 0; ; i++ {
		if i >= 10 {
			t.Fatal("user never received its own spawn event")
		}
		frame := readFrame(t, userConn)
		if frame["type"] == models.TopicProcessSpawned {
			if frame["owner_uid"] != f.userID {
				t.Fatalf("user saw foreign event: %v", frame)
			}
			break
		}
	}
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, f.user)

	requestOK(t, conn, map[string]any{
		"type": "subscribe", "id": "s1", "topics": []string{"kernel"},
	})
	requestOK(t, conn, map[string]any{
		"type": "unsubscribe", "id": "s2", "topics": []string{"kernel"},
	})

	f.bus.Publish(models.TopicKernelMetrics, models.MetricsEvent{})

	// The next frame must be a response, not the kernel event.
	frame := request(t, conn, map[string]any{"type": "kernel.status", "id": "s3"})
	if frame["type"] != "response.ok" {
		t.Errorf("frame after unsubscribe = %v", frame)
	}
}

func TestKernelStatus(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, f.admin)

	requestOK(t, conn, map[string]any{
		"type": "process.spawn", "id": "k1", "goal": "catalogue the assets folder",
	})
	data := requestOK(t, conn, map[string]any{"type": "kernel.status", "id": "k2"})
	states := data["processes"].(map[string]any)
	if states["running"].(float64) < 1 {
		t.Errorf("status = %v", data)
	}
}
