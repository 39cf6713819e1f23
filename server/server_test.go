package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opslattice/dirigent/comms"
	"github.com/opslattice/dirigent/config"
	"github.com/opslattice/dirigent/engine"
	dbtest "github.com/opslattice/dirigent/internal/testing"
	"github.com/opslattice/dirigent/job"
	"github.com/opslattice/dirigent/serial"
	"github.com/opslattice/dirigent/target"
)

// okFactory substitutes every protocol executor with one that succeeds
// immediately, so submissions can run end to end without real targets.
type okFactory struct{}

func (okFactory) Executor(method *target.CommunicationMethod) (comms.Executor, error) {
	return okExecutor{kind: method.Kind}, nil
}

type okExecutor struct {
	kind target.MethodKind
}

func (e okExecutor) Kind() target.MethodKind { return e.kind }

func (e okExecutor) Execute(ctx context.Context, action job.Action, cred *target.Credential) (comms.Result, error) {
	return comms.Result{Output: "ok"}, nil
}

type testServer struct {
	*Server
	serials *serial.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	conn := dbtest.CreateTestDB(t)
	logger := zap.NewNop().Sugar()

	jobs := job.NewStore(conn)
	targets := target.NewStore(conn)
	executions := engine.NewExecutionStore(conn)
	branches := engine.NewBranchStore(conn)
	logs := engine.NewLogStore(conn)
	serials := serial.NewManager(conn)
	publisher := engine.NewPublisher(logger)

	cfg := config.Default()
	aggregator := engine.NewAggregator(executions, branches, publisher, logger)
	runner := engine.NewRunner(branches, logs, targets, okFactory{}, publisher, aggregator,
		cfg.Engine.ActionTimeout(), logger)
	dispatcher := engine.NewDispatcher(jobs, targets, executions, branches, serials,
		runner, publisher, cfg.Engine, logger)

	return &testServer{
		Server:  New(cfg.Server, jobs, targets, executions, branches, logs, dispatcher, publisher, logger),
		serials: serials,
	}
}

func (s *testServer) seedJob(t *testing.T) *job.Job {
	t.Helper()
	jobSerial, err := s.serials.NextSerial(serial.KindJob, time.Now().Year())
	require.NoError(t, err)
	j := job.New(jobSerial, "disk cleanup", "", []job.Action{
		{Type: job.ActionCommand, Params: json.RawMessage(`{"command":"df -h"}`)},
	})
	require.NoError(t, s.jobs.Create(j))
	return j
}

func (s *testServer) seedTarget(t *testing.T, name string) *target.Target {
	t.Helper()
	targetSerial, err := s.serials.NextSerial(serial.KindTarget, time.Now().Year())
	require.NoError(t, err)
	tgt := target.New(targetSerial, name)
	tgt.AddMethod(target.MethodSSH, json.RawMessage(`{"host":"`+name+`"}`), &target.Credential{
		Kind: target.CredentialPassword, Username: "ops", Secret: "pw",
	})
	require.NoError(t, s.targets.Create(tgt))
	return tgt
}

func (s *testServer) request(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := s.request(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestJobLookupByUUIDAndSerial(t *testing.T) {
	s := newTestServer(t)
	j := s.seedJob(t)

	for _, ref := range []string{j.ID, j.Serial} {
		rec := s.request(t, http.MethodGet, "/api/jobs/"+ref, nil)
		require.Equal(t, http.StatusOK, rec.Code, "lookup by %s", ref)

		var got job.Job
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, j.ID, got.ID)
		assert.Equal(t, j.Serial, got.Serial)
		assert.Len(t, got.Actions, 1)
	}
}

func TestUnknownEntityIs404(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{
		"/api/jobs/JOB-2026-999999",
		"/api/targets/TGT-2026-999999",
		"/api/executions/JOB-2026-999999.0001",
		"/api/branches/JOB-2026-999999.0001.0001",
	} {
		rec := s.request(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestSubmitAndReadBack(t *testing.T) {
	s := newTestServer(t)
	j := s.seedJob(t)
	tgt := s.seedTarget(t, "web01")

	rec := s.request(t, http.MethodPost, "/api/executions", submitRequest{
		Job:     j.Serial,
		Targets: []string{tgt.Serial},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var submitted map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	executionSerial := submitted["execution"]
	assert.Equal(t, j.Serial+".0001", executionSerial)

	// The run is asynchronous; poll the read API until it lands.
	require.Eventually(t, func() bool {
		rec := s.request(t, http.MethodGet, "/api/executions/"+executionSerial, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var e engine.Execution
		if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
			return false
		}
		return e.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	rec = s.request(t, http.MethodGet, "/api/executions/"+executionSerial+"/branches", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), executionSerial+".0001")

	rec = s.request(t, http.MethodGet, "/api/executions/"+executionSerial+"/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "action_execution")
}

func TestSubmitValidationIs400(t *testing.T) {
	s := newTestServer(t)
	j := s.seedJob(t)
	tgt := s.seedTarget(t, "retired01")
	require.NoError(t, s.targets.Deactivate(tgt.ID))

	rec := s.request(t, http.MethodPost, "/api/executions", submitRequest{
		Job:     j.Serial,
		Targets: []string{tgt.Serial},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "not dispatchable")
}

func TestCancelFinishedExecutionIs409(t *testing.T) {
	s := newTestServer(t)
	j := s.seedJob(t)
	tgt := s.seedTarget(t, "web01")

	executionSerial, err := s.dispatcher.Submit(context.Background(), j.ID, []string{tgt.ID}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		e, err := s.executions.GetBySerial(executionSerial)
		if err != nil {
			return false
		}
		return e.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	rec := s.request(t, http.MethodPost, "/api/executions/"+executionSerial+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestEventStreamDeliversOverWebSocket(t *testing.T) {
	s := newTestServer(t)

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the server a beat to register the subscription.
	time.Sleep(50 * time.Millisecond)
	s.publisher.Publish(engine.Event{
		Type:            engine.EventExecutionStarted,
		ExecutionSerial: "JOB-2026-000001.0001",
		Status:          "running",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event engine.Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, engine.EventExecutionStarted, event.Type)
	assert.Equal(t, "JOB-2026-000001.0001", event.ExecutionSerial)
}
