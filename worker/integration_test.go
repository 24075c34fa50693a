package worker_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fluxproj/flux/config"
	"github.com/fluxproj/flux/flux"
	"github.com/fluxproj/flux/server"
	"github.com/fluxproj/flux/store"
	"github.com/fluxproj/flux/worker"
)

const bootstrapToken = "integration-token"

// startStack brings up a coordinator on httptest and a worker connected to
// it, hosting the given workflow definitions. It blocks until the worker's
// control stream is live.
func startStack(t *testing.T, defs ...*flux.WorkflowDef) (string, *server.Server) {
	t.Helper()

	cfg := config.Default()
	cfg.Workers.BootstrapToken = bootstrapToken
	cfg.Executor.DefaultTimeout = config.Duration(10 * time.Second)

	st := store.NewMemoryStore()
	srv := server.New(cfg, st, zap.NewNop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	workerCfg := cfg
	workerCfg.Workers.ServerURL = ts.URL
	w := worker.New("itest-worker", workerCfg, worker.WithWorkerLogger(zap.NewNop()))
	for _, def := range defs {
		w.RegisterWorkflow(def)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for len(srv.ConnectedWorkers()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return ts.URL, srv
}

func uploadManifest(t *testing.T, baseURL string, manifest server.WorkflowManifest) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "workflows.json")
	if err != nil {
		t.Fatal(err)
	}
	if err := json.NewEncoder(part).Encode(manifest); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(baseURL+"/workflows", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
}

func postJSON(t *testing.T, url string, body any) (int, []byte) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp.StatusCode, buf.Bytes()
}

func TestEndToEndHelloWorldSync(t *testing.T) {
	sayHello := flux.NewTask("say_hello", func(_ context.Context, call *flux.Call) (any, error) {
		name, err := call.StringArg(0)
		if err != nil {
			return nil, err
		}
		return "Hello, " + name, nil
	})
	def := &flux.WorkflowDef{Name: "hello_world", Version: 1, Fn: func(wc *flux.Context) (any, error) {
		input, err := wc.InputValue()
		if err != nil {
			return nil, err
		}
		return wc.Invoke(sayHello, input)
	}}

	baseURL, _ := startStack(t, def)
	uploadManifest(t, baseURL, server.WorkflowManifest{Name: "hello_world"})

	status, body := postJSON(t, baseURL+"/workflows/hello_world/run/sync", "World")
	if status != http.StatusOK {
		t.Fatalf("sync run status = %d: %s", status, body)
	}
	var run server.RunResponse
	if err := json.Unmarshal(body, &run); err != nil {
		t.Fatal(err)
	}
	if run.State != flux.StateCompleted {
		t.Fatalf("state = %s, want COMPLETED (%s)", run.State, body)
	}
	var output string
	if err := json.Unmarshal(run.Output, &output); err != nil {
		t.Fatal(err)
	}
	if output != "Hello, World" {
		t.Errorf("output = %q, want Hello, World", output)
	}

	// The journal carries the canonical sequence.
	resp, err := http.Get(fmt.Sprintf("%s/workflows/hello_world/status/%s?detailed=true", baseURL, run.ExecutionID))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	body = buf.Bytes()

	var st server.StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatal(err)
	}
	wantTypes := []flux.EventType{
		flux.EventWorkflowStarted,
		flux.EventTaskStarted, flux.EventTaskCompleted,
		flux.EventWorkflowCompleted,
	}
	if len(st.Events) != len(wantTypes) {
		t.Fatalf("event log = %d entries, want %d: %+v", len(st.Events), len(wantTypes), st.Events)
	}
	for i, want := range wantTypes {
		if st.Events[i].Type != want {
			t.Errorf("event %d = %s, want %s", i, st.Events[i].Type, want)
		}
	}
}

func TestEndToEndPauseResume(t *testing.T) {
	t1 := flux.NewTask("t1", func(_ context.Context, call *flux.Call) (any, error) {
		s, _ := call.StringArg(0)
		return s + "!", nil
	})
	def := &flux.WorkflowDef{Name: "pausing", Version: 1, Fn: func(wc *flux.Context) (any, error) {
		input, err := wc.InputValue()
		if err != nil {
			return nil, err
		}
		a, err := wc.Invoke(t1, input)
		if err != nil {
			return nil, err
		}
		v, err := wc.Pause("manual")
		if err != nil {
			return nil, err
		}
		return []any{a, v}, nil
	}}

	baseURL, _ := startStack(t, def)
	uploadManifest(t, baseURL, server.WorkflowManifest{Name: "pausing"})

	status, body := postJSON(t, baseURL+"/workflows/pausing/run/sync", "hi")
	if status != http.StatusOK {
		t.Fatalf("run status = %d: %s", status, body)
	}
	var run server.RunResponse
	if err := json.Unmarshal(body, &run); err != nil {
		t.Fatal(err)
	}
	if run.State != flux.StatePaused {
		t.Fatalf("first rest = %s, want PAUSED (%s)", run.State, body)
	}

	status, body = postJSON(t,
		fmt.Sprintf("%s/workflows/pausing/resume/%s/sync", baseURL, run.ExecutionID), 42)
	if status != http.StatusOK {
		t.Fatalf("resume status = %d: %s", status, body)
	}
	var resumed server.RunResponse
	if err := json.Unmarshal(body, &resumed); err != nil {
		t.Fatal(err)
	}
	if resumed.State != flux.StateCompleted {
		t.Fatalf("resumed state = %s (%s)", resumed.State, body)
	}
	var out []any
	if err := json.Unmarshal(resumed.Output, &out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0] != "hi!" || out[1] != float64(42) {
		t.Errorf("output = %v, want [hi! 42]", out)
	}
}
