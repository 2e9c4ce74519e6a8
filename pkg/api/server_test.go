package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyvo/contractbuild/backend/pkg/builder"
	"github.com/vyvo/contractbuild/backend/pkg/filestore"
	"github.com/vyvo/contractbuild/backend/pkg/result"
)

const projectID = "6f1c1f8e-4b7a-4f6e-9d1e-2b8a4c3d5e6f"

type fakeBuilder struct {
	report  builder.Report
	err     error
	calls   []string
	traceID string
}

func (f *fakeBuilder) Build(ctx context.Context, id string) (builder.Report, error) {
	f.calls = append(f.calls, id)
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		f.traceID = sc.TraceID().String()
	}
	return f.report, f.err
}

type fakeCatalog struct {
	projects []filestore.Project
}

func (c *fakeCatalog) ListProjects(ctx context.Context) ([]filestore.Project, error) {
	return c.projects, nil
}

func (c *fakeCatalog) GetProject(ctx context.Context, id string) (filestore.Project, error) {
	for _, p := range c.projects {
		if p.ID == id {
			return p, nil
		}
	}
	return filestore.Project{}, filestore.ErrNotFound
}

func (c *fakeCatalog) CreateProject(ctx context.Context, p filestore.NewProject) (filestore.Project, error) {
	created := filestore.Project{ID: projectID, Name: p.Name}
	c.projects = append(c.projects, created)
	return created, nil
}

func (c *fakeCatalog) ListFiles(ctx context.Context) ([]filestore.File, error) {
	return nil, &filestore.StatusError{Code: http.StatusUnauthorized, Body: "JWT expired"}
}

func (c *fakeCatalog) GetFile(ctx context.Context, id string) (filestore.File, error) {
	return filestore.File{}, filestore.ErrNotFound
}

func (c *fakeCatalog) CreateFile(ctx context.Context, f filestore.NewFile) (filestore.File, error) {
	return filestore.File{ID: "f-1", ProjectID: f.ProjectID, Path: f.Path}, nil
}

func newTestServer(b Builder) (*httptest.Server, *builder.History) {
	history := builder.NewHistory(nil, nil, nil)
	srv := httptest.NewServer(NewServer(b, history, &fakeCatalog{}).Routes())
	return srv, history
}

func TestBuildEndpointReturnsResult(t *testing.T) {
	msg := result.MessageNoFiles
	fb := &fakeBuilder{report: builder.Report{ID: "b-1", Result: result.BuildResult{Message: &msg}}}
	srv, _ := newTestServer(fb)
	defer srv.Close()

	for _, body := range []string{"{}", ""} {
		resp, err := http.Post(srv.URL+"/api/projects/"+projectID+"/build", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		var payload map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Fatalf("body %q: unexpected status %d", body, resp.StatusCode)
		}
		if resp.Header.Get(BuildIDHeader) != "b-1" {
			t.Fatalf("missing build id header")
		}
		if payload["success"] != false || payload["logs"] != "" || payload["message"] != msg {
			t.Fatalf("unexpected payload: %v", payload)
		}
		if v, ok := payload["wasm_base64"]; !ok || v != nil {
			t.Fatalf("expected wasm_base64 to be null, got %v (present=%v)", v, ok)
		}
	}
	if len(fb.calls) != 2 || fb.calls[0] != projectID {
		t.Fatalf("unexpected builder calls: %v", fb.calls)
	}
}

func TestBuildEndpointRejectsBadInput(t *testing.T) {
	fb := &fakeBuilder{}
	srv, _ := newTestServer(fb)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/projects/not-a-uuid/build", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/api/projects/"+projectID+"/build", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad JSON, got %d", resp.StatusCode)
	}
	if len(fb.calls) != 0 {
		t.Fatalf("builder must not run for rejected requests")
	}
}

func TestBuildEndpointTransportFailures(t *testing.T) {
	cases := []struct {
		kind   builder.ErrorKind
		status int
		prefix string
	}{
		{builder.KindFetch, http.StatusInternalServerError, "Failed to fetch files: "},
		{builder.KindWorkspace, http.StatusInternalServerError, "Failed to prepare workspace: "},
		{builder.KindCancelled, http.StatusServiceUnavailable, "Build cancelled: "},
	}
	for _, tc := range cases {
		fb := &fakeBuilder{
			report: builder.Report{ID: "b-2"},
			err:    &builder.Error{Kind: tc.kind, BuildID: "b-2", Err: errors.New("boom")},
		}
		srv, _ := newTestServer(fb)
		resp, err := http.Post(srv.URL+"/api/projects/"+projectID+"/build", "application/json", strings.NewReader("{}"))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		srv.Close()

		if resp.StatusCode != tc.status {
			t.Fatalf("%s: expected %d, got %d", tc.kind, tc.status, resp.StatusCode)
		}
		if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
			t.Fatalf("%s: expected plain text, got %s", tc.kind, resp.Header.Get("Content-Type"))
		}
		if !strings.HasPrefix(string(body), tc.prefix) {
			t.Fatalf("%s: unexpected body %q", tc.kind, body)
		}
	}
}

func TestBuildHistoryEndpoints(t *testing.T) {
	srv, history := newTestServer(&fakeBuilder{})
	defer srv.Close()

	store := history.Store()
	store.Create(builder.Build{ID: "b-3", ProjectID: projectID, Status: builder.StatusSucceeded})
	store.AppendLog("b-3", "fetched 2 files")
	store.AppendLog("b-3", "Found artifact: hello.wasm")
	store.CloseSubscribers("b-3")

	resp, err := http.Get(srv.URL + "/api/builds/b-3")
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	var got struct {
		Build builder.Build `json:"build"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&got)
	resp.Body.Close()
	if got.Build.ID != "b-3" || got.Build.Status != builder.StatusSucceeded {
		t.Fatalf("unexpected build: %+v", got.Build)
	}

	resp, err = http.Get(srv.URL + "/api/builds/b-3/logs")
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	want := "data: fetched 2 files\n\ndata: Found artifact: hello.wasm\n\ndata: [stream closed]\n\n"
	if string(body) != want {
		t.Fatalf("unexpected stream:\n%q", body)
	}

	resp, err = http.Get(srv.URL + "/api/builds/missing")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCatalogEndpoints(t *testing.T) {
	srv, _ := newTestServer(&fakeBuilder{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/projects", "application/json", strings.NewReader(`{"name":"token"}`))
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/projects/" + projectID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	var p filestore.Project
	_ = json.NewDecoder(resp.Body).Decode(&p)
	resp.Body.Close()
	if p.Name != "token" {
		t.Fatalf("unexpected project: %+v", p)
	}

	resp, err = http.Get(srv.URL + "/api/files/unknown")
	if err != nil {
		t.Fatalf("get file: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/files")
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected store status to pass through, got %d", resp.StatusCode)
	}
}

type brokenHistory struct{}

func (brokenHistory) Create(builder.Build) error { return nil }
func (brokenHistory) UpdateStatus(string, builder.Status) error { return nil }
func (brokenHistory) Finish(string, builder.Completion, time.Time) error { return nil }
func (brokenHistory) AppendLog(string, string) error { return nil }
func (brokenHistory) List() ([]builder.Build, error) { return nil, errDatabase }
func (brokenHistory) Get(string) (builder.Build, error) { return builder.Build{}, errDatabase }
func (brokenHistory) ListLogs(string, int) ([]string, error) { return nil, errDatabase }

var errDatabase = errors.New("connection refused")

func TestBuildHistoryFailureIsNotNotFound(t *testing.T) {
	history := builder.NewHistory(nil, brokenHistory{}, nil)
	srv := httptest.NewServer(NewServer(&fakeBuilder{}, history, &fakeCatalog{}).Routes())
	defer srv.Close()

	for _, path := range []string{"/api/builds/b-9", "/api/builds/b-9/logs"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusInternalServerError {
			t.Fatalf("%s: expected 500 for a history failure, got %d", path, resp.StatusCode)
		}
	}
}

func TestBuildContinuesCallerTrace(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	fb := &fakeBuilder{report: builder.Report{ID: "b-7"}}
	srv, _ := newTestServer(fb)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/projects/"+projectID+"/build", strings.NewReader("{}"))
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if fb.traceID != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("caller trace not propagated, got %q", fb.traceID)
	}
}
