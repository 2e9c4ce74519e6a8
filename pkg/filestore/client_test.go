package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestListProjectFiles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/files" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("project_id"); got != "eq.p-1" {
			t.Errorf("unexpected project filter %q", got)
		}
		if r.Header.Get("apikey") != "secret" || r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing auth headers: %v", r.Header)
		}
		_, _ = io.WriteString(w, `[{"path":"/src/lib.rs","content":"#![no_std]"},{"path":"Cargo.toml","content":""}]`)
	}))
	defer srv.Close()

	files, err := NewClient(srv.URL+"/", "secret").ListProjectFiles(context.Background(), "p-1")
	if err != nil {
		t.Fatalf("ListProjectFiles returned error: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
	if files[0].Path != "/src/lib.rs" || string(files[0].Content) != "#![no_std]" {
		t.Fatalf("unexpected first file: %+v", files[0])
	}
	if files[1].Path != "Cargo.toml" || len(files[1].Content) != 0 {
		t.Fatalf("unexpected second file: %+v", files[1])
	}
}

func TestListProjectFilesRejectsIncompleteRows(t *testing.T) {
	for body, field := range map[string]string{
		`[{"content":"x"}]`:             "path",
		`[{"path":"a.rs"}]`:             "content",
		`[{"path":null,"content":"x"}]`: "path",
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, body)
		}))
		_, err := NewClient(srv.URL, "k").ListProjectFiles(context.Background(), "p")
		srv.Close()

		var decodeErr *DecodeError
		if !errors.As(err, &decodeErr) {
			t.Fatalf("body %s: expected *DecodeError, got %v", body, err)
		}
		if decodeErr.Field != field {
			t.Fatalf("body %s: expected missing %s, got %s", body, field, decodeErr.Field)
		}
	}
}

func TestListProjectFilesStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"JWT expired"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "k").ListProjectFiles(context.Background(), "p")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if statusErr.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code %d", statusErr.Code)
	}
}

func TestListProjectFilesInvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"not":"a list"}`)
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL, "k").ListProjectFiles(context.Background(), "p"); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestCreateProject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/rest/v1/projects" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Prefer") != "return=representation" {
			t.Errorf("missing Prefer header")
		}
		var body NewProject
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode([]Project{{ID: "p-9", Name: body.Name, CreatedAt: "2026-10-14T00:00:00Z"}})
	}))
	defer srv.Close()

	p, err := NewClient(srv.URL, "k").CreateProject(context.Background(), NewProject{Name: "token"})
	if err != nil {
		t.Fatalf("CreateProject returned error: %v", err)
	}
	if p.ID != "p-9" || p.Name != "token" {
		t.Fatalf("unexpected project: %+v", p)
	}
}

func TestGetProjectNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL, "k").GetProject(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := NewClient(srv.URL, "k").GetFile(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
