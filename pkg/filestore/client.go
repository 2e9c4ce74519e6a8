// Package filestore talks to the PostgREST endpoint that holds project and file rows.
package filestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vyvo/contractbuild/backend/pkg/workspace"
)

// Client interacts with the file store over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new file store client with sane defaults.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type sourceRow struct {
	Path    *string `json:"path"`
	Content *string `json:"content"`
}

// ListProjectFiles returns the source files of a project in store order.
// Rows without a path or content are rejected with a *DecodeError.
func (c *Client) ListProjectFiles(ctx context.Context, projectID string) ([]workspace.SourceFile, error) {
	query := url.Values{}
	query.Set("project_id", "eq."+projectID)
	query.Set("select", "path,content")

	var rows []sourceRow
	if err := c.do(ctx, http.MethodGet, "/rest/v1/files?"+query.Encode(), nil, &rows); err != nil {
		return nil, fmt.Errorf("fetch files: %w", err)
	}

	files := make([]workspace.SourceFile, 0, len(rows))
	for i, row := range rows {
		if row.Path == nil {
			return nil, &DecodeError{Index: i, Field: "path"}
		}
		if row.Content == nil {
			return nil, &DecodeError{Index: i, Field: "content"}
		}
		files = append(files, workspace.SourceFile{Path: *row.Path, Content: []byte(*row.Content)})
	}
	return files, nil
}

// ListFiles returns every file row.
func (c *Client) ListFiles(ctx context.Context) ([]File, error) {
	var files []File
	if err := c.do(ctx, http.MethodGet, "/rest/v1/files?select=id,project_id,name,path,language,content", nil, &files); err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return files, nil
}

// GetFile fetches a single file row.
func (c *Client) GetFile(ctx context.Context, id string) (File, error) {
	var files []File
	path := fmt.Sprintf("/rest/v1/files?id=eq.%s&select=id,project_id,name,path,language,content", url.QueryEscape(id))
	if err := c.do(ctx, http.MethodGet, path, nil, &files); err != nil {
		return File{}, fmt.Errorf("get file: %w", err)
	}
	if len(files) == 0 {
		return File{}, ErrNotFound
	}
	return files[0], nil
}

// CreateFile inserts a file row and returns the stored representation.
func (c *Client) CreateFile(ctx context.Context, file NewFile) (File, error) {
	var created []File
	if err := c.do(ctx, http.MethodPost, "/rest/v1/files", file, &created); err != nil {
		return File{}, fmt.Errorf("create file: %w", err)
	}
	if len(created) == 0 {
		return File{}, fmt.Errorf("create file: no row returned")
	}
	return created[0], nil
}

// ListProjects returns projects, newest first.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var projects []Project
	if err := c.do(ctx, http.MethodGet, "/rest/v1/projects?select=*&order=created_at.desc", nil, &projects); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

// GetProject fetches a single project row.
func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var projects []Project
	path := fmt.Sprintf("/rest/v1/projects?id=eq.%s&select=*", url.QueryEscape(id))
	if err := c.do(ctx, http.MethodGet, path, nil, &projects); err != nil {
		return Project{}, fmt.Errorf("get project: %w", err)
	}
	if len(projects) == 0 {
		return Project{}, ErrNotFound
	}
	return projects[0], nil
}

// CreateProject inserts a project; the store assigns id and created_at.
func (c *Client) CreateProject(ctx context.Context, project NewProject) (Project, error) {
	var created []Project
	if err := c.do(ctx, http.MethodPost, "/rest/v1/projects", project, &created); err != nil {
		return Project{}, fmt.Errorf("create project: %w", err)
	}
	if len(created) == 0 {
		return Project{}, fmt.Errorf("create project: no row returned")
	}
	return created[0], nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Prefer", "return=representation")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
