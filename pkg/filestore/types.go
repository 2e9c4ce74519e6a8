package filestore

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when the store has no row for the requested id.
var ErrNotFound = errors.New("not found")

// Project is a row of the projects table.
type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

// NewProject is the payload for creating a project.
type NewProject struct {
	Name string `json:"name"`
}

// File is a row of the files table.
type File struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	Language  string `json:"language"`
	Content   string `json:"content"`
}

// NewFile is the payload for creating a file.
type NewFile struct {
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	Language  string `json:"language"`
	Content   string `json:"content"`
}

// StatusError is returned when the store answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("file store returned status %d: %s", e.Code, e.Body)
}

// DecodeError reports a row missing a field the builder depends on.
type DecodeError struct {
	Index int
	Field string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("file store row %d: missing %s", e.Index, e.Field)
}
