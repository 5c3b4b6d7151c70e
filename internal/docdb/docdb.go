// Package docdb is a small client for a hosted document database that
// exposes the content-lake HTTP API (query, doc, mutate endpoints).
package docdb

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrEmptyTransaction = errors.New("transaction has no operations")
	ErrInvalidParams    = errors.New("invalid client parameters")
)

// Document is a schemaless document. System fields are prefixed with "_".
type Document map[string]any

// ID returns the document's _id, or "" when unset.
func (d Document) ID() string {
	id, _ := d["_id"].(string)
	return id
}

// Type returns the document's _type, or "" when unset.
func (d Document) Type() string {
	t, _ := d["_type"].(string)
	return t
}

// Patch holds patch operations (set, unset, setIfMissing, inc, dec, insert,
// ifRevisionID...). It is sent as-is next to the target id.
type Patch map[string]any

// Client is the handle update scripts receive.
type Client interface {
	Dataset() string
	Fetch(ctx context.Context, query string, params map[string]any, out any) error
	GetDocument(ctx context.Context, id string) (Document, error)
	Create(ctx context.Context, doc Document) (Document, error)
	NewTransaction() Tx
}

// Tx accumulates operations and submits them as one atomic request.
type Tx interface {
	CreateOrReplace(doc Document)
	Patch(id string, patch Patch)
	Delete(id string)
	Len() int
	Commit(ctx context.Context) (CommitResult, error)
}

// CommitResult is the backend's answer to a committed transaction.
type CommitResult struct {
	TransactionID string            `json:"transactionId"`
	Results       []OperationResult `json:"results"`
}

type OperationResult struct {
	ID        string `json:"id"`
	Operation string `json:"operation"`
}

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode  int
	Type        string
	Description string
}

func (e *APIError) Error() string {
	if e.Type == "" && e.Description == "" {
		return fmt.Sprintf("document api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("document api: status %d: %s: %s", e.StatusCode, e.Type, e.Description)
}
