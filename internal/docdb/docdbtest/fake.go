// Package docdbtest provides an in-memory docdb.Client for tests.
package docdbtest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kebairia/dbrun/internal/docdb"
)

// Op is one recorded transaction operation.
type Op struct {
	Kind     string
	ID       string
	Document docdb.Document
	Patch    docdb.Patch
}

// Client stores documents in memory. Commits apply set/unset patches,
// createOrReplace and delete, all or nothing.
type Client struct {
	mu        sync.Mutex
	dataset   string
	docs      map[string]docdb.Document
	commits   [][]Op
	changes   int
	CommitErr error
}

var _ docdb.Client = (*Client)(nil)

func New(dataset string, docs ...docdb.Document) *Client {
	c := &Client{dataset: dataset, docs: make(map[string]docdb.Document)}
	for _, d := range docs {
		c.docs[d.ID()] = clone(d)
	}
	return c
}

func (c *Client) Dataset() string { return c.dataset }

// Fetch supports a single query form, "ids", returning every stored id
// sorted. Anything else is an error.
func (c *Client) Fetch(_ context.Context, query string, _ map[string]any, out any) error {
	if query != "ids" {
		return fmt.Errorf("docdbtest: unsupported query %q", query)
	}
	ids, ok := out.(*[]string)
	if !ok {
		return fmt.Errorf("docdbtest: out must be *[]string")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	*ids = (*ids)[:0]
	for id := range c.docs {
		*ids = append(*ids, id)
	}
	sort.Strings(*ids)
	return nil
}

func (c *Client) GetDocument(_ context.Context, id string) (docdb.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", docdb.ErrDocumentNotFound, id)
	}
	return clone(d), nil
}

func (c *Client) Create(_ context.Context, doc docdb.Document) (docdb.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := doc.ID()
	if id == "" {
		id = fmt.Sprintf("doc-%d", len(c.docs)+1)
	}
	if _, exists := c.docs[id]; exists {
		return nil, fmt.Errorf("docdbtest: document %q already exists", id)
	}
	stored := clone(doc)
	stored["_id"] = id
	c.docs[id] = stored
	c.changes++
	return clone(stored), nil
}

func (c *Client) NewTransaction() docdb.Tx {
	return &tx{client: c}
}

// Commits returns the operations of every successful commit.
func (c *Client) Commits() [][]Op {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]Op(nil), c.commits...)
}

// Changes counts stored documents that actually changed.
func (c *Client) Changes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changes
}

type tx struct {
	client *Client
	ops    []Op
}

func (t *tx) CreateOrReplace(doc docdb.Document) {
	t.ops = append(t.ops, Op{Kind: "createOrReplace", ID: doc.ID(), Document: doc})
}

func (t *tx) Patch(id string, patch docdb.Patch) {
	t.ops = append(t.ops, Op{Kind: "patch", ID: id, Patch: patch})
}

func (t *tx) Delete(id string) {
	t.ops = append(t.ops, Op{Kind: "delete", ID: id})
}

func (t *tx) Len() int { return len(t.ops) }

func (t *tx) Commit(_ context.Context) (docdb.CommitResult, error) {
	c := t.client
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.CommitErr != nil {
		return docdb.CommitResult{}, c.CommitErr
	}
	if len(t.ops) == 0 {
		return docdb.CommitResult{}, docdb.ErrEmptyTransaction
	}

	staged := make(map[string]docdb.Document, len(c.docs))
	for id, d := range c.docs {
		staged[id] = d
	}
	changes := 0
	result := docdb.CommitResult{TransactionID: fmt.Sprintf("tx-%d", len(c.commits)+1)}
	for _, op := range t.ops {
		switch op.Kind {
		case "createOrReplace":
			next := clone(op.Document)
			if !equal(staged[op.ID], next) {
				changes++
			}
			staged[op.ID] = next
			result.Results = append(result.Results, docdb.OperationResult{ID: op.ID, Operation: "createOrReplace"})
		case "patch":
			current, ok := staged[op.ID]
			if !ok {
				return docdb.CommitResult{}, fmt.Errorf("docdbtest: cannot patch missing document %q", op.ID)
			}
			next := applyPatch(current, op.Patch)
			if !equal(current, next) {
				changes++
			}
			staged[op.ID] = next
			result.Results = append(result.Results, docdb.OperationResult{ID: op.ID, Operation: "update"})
		case "delete":
			if _, ok := staged[op.ID]; ok {
				changes++
			}
			delete(staged, op.ID)
			result.Results = append(result.Results, docdb.OperationResult{ID: op.ID, Operation: "delete"})
		}
	}

	c.docs = staged
	c.changes += changes
	c.commits = append(c.commits, append([]Op(nil), t.ops...))
	return result, nil
}

func applyPatch(doc docdb.Document, patch docdb.Patch) docdb.Document {
	next := clone(doc)
	if set, ok := patch["set"].(map[string]any); ok {
		for k, v := range set {
			next[k] = v
		}
	}
	if unset, ok := patch["unset"].([]string); ok {
		for _, k := range unset {
			delete(next, k)
		}
	}
	return next
}

func clone(d docdb.Document) docdb.Document {
	if d == nil {
		return nil
	}
	out := make(docdb.Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

func equal(a, b docdb.Document) bool {
	if a == nil || b == nil || len(a) != len(b) {
		return a == nil && b == nil
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || fmt.Sprint(v) != fmt.Sprint(w) {
			return false
		}
	}
	return true
}
