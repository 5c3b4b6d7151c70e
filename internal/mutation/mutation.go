// Package mutation defines the changes an update script asks for and
// applies them to a dataset in one transaction.
package mutation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kebairia/dbrun/internal/docdb"
)

var (
	ErrInvalidMutation      = errors.New("invalid mutation")
	ErrUnrecognizedMutation = errors.New("unrecognized mutation shape")
)

// Mutation is one of CreateOrReplace, Patch or Delete.
type Mutation interface {
	Kind() string
	validate() error
	apply(tx docdb.Tx)
}

// CreateOrReplace writes the full document, replacing any existing one
// with the same _id.
type CreateOrReplace struct {
	Document docdb.Document
}

func (CreateOrReplace) Kind() string { return "createOrReplace" }

func (m CreateOrReplace) validate() error {
	if m.Document == nil {
		return errors.New("createOrReplace: document is required")
	}
	if m.Document.ID() == "" {
		return errors.New("createOrReplace: document _id is required")
	}
	return nil
}

func (m CreateOrReplace) apply(tx docdb.Tx) { tx.CreateOrReplace(m.Document) }

// Patch applies partial updates to the document with the given ID.
type Patch struct {
	ID    string
	Patch docdb.Patch
}

func (Patch) Kind() string { return "patch" }

func (m Patch) validate() error {
	if m.ID == "" {
		return errors.New("patch: id is required")
	}
	if len(m.Patch) == 0 {
		return fmt.Errorf("patch %q: patch body is empty", m.ID)
	}
	return nil
}

func (m Patch) apply(tx docdb.Tx) { tx.Patch(m.ID, m.Patch) }

// Delete removes the document with the given ID.
type Delete struct {
	ID string
}

func (Delete) Kind() string { return "delete" }

func (m Delete) validate() error {
	if m.ID == "" {
		return errors.New("delete: id is required")
	}
	return nil
}

func (m Delete) apply(tx docdb.Tx) { tx.Delete(m.ID) }

// Validate checks every mutation and reports the first invalid one with
// its index.
func Validate(mutations []Mutation) error {
	for i, m := range mutations {
		if isNil(m) {
			return fmt.Errorf("%w: #%d is nil", ErrInvalidMutation, i)
		}
		if err := m.validate(); err != nil {
			return fmt.Errorf("%w: #%d: %v", ErrInvalidMutation, i, err)
		}
	}
	return nil
}

// isNil also catches nil pointers to the variants, whose value methods
// would panic.
func isNil(m Mutation) bool {
	switch v := m.(type) {
	case nil:
		return true
	case *CreateOrReplace:
		return v == nil
	case *Patch:
		return v == nil
	case *Delete:
		return v == nil
	}
	return false
}

// wire is the JSON shape scripts emit:
//
//	{"createOrReplace": {...}} | {"patch": {"id": "...", "patch": {...}}} | {"delete": {"id": "..."}}
type wire struct {
	CreateOrReplace docdb.Document `json:"createOrReplace"`
	Patch           *struct {
		ID    string      `json:"id"`
		Patch docdb.Patch `json:"patch"`
	} `json:"patch"`
	Delete *struct {
		ID string `json:"id"`
	} `json:"delete"`
}

// Decode parses a JSON array of mutations. Empty input, null and [] all
// mean "no mutations". Elements that do not carry exactly one known shape
// are rejected rather than skipped.
func Decode(data []byte) ([]Mutation, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: expected a JSON array: %v", ErrUnrecognizedMutation, err)
	}

	mutations := make([]Mutation, 0, len(raw))
	for i, item := range raw {
		m, err := decodeOne(item)
		if err != nil {
			return nil, fmt.Errorf("%w: #%d: %v", ErrUnrecognizedMutation, i, err)
		}
		mutations = append(mutations, m)
	}
	return mutations, nil
}

func decodeOne(item json.RawMessage) (Mutation, error) {
	dec := json.NewDecoder(bytes.NewReader(item))
	dec.DisallowUnknownFields()
	var w wire
	if err := dec.Decode(&w); err != nil {
		return nil, err
	}

	var found []Mutation
	if w.CreateOrReplace != nil {
		found = append(found, CreateOrReplace{Document: w.CreateOrReplace})
	}
	if w.Patch != nil {
		found = append(found, Patch{ID: w.Patch.ID, Patch: w.Patch.Patch})
	}
	if w.Delete != nil {
		found = append(found, Delete{ID: w.Delete.ID})
	}

	switch len(found) {
	case 0:
		return nil, errors.New("expected one of createOrReplace, patch, delete")
	case 1:
		return found[0], nil
	default:
		return nil, fmt.Errorf("%d shapes in one element", len(found))
	}
}
