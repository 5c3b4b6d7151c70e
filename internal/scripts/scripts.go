// Package scripts resolves update scripts by name. A script inspects the
// dataset through a client handle and returns the mutations it wants; it
// never writes directly.
package scripts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kebairia/dbrun/internal/docdb"
	"github.com/kebairia/dbrun/internal/mutation"
)

var (
	ErrScriptNotFound  = errors.New("script not found")
	ErrScriptExecution = errors.New("script execution error")
	ErrInvalidName     = errors.New("invalid script name")
	// ErrAmbiguousScript means a bare name matches several executables.
	ErrAmbiguousScript = errors.New("ambiguous script name")
)

// UpdateFunc is the entry point of an update script. Returning no
// mutations means there is nothing to change.
type UpdateFunc func(ctx context.Context, client docdb.Client) ([]mutation.Mutation, error)

// Script is a resolved, runnable update script.
type Script interface {
	Name() string
	// Source describes where the script was resolved from.
	Source() string
	Run(ctx context.Context, client docdb.Client) ([]mutation.Mutation, error)
}

// Loader resolves script names.
type Loader interface {
	Load(name string) (Script, error)
	List() ([]string, error)
}

// NotFoundError names the script and the location that was tried.
type NotFoundError struct {
	Name string
	Path string
}

func (e *NotFoundError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("update script %q not found", e.Name)
	}
	return fmt.Sprintf("update script %q not found at path %q", e.Name, e.Path)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrScriptNotFound
}

// ValidateName rejects names that could escape the updates directory.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	}
	return nil
}

// Chain tries each loader in order and returns the first match. When none
// has the script, the last not-found error is returned.
type Chain []Loader

var _ Loader = Chain(nil)

func (c Chain) Load(name string) (Script, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	notFound := error(&NotFoundError{Name: name})
	for _, l := range c {
		s, err := l.Load(name)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrScriptNotFound) {
			return nil, err
		}
		notFound = err
	}
	return nil, notFound
}

// List merges the names of every loader, keeping the first occurrence.
func (c Chain) List() ([]string, error) {
	seen := make(map[string]bool)
	var names []string
	for _, l := range c {
		got, err := l.List()
		if err != nil {
			return nil, err
		}
		for _, n := range got {
			if !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
	}
	return names, nil
}

// Run executes the script and classifies failures as ErrScriptExecution.
// A panicking Go script is reported the same way.
func Run(ctx context.Context, s Script, client docdb.Client) (mutations []mutation.Mutation, err error) {
	defer func() {
		if r := recover(); r != nil {
			mutations = nil
			err = fmt.Errorf("%w: %s: panic: %v", ErrScriptExecution, s.Name(), r)
		}
	}()
	mutations, err = s.Run(ctx, client)
	if err != nil {
		if errors.Is(err, ErrScriptExecution) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrScriptExecution, s.Name(), err)
	}
	return mutations, nil
}
