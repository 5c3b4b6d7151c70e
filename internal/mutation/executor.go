package mutation

import (
	"context"
	"fmt"

	"github.com/kebairia/dbrun/internal/docdb"
)

// Execute validates mutations, adds them to a single transaction in order
// and commits it. Nothing is sent when validation fails. Commit errors are
// returned wrapped but otherwise untouched; atomicity is the backend's.
func Execute(ctx context.Context, client docdb.Client, mutations []Mutation) (docdb.CommitResult, error) {
	if len(mutations) == 0 {
		return docdb.CommitResult{}, fmt.Errorf("%w: empty mutation list", ErrInvalidMutation)
	}
	if err := Validate(mutations); err != nil {
		return docdb.CommitResult{}, err
	}

	tx := client.NewTransaction()
	for _, m := range mutations {
		m.apply(tx)
	}
	return tx.Commit(ctx)
}

// Summary counts mutations per kind, for logging.
func Summary(mutations []Mutation) map[string]int {
	counts := make(map[string]int, 3)
	for _, m := range mutations {
		if !isNil(m) {
			counts[m.Kind()]++
		}
	}
	return counts
}
