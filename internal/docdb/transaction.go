package docdb

import "context"

// Transaction collects mutations for a single mutate request. Operations
// are sent in the order they were added.
type Transaction struct {
	client    *HTTPClient
	mutations []map[string]any
}

var _ Tx = (*Transaction)(nil)

func (tx *Transaction) CreateOrReplace(doc Document) {
	tx.mutations = append(tx.mutations, map[string]any{"createOrReplace": doc})
}

// Patch adds a patch of the document with the given id. The patch
// operations are merged next to the id.
func (tx *Transaction) Patch(id string, patch Patch) {
	body := make(map[string]any, len(patch)+1)
	for op, value := range patch {
		body[op] = value
	}
	body["id"] = id
	tx.mutations = append(tx.mutations, map[string]any{"patch": body})
}

func (tx *Transaction) Delete(id string) {
	tx.mutations = append(tx.mutations, map[string]any{"delete": map[string]any{"id": id}})
}

func (tx *Transaction) Len() int {
	return len(tx.mutations)
}

// Commit submits every operation in one request. The backend applies all
// of them or none.
func (tx *Transaction) Commit(ctx context.Context) (CommitResult, error) {
	if len(tx.mutations) == 0 {
		return CommitResult{}, ErrEmptyTransaction
	}
	return tx.client.commit(ctx, tx.mutations)
}
