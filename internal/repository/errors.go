package repository

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database. Callers should check for this error
// explicitly using errors.Is to distinguish missing records from other
// database errors.
//
//	client, err := repo.GetByID(ctx, id)
//	if errors.Is(err, repository.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict marks an insert or update that violates a unique constraint,
// for example a second client with the same (oauth_client_id, topic_name)
// pair. No repository method in this package returns it.
var ErrConflict = errors.New("record already exists")
