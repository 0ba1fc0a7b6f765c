package storage

import "errors"

// ErrDuplicateOrderIntent is returned by SaveOrderIntent when the client
// order ID already exists. Callers interpret this as "already submitted".
var ErrDuplicateOrderIntent = errors.New("order intent already exists")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrSchemaDrift is returned by the migrator when the on-disk schema has
// diverged in a way that cannot be repaired additively.
var ErrSchemaDrift = errors.New("non-additive schema drift")

// ErrSchemaNewerThanCode is returned when the database was written by a
// newer build. Starting would risk corrupting state the newer code owns.
var ErrSchemaNewerThanCode = errors.New("database schema is newer than this build")
