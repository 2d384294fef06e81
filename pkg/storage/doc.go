// Package storage provides the persistence layer for the CSE resource tree.
// It includes a SQLite backend with WAL mode, embedded schema migrations and
// connection pooling, plus an in-memory backend for tests and ephemeral
// deployments. Both implement the Store interface covering resources,
// subscription records, batch-notification buffers, actions, schedules,
// recorded requests and the statistics singleton.
package storage
