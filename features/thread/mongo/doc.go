// Package mongo provides a MongoDB-backed implementation of the thread store.
// Build the low-level client via features/thread/mongo/clients/mongo and pass
// it to NewStore so conversation history outlives individual runs and workers.
package mongo
