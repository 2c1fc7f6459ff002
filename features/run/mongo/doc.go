// Package mongo provides a MongoDB-backed implementation of the run record
// store. Build the low-level client via features/run/mongo/clients/mongo and
// pass it to NewStore so run status survives worker restarts and is visible
// across workers.
package mongo
