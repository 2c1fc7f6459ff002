// Package search provides a Mongo-backed run search repository. It layers
// cursor-paginated queries over the same collection the run store writes to
// so operational surfaces can list runs by thread, status or time range.
package search
