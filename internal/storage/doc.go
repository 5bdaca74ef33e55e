// Package storage persists delegated-run bookkeeping.
//
// It currently supports:
//   - Execution records (written before dispatch, finished afterwards)
//   - Experience records (one per delegated run, queried per tenant)
package storage
