// Package tally provides a pay-per-minute metering and settlement engine
// for Go applications.
//
// Tally is designed as a library, not a service. Import it directly into
// your Go application and wire it to a store and a money rail. It
// provides:
//
//   - Per-minute accrual derived entirely from server-owned timestamps
//   - A free-preview window at the start of every session
//   - Exactly-once settlement with charged + refunded == locked
//   - Idempotent, race-safe session ending via compare-and-set
//   - Synchronous student refunds with asynchronous, retryable teacher
//     payouts
//   - Credibility-weighted reviews with AI-assisted classification
//   - Pluggable hooks for auditing and metrics
//
// # Quick Start
//
// Create an engine with your preferred store and rail:
//
//	import (
//	    "github.com/murphlabs/tally"
//	    "github.com/murphlabs/tally/rail/fixture"
//	    "github.com/murphlabs/tally/store/postgres"
//	)
//
//	store, err := postgres.Open(ctx, databaseURL)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	engine := tally.New(store, fixture.New())
//
//	// Start the engine (migrates and begins background workers)
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
// # Core Concepts
//
// A session moves through a small lifecycle: it is authorized with a
// locked amount reserved from the student's wallet, activated when
// playback starts, and ends in exactly one of two terminal states. A
// session that played settles with a single settlement record; a session
// cancelled before playback releases the full hold and writes no record.
//
// Billing is recomputed from timestamps on demand. Clients may report
// elapsed-time hints for analytics, but no client counter ever produces a
// charge:
//
//	status, _ := engine.Status(ctx, sessionID)
//	fmt.Println(status.AccruedCost) // rate x billable time, capped at the lock
//
// Ending is idempotent. However many callers race to end the same
// session, one settlement is written and every caller gets its figures:
//
//	rec, _ := engine.End(ctx, sessionID)
//	// rec.AmountCharged + rec.AmountRefunded == rec.LockedAmount, always
//
// # Stores
//
// Four store implementations ship in subpackages: memory (tests and
// development), postgres, sqlite, and mongo. All enforce the same
// compare-and-set transition rules, so engine semantics do not change
// with the backend.
package tally
