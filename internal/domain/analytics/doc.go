// Package analytics contains the domain model of the ClassPulse aggregation
// core: the raw event log entry, the incrementally maintained per-student
// snapshot, the derived per-class snapshot, and the dashboard payload.
//
// The model follows one rule: the event log is the only source of truth.
// Snapshots are performance artifacts. The student snapshot is maintained
// with O(1) incremental updates per event (running means instead of rescans);
// the class snapshot is a full scan over the class's student snapshots, which
// stays cheap because classes hold tens of students. Both carry a version
// counter so downstream caches can detect staleness with a single comparison.
//
// The same update arithmetic drives two paths: the live incremental path
// (ingest service) and the from-scratch replay path (reconciliation sweeper).
// Keeping both on StudentSnapshot.Apply is what makes the reconciliation
// invariant testable: replaying a student's events through a fresh snapshot
// must land on the live snapshot's values, within rounding.
//
// Delivery is at-least-once and may reorder. Event IDs are idempotency keys;
// additive fields (counts, running means) are commutative and accept arrival
// order, while "latest wins" fields (project status, last activity) compare
// event timestamps and discard older updates.
package analytics
