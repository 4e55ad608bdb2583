/*
Package domain contains the core domain models of the Sluice reactive pipeline engine.

It defines the shared state model, the stage contract and the error taxonomy. This package is kept
pure and free of external dependencies like I/O or persistence, following Hexagonal Architecture
principles.

# Key Entities

  - Snapshot: An immutable, versioned read view of the state store.
  - Patch / Commit: A set of whole-value writes applied atomically by the store.
  - Stage: A named unit of computation with watched inputs, read-only dependencies and declared outputs.
  - Policy: The resilience settings (retry, backoff, circuit breaker) a stage runs under.
  - RunRecord: The outcome of a single scheduled execution of a stage.
*/
package domain
