/*
Package ports defines the driven ports (interfaces) for the sluice engine.

These interfaces decouple the scheduler from storage and coordination backends,
so the same pipeline runs against process memory, Redis, or a per-session store.

# Key Interfaces

  - StateStore: the versioned key-value store stages read from and commit to.
  - CheckpointStore: persists snapshots of a session's state between processes.
  - DistributedLocker: coordinates access to a session across replicas.

Adapters verify themselves with RunStateStoreContract and RunCheckpointStoreContract.
*/
package ports
