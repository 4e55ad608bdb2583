/*
Package session runs one engine per user session.

Each session owns an isolated state store. When a session is opened its last
checkpoint (if any) is restored into that store, and checkpoints are written on
demand and when the session is closed. Access to one session is serialized by a
refcounted in-process lock and, across replicas, by an optional
ports.DistributedLocker held around checkpoint I/O.
*/
package session
