// Package resilience wraps stage bodies with retry, backoff, circuit breaking and
// scoped cleanup. Every stage invocation goes through an Invoker.
package resilience
