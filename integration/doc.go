// Package integration exercises the whole request path in a single process:
// HTTP gateway, publisher, broker, subscriber, dispatcher and aggregation
// engine.
//
// The tests run against the in-memory broker and stores by default. The
// NATS variants start a NATS server with testcontainers-go and are skipped
// with -short or when no container runtime is available.
//
// Example: go test -v ./integration/... -debug
//
package integration
