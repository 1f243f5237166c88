// Package main is the entry point for the vibepilot agent.
//
// The agent runs next to the user's shell environment and exposes it to
// remote clients over a websocket. Clients negotiate an optional peer
// data-channel transport on top of the websocket for latency-sensitive
// terminal traffic.
//
// The agent provides:
//   - Multi-viewer pseudo-terminal sessions with detach buffering
//   - Orphan timers that keep sessions alive across reconnects
//   - Chunked base64 uploads saved to a local directory
//   - Health and Prometheus metrics endpoints
//
// Configuration comes from environment variables (see internal/config).
//
// Signals:
//   - SIGINT, SIGTERM: graceful shutdown, destroying orphaned sessions
package main
