// Package dispatch maps JSON-RPC method names to handlers.
//
// Dispatch is a lookup and an invoke. Each route declares the lifecycle states
// it is meant for, but the dispatcher only enforces that declaration in strict
// mode. In the default lax mode a request outside its declared states is
// logged and still handled, so a host that asks for get_time_entries before
// initialize gets entries built from the default configuration.
//
// Handlers never exit the process. A handler that must end the session
// (shutdown) returns an Outcome carrying lifecycle.ShutdownRequested and the
// serve loop acts on it after the response is written.
//
// Error handling:
//   - Unknown method → *protocol.Error code -32601, "Method not found: <method>"
//   - Strict-mode policy violation → *protocol.Error code -32600
//   - Handler errors are returned unchanged; the serve loop converts them
package dispatch
