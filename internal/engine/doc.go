// Package engine runs one management session: it owns the connection state,
// correlates actions with responses, holds actions until login completes,
// fans events out to subscribers and reconnects with backoff.
//
// All mutable session state lives on a single loop goroutine. Public methods
// post closures to that loop. Event handlers run on a delivery goroutine in
// the order the frames were assembled; call completions run on another, so
// handlers may call back into the engine.
package engine
