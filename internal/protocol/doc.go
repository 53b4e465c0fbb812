// Package protocol owns the management-interface error contract.
//
// Ownership boundary:
// - error taxonomy shared by transport, frame, session and engine
// - frame/: text block assembly and action encoding
// - session/: reliability config, backoff, pending/held bookkeeping, login action
package protocol
