// Package session owns management-session reliability primitives.
//
// Ownership boundary:
// - endpoint, credentials and timeout config
// - reconnect backoff state
// - pending-action table and held FIFO
// - login/logoff handshake actions
package session
