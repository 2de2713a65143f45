// ABOUTME: Package documentation for the push connection manager
// ABOUTME: Describes states, keepalive and the reconnect policy

// Package conn maintains the authenticated push connection to the fleet
// backend.
//
// # States
//
//	Disconnected -Connect-> Connecting -first frame or settle-> Connected
//	Connected -retryable close-> Reconnecting -delay-> Connecting
//	Connecting|Connected -fatal close-> Fatal
//	any -Disconnect-> Disconnected
//
// A websocket handshake alone does not prove the credential was accepted;
// some servers upgrade first and close with 4001 a moment later. The manager
// therefore sends a ping right away and treats the first inbound frame, or
// AuthSettle passing with the socket still open, as Connected. Reaching
// Connected resets the attempt counter.
//
// # Faults
//
// Classify sorts every ending into a class. Close codes 4001 and 4003, and
// HTTP 401/403 at the handshake, are Fatal. A JWT credential whose exp has
// passed is Fatal before any dial. Clean closes follow
// Policy.RetryOnNormalClose. Everything else, including a missed keepalive
// reply, is retryable.
//
// Policy is a pure function from (class, consecutive failures) to the next
// state and delay, so the whole retry schedule can be tested without a
// socket. MaxAttempts consecutive retryable failures end in Fatal with
// ErrRetriesExhausted.
//
// # Ownership
//
// Each Connect that finds no live session starts one session goroutine, and
// every dial happens inside it, so attempts are strictly sequential. A
// Connect issued while a session is live joins it. Disconnect cancels the
// session context, which stops the keepalive ticker, pong deadline, settle
// timer, reconnect delay, and probe, then waits for all of them to return.
//
// Inbound frames go to every OnFrame handler except keepalive replies, which
// are consumed here. State transitions go to every OnStateChange observer in
// order.
package conn
