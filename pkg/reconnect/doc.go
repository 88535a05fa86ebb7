// Package reconnect retries a connection-scoped session with exponential
// backoff.
//
// The courage client never reconnects on its own: a lost connection closes
// every session and is reported through Config.OnConnectionLost. Long-running
// callers that want to stay subscribed wrap their connect-subscribe-wait
// cycle in Run.
//
// # Backoff
//
// Delays start at 1 second and double up to 60 seconds. Each delay is
// stretched by a random jitter of up to 25%:
//
//	delay = base + random(0, base * 0.25)
//
// A session that stayed up for at least Config.StableAfter resets the
// backoff to its initial delay. Errors classified as permanent by
// Config.Permanent (for example rejected credentials) end Run immediately.
package reconnect
