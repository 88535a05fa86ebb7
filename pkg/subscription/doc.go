// Package subscription implements the client side of a channel subscription.
//
// A Session tracks one channel through its lifecycle:
//
//	Idle -> Subscribing -> Live -> Closed
//	                    -> Replaying -> Live
//	                                 -> Closed (replay-only)
//
// Any non-closed state moves to Closed on Fail or Close.
//
// # Event Delivery
//
// Events accepted by a session are appended to an unbounded FIFO queue and
// handed to the consumer through Events in broker order. The queue decouples
// the connection read loop from slow consumers: a consumer that stalls only
// holds back its own channel.
//
// When a replay-only session completes, queued events are still delivered
// before Events is closed. Fail and Close discard undelivered events; after
// either returns, Canceled reports true and no further events are handed out.
//
// # Replay Outcome
//
// A session that requested replay records a ReplayResult when the broker
// signals the end of the backlog: ReplayNewEvents if at least one backlog
// event arrived, ReplayNoEvents otherwise. A session torn down while the
// backlog is still pending records ReplayFailed. Aggregate combines the
// outcomes of several sessions with Failed taking precedence over NewEvents,
// and NewEvents over NoEvents.
//
// # Lifecycle
//
// Sessions do not survive connection loss. The Manager indexes sessions by
// channel id for inbound routing and tears them all down on disconnect.
package subscription
