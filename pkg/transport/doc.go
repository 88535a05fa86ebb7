// Package transport carries courage messages between client and broker.
//
// The transport layer handles:
//   - TCP connections, optionally wrapped in TLS
//   - Length-prefixed message framing
//   - Frame capture for the protocol log
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│      courage messages          │
//	├────────────────────────────────┤
//	│   Length-Prefix Framing (4B)   │
//	├────────────────────────────────┤
//	│      TLS 1.2+ (optional)       │
//	├────────────────────────────────┤
//	│           TCP                  │
//	└────────────────────────────────┘
//
// Every message travels in one frame: a 4-byte big-endian length followed
// by the message bytes. Frames are limited to DefaultMaxMessageSize unless
// configured otherwise.
//
// The client depends only on the Dialer and Conn interfaces; NetDialer is
// the production implementation. Server is the accepting side used by the
// in-process test broker.
package transport
