// Package log records a machine-readable trace of everything a courage
// client does on the wire. It is separate from operational logging (slog).
//
// A capture has three layers: transport frames, decoded wire messages and
// client state transitions (connection, sessions, replay runs). Errors at
// any layer get their own record. Private keys and event payload bytes never
// reach a capture.
//
// Capture files (.clog) are a plain sequence of CBOR records:
//
//	rec, err := log.CreateRecorder("client.clog")
//	cfg.ProtocolLogger = log.Tee(rec, log.NewSlogAdapter(slog.Default()))
//
// and are read back with a Reader, optionally through a Filter. The
// "courage log" command is built on the same reader.
package log
