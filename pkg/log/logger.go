package log

// Logger receives protocol capture events. Implementations must be safe for
// concurrent use and should not block: the client calls Log from its read
// loop. A nil Logger disables capture.
type Logger interface {
	Log(event Event)
}

// LoggerFunc adapts a function to the Logger interface.
type LoggerFunc func(Event)

// Log calls f(event).
func (f LoggerFunc) Log(event Event) { f(event) }

// Discard drops every event.
var Discard Logger = LoggerFunc(func(Event) {})

type tee []Logger

func (t tee) Log(event Event) {
	for _, l := range t {
		l.Log(event)
	}
}

// Tee returns a Logger that hands each event to every non-nil logger in
// order. It returns nil when no logger remains, and the logger itself when
// only one does.
func Tee(loggers ...Logger) Logger {
	var out tee
	for _, l := range loggers {
		if l != nil {
			out = append(out, l)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return out
}
