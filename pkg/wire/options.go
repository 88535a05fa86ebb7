package wire

import (
	"fmt"
	"strings"
)

// SubscribeOptions is the options bitmask carried by a Subscribe message.
type SubscribeOptions uint8

const (
	// OptionDefault subscribes to live events only.
	OptionDefault SubscribeOptions = 0

	// OptionReplay delivers missed events before switching to live delivery.
	OptionReplay SubscribeOptions = 1 << 0

	// OptionReplayOnly delivers missed events and then ends the subscription.
	OptionReplayOnly SubscribeOptions = 1 << 1

	// OptionCatchUp is the earlier name of OptionReplay.
	OptionCatchUp = OptionReplay

	optionMask = OptionReplay | OptionReplayOnly
)

// Replay reports whether backlog delivery is requested.
func (o SubscribeOptions) Replay() bool {
	return o&optionMask != 0
}

// ReplayOnly reports whether the subscription ends after the backlog.
func (o SubscribeOptions) ReplayOnly() bool {
	return o&OptionReplayOnly != 0
}

// Bitmask returns the options byte sent on the wire. Replay-only implies
// replay; unknown bits are cleared.
func (o SubscribeOptions) Bitmask() uint8 {
	o &= optionMask
	if o&OptionReplayOnly != 0 {
		o |= OptionReplay
	}
	return uint8(o)
}

// String returns a comma-separated list of option names.
func (o SubscribeOptions) String() string {
	switch {
	case o.ReplayOnly():
		return "replay,replay-only"
	case o.Replay():
		return "replay"
	default:
		return "default"
	}
}

// ParseOptions parses a comma-separated option list such as
// "replay,replay-only". "catch-up" is accepted as an alias of "replay".
func ParseOptions(s string) (SubscribeOptions, error) {
	var o SubscribeOptions
	for _, part := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "", "default", "live":
		case "replay", "catch-up", "catchup":
			o |= OptionReplay
		case "replay-only", "replayonly":
			o |= OptionReplayOnly
		default:
			return 0, fmt.Errorf("unknown subscribe option %q", part)
		}
	}
	return o, nil
}
