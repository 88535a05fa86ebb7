package log

import "time"

// Filter selects capture events. Zero-valued fields match everything.
type Filter struct {
	ConnectionID string
	DeviceID     string
	// ChannelID matches message and state events that name the channel.
	ChannelID string

	Direction *Direction
	Layer     *Layer
	Category  *Category

	// TimeStart is inclusive, TimeEnd exclusive.
	TimeStart *time.Time
	TimeEnd   *time.Time
}

// Match reports whether event passes every criterion of f.
func (f Filter) Match(event Event) bool {
	switch {
	case f.ConnectionID != "" && event.ConnectionID != f.ConnectionID:
		return false
	case f.DeviceID != "" && event.DeviceID != f.DeviceID:
		return false
	case f.ChannelID != "" && event.Channel() != f.ChannelID:
		return false
	case f.Direction != nil && event.Direction != *f.Direction:
		return false
	case f.Layer != nil && event.Layer != *f.Layer:
		return false
	case f.Category != nil && event.Category != *f.Category:
		return false
	case f.TimeStart != nil && event.Timestamp.Before(*f.TimeStart):
		return false
	case f.TimeEnd != nil && !event.Timestamp.Before(*f.TimeEnd):
		return false
	}
	return true
}
