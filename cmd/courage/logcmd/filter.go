// Package logcmd implements the "courage log" commands over CBOR protocol
// captures.
package logcmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/newtricks/courage-go/pkg/log"
)

// FilterOptions specifies filtering criteria as given on the command line.
// Empty fields match everything.
type FilterOptions struct {
	ConnID    string
	DeviceID  string
	ChannelID string
	TimeStart string
	TimeEnd   string
	Layer     string
	Direction string
	Category  string
}

// Build converts the options into a log.Filter.
func (o FilterOptions) Build() (log.Filter, error) {
	filter := log.Filter{
		ConnectionID: o.ConnID,
		DeviceID:     o.DeviceID,
		ChannelID:    o.ChannelID,
	}

	if o.TimeStart != "" {
		t, err := time.Parse(time.RFC3339, o.TimeStart)
		if err != nil {
			return filter, fmt.Errorf("invalid time-start format: %w", err)
		}
		filter.TimeStart = &t
	}

	if o.TimeEnd != "" {
		t, err := time.Parse(time.RFC3339, o.TimeEnd)
		if err != nil {
			return filter, fmt.Errorf("invalid time-end format: %w", err)
		}
		filter.TimeEnd = &t
	}

	if o.Layer != "" {
		l, err := ParseLayer(o.Layer)
		if err != nil {
			return filter, err
		}
		filter.Layer = &l
	}

	if o.Direction != "" {
		d, err := ParseDirection(o.Direction)
		if err != nil {
			return filter, err
		}
		filter.Direction = &d
	}

	if o.Category != "" {
		c, err := ParseCategory(o.Category)
		if err != nil {
			return filter, err
		}
		filter.Category = &c
	}

	return filter, nil
}

// ParseLayer parses a layer name (case-insensitive).
func ParseLayer(s string) (log.Layer, error) {
	switch strings.ToLower(s) {
	case "transport":
		return log.LayerTransport, nil
	case "wire":
		return log.LayerWire, nil
	case "client":
		return log.LayerClient, nil
	default:
		return 0, fmt.Errorf("invalid layer: %s (must be transport, wire, or client)", s)
	}
}

// ParseDirection parses a direction name (case-insensitive).
func ParseDirection(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

// ParseCategory parses a category name (case-insensitive).
func ParseCategory(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "message":
		return log.CategoryMessage, nil
	case "state":
		return log.CategoryState, nil
	case "error":
		return log.CategoryError, nil
	default:
		return 0, fmt.Errorf("invalid category: %s (must be message, state, or error)", s)
	}
}

// RunFilter copies the events of path matching opts into output and
// returns how many were written.
func RunFilter(path, output string, opts FilterOptions) (int, error) {
	filter, err := opts.Build()
	if err != nil {
		return 0, err
	}

	reader, err := log.OpenReader(path, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	rec, err := log.CreateRecorder(output)
	if err != nil {
		return 0, fmt.Errorf("failed to create output file: %w", err)
	}
	defer rec.Close()

	err = reader.Each(func(event log.Event) error {
		rec.Log(event)
		return rec.Err()
	})
	if err != nil {
		return rec.Count(), fmt.Errorf("failed to copy events: %w", err)
	}
	return rec.Count(), nil
}
