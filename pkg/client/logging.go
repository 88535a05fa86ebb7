package client

import (
	"time"

	"github.com/google/uuid"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/newtricks/courage-go/pkg/codes"
	"github.com/newtricks/courage-go/pkg/log"
	"github.com/newtricks/courage-go/pkg/transport"
	"github.com/newtricks/courage-go/pkg/wire"
)

func (c *Client) debugLog(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, args...)
	}
}

// logMessage records a decoded message on the protocol logger.
func (c *Client) logMessage(conn transport.Conn, dir log.Direction, msg wire.Message, opcode uint8) {
	if c.protocolLogger == nil {
		return
	}
	ev := c.baseEvent(log.LayerWire, log.CategoryMessage)
	ev.Direction = dir
	ev.ConnectionID = conn.ID()
	if addr := conn.RemoteAddr(); addr != nil {
		ev.RemoteAddr = addr.String()
	}
	ev.Message = log.NewMessageEvent(msg, opcode)
	c.protocolLogger.Log(ev)
}

func (c *Client) logState(entity log.StateEntity, from, to, reason string, channelID uuid.UUID) {
	if c.protocolLogger == nil {
		return
	}
	ev := c.baseEvent(log.LayerClient, log.CategoryState)
	ev.StateChange = &log.StateChangeEvent{
		Entity:   entity,
		OldState: from,
		NewState: to,
		Reason:   reason,
	}
	if channelID != uuid.Nil {
		ev.StateChange.ChannelID = channelID.String()
	}
	c.protocolLogger.Log(ev)
}

func (c *Client) logError(context string, err error) {
	if c.logger != nil {
		c.logger.Warn(context+" failed", "error", err)
	}
	if c.protocolLogger == nil {
		return
	}
	ev := c.baseEvent(log.LayerClient, log.CategoryError)
	ev.Error = &log.ErrorEventData{
		Layer:   log.LayerClient,
		Message: err.Error(),
		Context: context,
	}
	if code, ok := codes.CodeOf(err); ok {
		ev.Error.Code = code.String()
	}
	c.protocolLogger.Log(ev)
}

func (c *Client) baseEvent(layer log.Layer, category log.Category) log.Event {
	ev := log.Event{
		Timestamp: time.Now(),
		Layer:     layer,
		Category:  category,
	}
	if id := c.identity.Snapshot().DeviceID; id != uuid.Nil {
		ev.DeviceID = id.String()
	}
	if c.config.ProviderID != uuid.Nil {
		ev.ProviderID = c.config.ProviderID.String()
	}
	return ev
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	} else {
		span.SetStatus(otelcodes.Ok, "")
	}
	span.End()
}
