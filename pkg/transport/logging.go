package transport

import (
	"github.com/croquet-sync/croquet-go/pkg/log"
	"github.com/croquet-sync/croquet-go/pkg/wire"
)

func (c *Conn) baseEvent(dir log.Direction, layer log.Layer, cat log.Category) log.Event {
	return log.Event{
		Timestamp:    c.clock.Now(),
		ConnectionID: c.cfg.ConnectionID,
		SessionID:    c.session,
		Direction:    dir,
		Layer:        layer,
		Category:     cat,
		Endpoint:     c.cfg.BaseURL,
	}
}

// logExchange runs on I/O goroutines, so it takes the session explicitly.
func (c *Conn) logExchange(dir log.Direction, session string, ex *log.ExchangeEvent, err error) {
	ev := log.Event{
		Timestamp:    c.clock.Now(),
		ConnectionID: c.cfg.ConnectionID,
		SessionID:    session,
		Direction:    dir,
		Layer:        log.LayerTransport,
		Category:     log.CategoryControl,
		Endpoint:     c.cfg.BaseURL,
		Exchange:     ex,
	}
	if ex.Kind == log.ExchangeSend || ex.Kind == log.ExchangePoll {
		ev.Category = log.CategoryMessage
	}
	c.plog.Log(ev)

	if err != nil {
		ev.Exchange = nil
		ev.Category = log.CategoryError
		ev.Error = &log.ErrorEventData{
			Layer:   log.LayerTransport,
			Message: err.Error(),
			Context: ex.Kind.String(),
		}
		if ex.Status != 0 {
			status := ex.Status
			ev.Error.Status = &status
		}
		c.plog.Log(ev)
	}
}

func (c *Conn) logError(layer log.Layer, err error, context string) {
	ev := c.baseEvent(log.DirectionIn, layer, log.CategoryError)
	ev.Error = &log.ErrorEventData{Layer: layer, Message: err.Error(), Context: context}
	c.plog.Log(ev)
}

func (c *Conn) logRequest(f wire.Request) {
	ev := c.baseEvent(log.DirectionOut, log.LayerWire, log.CategoryMessage)
	ev.Message = &log.MessageEvent{
		Kind:      log.MessageKindRequest,
		Type:      f.Type,
		RequestID: f.ID,
		Key:       payloadKey(f.Payload),
		Payload:   loggable(f.Payload),
	}
	c.plog.Log(ev)
}

func (c *Conn) logMessage(m wire.Message) {
	ev := c.baseEvent(log.DirectionIn, log.LayerWire, log.CategoryMessage)
	me := &log.MessageEvent{
		Kind:    log.MessageKindPush,
		Type:    m.Type,
		Key:     payloadKey(m.Payload),
		Payload: loggable(m.Payload),
	}
	if m.Type == wire.TypeResponse {
		me.Kind = log.MessageKindResponse
		if id, ok := wire.AsInt(m.Payload["id"]); ok && id > 0 {
			me.RequestID = uint64(id)
		}
	}
	ev.Message = me
	c.plog.Log(ev)
}

func payloadKey(p wire.Payload) string {
	if k, ok := p["key"].(string); ok {
		return k
	}
	return ""
}

// loggable converts a payload to a plain map, dropping undefined fields
// which have no CBOR representation.
func loggable(p wire.Payload) map[string]any {
	if len(p) == 0 {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		if _, ok := v.(wire.Undefined); ok {
			continue
		}
		out[k] = v
	}
	return out
}
