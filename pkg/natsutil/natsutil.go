// Package natsutil provides typed NATS publish/subscribe/request helpers
// with OpenTelemetry trace propagation.
package natsutil

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// Publisher is the publishing half of *nats.Conn.
type Publisher interface {
	PublishMsg(*nats.Msg) error
}

// Requester is the request/reply half of *nats.Conn.
type Requester interface {
	RequestMsgWithContext(context.Context, *nats.Msg) (*nats.Msg, error)
}

// Subscriber is the subscribing half of *nats.Conn.
type Subscriber interface {
	Subscribe(string, nats.MsgHandler) (*nats.Subscription, error)
}

// natsHeaderCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

func newMsg(ctx context.Context, subject string, v any) (*nats.Msg, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("natsutil: encode %s: %w", subject, err)
	}
	msg := &nats.Msg{Subject: subject, Data: data}
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	return msg, nil
}

// ContextFrom extracts the trace context carried in msg's headers.
func ContextFrom(msg *nats.Msg) context.Context {
	return otel.GetTextMapPropagator().Extract(context.Background(), (*natsHeaderCarrier)(msg))
}

// Publish serializes v as JSON and publishes to the given subject.
// Trace context from ctx is injected into NATS message headers.
func Publish[T any](ctx context.Context, nc Publisher, subject string, v T) error {
	msg, err := newMsg(ctx, subject, v)
	if err != nil {
		return err
	}
	return nc.PublishMsg(msg)
}

// DecodeErrorFunc receives messages whose payload did not decode.
type DecodeErrorFunc func(msg *nats.Msg, err error)

// Subscribe registers a handler that deserializes JSON messages of type T.
// Trace context is extracted from NATS message headers and passed to the handler.
// Malformed messages go to onErr when given and are dropped otherwise.
func Subscribe[T any](nc Subscriber, subject string, handler func(context.Context, T), onErr ...DecodeErrorFunc) (*nats.Subscription, error) {
	return nc.Subscribe(subject, decodeHandler(handler, onErr...))
}

func decodeHandler[T any](handler func(context.Context, T), onErr ...DecodeErrorFunc) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			for _, f := range onErr {
				f(msg, err)
			}
			return
		}
		handler(ContextFrom(msg), v)
	}
}

// Request sends a JSON-encoded request and decodes the response. The
// deadline comes from ctx.
func Request[Req, Resp any](ctx context.Context, nc Requester, subject string, req Req) (Resp, error) {
	var zero Resp
	msg, err := newMsg(ctx, subject, req)
	if err != nil {
		return zero, err
	}
	resp, err := nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return zero, err
	}
	var result Resp
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return zero, fmt.Errorf("natsutil: decode reply on %s: %w", subject, err)
	}
	return result, nil
}

// Respond subscribes a typed request handler; its return value is sent back
// as the JSON reply. Errors are sent as {"error": "..."}.
func Respond[Req, Resp any](nc Subscriber, subject string, handler func(context.Context, Req) (Resp, error)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		var req Req
		var reply any
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			reply = ErrorReply{Error: err.Error()}
		} else if resp, err := handler(ContextFrom(msg), req); err != nil {
			reply = ErrorReply{Error: err.Error()}
		} else {
			reply = resp
		}
		data, _ := json.Marshal(reply)
		_ = msg.Respond(data)
	})
}

// ErrorReply is the body Respond sends when the handler fails.
type ErrorReply struct {
	Error string `json:"error"`
}
