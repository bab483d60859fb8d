package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Transport is the abstract channel the scheduler and workers exchange
// Messages over. A default in-process implementation is always available;
// a distributed deployment may back it with an external bus without the
// scheduler or worker code changing.
type Transport interface {
	Send(ctx context.Context, msg Message) error
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// InProcessTransport is a single-process Transport backed by a buffered
// channel. It is the default: the spec requires only that one exist.
type InProcessTransport struct {
	ch chan Message
}

// NewInProcessTransport constructs a Transport with the given mailbox depth.
func NewInProcessTransport(depth int) *InProcessTransport {
	if depth <= 0 {
		depth = 256
	}
	return &InProcessTransport{ch: make(chan Message, depth)}
}

func (t *InProcessTransport) Send(ctx context.Context, msg Message) error {
	select {
	case t.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *InProcessTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-t.ch:
		if !ok {
			return Message{}, fmt.Errorf("in-process transport closed")
		}
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (t *InProcessTransport) Close() error {
	close(t.ch)
	return nil
}

// NATSTransport backs the same abstract Transport with a NATS subject,
// propagating the OTel trace context through message headers the way the
// rest of this codebase's trace-context-aware publishers do — so a
// distributed worker deployment keeps a single trace across the wire.
type NATSTransport struct {
	nc      *nats.Conn
	subject string
	sub     *nats.Subscription
	inbox   chan Message
}

var tracePropagator = propagation.TraceContext{}

// NewNATSTransport connects to url and subscribes on subject, decoding JSON
// Message envelopes inbound and encoding them outbound.
func NewNATSTransport(url, subject string) (*NATSTransport, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	t := &NATSTransport{nc: nc, subject: subject, inbox: make(chan Message, 256)}
	sub, err := nc.Subscribe(subject, func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := tracePropagator.Extract(context.Background(), carrier)
		tracer := otel.Tracer("agentorchestrator")
		_, span := tracer.Start(ctx, "transport.nats.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			return
		}
		select {
		case t.inbox <- msg:
		default:
		}
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	t.sub = sub
	return t, nil
}

func (t *NATSTransport) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	hdr := nats.Header{}
	tracePropagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	return t.nc.PublishMsg(&nats.Msg{Subject: t.subject, Data: data, Header: hdr})
}

func (t *NATSTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-t.inbox:
		if !ok {
			return Message{}, fmt.Errorf("nats transport closed")
		}
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (t *NATSTransport) Close() error {
	if t.sub != nil {
		_ = t.sub.Unsubscribe()
	}
	t.nc.Close()
	close(t.inbox)
	return nil
}
