package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nicktill/tinyflow/pkg/config"
	"github.com/nicktill/tinyflow/pkg/flow"
)

// Transport delivers a batch of lane flows to the server.
type Transport interface {
	Send(ctx context.Context, flows []flow.LaneFlow) error
}

type payload struct {
	Flows []flow.LaneFlow `json:"flows"`
}

// chunks splits flows into request-sized slices.
func chunks(flows []flow.LaneFlow) [][]flow.LaneFlow {
	var out [][]flow.LaneFlow
	for len(flows) > config.MaxFlowsPerRequest {
		out = append(out, flows[:config.MaxFlowsPerRequest])
		flows = flows[config.MaxFlowsPerRequest:]
	}
	if len(flows) > 0 {
		out = append(out, flows)
	}
	return out
}

// HTTPTransport posts flows to the /v1/lanes/flows endpoint.
type HTTPTransport struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTP creates an HTTP transport.
func NewHTTP(endpoint, apiKey string) (*HTTPTransport, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	return &HTTPTransport{
		endpoint: endpoint,
		apiKey:   apiKey,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

// Send posts flows, splitting batches above the server's request limit.
func (t *HTTPTransport) Send(ctx context.Context, flows []flow.LaneFlow) error {
	for _, chunk := range chunks(flows) {
		if err := t.post(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, flows []flow.LaneFlow) error {
	data, err := json.Marshal(payload{Flows: flows})
	if err != nil {
		return fmt.Errorf("failed to marshal lane flows: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return nil
}

// NATSTransport publishes flows on the subject the server subscribes to.
type NATSTransport struct {
	nc      *nats.Conn
	subject string
}

// NewNATS connects to the NATS server at url.
func NewNATS(url, subject string) (*NATSTransport, error) {
	nc, err := nats.Connect(url, nats.Name("tinyflow-client"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	if subject == "" {
		subject = config.DefaultNATSSubject
	}
	return &NATSTransport{nc: nc, subject: subject}, nil
}

// Send publishes one message per request-sized chunk and flushes the
// connection so a returned nil means the server received them.
func (t *NATSTransport) Send(ctx context.Context, flows []flow.LaneFlow) error {
	for _, chunk := range chunks(flows) {
		data, err := json.Marshal(payload{Flows: chunk})
		if err != nil {
			return fmt.Errorf("failed to marshal lane flows: %w", err)
		}
		if err := t.nc.Publish(t.subject, data); err != nil {
			return fmt.Errorf("failed to publish lane flows: %w", err)
		}
	}
	return t.nc.FlushWithContext(ctx)
}

// Close drains and closes the connection.
func (t *NATSTransport) Close() error {
	return t.nc.Drain()
}
