// Copyright Amazon.com, Inc. or its affiliates. All Rights Reserved.
// SPDX-License-Identifier: MIT-0

// Package bedrock is a thin client for the AWS Bedrock runtime Converse API
// and the Bedrock bearer-token provider used by the Mantle pass-through.
package bedrock

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"go.uber.org/zap"

	"github.com/aws-samples/sample-opencode-with-bedrock/internal/apischema/awsbedrock"
)

const (
	connectTimeout = 10 * time.Second
	readTimeout    = 900 * time.Second
	maxAttempts    = 3
)

// EventReader yields decoded ConverseStream events. Next returns io.EOF when
// the upstream stream ends normally.
type EventReader interface {
	Next() (*awsbedrock.ConverseStreamEvent, error)
	Close() error
}

// Client invokes the Converse API over HTTP with SigV4 request signing.
type Client struct {
	httpClient *http.Client
	creds      aws.CredentialsProvider
	signer     *v4.Signer
	region     string
	endpoint   string
	logger     *zap.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithEndpoint overrides the Bedrock runtime endpoint, for tests.
func WithEndpoint(endpoint string) ClientOption {
	return func(c *Client) { c.endpoint = endpoint }
}

// WithCredentials overrides the credential provider, for tests.
func WithCredentials(creds aws.CredentialsProvider) ClientOption {
	return func(c *Client) { c.creds = creds }
}

// NewClient loads the default AWS credential chain and returns a Converse
// client for the given region.
func NewClient(ctx context.Context, region string, logger *zap.Logger, opts ...ClientOption) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("cannot load AWS config: %w", err)
	}
	c := &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
				TLSHandshakeTimeout:   connectTimeout,
				ResponseHeaderTimeout: readTimeout,
			},
		},
		creds:    cfg.Credentials,
		signer:   v4.NewSigner(),
		region:   region,
		endpoint: fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", region),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Converse performs a unary model invocation. Transient transport errors and
// throttling or server errors are retried up to maxAttempts times.
func (c *Client) Converse(ctx context.Context, modelID string, input *awsbedrock.ConverseInput) (*awsbedrock.ConverseResponse, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal converse input: %w", err)
	}
	path := fmt.Sprintf("/model/%s/converse", url.PathEscape(modelID))

	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 250 * time.Millisecond):
			}
		}
		resp, err := c.do(ctx, path, body)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read converse response: %w", err)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = bedrockError(resp, respBody)
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				continue
			}
			return nil, lastErr
		}
		var out awsbedrock.ConverseResponse
		if err := json.Unmarshal(respBody, &out); err != nil {
			return nil, fmt.Errorf("failed to unmarshal converse response: %w", err)
		}
		return &out, nil
	}
	return nil, lastErr
}

// ConverseStream starts a streaming invocation and returns a reader over the
// decoded event stream. The caller owns the reader and must close it.
func (c *Client) ConverseStream(ctx context.Context, modelID string, input *awsbedrock.ConverseInput) (EventReader, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal converse input: %w", err)
	}
	path := fmt.Sprintf("/model/%s/converse-stream", url.PathEscape(modelID))

	resp, err := c.do(ctx, path, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, bedrockError(resp, respBody)
	}
	return &eventStreamReader{body: resp.Body, dec: eventstream.NewDecoder()}, nil
}

// do signs and sends one request. The payload hash goes into the signature
// the same way the runtime endpoint expects it.
func (c *Client) do(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cannot create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	credentials, err := c.creds.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot retrieve AWS credentials: %w", err)
	}
	payloadHash := sha256.Sum256(body)
	if err := c.signer.SignHTTP(ctx, credentials, req,
		hex.EncodeToString(payloadHash[:]), "bedrock", c.region, time.Now()); err != nil {
		return nil, fmt.Errorf("cannot sign request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bedrock request failed: %w", err)
	}
	return resp, nil
}

func bedrockError(resp *http.Response, body []byte) error {
	var exc awsbedrock.BedrockException
	if err := json.Unmarshal(body, &exc); err == nil && exc.Message != "" {
		return fmt.Errorf("bedrock returned status %d (%s): %s",
			resp.StatusCode, resp.Header.Get("X-Amzn-Errortype"), exc.Message)
	}
	return fmt.Errorf("bedrock returned status %d: %s", resp.StatusCode, string(body))
}

// eventStreamReader decodes application/vnd.amazon.eventstream messages off
// the response body one at a time.
type eventStreamReader struct {
	body       io.ReadCloser
	dec        *eventstream.Decoder
	payloadBuf []byte
}

// Next implements [EventReader.Next].
func (r *eventStreamReader) Next() (*awsbedrock.ConverseStreamEvent, error) {
	for {
		msg, err := r.dec.Decode(r.body, r.payloadBuf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("failed to decode event stream: %w", err)
		}
		r.payloadBuf = msg.Payload[:0]

		if msg.Headers.Get(":exception-type") != nil {
			var exc awsbedrock.BedrockException
			_ = json.Unmarshal(msg.Payload, &exc)
			return nil, fmt.Errorf("bedrock stream exception: %s", exc.Message)
		}
		var event awsbedrock.ConverseStreamEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			// Unknown event shapes are skipped rather than failing the stream.
			continue
		}
		return &event, nil
	}
}

// Close implements [EventReader.Close].
func (r *eventStreamReader) Close() error {
	return r.body.Close()
}
