package http

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/x402-foundation/premium"
)

// ============================================================================
// PaymentClient - pays 402 challenges
// ============================================================================

// PaymentClient turns a 402 challenge into a settled, verified transaction id
type PaymentClient struct {
	resolver   *premium.RequirementResolver
	settlement *premium.SettlementEngine
	verifier   *premium.Verifier
	transport  http.RoundTripper
	logger     *zap.Logger
}

// ClientOption configures a PaymentClient
type ClientOption func(*PaymentClient)

// WithTransport sets the transport used for the underlying requests
func WithTransport(transport http.RoundTripper) ClientOption {
	return func(c *PaymentClient) {
		if transport != nil {
			c.transport = transport
		}
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *PaymentClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewPaymentClient creates a client that settles through settlement and checks through verifier
func NewPaymentClient(resolver *premium.RequirementResolver, settlement *premium.SettlementEngine, verifier *premium.Verifier, opts ...ClientOption) *PaymentClient {
	c := &PaymentClient{
		resolver:   resolver,
		settlement: settlement,
		verifier:   verifier,
		transport:  http.DefaultTransport,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pay settles the terms advertised in a 402 response header and verifies the result.
// It returns the transaction id to attach as proof.
func (c *PaymentClient) Pay(ctx context.Context, header http.Header) (string, error) {
	overrides, err := ParseChallenge(header)
	if err != nil {
		return "", premium.WrapPaymentError(premium.ErrCodeInvalidRequirement, "malformed payment challenge", err)
	}
	requirement, err := c.resolver.Resolve(premium.ClassPremiumSearch, overrides)
	if err != nil {
		return "", err
	}

	attempt, err := c.settlement.Settle(ctx, requirement)
	if err != nil {
		return "", err
	}

	verification, err := c.verifier.Verify(ctx, attempt.TransactionID, requirement)
	if err != nil {
		return "", err
	}
	if !verification.Verified {
		return "", premium.NewPaymentError(premium.ErrCodeVerificationFailed,
			"settled payment did not verify: "+verification.Reason,
			map[string]interface{}{"transactionId": attempt.TransactionID})
	}

	c.logger.Info("paid challenge",
		zap.String("tx", attempt.TransactionID),
		zap.String("recipient", requirement.Recipient),
		zap.String("amount", requirement.DisplayAmount()))
	return attempt.TransactionID, nil
}

// HTTPClient returns an *http.Client that pays challenges transparently
func (c *PaymentClient) HTTPClient() *http.Client {
	return &http.Client{
		Transport: &PaymentRoundTripper{
			Transport: c.transport,
			payer:     c,
		},
	}
}

// FetchWithPayment issues a GET with headers, paying a challenge at most once
func (c *PaymentClient) FetchWithPayment(ctx context.Context, url string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.HTTPClient().Do(req)
}

// ============================================================================
// HTTP Client Wrapper
// ============================================================================

// WrapHTTPClientWithPayment returns a copy of client whose transport pays 402 challenges
func WrapHTTPClientWithPayment(client *http.Client, payer *PaymentClient) *http.Client {
	wrapped := &http.Client{}
	if client != nil {
		*wrapped = *client
	}

	transport := wrapped.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	wrapped.Transport = &PaymentRoundTripper{
		Transport: transport,
		payer:     payer,
	}
	return wrapped
}

// PaymentRoundTripper implements http.RoundTripper with a single paid retry
type PaymentRoundTripper struct {
	Transport http.RoundTripper
	payer     *PaymentClient
}

// RoundTrip implements http.RoundTripper.
// A non-402 response is returned unchanged. A 402 is paid and the request is
// re-issued once with the proof header; a second 402 is an error.
func (t *PaymentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	challenge := resp.Header.Clone()
	if resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	ctx := req.Context()
	txID, err := t.payer.Pay(ctx, challenge)
	if err != nil {
		return nil, err
	}

	paid := req.Clone(ctx)
	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return nil, fmt.Errorf("paid %s but cannot replay request body", txID)
		}
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("replay request body: %w", err)
		}
		paid.Body = body
	}
	paid.Header.Set(HeaderPaymentProof, txID)

	retry, err := t.Transport.RoundTrip(paid)
	if err != nil {
		return nil, err
	}
	if retry.StatusCode == http.StatusPaymentRequired {
		reason := retry.Header.Get(HeaderPaymentError)
		_, _ = io.Copy(io.Discard, retry.Body)
		retry.Body.Close()
		return nil, premium.NewPaymentError(premium.ErrCodePaymentRejected,
			"payment was made but the server still requires payment",
			map[string]interface{}{"transactionId": txID, "reason": reason})
	}
	return retry, nil
}
