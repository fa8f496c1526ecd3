// Package federation implements the HTTP client side of the node-to-node
// protocol: discovery of remote peers via their well-known document, lookup
// of identities they host, and hand-off of encrypted messages.
package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"mychat_node/internal/model"
)

// WellKnownPath is the discovery endpoint every node serves on its domain.
const WellKnownPath = "/.well-known/mychat-node"

type (
	// WellKnown is the discovery document a node publishes about itself.
	WellKnown struct {
		Version        string         `json:"version"`
		Domain         string         `json:"domain"`
		FederationAPI  string         `json:"federation_api"`
		Capabilities   []string       `json:"capabilities"`
		MaxMessageSize int            `json:"max_message_size"`
		PublicKey      string         `json:"public_key,omitempty"`
		Statistics     map[string]any `json:"statistics,omitempty"`
	}

	// RemoteIdentity is what a peer reports about one identity it hosts.
	RemoteIdentity struct {
		LocalPart   string `json:"local_part"`
		Domain      string `json:"domain"`
		PublicKey   string `json:"public_key"`
		Fingerprint string `json:"fingerprint"`
	}

	// Envelope is one message handed to a remote node for a recipient it
	// hosts. The payload stays opaque end to end.
	Envelope struct {
		MessageID       string    `json:"message_id"`
		SenderHandle    string    `json:"sender_handle"`
		RecipientHandle string    `json:"recipient_handle"`
		Payload         []byte    `json:"payload"`
		ContentType     string    `json:"content_type"`
		OriginNode      string    `json:"origin_node"`
		SentAt          time.Time `json:"sent_at"`
	}

	Client struct {
		httpClient *http.Client
		// "https" in production; tests point at httptest servers over http.
		scheme string
	}
)

// StatusError is a non-2xx response from a remote node. Transport failures
// (connection refused, timeout) surface as plain transport errors instead.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("federation: remote returned %d: %s", e.StatusCode, e.Body)
}

func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		scheme:     "https",
	}
}

// Discover fetches the well-known document from a domain. A failure here
// means the node is unreachable or does not speak the protocol.
func (c *Client) Discover(ctx context.Context, domain string) (*WellKnown, error) {
	var wk WellKnown
	url := fmt.Sprintf("%s://%s%s", c.scheme, domain, WellKnownPath)
	if err := c.getJSON(ctx, url, &wk); err != nil {
		return nil, fmt.Errorf("discover %s: %w", domain, err)
	}
	if wk.FederationAPI == "" {
		return nil, fmt.Errorf("discover %s: document has no federation_api", domain)
	}
	return &wk, nil
}

// LookupIdentity asks a node for one of its identities by local part.
// Returns (nil, nil) when the node answers but hosts no such identity.
func (c *Client) LookupIdentity(ctx context.Context, node *model.Node, localPart string) (*RemoteIdentity, error) {
	var identity RemoteIdentity
	url := fmt.Sprintf("%s/users/%s", node.FederationURL, localPart)
	err := c.getJSON(ctx, url, &identity)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup %s on %s: %w", localPart, node.Domain, err)
	}
	return &identity, nil
}

// Deliver hands an envelope to a remote node. Any error means the attempt
// failed and the delivery task should be retried or exhausted by the caller.
func (c *Client) Deliver(ctx context.Context, node *model.Node, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	url := node.FederationURL + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver %s to %s: %w", env.MessageID, node.Domain, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readStatusError(resp)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readStatusError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
}
