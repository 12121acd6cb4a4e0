// Package apclient is the outbound HTTP side of federation: signed object
// fetches and activity deliveries with timeouts, size limits and SSRF
// protection.
package apclient

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedengine/activitypub"
	"github.com/deemkeen/fedengine/domain"
	"github.com/deemkeen/fedengine/util"
	"github.com/doyensec/safeurl"
)

const (
	ContentType = "application/activity+json"
	acceptTypes = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
)

// ErrBlockedHost is returned for any request towards a blocked instance.
var ErrBlockedHost = errors.New("host is blocked")

// StatusError is a non-2xx answer from a remote server.
type StatusError struct {
	Url        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Url, e.StatusCode)
}

// Temporary reports whether the request may succeed later. Client errors
// are final except for timeouts and rate limiting.
func (e *StatusError) Temporary() bool {
	if e.StatusCode >= 400 && e.StatusCode < 500 {
		return e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests
	}
	return true
}

// KeySource supplies the key used to sign fetches, usually the instance
// actor's.
type KeySource interface {
	FetchKey(ctx context.Context) (keyId string, key *rsa.PrivateKey, err error)
}

type Client struct {
	http           *http.Client
	keys           KeySource
	userAgent      string
	maxSize        int64
	fetchTimeout   time.Duration
	deliverTimeout time.Duration
	blocked        []string
	log            *log.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the SSRF-guarded default client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithKeySource(ks KeySource) Option {
	return func(cl *Client) { cl.keys = ks }
}

func WithLogger(l *log.Logger) Option {
	return func(cl *Client) { cl.log = l.With("component", "apclient") }
}

func New(conf util.FederationConf, opts ...Option) *Client {
	c := &Client{
		userAgent:      conf.UserAgent,
		maxSize:        conf.MaxObjectSize,
		fetchTimeout:   conf.FetchTimeout,
		deliverTimeout: conf.DeliverTimeout,
		blocked:        conf.BlockedHosts,
		log:            util.DiscardLogger(),
	}
	if c.userAgent == "" {
		c.userAgent = util.GetNameAndVersion()
	}
	if c.maxSize <= 0 {
		c.maxSize = 1 << 20
	}
	if c.fetchTimeout <= 0 {
		c.fetchTimeout = 10 * time.Second
	}
	if c.deliverTimeout <= 0 {
		c.deliverTimeout = 30 * time.Second
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		if conf.AllowPrivateNetwork {
			c.http = &http.Client{}
		} else {
			config := safeurl.GetConfigBuilder().
				SetAllowedSchemes("https", "http").
				Build()
			c.http = safeurl.Client(config).Client
		}
	}
	return c
}

// SetKeySource binds the signing key after construction; the instance
// actor needs the store, which is wired after the client.
func (c *Client) SetKeySource(ks KeySource) {
	c.keys = ks
}

func (c *Client) checkHost(uri string) error {
	host, err := activitypub.HostOf(uri)
	if err != nil {
		return domain.Permanent(err)
	}
	if activitypub.IsBlockedHost(host, c.blocked) {
		return domain.Permanent(fmt.Errorf("%w: %s", ErrBlockedHost, host))
	}
	if !strings.HasPrefix(uri, "https://") && !strings.HasPrefix(uri, "http://") {
		return domain.Permanent(fmt.Errorf("unsupported scheme in %s", uri))
	}
	return nil
}

// Fetch GETs an ActivityPub object and returns its raw JSON. The final
// url after redirects is returned too so callers can check its host.
func (c *Client) Fetch(ctx context.Context, uri string) ([]byte, string, error) {
	return c.get(ctx, uri, acceptTypes, true)
}

// FetchJSON is an unsigned GET for plain JSON documents such as nodeinfo.
func (c *Client) FetchJSON(ctx context.Context, uri string) ([]byte, error) {
	body, _, err := c.get(ctx, uri, "application/json", false)
	return body, err
}

func (c *Client) get(ctx context.Context, uri, accept string, sign bool) ([]byte, string, error) {
	if err := c.checkHost(uri); err != nil {
		return nil, "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, "", domain.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", c.userAgent)

	if sign && c.keys != nil {
		keyId, key, err := c.keys.FetchKey(ctx)
		if err != nil {
			return nil, "", fmt.Errorf("loading fetch key: %w", err)
		}
		if err := activitypub.SignGet(req, key, keyId); err != nil {
			return nil, "", fmt.Errorf("failed to sign request: %w", err)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetching %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, "", &StatusError{Url: uri, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading %s: %w", uri, err)
	}
	if int64(len(body)) > c.maxSize {
		return nil, "", domain.Permanent(fmt.Errorf("object at %s exceeds %d bytes", uri, c.maxSize))
	}
	if !json.Valid(body) {
		return nil, "", domain.Permanent(fmt.Errorf("object at %s is not JSON", uri))
	}

	final := uri
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	return body, final, nil
}

// Deliver POSTs a signed activity to inbox and returns the status code.
func (c *Client) Deliver(ctx context.Context, inbox string, body []byte, keyId string, key *rsa.PrivateKey) (int, error) {
	if err := c.checkHost(inbox); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.deliverTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return 0, domain.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)
	req.Header.Set("User-Agent", c.userAgent)

	if err := activitypub.SignPost(req, body, key, keyId); err != nil {
		return 0, fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("delivering to %s: %w", inbox, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &StatusError{Url: inbox, StatusCode: resp.StatusCode}
	}
	c.log.Debug("delivered", "inbox", inbox, "status", resp.StatusCode)
	return resp.StatusCode, nil
}

// Post sends an unsigned JSON body, used for webhooks. extra headers are
// added verbatim.
func (c *Client) Post(ctx context.Context, url string, body []byte, extra map[string]string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.deliverTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, domain.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	for k, v := range extra {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("posting to %s: %w", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &StatusError{Url: url, StatusCode: resp.StatusCode}
	}
	return resp.StatusCode, nil
}
