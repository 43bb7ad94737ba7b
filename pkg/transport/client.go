// Package transport is the agent's only road to the collector: an
// authenticated HTTP client that retries transient failures with bounded
// exponential backoff. All POST targets are idempotent server-side (event IDs
// dedupe on overwrite), so the same retry policy covers reads and writes.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/warden/pkg/protocol"
)

// Options configures a Client. Token and client certificate are independent:
// either, both, or neither may be set.
type Options struct {
	BaseURL        string
	Token          string
	ClientCertPath string
	ClientKeyPath  string
	CABundlePath   string
	Timeout        time.Duration
	RetryInitialMs int
	RetryMaxMs     int
	RetryMax       int
}

// Client talks to the collector on behalf of one device.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	retry   *retrier
}

// New builds a client from the given options.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retryMax := opts.RetryMax
	if retryMax == 0 {
		retryMax = 5
	}

	tlsConfig := &tls.Config{}
	if opts.ClientCertPath != "" && opts.ClientKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(opts.ClientCertPath, opts.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	if opts.CABundlePath != "" {
		pem, err := os.ReadFile(opts.CABundlePath)
		if err != nil {
			return nil, fmt.Errorf("reading CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in CA bundle %s", opts.CABundlePath)
		}
		tlsConfig.RootCAs = pool
	}

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		http: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
		retry: newRetrier(opts.RetryInitialMs, opts.RetryMaxMs, retryMax),
	}, nil
}

// SendEvent submits an event and returns the collector-assigned ID.
func (c *Client) SendEvent(ctx context.Context, event *protocol.Event) (*protocol.EventAck, error) {
	var ack protocol.EventAck
	err := c.postJSON(ctx, "/api/v1/events", event, &ack)
	if err != nil {
		return nil, err
	}
	return &ack, nil
}

// UploadThumbnail attaches a thumbnail blob to an already-submitted event.
func (c *Client) UploadThumbnail(ctx context.Context, eventID string, blob io.Reader, filename string) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("thumbnail", filename)
	if err != nil {
		return fmt.Errorf("building multipart body: %w", err)
	}
	if _, err := io.Copy(part, blob); err != nil {
		return fmt.Errorf("copying thumbnail: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("finalizing multipart body: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/events/%s/thumbnail", c.baseURL, eventID)
	return c.retry.do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body.Bytes()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		c.authorize(req)
		return c.execute(req, nil)
	})
}

// PollCommands fetches the device's pending commands. The collector marks
// them delivered as part of this call; a command is handed out exactly once.
func (c *Client) PollCommands(ctx context.Context, deviceID string) ([]protocol.Command, error) {
	var commands []protocol.Command
	path := fmt.Sprintf("/api/v1/agents/%s/commands", deviceID)
	if err := c.getJSON(ctx, path, &commands); err != nil {
		return nil, err
	}
	return commands, nil
}

// FetchPolicy retrieves the current policy document as raw JSON.
func (c *Client) FetchPolicy(ctx context.Context) ([]byte, error) {
	var doc json.RawMessage
	if err := c.getJSON(ctx, "/api/v1/policy", &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// FetchManifest retrieves the update manifest for the device.
func (c *Client) FetchManifest(ctx context.Context, deviceID string) (*protocol.Manifest, error) {
	var manifest protocol.Manifest
	path := fmt.Sprintf("/update/manifest/%s", deviceID)
	if err := c.getJSON(ctx, path, &manifest); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// DownloadArtifact streams the artifact at url to destPath via a temp file,
// so a partial download never masquerades as a complete one.
func (c *Client) DownloadArtifact(ctx context.Context, url, destPath string) error {
	return c.retry.do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		c.authorize(req)
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return StatusError{Status: resp.StatusCode}
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return fmt.Errorf("creating artifact dir: %w", err)
		}
		tmp, err := os.CreateTemp(filepath.Dir(destPath), ".download-*")
		if err != nil {
			return fmt.Errorf("creating temp artifact: %w", err)
		}
		defer os.Remove(tmp.Name())
		if _, err := io.Copy(tmp, resp.Body); err != nil {
			tmp.Close()
			return fmt.Errorf("streaming artifact: %w", err)
		}
		if err := tmp.Close(); err != nil {
			return err
		}
		return os.Rename(tmp.Name(), destPath)
	})
}

// RegisterDevice creates (or overwrites) the device record.
func (c *Client) RegisterDevice(ctx context.Context, req *protocol.RegisterRequest) (*protocol.RegisterResponse, error) {
	var resp protocol.RegisterResponse
	if err := c.postJSON(ctx, "/api/v1/register_device", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RequestOTP asks the collector to email an activation code.
func (c *Client) RequestOTP(ctx context.Context, email, deviceID string) (bool, error) {
	var resp protocol.OTPRequestResponse
	req := protocol.OTPRequest{Email: email, DeviceID: deviceID}
	if err := c.postJSON(ctx, "/api/v1/request_otp", &req, &resp); err != nil {
		return false, err
	}
	return resp.Sent, nil
}

// VerifyOTP submits the activation code for the device.
func (c *Client) VerifyOTP(ctx context.Context, deviceID, code string) (bool, error) {
	var resp protocol.OTPVerifyResponse
	req := protocol.OTPVerifyRequest{DeviceID: deviceID, Code: code}
	if err := c.postJSON(ctx, "/api/v1/verify_otp", &req, &resp); err != nil {
		return false, err
	}
	return resp.OK, nil
}

// BindDevice records the hardware fingerprint. Binding is best-effort and
// independent of activation.
func (c *Client) BindDevice(ctx context.Context, deviceID string, info *protocol.BoundInfo) error {
	path := fmt.Sprintf("/api/v1/devices/%s/bind", deviceID)
	return c.postJSON(ctx, path, info, nil)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.retry.do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return err
		}
		c.authorize(req)
		return c.execute(req, out)
	})
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	return c.retry.do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		c.authorize(req)
		return c.execute(req, out)
	})
}

func (c *Client) execute(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return StatusError{Status: resp.StatusCode}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
