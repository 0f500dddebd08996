package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/opshelm/skillbus/models"
)

const defaultTimeout = 30 * time.Second

var (
	ErrSocketPathRequired = errors.New("socketPath cannot be empty")
	ErrRequestFailed      = errors.New("request failed")
)

type Config struct {
	SocketPath string
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Client talks to a running relay over its unix socket. Skills use it
// to subscribe, unsubscribe, and publish.
type Client struct {
	socketPath string
	httpClient *http.Client
	logger     *slog.Logger
}

func New(cfg *Config) (*Client, error) {
	if cfg.SocketPath == "" {
		return nil, ErrSocketPathRequired
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	socketPath := cfg.SocketPath
	httpClient := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var dialer net.Dialer
				return dialer.DialContext(ctx, "unix", socketPath)
			},
		},
	}

	return &Client{
		socketPath: socketPath,
		httpClient: httpClient,
		logger:     logger.WithGroup("skillbus_client"),
	}, nil
}

// internal request helper
func (c *Client) doRequest(path string, body any, target *models.Document) error {
	var reqBody []byte
	if body != nil {
		serialized, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body for %s: %w", path, err)
		}
		reqBody = serialized
	}

	req, err := http.NewRequest(http.MethodPost, "http://localhost"+path, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("sending request", "path", path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("received non-2xx status code", "path", path, "status_code", resp.StatusCode)
		return fmt.Errorf("%w: %s returned status %d", ErrRequestFailed, path, resp.StatusCode)
	}

	if target != nil && resp.StatusCode == http.StatusOK {
		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response for %s: %w", path, err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, target); err != nil {
				return fmt.Errorf("failed to decode response for %s: %w", path, err)
			}
		}
	}
	return nil
}

// Subscribe attaches this skill's delivery endpoint to a topic. The
// returned document is the topic's subscribe-handler response, nil when
// the relay answered 204.
func (c *Client) Subscribe(topic, endpoint, path string) (models.Document, error) {
	var response models.Document
	err := c.doRequest("/subscribe", models.SubscriptionRecord{ID: topic, Endpoint: endpoint, Path: path}, &response)
	if err != nil {
		return nil, err
	}
	return response, nil
}

func (c *Client) Unsubscribe(topic, endpoint, path string) error {
	return c.doRequest("/unsubscribe", models.SubscriptionRecord{ID: topic, Endpoint: endpoint, Path: path}, nil)
}

// Publish triggers a fan-out of message to every subscriber of topic.
// The relay acknowledges submission, not delivery.
func (c *Client) Publish(topic string, message models.Document) error {
	body := models.Document{"id": topic}
	if message != nil {
		body["message"] = map[string]any(message)
	}
	return c.doRequest("/publish", body, nil)
}

func (c *Client) Status() (models.Document, error) {
	var response models.Document
	if err := c.doRequest("/status", nil, &response); err != nil {
		return nil, err
	}
	return response, nil
}
