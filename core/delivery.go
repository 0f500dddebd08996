package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opshelm/skillbus/models"
)

// deliveryOutcome is the terminal classification of one delivery attempt.
type deliveryOutcome int

const (
	deliverySuccess deliveryOutcome = iota
	deliveryRetry
	deliveryRemove
	deliveryFail
)

func (o deliveryOutcome) String() string {
	switch o {
	case deliverySuccess:
		return "success"
	case deliveryRetry:
		return "retry"
	case deliveryRemove:
		return "remove"
	default:
		return "fail"
	}
}

// deliveryTask carries everything one outbound delivery needs. A retried
// delivery resubmits the same task values as a brand-new attempt.
type deliveryTask struct {
	topic           string
	subscriber      models.Subscriber
	message         models.Document
	requestBuilder  models.PublishRequestBuilder
	responseHandler models.PublishResponseHandler
}

// deliveryClient performs one outbound call to one subscriber endpoint
// and classifies the result. The subscriber's endpoint is a unix socket;
// the URL host is a placeholder the socket dial ignores.
type deliveryClient struct {
	logger         *slog.Logger
	connectTimeout time.Duration
	requestTimeout time.Duration

	mu      sync.Mutex
	clients map[string]*http.Client
}

func newDeliveryClient(logger *slog.Logger, connectTimeout, requestTimeout time.Duration) *deliveryClient {
	return &deliveryClient{
		logger:         logger.WithGroup("delivery"),
		connectTimeout: connectTimeout,
		requestTimeout: requestTimeout,
		clients:        make(map[string]*http.Client),
	}
}

// httpClient returns the cached client for an endpoint, creating it on
// first use. One transport per endpoint keeps the keep-alive connection
// alive across attempts instead of stranding an idle socket per call.
func (d *deliveryClient) httpClient(socketPath string) *http.Client {
	d.mu.Lock()
	defer d.mu.Unlock()

	if client, ok := d.clients[socketPath]; ok {
		return client
	}

	dialer := &net.Dialer{Timeout: d.connectTimeout}
	client := &http.Client{
		Timeout: d.requestTimeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", socketPath)
			},
		},
	}
	d.clients[socketPath] = client
	return client
}

// closeIdle drops every cached keep-alive connection. Called on relay
// shutdown.
func (d *deliveryClient) closeIdle() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, client := range d.clients {
		if transport, ok := client.Transport.(*http.Transport); ok {
			transport.CloseIdleConnections()
		}
	}
}

// deliver runs one attempt through build, send, and classify. The reason
// string accompanies the outcome into logs and the monitor stream.
func (d *deliveryClient) deliver(task *deliveryTask) (deliveryOutcome, string) {
	attemptID := uuid.NewString()
	log := d.logger.With(
		"attempt", attemptID,
		"topic", task.topic,
		"endpoint", task.subscriber.Endpoint,
		"path", task.subscriber.Path,
	)

	// Build: explicit message wins, then the topic's request builder,
	// else an empty body.
	var payload []byte
	if task.message != nil {
		serialized, err := json.Marshal(task.message)
		if err != nil {
			log.Error("delivery failed", "reason", "serializeMessageFailed", "error", err)
			return deliveryFail, "serializeMessageFailed"
		}
		payload = serialized
	} else if task.requestBuilder != nil {
		request := models.Document{}
		if !task.requestBuilder(request) {
			log.Error("delivery failed", "reason", "requestBuilderFailed")
			return deliveryFail, "requestBuilderFailed"
		}
		serialized, err := json.Marshal(request)
		if err != nil {
			log.Error("delivery failed", "reason", "serializeRequestFailed", "error", err)
			return deliveryFail, "serializeRequestFailed"
		}
		payload = serialized
	}

	url := "http://localhost" + task.subscriber.Path
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		log.Error("delivery failed", "reason", "buildRequestFailed", "error", err)
		return deliveryFail, "buildRequestFailed"
	}
	if len(payload) > 0 {
		req.Header.Set("Content-Type", "application/json")
		log.Debug("sending payload", "sensitive_payload", string(payload))
	}

	resp, err := d.httpClient(task.subscriber.Endpoint).Do(req)
	if err != nil {
		// A timed-out attempt is retried; an endpoint that cannot be
		// reached at all is presumed gone permanently.
		if isTimeout(err) {
			log.Warn("delivery timed out", "reason", "operationTimeout")
			return deliveryRetry, "operationTimeout"
		}
		log.Error("delivery connection failed", "reason", "connectionFailed", "error", err)
		return deliveryRemove, "connectionFailed"
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Error("delivery failed", "reason", "readResponseFailed", "error", err)
		return deliveryFail, "readResponseFailed"
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Error("delivery rejected", "reason", "errorResponse", "status", resp.StatusCode)
		return deliveryRemove, "errorResponse"
	}

	log.Debug("delivery response", "status", resp.StatusCode, "sensitive_response", string(body))

	// Response-side failures mark the attempt failed but never remove
	// the subscriber; only connection and status failures do that.
	if len(body) > 0 && task.responseHandler != nil {
		response := models.Document{}
		if err := json.Unmarshal(body, &response); err != nil {
			log.Error("delivery failed", "reason", "parseResponseFailed", "error", err)
			return deliveryFail, "parseResponseFailed"
		}
		if !task.responseHandler(response) {
			log.Error("delivery failed", "reason", "responseHandlerFailed")
			return deliveryFail, "responseHandlerFailed"
		}
	}

	return deliverySuccess, "delivered"
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
