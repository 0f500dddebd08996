package client

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/opshelm/skillbus/models"
)

// DeliveryHandler receives one delivered message. The returned document,
// when non-nil, is serialized back to the relay as the response body
// (consumed by the topic's response handler, if any). An error answers
// the delivery with a 500, which causes the relay to drop this
// subscriber.
type DeliveryHandler func(message models.Document) (models.Document, error)

// Listener binds a skill's own unix socket and decodes deliveries from
// the relay into registered handlers. One listener serves any number of
// paths.
type Listener struct {
	socketPath string
	logger     *slog.Logger
	mux        *http.ServeMux
	server     *http.Server
	listener   net.Listener
}

func NewListener(socketPath string, logger *slog.Logger) *Listener {
	return &Listener{
		socketPath: socketPath,
		logger:     logger.WithGroup("skillbus_listener"),
		mux:        http.NewServeMux(),
	}
}

// Handle installs a delivery handler for a path. Call before Start.
func (l *Listener) Handle(path string, handler DeliveryHandler) {
	l.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		var message models.Document
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		if len(payload) > 0 {
			message = models.Document{}
			if err := json.Unmarshal(payload, &message); err != nil {
				l.logger.Error("unparsable delivery payload", "path", path, "error", err)
				http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
				return
			}
		}

		response, err := handler(message)
		if err != nil {
			l.logger.Error("delivery handler failed", "path", path, "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		if response == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(response); err != nil {
			l.logger.Error("could not encode delivery response", "path", path, "error", err)
		}
	})
}

func (l *Listener) Start() error {
	if err := os.Remove(l.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("could not remove stale socket %s: %w", l.socketPath, err)
	}
	listener, err := net.Listen("unix", l.socketPath)
	if err != nil {
		return fmt.Errorf("could not bind unix socket %s: %w", l.socketPath, err)
	}
	l.listener = listener
	l.server = &http.Server{Handler: l.mux}

	go func() {
		if err := l.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			l.logger.Error("listener exited", "error", err)
		}
	}()
	l.logger.Info("listening for deliveries", "socket", l.socketPath)
	return nil
}

func (l *Listener) Stop() error {
	if l.server == nil {
		return nil
	}
	err := l.server.Close()
	if removeErr := os.Remove(l.socketPath); removeErr != nil && !os.IsNotExist(removeErr) {
		l.logger.Warn("could not remove socket file", "error", removeErr)
	}
	return err
}

// SocketPath returns the unix socket this listener is bound to, in the
// form the relay expects as a subscriber endpoint.
func (l *Listener) SocketPath() string {
	return l.socketPath
}
