package core

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/opshelm/skillbus/models"
)

// Router maps inbound paths to registered document handlers. The table
// has its own lock, separate from the registry: it is mutated only at
// configuration time but read on every inbound request, and a late
// registration must not race dispatch.
//
// Dispatch contract: unknown path answers 404 with an empty body. A
// write method with a non-empty body is parsed as a JSON document before
// the handler is selected to run; a parse failure answers 400 and the
// handler is never invoked. The handler itself runs on the handler
// worker pool; its boolean result picks the response shape. A handler
// that panics is recovered and answered with 500.
type Router struct {
	logger   *slog.Logger
	executor *executor

	mu       sync.Mutex
	handlers map[string]models.RequestHandler
}

func newRouter(logger *slog.Logger, exec *executor) *Router {
	return &Router{
		logger:   logger.WithGroup("router"),
		executor: exec,
		handlers: make(map[string]models.RequestHandler),
	}
}

// Register installs a handler for a path. The last registration for a
// given path wins; replacement is logged, not rejected.
func (rt *Router) Register(path string, handler models.RequestHandler) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, exists := rt.handlers[path]; exists {
		rt.logger.Debug("replacing handler", "path", path)
	}
	rt.handlers[path] = handler
}

func (rt *Router) lookup(path string) (models.RequestHandler, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	handler, ok := rt.handlers[path]
	return handler, ok
}

func (rt *Router) dispatch(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	rt.logger.Debug("request", "path", path, "method", r.Method)

	handler, ok := rt.lookup(path)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var request models.Document
	if r.Method == http.MethodPost || r.Method == http.MethodPut {
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			rt.logger.Error("could not read request body", "path", path, "error", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if len(payload) > 0 {
			request = models.Document{}
			if err := json.Unmarshal(payload, &request); err != nil {
				rt.logger.Debug("unparsable request body", "path", path, "error", err)
				w.WriteHeader(http.StatusBadRequest)
				return
			}
		}
	}

	// The connection goroutine parks here while the handler runs on the
	// worker pool, so a slow handler occupies a pool slot rather than
	// unbounded transport goroutine work.
	done := make(chan struct{})
	submitted := rt.executor.submit(func() {
		defer close(done)
		rt.execute(path, handler, request, w)
	})
	if !submitted {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	<-done
}

func (rt *Router) execute(path string, handler models.RequestHandler, request models.Document, w http.ResponseWriter) {
	defer func() {
		// The handler escaping with a panic is still answered; leaving
		// the client waiting forever helps nobody.
		if r := recover(); r != nil {
			rt.logger.Error("handler panicked", "path", path, "panic", r)
			w.WriteHeader(http.StatusInternalServerError)
		}
	}()

	response := models.Document{}
	if !handler(request, response) {
		rt.logger.Debug("request handled", "path", path, "status", 500)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if len(response) == 0 {
		rt.logger.Debug("request handled", "path", path, "status", 204)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	body, err := json.Marshal(response)
	if err != nil {
		rt.logger.Error("could not serialize response", "path", path, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	rt.logger.Debug("request handled", "path", path, "status", 200)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		rt.logger.Error("could not write response", "path", path, "error", err)
	}
}
