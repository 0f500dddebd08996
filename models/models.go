package models

import "time"

// Document is a parsed JSON object as it moves between the router,
// topic handlers, and the delivery client. Handlers fill response
// documents in place; an empty document means "no body".
type Document map[string]any

// Subscriber identifies one delivery target: the unix socket the skill
// listens on and the HTTP path to invoke there. Identity is structural,
// no generated id. Two subscribers with the same endpoint and path are
// the same subscriber.
type Subscriber struct {
	Endpoint string `json:"endpoint"`
	Path     string `json:"path"`
}

func (s Subscriber) Equal(other Subscriber) bool {
	return s.Endpoint == other.Endpoint && s.Path == other.Path
}

// SubscriptionRecord is the durable form of one subscription. The full
// set of records is persisted as a single JSON array.
type SubscriptionRecord struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
	Path     string `json:"path"`
}

// RequestHandler services one routed HTTP request. The request document
// is nil for bodyless requests. The handler fills response in place and
// returns false to signal failure (mapped to a 500 by the router).
type RequestHandler func(request Document, response Document) bool

// PublishRequestBuilder produces the outbound document for a delivery
// when the publish carried no explicit message.
type PublishRequestBuilder func(request Document) bool

// PublishResponseHandler consumes a subscriber's 2xx response body.
type PublishResponseHandler func(response Document) bool

// MonitorEvent is one entry on the monitor websocket stream.
type MonitorEvent struct {
	EventID   string    `json:"eventId"`
	EmittedAt time.Time `json:"emittedAt"`
	Kind      string    `json:"kind"` // publish | delivery | subscribe | unsubscribe
	Topic     string    `json:"topic"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Path      string    `json:"path,omitempty"`
	Outcome   string    `json:"outcome,omitempty"` // success | retry | removed | failed
	Detail    string    `json:"detail,omitempty"`
}
