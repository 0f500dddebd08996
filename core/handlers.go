package core

import (
	"time"

	"github.com/opshelm/skillbus/models"
)

// subscriberFromRequest pulls the (id, endpoint, path) triple out of a
// subscribe/unsubscribe document. All three must be non-empty strings.
func subscriberFromRequest(request models.Document) (string, models.Subscriber, bool) {
	if request == nil {
		return "", models.Subscriber{}, false
	}
	topic, ok := request["id"].(string)
	if !ok || topic == "" {
		return "", models.Subscriber{}, false
	}
	endpoint, ok := request["endpoint"].(string)
	if !ok || endpoint == "" {
		return "", models.Subscriber{}, false
	}
	path, ok := request["path"].(string)
	if !ok || path == "" {
		return "", models.Subscriber{}, false
	}
	return topic, models.Subscriber{Endpoint: endpoint, Path: path}, true
}

func (c *Core) subscribeHandler(request, response models.Document) bool {
	topic, subscriber, ok := subscriberFromRequest(request)
	if !ok {
		c.logger.Error("subscribe request payload invalid")
		return false
	}

	// A structural duplicate is accepted; it re-runs the subscribe
	// handler and immediate notification without touching the set.
	if _, err := c.registry.AddSubscription(topic, subscriber); err != nil {
		c.logger.Error("subscribe failed", "topic", topic, "endpoint", subscriber.Endpoint, "path", subscriber.Path, "error", err)
		return false
	}
	c.emit(models.MonitorEvent{Kind: "subscribe", Topic: topic, Endpoint: subscriber.Endpoint, Path: subscriber.Path})

	handlers := c.registry.Handlers(topic)
	if handlers.Subscribe != nil {
		if !handlers.Subscribe(nil, response) {
			c.logger.Error("subscribe handler failed", "topic", topic)
			return false
		}
	}
	c.notifySubscriber(topic, subscriber, handlers)

	return true
}

func (c *Core) unsubscribeHandler(request, response models.Document) bool {
	topic, subscriber, ok := subscriberFromRequest(request)
	if !ok {
		c.logger.Error("unsubscribe request payload invalid")
		return false
	}

	// Unknown subscriber under a known topic is idempotent success;
	// unknown topic is a failure.
	removed, err := c.registry.RemoveSubscription(topic, subscriber)
	if err != nil {
		c.logger.Error("unsubscribe failed", "topic", topic, "error", err)
		return false
	}
	if removed {
		c.emit(models.MonitorEvent{Kind: "unsubscribe", Topic: topic, Endpoint: subscriber.Endpoint, Path: subscriber.Path})
	}
	return true
}

// publishHandler is the local publish ingress: {"id": topic, "message":
// {...}}. Publishers cannot create topics here; an unregistered id
// fails the request.
func (c *Core) publishHandler(request, response models.Document) bool {
	if request == nil {
		c.logger.Error("publish request payload missing")
		return false
	}
	topic, ok := request["id"].(string)
	if !ok || topic == "" {
		c.logger.Error("publish request payload invalid")
		return false
	}

	var message models.Document
	if raw, present := request["message"]; present {
		object, ok := raw.(map[string]any)
		if !ok {
			c.logger.Error("publish message is not an object", "topic", topic)
			return false
		}
		message = models.Document(object)
	}

	return c.Publish(topic, message) == nil
}

func (c *Core) statusHandler(request, response models.Document) bool {
	topics, subscribers := c.registry.Counts()
	response["topics"] = topics
	response["subscribers"] = subscribers
	response["handlerQueue"] = c.handlerExec.depth()
	response["publishQueue"] = c.publishExec.depth()
	if c.monitor != nil {
		response["monitorSessions"] = c.monitor.sessionCount()
	}
	if !c.startedAt.IsZero() {
		response["uptime"] = time.Since(c.startedAt).Round(time.Second).String()
	}
	return true
}
