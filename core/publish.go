package core

import (
	"github.com/opshelm/skillbus/models"
	"github.com/opshelm/skillbus/registry"
)

// Publish fans one message out to every current subscriber of a topic.
// The subscriber list and handler triple are snapshotted in a single
// registry lock acquisition; by the time deliveries run, the lock is
// long released. Publish returns once every delivery task is submitted;
// it never waits for a subscriber.
//
// Subscribers added after the snapshot do not receive this publish. No
// ordering holds between concurrent publishes, nor between deliveries
// of one publish to different subscribers.
func (c *Core) Publish(topic string, message models.Document) error {
	subscribers, handlers, err := c.registry.Snapshot(topic)
	if err != nil {
		c.logger.Error("publish to unknown topic", "topic", topic)
		return err
	}

	for _, subscriber := range subscribers {
		c.submitDelivery(&deliveryTask{
			topic:           topic,
			subscriber:      subscriber,
			message:         message,
			requestBuilder:  handlers.RequestBuilder,
			responseHandler: handlers.ResponseHandler,
		})
	}

	c.logger.Debug("publish dispatched", "topic", topic, "subscribers", len(subscribers))
	c.emit(models.MonitorEvent{Kind: "publish", Topic: topic})
	return nil
}

// notifySubscriber pushes an immediate delivery to a just-subscribed
// target when the topic has a request builder or response handler, so a
// new subscriber gets current state without waiting for the next
// publish.
func (c *Core) notifySubscriber(topic string, subscriber models.Subscriber, handlers registry.Handlers) {
	if handlers.RequestBuilder == nil && handlers.ResponseHandler == nil {
		return
	}
	c.submitDelivery(&deliveryTask{
		topic:           topic,
		subscriber:      subscriber,
		requestBuilder:  handlers.RequestBuilder,
		responseHandler: handlers.ResponseHandler,
	})
}

func (c *Core) submitDelivery(task *deliveryTask) {
	if !c.publishExec.submit(func() { c.runDelivery(task) }) {
		c.logger.Warn("delivery dropped, pool stopping", "topic", task.topic, "endpoint", task.subscriber.Endpoint)
	}
}

// runDelivery executes one attempt and applies the outcome policy:
// success and plain failure end the task; a timeout resubmits the
// identical task (uncapped, paced by the retry limiter, off-worker so a
// full queue cannot deadlock the pool); a connection or status failure
// unregisters the subscriber, persisting the shrunken set.
func (c *Core) runDelivery(task *deliveryTask) {
	outcome, reason := c.delivery.deliver(task)

	event := models.MonitorEvent{
		Kind:     "delivery",
		Topic:    task.topic,
		Endpoint: task.subscriber.Endpoint,
		Path:     task.subscriber.Path,
		Detail:   reason,
	}

	switch outcome {
	case deliverySuccess:
		event.Outcome = "success"
	case deliveryRetry:
		event.Outcome = "retry"
		go func() {
			if err := c.retryLimiter.Wait(c.appCtx); err != nil {
				return // shutting down
			}
			c.submitDelivery(task)
		}()
	case deliveryRemove:
		event.Outcome = "removed"
		removed, err := c.registry.RemoveSubscription(task.topic, task.subscriber)
		if err != nil {
			c.logger.Error("could not remove failed subscriber", "topic", task.topic, "error", err)
		} else if removed {
			c.logger.Info("subscriber removed after delivery failure",
				"topic", task.topic,
				"endpoint", task.subscriber.Endpoint,
				"path", task.subscriber.Path,
				"reason", reason,
			)
		}
	case deliveryFail:
		event.Outcome = "failed"
	}

	c.emit(event)
}
