package mqtt

import (
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

func validate(topic string, qos byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	return nil
}

// wait turns a paho token into an error, wrapping failures in sentinel.
func wait(token pahomqtt.Token, sentinel error) error {
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: timeout after %v", sentinel, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return nil
}

// Subscribe registers handler for topic, which may contain + and #
// wildcards. The subscription is restored after every reconnect.
//
//	err := client.Subscribe(client.Topics().AllScanRequests("bm-1"), 1,
//	    func(topic string, payload []byte) error {
//	        _, request, _ := client.Topics().ParseScanRequest(topic)
//	        return handle(request, payload)
//	    })
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := validate(topic, qos); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler", ErrSubscribeFailed)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subs.Store(topic, subscription{qos: qos, handler: handler})
	if err := wait(c.client.Subscribe(topic, qos, c.wrap(handler)), ErrSubscribeFailed); err != nil {
		c.subs.Delete(topic)
		return err
	}
	return nil
}

// Unsubscribe removes a subscription. Messages already in flight may still
// be delivered.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	c.subs.Delete(topic)
	return wait(c.client.Unsubscribe(topic), ErrUnsubscribeFailed)
}

// HasSubscription reports whether exactly topic is subscribed.
func (c *Client) HasSubscription(topic string) bool {
	_, ok := c.subs.Load(topic)
	return ok
}
