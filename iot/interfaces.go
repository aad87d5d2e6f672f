package iot

// MessagePublisher is an interface to publish MQTT message
type MessagePublisher interface {
	PublishMessageQ1(topic string, payload []byte)
}

// DeviceTopic returns the MQTT topic prefix of a device. All device topics live below it.
func DeviceTopic(deviceID string) string {
	return "kurbisio/" + deviceID + "/"
}

// MessagePublisherFunc is an adapter to use ordinary functions as MessagePublisher
type MessagePublisherFunc func(topic string, payload []byte)

// PublishMessageQ1 implements MessagePublisher
func (f MessagePublisherFunc) PublishMessageQ1(topic string, payload []byte) {
	f(topic, payload)
}
