package broker

import (
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Client is the subset of the paho MQTT client the broker uses.
// Tests inject fakes through MQTTBroker's client factory.
type Client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	IsConnected() bool
}

// pahoClient wraps the real paho client.
type pahoClient struct {
	client mqtt.Client
}

func (p *pahoClient) Connect() mqtt.Token { return p.client.Connect() }

func (p *pahoClient) Disconnect(quiesce uint) { p.client.Disconnect(quiesce) }

func (p *pahoClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return p.client.Publish(topic, qos, retained, payload)
}

func (p *pahoClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return p.client.Subscribe(topic, qos, callback)
}

func (p *pahoClient) Unsubscribe(topics ...string) mqtt.Token {
	return p.client.Unsubscribe(topics...)
}

func (p *pahoClient) IsConnected() bool { return p.client.IsConnected() }
