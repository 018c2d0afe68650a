package main

import (
	"flag"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/marcestarlet/embroker/configuration"
)

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "broker uri")
	clientID := flag.String("id", "SamplePublisher", "client id, must be unique to keep a session")
	topic := flag.String("topic", "test", "topic to publish to")
	qos := flag.Int("qos", 0, "QoS of message")
	payload := flag.String("payload", "Sample Message, Hello World!", "message payload")
	retain := flag.Bool("retain", false, "retain message")
	clean := flag.Bool("clean", true, "ask broker not to keep session")
	flag.Parse()

	logger := configuration.GetHumanLogger()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID(*clientID)
	opts.SetCleanSession(*clean)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)

	logger.Infow("Connecting", "broker", *broker)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		logger.Errorw("Couldn't connect", "error", token.Error())
		os.Exit(1)
	}

	logger.Infow("Publishing", "topic", *topic, "qos", *qos, "payload", *payload)
	if token := client.Publish(*topic, byte(*qos), *retain, *payload); token.Wait() && token.Error() != nil {
		logger.Errorw("Couldn't publish", "error", token.Error())
		client.Disconnect(250)
		os.Exit(1)
	}

	logger.Info("Message published")

	client.Disconnect(250)
	logger.Info("Disconnected")
}
