package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/marcestarlet/embroker/configuration"
)

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "broker uri")
	clientID := flag.String("id", "SampleSubscriber", "client id, must be unique to keep a session")
	topic := flag.String("topic", "test", "topic filter to subscribe to")
	qos := flag.Int("qos", 0, "requested QoS")
	clean := flag.Bool("clean", true, "ask broker not to keep session")
	flag.Parse()

	logger := configuration.GetHumanLogger()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID(*clientID)
	opts.SetCleanSession(*clean)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Errorw("Connection lost", "error", err)
	})

	client := mqtt.NewClient(opts)

	logger.Infow("Connecting", "broker", *broker)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		logger.Errorw("Couldn't connect", "error", token.Error())
		os.Exit(1)
	}

	onMessage := func(_ mqtt.Client, msg mqtt.Message) {
		logger.Infow("Message arrived", "topic", msg.Topic(), "qos", msg.Qos(), "retained", msg.Retained(), "payload", string(msg.Payload()))
	}

	if token := client.Subscribe(*topic, byte(*qos), onMessage); token.Wait() && token.Error() != nil {
		logger.Errorw("Couldn't subscribe", "error", token.Error())
		client.Disconnect(250)
		os.Exit(1)
	}

	logger.Info("Subscribed and waiting ...")

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	client.Disconnect(250)
	logger.Info("Disconnected")
}
