package server_test

import (
	"context"
	"fmt"
	"time"

	"github.com/marcestarlet/embroker/client"
	"github.com/marcestarlet/embroker/configuration"
	"github.com/marcestarlet/embroker/server"
	"github.com/marcestarlet/embroker/types"
)

// Embedded broker with in-memory persistence serving generic tcp and MQTT over
// websocket. Application publishes directly through the broker
func Example() {
	config := configuration.DefaultConfig()
	config.Persistence.Enabled = false
	config.Delivery.OfflineQoS0 = true
	config.Listeners.Transports = map[string]*configuration.TransportConfig{
		configuration.TransportTCP: {Host: "127.0.0.1"},
		configuration.TransportWS:  {Host: "127.0.0.1", Path: "/mqtt"},
	}

	srv, err := server.New(server.Config{
		Broker: config,
		TransportStatus: func(id string, status string) {
			configuration.GetLogger().Infow("Listener status", "id", id, "status", status)
		},
	})
	if err != nil {
		fmt.Println(err)
		return
	}

	if err = srv.Start(); err != nil {
		fmt.Println(err)
		return
	}
	defer srv.Stop() // nolint: errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := client.Dial(ctx, client.Config{
		Addr:         srv.Addrs()[configuration.TransportTCP].String(),
		ClientID:     "example",
		CleanSession: true,
	})
	if err != nil {
		fmt.Println(err)
		return
	}
	defer sub.Close() // nolint: errcheck

	if _, err = sub.Subscribe(ctx, "greetings/+", types.QoS1); err != nil {
		fmt.Println(err)
		return
	}

	if _, err = srv.Publish(ctx, "greetings/world", []byte("Sample Message, Hello World!"), types.QoS1, false); err != nil {
		fmt.Println(err)
		return
	}

	m := <-sub.Messages()
	fmt.Println(m.Topic, string(m.Payload))

	// Output: greetings/world Sample Message, Hello World!
}
