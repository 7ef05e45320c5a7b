// mqtt-tail subscribes to a posmuxd topic tree and prints every message,
// for checking what the daemon actually publishes without wiring up a real
// consumer. Configuration comes from the environment:
//
//	MQTT_BROKER  broker host (default "127.0.0.1")
//	MQTT_PORT    broker port (default "1883")
//	MQTT_PREFIX  topic prefix (default "posmux")
//	MQTT_USER    optional username
//	MQTT_PASS    optional password
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

func main() {
	broker := getEnv("MQTT_BROKER", "127.0.0.1")
	port := getEnv("MQTT_PORT", "1883")
	prefix := getEnv("MQTT_PREFIX", "posmux")

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%s", broker, port)).
		SetClientID(fmt.Sprintf("mqtt-tail-%d", os.Getpid())).
		SetConnectTimeout(10 * time.Second).
		SetAutoReconnect(true)

	if user := os.Getenv("MQTT_USER"); user != "" {
		opts.SetUsername(user)
		opts.SetPassword(os.Getenv("MQTT_PASS"))
	}

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("Failed to connect to %s:%s: %v", broker, port, token.Error())
	}
	defer client.Disconnect(250)

	topic := prefix + "/#"
	handler := func(_ paho.Client, msg paho.Message) {
		fmt.Printf("--- %s (%s)\n", msg.Topic(), time.Now().Format(time.RFC3339))
		var pretty map[string]interface{}
		if err := json.Unmarshal(msg.Payload(), &pretty); err == nil {
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(out))
		} else {
			fmt.Println(string(msg.Payload()))
		}
	}

	if token := client.Subscribe(topic, 0, handler); token.Wait() && token.Error() != nil {
		log.Fatalf("Failed to subscribe to %s: %v", topic, token.Error())
	}

	log.Printf("Subscribed to %s on %s:%s", topic, broker, port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
