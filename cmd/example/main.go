package main

import (
	"fmt"

	"github.com/qiuyier/medlink-broker/internal/broker"
	"github.com/qiuyier/medlink-broker/internal/consts"
)

func messageHandler(msg *broker.Message) error {
	switch msg.Type() {
	case consts.PayloadTypeChatConsole:
		fmt.Printf("chat console message: %s %v\n", msg.ID(), msg.Content())
	case consts.PayloadTypeNotifications:
		fmt.Printf("notification: %s %v\n", msg.ID(), msg.Content())
	default:
		fmt.Printf("other message on %s: %v\n", msg.Topic(), msg.Content())
	}
	return nil
}

func main() {
	broker.Consume(messageHandler, "")

	produce(broker.Payload{"type": consts.PayloadTypeChatConsole, "text": "Hello, World!", "priority": "high"}, "")
	produce(broker.Payload{"type": consts.PayloadTypeNotifications, "text": "Status update", "status": "success"}, "")

	broker.Consume(messageHandler, consts.PayloadTypeNotifications)
	produce(broker.Payload{"type": consts.PayloadTypeAlert, "text": "New notification!", "urgency": "medium"}, consts.PayloadTypeNotifications)

	for _, topic := range broker.Default().Topics() {
		fmt.Printf("topic %s holds %d messages\n", topic, broker.Default().Len(topic))
	}
}

func produce(content broker.Payload, topic string) {
	id, err := broker.Produce(content, topic)
	if err != nil {
		fmt.Printf("publish failed: %v\n", err)
		return
	}
	fmt.Printf("published %s\n", id)
}
