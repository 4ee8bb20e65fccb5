package broker

import (
	"errors"
	"fmt"
)

var ErrSubscriptionNotFound = errors.New("subscription not found")

// DeliveryError 订阅者处理消息失败
type DeliveryError struct {
	Topic     string
	MessageID string
	// 订阅者在 topic 订阅列表中的位置
	Index int
	Err   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver message %s on topic %q to subscriber %d: %v", e.MessageID, e.Topic, e.Index, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// PanicError 订阅者 panic 后恢复得到的错误
type PanicError struct {
	PanicValue any
	StackTrace string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("subscriber panic recovered: %v", e.PanicValue)
}
