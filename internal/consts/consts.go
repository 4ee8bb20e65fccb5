package consts

const DefaultTopic = "default"

// 载荷中的类型字段
const (
	PayloadTypeKey = "type"

	PayloadTypeChatConsole   = "chat_console"
	PayloadTypeNotifications = "notifications"
	PayloadTypeAlert         = "alert"
)

// 客户端角色
const (
	PublisherRole  = "publisher"
	SubscriberRole = "subscriber"
	AdminRole      = "admin"
)

const (
	TopicSubscribeSuccess   = "subscribe_success"
	TopicUnsubscribeSuccess = "unsubscribe_success"
)

// 错误码
const (
	ErrorCodeBadRequest   = 4000
	ErrorCodeUnauthorized = 4001
	ErrorCodeForbidden    = 4003
	ErrorCodeNotFound     = 4004
	ErrorCodeInternal     = 5000
	ErrorCodeKickout      = 4100
)
