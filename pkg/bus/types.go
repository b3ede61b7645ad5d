package bus

import "chatbus/pkg/message"

// OutboundHandler publishes a locally composed message.
type OutboundHandler func(msg message.Message) error
