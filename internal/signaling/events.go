package signaling

type Event string

// Call signaling, carried on the calls namespace.
const (
	EventCallInitiate  Event = "call:initiate"
	EventCallAnswer    Event = "call:answer"
	EventCallCandidate Event = "call:iceCandidate"
	EventCallReject    Event = "call:reject"
	EventCallEnd       Event = "call:end"
)

// Chat, carried on the messages namespace.
const (
	EventConversationJoin  Event = "conversation:join"
	EventConversationLeave Event = "conversation:leave"
	EventMessageSend       Event = "message:send"
	EventMessageReceive    Event = "message:receive"
	EventMessageRead       Event = "message:read"
	EventTypingStart       Event = "typing:start"
	EventTypingStop        Event = "typing:stop"
	EventUserOnline        Event = "user:online"
	EventUserOffline       Event = "user:offline"
)

type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeAudio MessageType = "audio"
	MessageTypeVideo MessageType = "video"
	MessageTypeFile  MessageType = "file"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeAudio, MessageTypeVideo, MessageTypeFile:
		return true
	default:
		return false
	}
}
