package models

import (
	"encoding/json"
)

// Server -> client event names.
const (
	EventUserIsOnline           = "UserIsOnline"
	EventUserIsOffline          = "UserIsOffline"
	EventGetOnlineUserIDs       = "GetOnlineUserIds"
	EventGetOnlineUsersDetailed = "GetOnlineUsersDetailed"
	EventKeepAlive              = "KeepAlive"
	EventReceiveOffer           = "ReceiveOffer"
	EventReceiveAnswer          = "ReceiveAnswer"
	EventReceiveIceCandidate    = "ReceiveIceCandidate"
	EventCallEnded              = "CallEnded"
	EventError                  = "Error"
)

// Client -> server method names.
const (
	MethodKeepAliveResponse = "KeepAliveResponse"
	MethodSendOffer         = "SendOffer"
	MethodSendAnswer        = "SendAnswer"
	MethodSendIceCandidate  = "SendIceCandidate"
	MethodHangUp            = "HangUp"
)

// Frame is the JSON envelope exchanged over the hub socket in both directions.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type OnlineNotification struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type KeepAlive struct {
	Timestamp int64 `json:"timestamp"`
}

type OfferMessage struct {
	CallerUsername     string `json:"callerUsername"`
	CallerID           int64  `json:"callerId"`
	Offer              string `json:"offer"`
	SourceConnectionID string `json:"sourceConnectionId"`
}

type AnswerMessage struct {
	CalleeUsername     string `json:"calleeUsername"`
	CalleeID           int64  `json:"calleeId"`
	Answer             string `json:"answer"`
	SourceConnectionID string `json:"sourceConnectionId"`
	TargetConnectionID string `json:"targetConnectionId"`
}

type IceCandidateMessage struct {
	SenderUsername     string `json:"senderUsername"`
	SenderID           int64  `json:"senderId"`
	Candidate          string `json:"candidate"`
	SourceConnectionID string `json:"sourceConnectionId"`
	TargetConnectionID string `json:"targetConnectionId"`
}

type HangupMessage struct {
	SenderUsername     string `json:"senderUsername"`
	SenderID           int64  `json:"senderId"`
	SourceConnectionID string `json:"sourceConnectionId"`
	TargetConnectionID string `json:"targetConnectionId"`
}

// Inbound method payloads.

type SendOfferRequest struct {
	TargetUserID int64  `json:"targetUserId"`
	Offer        string `json:"offer"`
}

type SendAnswerRequest struct {
	TargetUsername     string `json:"targetUsername"`
	TargetConnectionID string `json:"targetConnectionId"`
	Answer             string `json:"answer"`
}

type SendIceCandidateRequest struct {
	TargetUsername     string `json:"targetUsername"`
	TargetConnectionID string `json:"targetConnectionId"`
	Candidate          string `json:"candidate"`
}

type HangUpRequest struct {
	TargetUsername     string `json:"targetUsername"`
	TargetConnectionID string `json:"targetConnectionId"`
}

// Delivery is an event addressed to every connection of one username, or to
// every connection when Username is empty. Except skips one connection.
// It is the unit published between instances.
type Delivery struct {
	Username string          `json:"username,omitempty"`
	Except   string          `json:"except,omitempty"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
}
