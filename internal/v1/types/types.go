// Package types holds the domain types shared between the gateway, room and
// media packages: identifiers, the websocket frame envelope, the media command
// vocabulary, and the interfaces that decouple the room core from the
// transport layer.
package types

import (
	"context"
	"encoding/json"
)

// --- Core Domain Types ---

// UserID uniquely identifies a participant within a session.
type UserID string

// SessionID identifies a room; it is also the fan-out boundary.
type SessionID string

// TransportKind distinguishes the two WebRTC transports a participant may own.
type TransportKind string

const (
	TransportProducer TransportKind = "producer"
	TransportConsumer TransportKind = "consumer"
)

// MediaTag names a producer slot on a participant.
type MediaTag string

const (
	TagAudio  MediaTag = "audio"
	TagVideo  MediaTag = "video"
	TagScreen MediaTag = "screen-media"
)

// MediaAction is the command vocabulary of the room dispatcher. The set is
// closed; anything else fails with ErrUnknownAction.
type MediaAction string

const (
	ActionGetRouterRtpCapabilities MediaAction = "getRouterRtpCapabilities"
	ActionCreateWebRtcTransport    MediaAction = "createWebRtcTransport"
	ActionConnectWebRtcTransport   MediaAction = "connectWebRtcTransport"
	ActionProduce                  MediaAction = "produce"
	ActionConsume                  MediaAction = "consume"
	ActionRestartIce               MediaAction = "restartIce"
	ActionRequestConsumerKeyFrame  MediaAction = "requestConsumerKeyFrame"
	ActionGetTransportStats        MediaAction = "getTransportStats"
	ActionGetProducerStats         MediaAction = "getProducerStats"
	ActionGetConsumerStats         MediaAction = "getConsumerStats"
	ActionGetAudioProducerIds      MediaAction = "getAudioProducerIds"
	ActionGetVideoProducerIds      MediaAction = "getVideoProducerIds"
	ActionProducerClose            MediaAction = "producerClose"
	ActionProducerPause            MediaAction = "producerPause"
	ActionProducerResume           MediaAction = "producerResume"
	ActionAllProducerClose         MediaAction = "allProducerClose"
	ActionAllProducerPause         MediaAction = "allProducerPause"
	ActionAllProducerResume        MediaAction = "allProducerResume"
)

// --- Socket Events ---

// Inbound events from clients.
const (
	EventJoinRoom         = "joinRoom"
	EventAddClient        = "addClient"
	EventMedia            = "media"
	EventToggleDevice     = "toggleDevice"
	EventMediaRoomClients = "mediaRoomClients"
	EventMediaRoomInfo    = "mediaRoomInfo"
	EventHandshake        = "handshake"
	EventPing             = "ping"
	EventPong             = "pong"
	EventAck              = "ack"
)

// Outbound room-wide events.
const (
	EventMediaClientConnected        = "mediaClientConnected"
	EventMediaClientDisconnect       = "mediaClientDisconnect"
	EventMediaDisconnectMember       = "mediaDisconnectMember"
	EventMediaProduce                = "mediaProduce"
	EventMediaProducerClose          = "mediaProducerClose"
	EventMediaProducerPause          = "mediaProducerPause"
	EventMediaProducerResume         = "mediaProducerResume"
	EventMediaReproduce              = "mediaReproduce"
	EventMediaReconfigure            = "mediaReconfigure"
	EventMediaVideoOrientationChange = "mediaVideoOrientationChange"
	EventMediaActiveSpeaker          = "mediaActiveSpeaker"
)

// Per-subscriber events.
const (
	EventNewConsumer            = "newConsumer"
	EventConsumerClosed         = "consumerClosed"
	EventConsumerPaused         = "consumerPaused"
	EventConsumerResumed        = "consumerResumed"
	EventConsumerScore          = "consumerScore"
	EventConsumersLayersChanged = "consumersLayersChanged"
)

// --- Wire Envelope ---

// Frame is the JSON envelope for every websocket message in both directions.
// ReqID correlates a request with its ack; Error carries failure envelopes.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	ReqID int64           `json:"reqId,omitempty"`
	Error string          `json:"error,omitempty"`
}

// MediaMessage is the payload of the "media" event: one command for the room
// dispatcher.
type MediaMessage struct {
	Action MediaAction     `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// HandshakeQuery is parsed from the websocket upgrade query string. All
// fields are required.
type HandshakeQuery struct {
	UserID    UserID
	SessionID SessionID
	Device    string
	Kind      TransportKind
}

// ProducerCapabilities carries the four enable flags a client declares when
// joining a room.
type ProducerCapabilities struct {
	ProducerAudioEnabled bool `json:"producerAudioEnabled"`
	ProducerVideoEnabled bool `json:"producerVideoEnabled"`
	GlobalAudioEnabled   bool `json:"globalAudioEnabled"`
	GlobalVideoEnabled   bool `json:"globalVideoEnabled"`
}

// PeerInfo describes an already-present participant to a joining client.
type PeerInfo struct {
	ID            UserID        `json:"id"`
	Kind          TransportKind `json:"kind"`
	ScreenSharing bool          `json:"screenSharing"`
}

// JoinResult is returned to a client once joinRoom succeeds.
type JoinResult struct {
	UserID    UserID     `json:"userId"`
	PeersInfo []PeerInfo `json:"peersInfo"`
}

// --- Read-only Stats ---

// ClientStat is one row of a room stats snapshot.
type ClientStat struct {
	ID           UserID `json:"id"`
	Device       string `json:"device"`
	ProduceAudio bool   `json:"produceAudio"`
	ProduceVideo bool   `json:"produceVideo"`
}

// RoomStats is the read-only snapshot served on /rooms/stats.
type RoomStats struct {
	ID            SessionID      `json:"id"`
	Worker        int            `json:"worker"`
	Clients       []ClientStat   `json:"clients"`
	GroupByDevice map[string]int `json:"groupByDevice"`
}

// --- Shared Interfaces ---

// ClientConn is what the room core needs from a connected socket. The gateway
// client implements it in production; room tests use recording fakes.
type ClientConn interface {
	UserID() UserID
	SessionID() SessionID
	Device() string
	Kind() TransportKind
	// Send queues a fire-and-forget event; it must never block room code.
	Send(event string, payload any)
	// Request sends an event carrying a reqId and blocks until the client
	// acks, the context expires, or the retry budget is exhausted.
	Request(ctx context.Context, event string, payload any) error
	// Close tears down the underlying connection.
	Close()
}

// BusService is the optional cross-instance fan-out bus. When nil the system
// runs in single-instance mode.
type BusService interface {
	Publish(ctx context.Context, sessionID string, event string, payload any, senderID string) error
	Subscribe(ctx context.Context, sessionID string, handler func(event string, payload json.RawMessage, senderID string))
	Close() error
}
