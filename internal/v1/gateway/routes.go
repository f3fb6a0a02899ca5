package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/voxelink/mediabridge/internal/v1/logging"
	"github.com/voxelink/mediabridge/internal/v1/types"
)

type joinRoomRequest struct {
	RtpCapabilities      json.RawMessage            `json:"rtpCapabilities"`
	ProducerCapabilities types.ProducerCapabilities `json:"producerCapabilities"`
}

type toggleDeviceRequest struct {
	Action string `json:"action"`
	Kind   string `json:"kind"`
}

type toggleDeviceRelay struct {
	Sender types.UserID `json:"sender"`
	Action string       `json:"action"`
	Kind   string       `json:"kind"`
}

// routeFrame dispatches one inbound frame to the client's room. Failures are
// returned as error envelopes on the same reqId; the socket stays up.
func (h *Hub) routeFrame(ctx context.Context, c *Client, frame types.Frame) {
	if frame.Event == types.EventPing {
		c.reply(frame.ReqID, types.EventPong, struct{}{}, nil)
		return
	}

	r := h.roomFor(c.sessionID)
	if r == nil {
		c.reply(frame.ReqID, frame.Event, nil, types.ErrRoomClosed)
		return
	}

	switch frame.Event {
	case types.EventHandshake:
		c.reply(frame.ReqID, types.EventHandshake, handshakePayload{RoomExists: true}, nil)

	case types.EventAddClient:
		err := r.AddClient(ctx, c)
		if err != nil && !errors.Is(err, types.ErrDuplicateParticipant) {
			logging.Warn(ctx, "addClient failed", zap.Error(err))
		}
		c.reply(frame.ReqID, types.EventAddClient, struct{}{}, err)

	case types.EventJoinRoom:
		var req joinRoomRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			c.reply(frame.ReqID, types.EventJoinRoom, nil, err)
			return
		}
		result, err := r.JoinRoom(ctx, c, req.RtpCapabilities, req.ProducerCapabilities)
		c.reply(frame.ReqID, types.EventJoinRoom, result, err)

	case types.EventMedia:
		var msg types.MediaMessage
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			c.reply(frame.ReqID, types.EventMedia, nil, err)
			return
		}
		ctx := context.WithValue(ctx, logging.ActionKey, string(msg.Action))
		result, err := r.HandleCommand(ctx, c, msg)
		if err != nil {
			logging.Warn(ctx, "media command failed",
				zap.String("action", string(msg.Action)),
				zap.Error(err),
			)
		}
		c.reply(frame.ReqID, types.EventMedia, result, err)

	case types.EventToggleDevice:
		var req toggleDeviceRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			c.reply(frame.ReqID, types.EventToggleDevice, nil, err)
			return
		}
		r.Relay(c.userID, types.EventToggleDevice, toggleDeviceRelay{
			Sender: c.userID,
			Action: req.Action,
			Kind:   req.Kind,
		})

	case types.EventMediaRoomClients:
		c.reply(frame.ReqID, types.EventMediaRoomClients, r.PeersInfo(), nil)

	case types.EventMediaRoomInfo:
		c.reply(frame.ReqID, types.EventMediaRoomInfo, r.Stats(), nil)

	case types.EventMediaReconfigure:
		h.mu.Lock()
		loads := h.loadsLocked()
		h.mu.Unlock()
		index, worker, err := h.pool.PickLeastLoaded(loads)
		if err == nil {
			err = r.ReconfigureMedia(ctx, worker, index)
		}
		c.reply(frame.ReqID, types.EventMediaReconfigure, struct{}{}, err)

	default:
		logging.Warn(ctx, "unknown inbound event", zap.String("event", frame.Event))
		c.reply(frame.ReqID, frame.Event, nil, types.ErrUnknownAction)
	}
}
