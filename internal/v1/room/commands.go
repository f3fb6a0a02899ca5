package room

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/voxelink/mediabridge/internal/v1/logging"
	"github.com/voxelink/mediabridge/internal/v1/media"
	"github.com/voxelink/mediabridge/internal/v1/metrics"
	"github.com/voxelink/mediabridge/internal/v1/types"
)

// --- Command payloads ---

type transportRequest struct {
	Kind types.TransportKind `json:"kind"`
}

type connectTransportRequest struct {
	Kind           types.TransportKind `json:"kind"`
	DtlsParameters json.RawMessage     `json:"dtlsParameters"`
}

type produceRequest struct {
	Kind          string          `json:"kind"`
	RtpParameters json.RawMessage `json:"rtpParameters"`
	AppData       struct {
		MediaTag types.MediaTag `json:"mediaTag"`
	} `json:"appData"`
}

type consumeRequest struct {
	UserID   types.UserID   `json:"userId"`
	MediaTag types.MediaTag `json:"mediaTag"`
}

type consumerRefRequest struct {
	UserID   types.UserID   `json:"userId"`
	MediaTag types.MediaTag `json:"mediaTag"`
}

type producerStatsRequest struct {
	MediaTag types.MediaTag `json:"mediaTag"`
}

type producerControlRequest struct {
	UserID        types.UserID `json:"userId"`
	Kind          string       `json:"kind"`
	IsGlobal      bool         `json:"isGlobal"`
	IsScreenMedia bool         `json:"isScreenMedia"`
}

type bulkProducerRequest struct {
	Kind string `json:"kind"`
}

type producerEventPayload struct {
	UserID   types.UserID   `json:"userId"`
	MediaTag types.MediaTag `json:"mediaTag"`
	IsGlobal bool           `json:"isGlobal,omitempty"`
}

// HandleCommand dispatches one media command for one participant. The action
// set is closed; anything else fails with ErrUnknownAction. Errors are
// returned to the caller for an error envelope, never thrown at the socket.
func (r *Room) HandleCommand(ctx context.Context, conn types.ClientConn, msg types.MediaMessage) (result any, err error) {
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.MediaCommands.WithLabelValues(string(msg.Action), status).Inc()
		metrics.CommandDuration.WithLabelValues(string(msg.Action)).Observe(time.Since(start).Seconds())
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, types.ErrRoomClosed
	}
	if r.reconfiguring {
		return nil, types.ErrRoomReconfiguring
	}
	p, exists := r.participants[conn.UserID()]
	if !exists {
		return nil, types.ErrParticipantNotFound
	}

	switch msg.Action {
	case types.ActionGetRouterRtpCapabilities:
		return r.router.RtpCapabilities(), nil

	case types.ActionCreateWebRtcTransport:
		var req transportRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, fmt.Errorf("decoding createWebRtcTransport: %w", err)
		}
		return r.createTransportLocked(p, req.Kind)

	case types.ActionConnectWebRtcTransport:
		var req connectTransportRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, fmt.Errorf("decoding connectWebRtcTransport: %w", err)
		}
		transport := p.transportByKind(req.Kind)
		if transport == nil || transport.Closed() {
			return nil, types.ErrTransportNotFound
		}
		if err := transport.Connect(req.DtlsParameters); err != nil {
			return nil, err
		}
		return struct{}{}, nil

	case types.ActionProduce:
		var req produceRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, fmt.Errorf("decoding produce: %w", err)
		}
		return r.produceLocked(p, req)

	case types.ActionConsume:
		var req consumeRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, fmt.Errorf("decoding consume: %w", err)
		}
		return r.consumeLocked(p, req)

	case types.ActionRestartIce:
		var req transportRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, fmt.Errorf("decoding restartIce: %w", err)
		}
		transport := p.transportByKind(req.Kind)
		if transport == nil || transport.Closed() {
			return nil, types.ErrTransportNotFound
		}
		iceParameters, err := transport.RestartIce()
		if err != nil {
			return nil, err
		}
		return map[string]json.RawMessage{"iceParameters": iceParameters}, nil

	case types.ActionRequestConsumerKeyFrame:
		var req consumerRefRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, fmt.Errorf("decoding requestConsumerKeyFrame: %w", err)
		}
		if req.MediaTag == "" {
			req.MediaTag = types.TagVideo
		}
		consumer, ok := p.consumersByTag(req.MediaTag)[req.UserID]
		if !ok || consumer.Closed() {
			return nil, types.ErrConsumerNotFound
		}
		if err := consumer.RequestKeyFrame(); err != nil {
			return nil, err
		}
		return struct{}{}, nil

	case types.ActionGetTransportStats:
		var req transportRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, fmt.Errorf("decoding getTransportStats: %w", err)
		}
		transport := p.transportByKind(req.Kind)
		if transport == nil || transport.Closed() {
			return nil, types.ErrTransportNotFound
		}
		return transport.GetStats()

	case types.ActionGetProducerStats:
		var req producerStatsRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, fmt.Errorf("decoding getProducerStats: %w", err)
		}
		producer := p.producerByTag(req.MediaTag)
		if producer == nil || producer.Closed() {
			return nil, types.ErrProducerNotFound
		}
		return producer.GetStats()

	case types.ActionGetConsumerStats:
		var req consumerRefRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, fmt.Errorf("decoding getConsumerStats: %w", err)
		}
		consumer, ok := p.consumersByTag(req.MediaTag)[req.UserID]
		if !ok || consumer.Closed() {
			return nil, types.ErrConsumerNotFound
		}
		return consumer.GetStats()

	case types.ActionGetAudioProducerIds:
		return r.producerIDsLocked(p.UserID, types.TagAudio), nil

	case types.ActionGetVideoProducerIds:
		return r.producerIDsLocked(p.UserID, types.TagVideo), nil

	case types.ActionProducerClose:
		var req producerControlRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, fmt.Errorf("decoding producerClose: %w", err)
		}
		target, exists := r.participants[req.UserID]
		if !exists {
			return nil, types.ErrParticipantNotFound
		}
		tag := types.MediaTag(req.Kind)
		if req.IsScreenMedia {
			tag = types.TagScreen
		}
		if err := r.closeProducerLocked(target, tag); err != nil {
			return nil, err
		}
		r.applyMaxIncomingBitrateLocked()
		return struct{}{}, nil

	case types.ActionProducerPause:
		var req producerControlRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, fmt.Errorf("decoding producerPause: %w", err)
		}
		return struct{}{}, r.pauseProducerLocked(req)

	case types.ActionProducerResume:
		var req producerControlRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, fmt.Errorf("decoding producerResume: %w", err)
		}
		return struct{}{}, r.resumeProducerLocked(req)

	case types.ActionAllProducerClose:
		var req bulkProducerRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, fmt.Errorf("decoding allProducerClose: %w", err)
		}
		tag := types.MediaTag(req.Kind)
		for _, target := range r.participants {
			if target.producerByTag(tag) == nil {
				continue
			}
			if err := r.closeProducerLocked(target, tag); err != nil {
				logging.Warn(ctx, "bulk producer close failed",
					zap.String("room_id", string(r.ID)),
					zap.String("user_id", string(target.UserID)),
					zap.Error(err),
				)
			}
		}
		r.applyMaxIncomingBitrateLocked()
		return struct{}{}, nil

	case types.ActionAllProducerPause:
		var req bulkProducerRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, fmt.Errorf("decoding allProducerPause: %w", err)
		}
		for _, target := range r.participants {
			r.pauseOneLocked(target, types.MediaTag(req.Kind), true)
		}
		return struct{}{}, nil

	case types.ActionAllProducerResume:
		var req bulkProducerRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, fmt.Errorf("decoding allProducerResume: %w", err)
		}
		for _, target := range r.participants {
			r.resumeOneLocked(target, types.MediaTag(req.Kind), true)
		}
		return struct{}{}, nil

	default:
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownAction, msg.Action)
	}
}

// createTransportLocked creates one WebRTC transport for one direction and
// attaches it to the participant, replacing a previous one if present.
func (r *Room) createTransportLocked(p *Participant, kind types.TransportKind) (any, error) {
	if kind != types.TransportProducer && kind != types.TransportConsumer {
		return nil, fmt.Errorf("%w: unknown transport kind %q", types.ErrTransportNotFound, kind)
	}

	transport, err := r.router.CreateWebRtcTransport(media.WebRtcTransportOptions{
		ListenIPs:                       r.transportCfg.ListenIPs,
		EnableUDP:                       true,
		EnableTCP:                       true,
		PreferUDP:                       true,
		EnableSctp:                      true,
		InitialAvailableOutgoingBitrate: r.transportCfg.InitialAvailableOutgoingBitrate,
		MaxSctpMessageSize:              r.transportCfg.MaxSctpMessageSize,
		AppData: map[string]any{
			"userId": string(p.UserID),
			"kind":   string(kind),
		},
	})
	if err != nil {
		return nil, err
	}

	// DTLS teardown on the wire closes the server side too.
	transport.OnDtlsStateChange(func(state string) {
		if state == "closed" || state == "failed" {
			logging.Warn(r.ctx, "transport dtls state degraded, closing",
				zap.String("room_id", string(r.ID)),
				zap.String("user_id", string(p.UserID)),
				zap.String("state", state),
			)
			transport.Close()
		}
	})

	if old := p.transportByKind(kind); old != nil && !old.Closed() {
		old.Close()
	}
	p.setTransport(kind, transport)

	r.applyMaxIncomingBitrateLocked()

	return transportDescriptor{
		ID:             transport.ID(),
		IceParameters:  transport.IceParameters(),
		IceCandidates:  transport.IceCandidates(),
		DtlsParameters: transport.DtlsParameters(),
	}, nil
}

type transportDescriptor struct {
	ID             string          `json:"id"`
	IceParameters  json.RawMessage `json:"iceParameters"`
	IceCandidates  json.RawMessage `json:"iceCandidates"`
	DtlsParameters json.RawMessage `json:"dtlsParameters"`
}

// produceLocked publishes one media flow on the participant's producer
// transport. Audio and camera video start paused until the client resumes;
// screen share stays running.
func (r *Room) produceLocked(p *Participant, req produceRequest) (any, error) {
	transport := p.producerTransport
	if transport == nil || transport.Closed() {
		return nil, types.ErrTransportNotFound
	}

	tag := req.AppData.MediaTag
	if tag == "" {
		tag = types.MediaTag(req.Kind)
	}
	if tag != types.TagAudio && tag != types.TagVideo && tag != types.TagScreen {
		return nil, fmt.Errorf("%w: unknown media tag %q", types.ErrProducerNotFound, tag)
	}

	if old := p.producerByTag(tag); old != nil && !old.Closed() {
		old.Close()
	}

	producer, err := transport.Produce(media.ProducerOptions{
		Kind:          req.Kind,
		RtpParameters: req.RtpParameters,
		AppData: map[string]any{
			"userId":   string(p.UserID),
			"mediaTag": string(tag),
		},
	})
	if err != nil {
		return nil, err
	}

	p.setProducer(tag, producer)

	if tag == types.TagAudio {
		if err := r.observer.AddProducer(producer.ID()); err != nil {
			logging.Warn(r.ctx, "failed to register producer with audio observer",
				zap.String("room_id", string(r.ID)),
				zap.String("user_id", string(p.UserID)),
				zap.Error(err),
			)
		}
	}

	ownerID := p.UserID
	producer.OnVideoOrientationChange(func(orientation json.RawMessage) {
		r.mu.Lock()
		r.broadcastAllLocked(types.EventMediaVideoOrientationChange, orientationPayload{
			UserID:      ownerID,
			MediaTag:    tag,
			Orientation: orientation,
		})
		r.mu.Unlock()
	})
	producerID := producer.ID()
	producer.OnTransportClose(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if owner, exists := r.participants[ownerID]; exists {
			if current := owner.producerByTag(tag); current != nil && current.ID() == producerID {
				owner.setProducer(tag, nil)
				if tag == types.TagScreen {
					owner.ScreenSharing = false
				}
			}
		}
	})

	// Post-produce policy: the client resumes audio and camera video when
	// ready; screen share goes live immediately.
	switch tag {
	case types.TagScreen:
		p.ScreenSharing = true
	default:
		if err := producer.Pause(); err != nil {
			logging.Warn(r.ctx, "failed to pause fresh producer",
				zap.String("producer_id", producer.ID()),
				zap.Error(err),
			)
		}
	}

	r.broadcastLocked(p.UserID, types.EventMediaProduce, producerEventPayload{
		UserID:   p.UserID,
		MediaTag: tag,
	})

	for _, peer := range r.participants {
		if peer.UserID == p.UserID || !peer.Joined {
			continue
		}
		r.pushConsumerLocked(p, producer, tag, peer)
	}

	r.applyMaxIncomingBitrateLocked()

	return map[string]string{"id": producer.ID()}, nil
}

type orientationPayload struct {
	UserID      types.UserID    `json:"userId"`
	MediaTag    types.MediaTag  `json:"mediaTag"`
	Orientation json.RawMessage `json:"orientation"`
}

// consumeLocked is the client-initiated pull flow. It is idempotent: a second
// consume for the same peer and tag returns the existing descriptor.
func (r *Room) consumeLocked(p *Participant, req consumeRequest) (any, error) {
	if len(p.RtpCapabilities) == 0 {
		return nil, types.ErrCannotConsume
	}
	peer, exists := r.participants[req.UserID]
	if !exists {
		return nil, types.ErrCannotConsume
	}
	producer := peer.producerByTag(req.MediaTag)
	if producer == nil || producer.Closed() {
		return nil, types.ErrCannotConsume
	}

	if existing, ok := p.consumersByTag(req.MediaTag)[req.UserID]; ok && !existing.Closed() {
		return describeConsumer(req.UserID, req.MediaTag, existing), nil
	}

	transport := p.consumerTransport
	if transport == nil || transport.Closed() {
		return nil, types.ErrTransportNotFound
	}
	if !r.router.CanConsume(producer.ID(), p.RtpCapabilities) {
		return nil, types.ErrCannotConsume
	}

	consumer, err := transport.Consume(media.ConsumerOptions{
		ProducerID:      producer.ID(),
		RtpCapabilities: p.RtpCapabilities,
		Paused:          producer.Paused(),
		AppData: map[string]any{
			"userId":   string(req.UserID),
			"mediaTag": string(req.MediaTag),
		},
	})
	if err != nil {
		return nil, err
	}

	r.tuneConsumer(consumer)
	r.wireConsumer(p, req.UserID, req.MediaTag, consumer)
	p.consumersByTag(req.MediaTag)[req.UserID] = consumer

	if consumer.Kind() == "video" {
		if err := consumer.Resume(); err != nil {
			logging.Warn(r.ctx, "failed to resume pulled video consumer",
				zap.String("consumer_id", consumer.ID()),
				zap.Error(err),
			)
		}
	}

	return describeConsumer(req.UserID, req.MediaTag, consumer), nil
}

// producerIDsLocked lists open producer ids of one tag across the other
// participants.
func (r *Room) producerIDsLocked(requester types.UserID, tag types.MediaTag) []string {
	ids := make([]string, 0, len(r.participants))
	for _, p := range r.participants {
		if p.UserID == requester {
			continue
		}
		if producer := p.producerByTag(tag); producer != nil && !producer.Closed() {
			ids = append(ids, producer.ID())
		}
	}
	return ids
}

// closeProducerLocked closes one producer slot: dependent consumers on every
// peer first, then the producer itself.
func (r *Room) closeProducerLocked(target *Participant, tag types.MediaTag) error {
	producer := target.producerByTag(tag)
	if producer == nil {
		return types.ErrProducerNotFound
	}

	for _, peer := range r.participants {
		if consumer, ok := peer.consumersByTag(tag)[target.UserID]; ok {
			if !consumer.Closed() {
				consumer.Close()
			}
			delete(peer.consumersByTag(tag), target.UserID)
		}
	}

	if tag == types.TagAudio && r.observer != nil && !r.observer.Closed() {
		if err := r.observer.RemoveProducer(producer.ID()); err != nil {
			logging.Warn(r.ctx, "failed to detach producer from audio observer",
				zap.String("producer_id", producer.ID()),
				zap.Error(err),
			)
		}
	}
	if !producer.Closed() {
		producer.Close()
	}
	target.setProducer(tag, nil)
	if tag == types.TagScreen {
		target.ScreenSharing = false
	}

	r.broadcastAllLocked(types.EventMediaProducerClose, producerEventPayload{
		UserID:   target.UserID,
		MediaTag: tag,
	})
	return nil
}

// pauseProducerLocked applies one pause command, honoring global mute
// precedence: a per-user pause is redundant while the kind is globally muted.
func (r *Room) pauseProducerLocked(req producerControlRequest) error {
	target, exists := r.participants[req.UserID]
	if !exists {
		return types.ErrParticipantNotFound
	}
	tag := types.MediaTag(req.Kind)

	if !req.IsGlobal && !target.globalEnabled(tag) {
		return nil
	}
	if target.producerByTag(tag) == nil {
		return types.ErrProducerNotFound
	}

	r.pauseOneLocked(target, tag, req.IsGlobal)
	return nil
}

func (r *Room) pauseOneLocked(target *Participant, tag types.MediaTag, isGlobal bool) {
	if isGlobal {
		target.setGlobalEnabled(tag, false)
	}

	producer := target.producerByTag(tag)
	if producer == nil || producer.Closed() || producer.Paused() {
		return
	}
	if err := producer.Pause(); err != nil {
		logging.Warn(r.ctx, "producer pause failed",
			zap.String("producer_id", producer.ID()),
			zap.Error(err),
		)
		return
	}
	target.setProducerEnabled(tag, false)

	r.broadcastAllLocked(types.EventMediaProducerPause, producerEventPayload{
		UserID:   target.UserID,
		MediaTag: tag,
		IsGlobal: isGlobal,
	})
}

// resumeProducerLocked is symmetric to pause. A closed producer cannot be
// resumed; the owner is asked to publish again instead.
func (r *Room) resumeProducerLocked(req producerControlRequest) error {
	target, exists := r.participants[req.UserID]
	if !exists {
		return types.ErrParticipantNotFound
	}
	tag := types.MediaTag(req.Kind)

	if !req.IsGlobal && !target.globalEnabled(tag) {
		return nil
	}

	r.resumeOneLocked(target, tag, req.IsGlobal)
	return nil
}

func (r *Room) resumeOneLocked(target *Participant, tag types.MediaTag, isGlobal bool) {
	if isGlobal {
		target.setGlobalEnabled(tag, true)
	}

	producer := target.producerByTag(tag)
	if producer == nil || producer.Closed() {
		target.Conn.Send(types.EventMediaReproduce, producerEventPayload{
			UserID:   target.UserID,
			MediaTag: tag,
		})
		return
	}
	if !producer.Paused() {
		return
	}
	if err := producer.Resume(); err != nil {
		logging.Warn(r.ctx, "producer resume failed",
			zap.String("producer_id", producer.ID()),
			zap.Error(err),
		)
		return
	}
	target.setProducerEnabled(tag, true)

	r.broadcastAllLocked(types.EventMediaProducerResume, producerEventPayload{
		UserID:   target.UserID,
		MediaTag: tag,
		IsGlobal: isGlobal,
	})
}
