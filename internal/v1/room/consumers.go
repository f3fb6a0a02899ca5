package room

import (
	"encoding/json"
	"math"

	"go.uber.org/zap"

	"github.com/voxelink/mediabridge/internal/v1/logging"
	"github.com/voxelink/mediabridge/internal/v1/media"
	"github.com/voxelink/mediabridge/internal/v1/types"
)

// Highest consumer priority; applied to audio so voice survives congestion.
const audioConsumerPriority = 255

// simulcastPreferredLayers selects the top spatial and temporal layer.
var simulcastPreferredLayers = media.ConsumerLayers{SpatialLayer: 2, TemporalLayer: 2}

// consumerDescriptor is what both consume flows hand to the subscriber.
type consumerDescriptor struct {
	ProducerID     string          `json:"producerId"`
	ID             string          `json:"id"`
	UserID         types.UserID    `json:"userId"`
	MediaTag       types.MediaTag  `json:"mediaTag"`
	Kind           string          `json:"kind"`
	RtpParameters  json.RawMessage `json:"rtpParameters"`
	Type           string          `json:"type"`
	ProducerPaused bool            `json:"producerPaused"`
}

func describeConsumer(peerID types.UserID, tag types.MediaTag, consumer media.Consumer) consumerDescriptor {
	return consumerDescriptor{
		ProducerID:     consumer.ProducerID(),
		ID:             consumer.ID(),
		UserID:         peerID,
		MediaTag:       tag,
		Kind:           consumer.Kind(),
		RtpParameters:  consumer.RtpParameters(),
		Type:           consumer.Type(),
		ProducerPaused: consumer.ProducerPaused(),
	}
}

// pushConsumerLocked runs the server-initiated consume flow: create the
// consumer paused, offer it to the subscriber with a newConsumer request, and
// resume once the subscriber acks. The ack-await happens off the room lock;
// liveness is re-checked after re-acquiring it.
//
// Preconditions the subscriber cannot yet meet (no consumer transport, no
// capabilities) are skipped silently; the pull flow remains available.
func (r *Room) pushConsumerLocked(owner *Participant, producer media.Producer, tag types.MediaTag, subscriber *Participant) {
	if !subscriber.Joined || subscriber.consumerTransport == nil || subscriber.consumerTransport.Closed() {
		return
	}
	if len(subscriber.RtpCapabilities) == 0 {
		return
	}
	if _, exists := subscriber.consumersByTag(tag)[owner.UserID]; exists {
		return
	}
	if !r.router.CanConsume(producer.ID(), subscriber.RtpCapabilities) {
		logging.Warn(r.ctx, "subscriber cannot consume producer",
			zap.String("room_id", string(r.ID)),
			zap.String("user_id", string(subscriber.UserID)),
			zap.String("peer_id", string(owner.UserID)),
			zap.String("media_tag", string(tag)),
		)
		return
	}

	consumer, err := subscriber.consumerTransport.Consume(media.ConsumerOptions{
		ProducerID:      producer.ID(),
		RtpCapabilities: subscriber.RtpCapabilities,
		Paused:          true,
		AppData: map[string]any{
			"userId":   string(owner.UserID),
			"mediaTag": string(tag),
		},
	})
	if err != nil {
		logging.Error(r.ctx, "push consume failed",
			zap.String("room_id", string(r.ID)),
			zap.String("user_id", string(subscriber.UserID)),
			zap.String("peer_id", string(owner.UserID)),
			zap.Error(err),
		)
		return
	}

	r.tuneConsumer(consumer)
	r.wireConsumer(subscriber, owner.UserID, tag, consumer)
	subscriber.consumersByTag(tag)[owner.UserID] = consumer

	descriptor := describeConsumer(owner.UserID, tag, consumer)
	subscriberID := subscriber.UserID
	conn := subscriber.Conn

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		if err := conn.Request(r.ctx, types.EventNewConsumer, descriptor); err != nil {
			logging.Warn(r.ctx, "newConsumer offer not acked",
				zap.String("room_id", string(r.ID)),
				zap.String("user_id", string(subscriberID)),
				zap.String("consumer_id", descriptor.ID),
				zap.Error(err),
			)
			r.dropConsumer(subscriberID, descriptor.ID, tag)
			return
		}

		// The subscriber may have left during the await.
		r.mu.Lock()
		defer r.mu.Unlock()
		p, exists := r.participants[subscriberID]
		if !exists || r.closed {
			return
		}
		current, ok := p.consumersByTag(tag)[descriptor.UserID]
		if !ok || current.ID() != descriptor.ID || current.Closed() {
			return
		}
		if err := current.Resume(); err != nil {
			logging.Warn(r.ctx, "consumer resume after ack failed",
				zap.String("consumer_id", descriptor.ID),
				zap.Error(err),
			)
		}
	}()
}

// dropConsumer closes and unmaps one consumer if it is still the one mapped.
func (r *Room) dropConsumer(subscriberID types.UserID, consumerID string, tag types.MediaTag) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.participants[subscriberID]
	if !exists {
		return
	}
	for peerID, consumer := range p.consumersByTag(tag) {
		if consumer.ID() == consumerID {
			if !consumer.Closed() {
				consumer.Close()
			}
			delete(p.consumersByTag(tag), peerID)
			return
		}
	}
}

// tuneConsumer applies per-kind tuning: top simulcast layers for video,
// highest priority for audio.
func (r *Room) tuneConsumer(consumer media.Consumer) {
	if consumer.Kind() == "video" && consumer.Type() == "simulcast" {
		if err := consumer.SetPreferredLayers(simulcastPreferredLayers); err != nil {
			logging.Warn(r.ctx, "failed to set preferred layers",
				zap.String("consumer_id", consumer.ID()),
				zap.Error(err),
			)
		}
	}
	if consumer.Kind() == "audio" {
		if err := consumer.SetPriority(audioConsumerPriority); err != nil {
			logging.Warn(r.ctx, "failed to set consumer priority",
				zap.String("consumer_id", consumer.ID()),
				zap.Error(err),
			)
		}
	}
}

// wireConsumer subscribes the consumer's lifecycle events. Handlers fire on
// the binding's emitter goroutine; map mutations re-acquire the room lock.
// A consumer closing via its own transport is removed silently so a
// disconnecting subscriber never hears about its own teardown.
func (r *Room) wireConsumer(subscriber *Participant, peerID types.UserID, tag types.MediaTag, consumer media.Consumer) {
	subscriberID := subscriber.UserID
	conn := subscriber.Conn
	consumerID := consumer.ID()

	consumer.OnTransportClose(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if p, exists := r.participants[subscriberID]; exists {
			if current, ok := p.consumersByTag(tag)[peerID]; ok && current.ID() == consumerID {
				delete(p.consumersByTag(tag), peerID)
			}
		}
	})

	consumer.OnProducerClose(func() {
		r.mu.Lock()
		if p, exists := r.participants[subscriberID]; exists {
			if current, ok := p.consumersByTag(tag)[peerID]; ok && current.ID() == consumerID {
				if !current.Closed() {
					current.Close()
				}
				delete(p.consumersByTag(tag), peerID)
			}
		}
		r.mu.Unlock()

		conn.Send(types.EventConsumerClosed, consumerEventPayload{
			UserID:     peerID,
			MediaTag:   tag,
			ConsumerID: consumerID,
		})
	})

	consumer.OnProducerPause(func() {
		conn.Send(types.EventConsumerPaused, consumerEventPayload{
			UserID:     peerID,
			MediaTag:   tag,
			ConsumerID: consumerID,
		})
	})

	consumer.OnProducerResume(func() {
		conn.Send(types.EventConsumerResumed, consumerEventPayload{
			UserID:     peerID,
			MediaTag:   tag,
			ConsumerID: consumerID,
		})
	})

	consumer.OnScore(func(score json.RawMessage) {
		conn.Send(types.EventConsumerScore, consumerScorePayload{
			UserID:     peerID,
			MediaTag:   tag,
			ConsumerID: consumerID,
			Score:      score,
		})
	})

	if consumer.Kind() == "video" {
		consumer.OnLayersChange(func(layers json.RawMessage) {
			conn.Send(types.EventConsumersLayersChanged, consumerScorePayload{
				UserID:     peerID,
				MediaTag:   tag,
				ConsumerID: consumerID,
				Score:      layers,
			})
		})
	}
}

type consumerEventPayload struct {
	UserID     types.UserID   `json:"userId"`
	MediaTag   types.MediaTag `json:"mediaTag"`
	ConsumerID string         `json:"consumerId"`
}

type consumerScorePayload struct {
	UserID     types.UserID    `json:"userId"`
	MediaTag   types.MediaTag  `json:"mediaTag"`
	ConsumerID string          `json:"consumerId"`
	Score      json.RawMessage `json:"data"`
}

// --- Bitrate governance ---

// roomProducerCountLocked counts open producers across all participants.
func (r *Room) roomProducerCountLocked() int {
	count := 0
	for _, p := range r.participants {
		count += p.liveProducerCount()
	}
	return count
}

// chooseMaxIncomingBitrate derates each publisher's inbound budget as the
// producer population grows. Below three producers the cap stays wide open.
func chooseMaxIncomingBitrate(producerCount int, maxOutgoing, minOutgoing uint32, factor float64) int {
	if producerCount < 3 {
		return int(maxOutgoing)
	}
	raw := int(math.Floor(float64(maxOutgoing) / (float64(producerCount-1) * factor)))
	if raw < int(minOutgoing) {
		return int(minOutgoing)
	}
	return raw
}

// applyMaxIncomingBitrateLocked recomputes the per-transport inbound cap and
// applies it to every live transport in the room.
func (r *Room) applyMaxIncomingBitrateLocked() {
	bitrate := chooseMaxIncomingBitrate(
		r.roomProducerCountLocked(),
		r.transportCfg.MaximumAvailableOutgoingBitrate,
		r.transportCfg.MinimumAvailableOutgoingBitrate,
		r.transportCfg.FactorIncomingBitrate,
	)

	for _, p := range r.participants {
		for _, transport := range []media.Transport{p.producerTransport, p.consumerTransport} {
			if transport == nil || transport.Closed() {
				continue
			}
			if err := transport.SetMaxIncomingBitrate(bitrate); err != nil {
				logging.Warn(r.ctx, "failed to apply incoming bitrate cap",
					zap.String("room_id", string(r.ID)),
					zap.String("user_id", string(p.UserID)),
					zap.Int("bitrate", bitrate),
					zap.Error(err),
				)
			}
		}
	}
}
