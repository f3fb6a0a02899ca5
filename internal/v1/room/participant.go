package room

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/voxelink/mediabridge/internal/v1/logging"
	"github.com/voxelink/mediabridge/internal/v1/media"
	"github.com/voxelink/mediabridge/internal/v1/types"
)

// Participant is the per-user state inside a room: the signaling connection,
// at most one transport per direction, up to three producers (audio, camera
// video, screen video), and per-peer consumer maps keyed by the peer's id.
//
// All fields are guarded by the owning room's mutex.
type Participant struct {
	UserID        types.UserID
	Conn          types.ClientConn
	Device        string
	TransportKind types.TransportKind

	RtpCapabilities json.RawMessage
	Joined          bool

	ProducerAudioEnabled bool
	ProducerVideoEnabled bool
	GlobalAudioEnabled   bool
	GlobalVideoEnabled   bool
	ScreenSharing        bool

	producerTransport media.Transport
	consumerTransport media.Transport

	producerAudio  media.Producer
	producerVideo  media.Producer
	producerScreen media.Producer

	consumersAudio  map[types.UserID]media.Consumer
	consumersVideo  map[types.UserID]media.Consumer
	consumersScreen map[types.UserID]media.Consumer
}

func newParticipant(conn types.ClientConn) *Participant {
	return &Participant{
		UserID:          conn.UserID(),
		Conn:            conn,
		Device:          conn.Device(),
		TransportKind:   conn.Kind(),
		consumersAudio:  make(map[types.UserID]media.Consumer),
		consumersVideo:  make(map[types.UserID]media.Consumer),
		consumersScreen: make(map[types.UserID]media.Consumer),
	}
}

// producerByTag returns the producer in the named slot, or nil.
func (p *Participant) producerByTag(tag types.MediaTag) media.Producer {
	switch tag {
	case types.TagAudio:
		return p.producerAudio
	case types.TagVideo:
		return p.producerVideo
	case types.TagScreen:
		return p.producerScreen
	}
	return nil
}

func (p *Participant) setProducer(tag types.MediaTag, producer media.Producer) {
	switch tag {
	case types.TagAudio:
		p.producerAudio = producer
	case types.TagVideo:
		p.producerVideo = producer
	case types.TagScreen:
		p.producerScreen = producer
	}
}

// consumersByTag returns the per-peer consumer map for the named slot.
func (p *Participant) consumersByTag(tag types.MediaTag) map[types.UserID]media.Consumer {
	switch tag {
	case types.TagAudio:
		return p.consumersAudio
	case types.TagVideo:
		return p.consumersVideo
	case types.TagScreen:
		return p.consumersScreen
	}
	return nil
}

// transportByKind returns the transport for one direction, or nil.
func (p *Participant) transportByKind(kind types.TransportKind) media.Transport {
	switch kind {
	case types.TransportProducer:
		return p.producerTransport
	case types.TransportConsumer:
		return p.consumerTransport
	}
	return nil
}

func (p *Participant) setTransport(kind types.TransportKind, transport media.Transport) {
	switch kind {
	case types.TransportProducer:
		p.producerTransport = transport
	case types.TransportConsumer:
		p.consumerTransport = transport
	}
}

// globalEnabled reads the room-scoped mute flag for one kind.
func (p *Participant) globalEnabled(tag types.MediaTag) bool {
	switch tag {
	case types.TagAudio:
		return p.GlobalAudioEnabled
	case types.TagVideo:
		return p.GlobalVideoEnabled
	}
	return true
}

func (p *Participant) setGlobalEnabled(tag types.MediaTag, enabled bool) {
	switch tag {
	case types.TagAudio:
		p.GlobalAudioEnabled = enabled
	case types.TagVideo:
		p.GlobalVideoEnabled = enabled
	}
}

func (p *Participant) setProducerEnabled(tag types.MediaTag, enabled bool) {
	switch tag {
	case types.TagAudio:
		p.ProducerAudioEnabled = enabled
	case types.TagVideo:
		p.ProducerVideoEnabled = enabled
	}
}

// liveProducerCount counts the participant's open producers.
func (p *Participant) liveProducerCount() int {
	count := 0
	for _, tag := range []types.MediaTag{types.TagAudio, types.TagVideo, types.TagScreen} {
		if producer := p.producerByTag(tag); producer != nil && !producer.Closed() {
			count++
		}
	}
	return count
}

// closeMedia tears down the participant's media handles in dependency order:
// producers first, then consumers, then both transports. Failures inside
// closures are logged and swallowed so the cascade always completes. Caller
// must hold the room's mutex.
func (p *Participant) closeMedia(observer media.AudioLevelObserver) {
	for _, tag := range []types.MediaTag{types.TagAudio, types.TagVideo, types.TagScreen} {
		producer := p.producerByTag(tag)
		if producer == nil {
			continue
		}
		if tag == types.TagAudio && observer != nil && !observer.Closed() {
			if err := observer.RemoveProducer(producer.ID()); err != nil {
				logging.Warn(context.Background(), "failed to detach producer from audio observer",
					zap.String("userId", string(p.UserID)),
					zap.Error(err),
				)
			}
		}
		if !producer.Closed() {
			producer.Close()
		}
		p.setProducer(tag, nil)
	}
	p.ScreenSharing = false

	for _, consumers := range []map[types.UserID]media.Consumer{p.consumersAudio, p.consumersVideo, p.consumersScreen} {
		for peerID, consumer := range consumers {
			if !consumer.Closed() {
				consumer.Close()
			}
			delete(consumers, peerID)
		}
	}

	if p.producerTransport != nil {
		if !p.producerTransport.Closed() {
			p.producerTransport.Close()
		}
		p.producerTransport = nil
	}
	if p.consumerTransport != nil {
		if !p.consumerTransport.Closed() {
			p.consumerTransport.Close()
		}
		p.consumerTransport = nil
	}
}

// stat builds the participant's row of the room stats snapshot.
func (p *Participant) stat() types.ClientStat {
	return types.ClientStat{
		ID:           p.UserID,
		Device:       p.Device,
		ProduceAudio: p.producerAudio != nil && !p.producerAudio.Closed(),
		ProduceVideo: p.producerVideo != nil && !p.producerVideo.Closed(),
	}
}
