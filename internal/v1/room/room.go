// Package room implements the per-session state machine: participant
// admission and removal, the media command dispatcher, the producer/consumer
// graph, dominant speaker dispatch, and fan-out to the session's sockets.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voxelink/mediabridge/internal/v1/config"
	"github.com/voxelink/mediabridge/internal/v1/logging"
	"github.com/voxelink/mediabridge/internal/v1/media"
	"github.com/voxelink/mediabridge/internal/v1/metrics"
	"github.com/voxelink/mediabridge/internal/v1/types"
)

// Audio level observer tuning. One entry means only the loudest producer is
// reported, which is exactly the dominant speaker.
const (
	observerMaxEntries = 1
	observerThreshold  = -80
	observerIntervalMs = 800
)

// Room is a per-session container. It owns one router on one worker, the
// audio level observer on that router, and the participant records. All
// mutable state is serialized by mu; worker calls happen under the lock, and
// only the push newConsumer ack-await releases it.
type Room struct {
	ID types.SessionID

	mu            sync.Mutex
	workerIndex   int
	worker        media.Worker
	router        media.Router
	observer      media.AudioLevelObserver
	participants  map[types.UserID]*Participant
	reconfiguring bool
	closed        bool

	codecs       []media.RtpCodecCapability
	transportCfg config.TransportConfig

	onEmpty func(types.SessionID)
	bus     types.BusService
	busID   string

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a room pinned to the given worker: router first, then the
// audio level observer on it. Failure at any sub-step leaves no partial room.
func New(ctx context.Context, id types.SessionID, workerIndex int, worker media.Worker, codecs []media.RtpCodecCapability, transportCfg config.TransportConfig, onEmpty func(types.SessionID), bus types.BusService) (*Room, error) {
	router, err := worker.CreateRouter(codecs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrRoomInit, err)
	}

	observer, err := router.CreateAudioLevelObserver(media.AudioLevelObserverOptions{
		MaxEntries: observerMaxEntries,
		Threshold:  observerThreshold,
		IntervalMs: observerIntervalMs,
	})
	if err != nil {
		router.Close()
		return nil, fmt.Errorf("%w: %v", types.ErrRoomInit, err)
	}

	r := &Room{
		ID:           id,
		workerIndex:  workerIndex,
		worker:       worker,
		router:       router,
		observer:     observer,
		participants: make(map[types.UserID]*Participant),
		codecs:       codecs,
		transportCfg: transportCfg,
		onEmpty:      onEmpty,
		bus:          bus,
		busID:        uuid.NewString(),
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wireObserver(observer)

	if bus != nil {
		r.subscribeToBus()
	}

	metrics.ActiveRooms.Inc()
	logging.Info(r.ctx, "room created",
		zap.String("room_id", string(id)),
		zap.Int("worker_index", workerIndex),
		zap.Int("worker_pid", worker.Pid()),
	)

	return r, nil
}

// wireObserver subscribes the dominant speaker events. The observer reports
// at most one entry, so the first volume is the loudest participant.
func (r *Room) wireObserver(observer media.AudioLevelObserver) {
	observer.OnVolumes(func(volumes []media.VolumeEntry) {
		if len(volumes) == 0 {
			return
		}
		entry := volumes[0]
		userID, _ := entry.AppData["userId"].(string)
		volume := entry.Volume

		r.mu.Lock()
		r.broadcastAllLocked(types.EventMediaActiveSpeaker, activeSpeakerPayload{
			UserID: &userID,
			Volume: &volume,
		})
		r.mu.Unlock()

		metrics.ActiveSpeakerEvents.Inc()
	})

	observer.OnSilence(func() {
		r.mu.Lock()
		r.broadcastAllLocked(types.EventMediaActiveSpeaker, activeSpeakerPayload{UserID: nil})
		r.mu.Unlock()
	})
}

// Volume is a pointer so 0 dBov (the loudest reading) survives serialization;
// it is nil only on silence events.
type activeSpeakerPayload struct {
	UserID *string `json:"userId"`
	Volume *int    `json:"volume,omitempty"`
}

// AddClient admits a participant record before join. The participant does not
// receive fan-out until joinRoom completes.
func (r *Room) AddClient(ctx context.Context, conn types.ClientConn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return types.ErrRoomClosed
	}
	if _, exists := r.participants[conn.UserID()]; exists {
		return types.ErrDuplicateParticipant
	}

	r.participants[conn.UserID()] = newParticipant(conn)
	metrics.RoomParticipants.WithLabelValues(string(r.ID)).Set(float64(len(r.participants)))

	logging.Info(ctx, "participant admitted",
		zap.String("room_id", string(r.ID)),
		zap.String("user_id", string(conn.UserID())),
		zap.String("device", conn.Device()),
	)
	return nil
}

// JoinRoom completes admission: records capabilities and enable flags, adds
// the participant to the broadcast group, pushes consumers for every already
// producing peer, and announces the join to the whole room.
func (r *Room) JoinRoom(ctx context.Context, conn types.ClientConn, rtpCapabilities json.RawMessage, caps types.ProducerCapabilities) (*types.JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, types.ErrRoomClosed
	}
	p, exists := r.participants[conn.UserID()]
	if !exists {
		return nil, types.ErrParticipantNotFound
	}
	if p.Joined {
		return nil, types.ErrAlreadyJoined
	}

	p.RtpCapabilities = rtpCapabilities
	p.ProducerAudioEnabled = caps.ProducerAudioEnabled
	p.ProducerVideoEnabled = caps.ProducerVideoEnabled
	p.GlobalAudioEnabled = caps.GlobalAudioEnabled
	p.GlobalVideoEnabled = caps.GlobalVideoEnabled
	p.Joined = true

	peersInfo := make([]types.PeerInfo, 0, len(r.participants)-1)
	for _, peer := range r.participants {
		if peer.UserID == p.UserID || !peer.Joined {
			continue
		}
		peersInfo = append(peersInfo, types.PeerInfo{
			ID:            peer.UserID,
			Kind:          peer.TransportKind,
			ScreenSharing: peer.ScreenSharing,
		})

		for _, tag := range []types.MediaTag{types.TagAudio, types.TagVideo, types.TagScreen} {
			if producer := peer.producerByTag(tag); producer != nil && !producer.Closed() {
				r.pushConsumerLocked(peer, producer, tag, p)
			}
		}
	}

	r.broadcastAllLocked(types.EventMediaClientConnected, types.PeerInfo{
		ID:            p.UserID,
		Kind:          p.TransportKind,
		ScreenSharing: p.ScreenSharing,
	})

	logging.Info(ctx, "participant joined",
		zap.String("room_id", string(r.ID)),
		zap.String("user_id", string(p.UserID)),
		zap.Int("peers", len(peersInfo)),
	)

	return &types.JoinResult{UserID: p.UserID, PeersInfo: peersInfo}, nil
}

// RemoveClient tears down one participant and unregisters the room when the
// last one leaves. Idempotent.
func (r *Room) RemoveClient(ctx context.Context, userID types.UserID) {
	r.mu.Lock()

	p, exists := r.participants[userID]
	if !exists {
		r.mu.Unlock()
		return
	}

	if p.Joined {
		r.broadcastLocked(userID, types.EventMediaClientDisconnect, peerRefPayload{UserID: userID})
	}

	p.closeMedia(r.observer)
	delete(r.participants, userID)

	remaining := len(r.participants)
	if remaining > 0 {
		metrics.RoomParticipants.WithLabelValues(string(r.ID)).Set(float64(remaining))
		r.applyMaxIncomingBitrateLocked()
	} else {
		metrics.RoomParticipants.DeleteLabelValues(string(r.ID))
	}

	logging.Info(ctx, "participant removed",
		zap.String("room_id", string(r.ID)),
		zap.String("user_id", string(userID)),
		zap.Int("remaining", remaining),
	)

	if remaining == 0 {
		r.closeLocked(ctx)
		r.mu.Unlock()
		if r.onEmpty != nil {
			r.onEmpty(r.ID)
		}
		return
	}
	r.mu.Unlock()
}

type peerRefPayload struct {
	UserID types.UserID `json:"userId"`
}

// Close shuts the room down: every participant is notified, torn down and
// dropped, then the observer and router close. Idempotent.
func (r *Room) Close(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked(ctx)
}

func (r *Room) closeLocked(ctx context.Context) {
	if r.closed {
		return
	}
	r.closed = true

	for userID, p := range r.participants {
		if p.Joined {
			p.Conn.Send(types.EventMediaDisconnectMember, peerRefPayload{UserID: userID})
		}
		p.closeMedia(r.observer)
		delete(r.participants, userID)
	}

	if r.observer != nil && !r.observer.Closed() {
		r.observer.Close()
	}
	if r.router != nil && !r.router.Closed() {
		r.router.Close()
	}

	r.cancel()
	metrics.ActiveRooms.Dec()
	metrics.RoomParticipants.DeleteLabelValues(string(r.ID))

	logging.Info(ctx, "room closed", zap.String("room_id", string(r.ID)))
}

// ReconfigureMedia rebinds the room onto a new worker. Participant records
// survive, their media handles do not; clients renegotiate after receiving
// mediaReconfigure. Commands arriving during the swap fail with
// ErrRoomReconfiguring.
func (r *Room) ReconfigureMedia(ctx context.Context, newWorker media.Worker, newIndex int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return types.ErrRoomClosed
	}

	r.reconfiguring = true

	for _, p := range r.participants {
		p.closeMedia(r.observer)
		p.RtpCapabilities = nil
	}
	if r.observer != nil && !r.observer.Closed() {
		r.observer.Close()
	}
	if r.router != nil && !r.router.Closed() {
		r.router.Close()
	}

	router, err := newWorker.CreateRouter(r.codecs)
	if err != nil {
		// The room stays open without media; a retried mediaReconfigure can
		// still rebind it.
		r.reconfiguring = false
		return fmt.Errorf("%w: %v", types.ErrRoomInit, err)
	}
	observer, err := router.CreateAudioLevelObserver(media.AudioLevelObserverOptions{
		MaxEntries: observerMaxEntries,
		Threshold:  observerThreshold,
		IntervalMs: observerIntervalMs,
	})
	if err != nil {
		router.Close()
		r.reconfiguring = false
		return fmt.Errorf("%w: %v", types.ErrRoomInit, err)
	}

	r.worker = newWorker
	r.workerIndex = newIndex
	r.router = router
	r.observer = observer
	r.wireObserver(observer)
	r.reconfiguring = false

	r.broadcastAllLocked(types.EventMediaReconfigure, struct{}{})

	logging.Info(ctx, "room reconfigured onto new worker",
		zap.String("room_id", string(r.ID)),
		zap.Int("worker_index", newIndex),
		zap.Int("worker_pid", newWorker.Pid()),
	)
	return nil
}

// ParticipantCount reports the number of admitted participants.
func (r *Room) ParticipantCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

// WorkerIndex reports which pool slot hosts the room.
func (r *Room) WorkerIndex() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workerIndex
}

// Stats builds the read-only snapshot served over HTTP.
func (r *Room) Stats() types.RoomStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := types.RoomStats{
		ID:            r.ID,
		Worker:        r.workerIndex,
		Clients:       make([]types.ClientStat, 0, len(r.participants)),
		GroupByDevice: make(map[string]int),
	}
	for _, p := range r.participants {
		stats.Clients = append(stats.Clients, p.stat())
		stats.GroupByDevice[p.Device]++
	}
	return stats
}

// PeersInfo lists the joined participants, for the mediaRoomClients event.
func (r *Room) PeersInfo() []types.PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	peers := make([]types.PeerInfo, 0, len(r.participants))
	for _, p := range r.participants {
		if !p.Joined {
			continue
		}
		peers = append(peers, types.PeerInfo{
			ID:            p.UserID,
			Kind:          p.TransportKind,
			ScreenSharing: p.ScreenSharing,
		})
	}
	return peers
}

// Relay fans an event out to every joined participant except the sender. Used
// for pure relays like toggleDevice.
func (r *Room) Relay(senderID types.UserID, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(senderID, event, payload)
}

// Wait blocks until the room's background work has drained.
func (r *Room) Wait() {
	r.wg.Wait()
}

// --- Fan-out primitives ---

// broadcastLocked reaches every joined participant except the sender.
func (r *Room) broadcastLocked(senderID types.UserID, event string, payload any) {
	for _, p := range r.participants {
		if !p.Joined || p.UserID == senderID {
			continue
		}
		p.Conn.Send(event, payload)
	}
	r.publishToBus(event, payload)
}

// broadcastAllLocked reaches every joined participant, sender included.
func (r *Room) broadcastAllLocked(event string, payload any) {
	for _, p := range r.participants {
		if !p.Joined {
			continue
		}
		p.Conn.Send(event, payload)
	}
	r.publishToBus(event, payload)
}

// --- Cross-instance mirroring ---

func (r *Room) publishToBus(event string, payload any) {
	if r.bus == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.bus.Publish(context.Background(), string(r.ID), event, payload, r.busID); err != nil {
			logging.Warn(r.ctx, "bus publish failed",
				zap.String("room_id", string(r.ID)),
				zap.String("event", event),
				zap.Error(err),
			)
		}
	}()
}

// subscribeToBus mirrors fan-out originating on sibling instances to the
// participants connected here. Events published by this room are skipped by
// sender id.
func (r *Room) subscribeToBus() {
	r.bus.Subscribe(r.ctx, string(r.ID), func(event string, payload json.RawMessage, senderID string) {
		if senderID == r.busID {
			return
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, p := range r.participants {
			if p.Joined {
				p.Conn.Send(event, payload)
			}
		}
	})
}
