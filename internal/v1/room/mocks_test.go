package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/voxelink/mediabridge/internal/v1/media"
	"github.com/voxelink/mediabridge/internal/v1/types"
)

// fakeConn implements types.ClientConn and records everything the room sends.
type fakeConn struct {
	mu        sync.Mutex
	userID    types.UserID
	sessionID types.SessionID
	device    string
	kind      types.TransportKind

	sent     []sentEvent
	requests []sentEvent

	// requestErr is returned by Request; nil means an immediate ack.
	requestErr error
}

type sentEvent struct {
	Event   string
	Payload any
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{
		userID:    types.UserID(id),
		sessionID: "test-session",
		device:    "desktop",
		kind:      types.TransportProducer,
	}
}

func (c *fakeConn) UserID() types.UserID       { return c.userID }
func (c *fakeConn) SessionID() types.SessionID { return c.sessionID }
func (c *fakeConn) Device() string             { return c.device }
func (c *fakeConn) Kind() types.TransportKind  { return c.kind }
func (c *fakeConn) Close()                     {}

func (c *fakeConn) Send(event string, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentEvent{Event: event, Payload: payload})
}

func (c *fakeConn) Request(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, sentEvent{Event: event, Payload: payload})
	return c.requestErr
}

func (c *fakeConn) eventsNamed(event string) []sentEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sentEvent
	for _, e := range c.sent {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (c *fakeConn) requestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// --- media fakes ---

type fakeWorker struct {
	pid    int
	closed bool
	died   func(error)

	routerErr   error
	observerErr error
	routers     []*fakeRouter
}

func (w *fakeWorker) Pid() int                   { return w.pid }
func (w *fakeWorker) Closed() bool               { return w.closed }
func (w *fakeWorker) Close()                     { w.closed = true }
func (w *fakeWorker) OnDied(handler func(error)) { w.died = handler }

func (w *fakeWorker) CreateRouter(codecs []media.RtpCodecCapability) (media.Router, error) {
	if w.routerErr != nil {
		return nil, w.routerErr
	}
	r := &fakeRouter{
		id:           fmt.Sprintf("router-%d", len(w.routers)),
		capabilities: json.RawMessage(`{"codecs":[]}`),
		canConsume:   true,
		consumerType: "simple",
		observerErr:  w.observerErr,
		producers:    make(map[string]*fakeProducer),
	}
	w.routers = append(w.routers, r)
	return r, nil
}

type fakeRouter struct {
	id           string
	capabilities json.RawMessage
	closed       bool

	canConsume   bool
	consumerType string
	transportErr error
	observerErr  error

	transports []*fakeTransport
	observers  []*fakeObserver
	producers  map[string]*fakeProducer

	nextProducerID int
	nextConsumerID int
}

func (r *fakeRouter) ID() string                           { return r.id }
func (r *fakeRouter) RtpCapabilities() json.RawMessage     { return r.capabilities }
func (r *fakeRouter) Closed() bool                         { return r.closed }
func (r *fakeRouter) Close()                               { r.closed = true }
func (r *fakeRouter) CanConsume(string, json.RawMessage) bool { return r.canConsume }

func (r *fakeRouter) CreateWebRtcTransport(options media.WebRtcTransportOptions) (media.Transport, error) {
	if r.transportErr != nil {
		return nil, r.transportErr
	}
	t := &fakeTransport{
		id:      fmt.Sprintf("transport-%d", len(r.transports)),
		router:  r,
		appData: options.AppData,
	}
	r.transports = append(r.transports, t)
	return t, nil
}

func (r *fakeRouter) CreateAudioLevelObserver(options media.AudioLevelObserverOptions) (media.AudioLevelObserver, error) {
	if r.observerErr != nil {
		return nil, r.observerErr
	}
	o := &fakeObserver{options: options, added: make(map[string]bool)}
	r.observers = append(r.observers, o)
	return o, nil
}

type fakeTransport struct {
	id      string
	router  *fakeRouter
	appData map[string]any
	closed  bool

	connectedDtls  json.RawMessage
	produceErr     error
	consumeErr     error
	bitrateHistory []int
	restartedIce   int

	dtlsHandler func(state string)

	producers []*fakeProducer
	consumers []*fakeConsumer
}

func (t *fakeTransport) ID() string                      { return t.id }
func (t *fakeTransport) IceParameters() json.RawMessage  { return json.RawMessage(`{"usernameFragment":"frag"}`) }
func (t *fakeTransport) IceCandidates() json.RawMessage  { return json.RawMessage(`[]`) }
func (t *fakeTransport) DtlsParameters() json.RawMessage { return json.RawMessage(`{"role":"auto"}`) }
func (t *fakeTransport) SctpParameters() json.RawMessage { return json.RawMessage(`{}`) }
func (t *fakeTransport) Closed() bool                    { return t.closed }

func (t *fakeTransport) Connect(dtls json.RawMessage) error {
	t.connectedDtls = dtls
	return nil
}

func (t *fakeTransport) Produce(options media.ProducerOptions) (media.Producer, error) {
	if t.produceErr != nil {
		return nil, t.produceErr
	}
	t.router.nextProducerID++
	p := &fakeProducer{
		id:      fmt.Sprintf("producer-%d", t.router.nextProducerID),
		kind:    options.Kind,
		paused:  options.Paused,
		appData: options.AppData,
	}
	t.producers = append(t.producers, p)
	t.router.producers[p.id] = p
	return p, nil
}

func (t *fakeTransport) Consume(options media.ConsumerOptions) (media.Consumer, error) {
	if t.consumeErr != nil {
		return nil, t.consumeErr
	}
	t.router.nextConsumerID++
	producer := t.router.producers[options.ProducerID]
	kind := "audio"
	producerPaused := false
	if producer != nil {
		kind = producer.kind
		producerPaused = producer.paused
	}
	c := &fakeConsumer{
		id:             fmt.Sprintf("consumer-%d", t.router.nextConsumerID),
		producerID:     options.ProducerID,
		kind:           kind,
		typ:            t.router.consumerType,
		paused:         options.Paused,
		producerPaused: producerPaused,
		appData:        options.AppData,
	}
	t.consumers = append(t.consumers, c)
	return c, nil
}

func (t *fakeTransport) SetMaxIncomingBitrate(bitrate int) error {
	t.bitrateHistory = append(t.bitrateHistory, bitrate)
	return nil
}

func (t *fakeTransport) RestartIce() (json.RawMessage, error) {
	t.restartedIce++
	return json.RawMessage(`{"usernameFragment":"fresh"}`), nil
}

func (t *fakeTransport) GetStats() (json.RawMessage, error) {
	return json.RawMessage(`[{"type":"transport"}]`), nil
}

func (t *fakeTransport) OnDtlsStateChange(handler func(state string)) { t.dtlsHandler = handler }

// Close marks the transport closed. Lifecycle handlers on dependent producers
// and consumers fire on the binding's emitter goroutine in production, never
// synchronously; tests invoke them explicitly where needed.
func (t *fakeTransport) Close() {
	t.closed = true
}

func (t *fakeTransport) lastBitrate() int {
	if len(t.bitrateHistory) == 0 {
		return 0
	}
	return t.bitrateHistory[len(t.bitrateHistory)-1]
}

type fakeProducer struct {
	id      string
	kind    string
	paused  bool
	closed  bool
	appData map[string]any

	orientationHandler    func(json.RawMessage)
	transportCloseHandler func()
}

func (p *fakeProducer) ID() string               { return p.id }
func (p *fakeProducer) Kind() string             { return p.kind }
func (p *fakeProducer) Paused() bool             { return p.paused }
func (p *fakeProducer) Closed() bool             { return p.closed }
func (p *fakeProducer) Close()                   { p.closed = true }
func (p *fakeProducer) AppData() map[string]any  { return p.appData }
func (p *fakeProducer) Pause() error             { p.paused = true; return nil }
func (p *fakeProducer) Resume() error            { p.paused = false; return nil }

func (p *fakeProducer) GetStats() (json.RawMessage, error) {
	return json.RawMessage(`[{"type":"producer"}]`), nil
}

func (p *fakeProducer) OnVideoOrientationChange(handler func(json.RawMessage)) {
	p.orientationHandler = handler
}

func (p *fakeProducer) OnTransportClose(handler func()) { p.transportCloseHandler = handler }

type fakeConsumer struct {
	id             string
	producerID     string
	kind           string
	typ            string
	paused         bool
	producerPaused bool
	closed         bool
	appData        map[string]any

	priority        uint8
	preferredLayers *media.ConsumerLayers
	keyFrames       int

	onProducerClose  func()
	onProducerPause  func()
	onProducerResume func()
	onScore          func(json.RawMessage)
	onLayersChange   func(json.RawMessage)
	onTransportClose func()
}

func (c *fakeConsumer) ID() string                    { return c.id }
func (c *fakeConsumer) ProducerID() string            { return c.producerID }
func (c *fakeConsumer) Kind() string                  { return c.kind }
func (c *fakeConsumer) Type() string                  { return c.typ }
func (c *fakeConsumer) Paused() bool                  { return c.paused }
func (c *fakeConsumer) ProducerPaused() bool          { return c.producerPaused }
func (c *fakeConsumer) Closed() bool                  { return c.closed }
func (c *fakeConsumer) Close()                        { c.closed = true }
func (c *fakeConsumer) Pause() error                  { c.paused = true; return nil }
func (c *fakeConsumer) Resume() error                 { c.paused = false; return nil }
func (c *fakeConsumer) RequestKeyFrame() error        { c.keyFrames++; return nil }
func (c *fakeConsumer) SetPriority(p uint8) error     { c.priority = p; return nil }
func (c *fakeConsumer) RtpParameters() json.RawMessage {
	return json.RawMessage(`{"codecs":[]}`)
}

func (c *fakeConsumer) SetPreferredLayers(layers media.ConsumerLayers) error {
	c.preferredLayers = &layers
	return nil
}

func (c *fakeConsumer) GetStats() (json.RawMessage, error) {
	return json.RawMessage(`[{"type":"consumer"}]`), nil
}

func (c *fakeConsumer) OnProducerClose(handler func())            { c.onProducerClose = handler }
func (c *fakeConsumer) OnProducerPause(handler func())            { c.onProducerPause = handler }
func (c *fakeConsumer) OnProducerResume(handler func())           { c.onProducerResume = handler }
func (c *fakeConsumer) OnScore(handler func(json.RawMessage))     { c.onScore = handler }
func (c *fakeConsumer) OnLayersChange(handler func(json.RawMessage)) { c.onLayersChange = handler }
func (c *fakeConsumer) OnTransportClose(handler func())           { c.onTransportClose = handler }

type fakeObserver struct {
	options media.AudioLevelObserverOptions
	closed  bool
	added   map[string]bool
	removed []string

	volumesHandler func([]media.VolumeEntry)
	silenceHandler func()
}

func (o *fakeObserver) Closed() bool { return o.closed }
func (o *fakeObserver) Close()       { o.closed = true }

func (o *fakeObserver) AddProducer(producerID string) error {
	o.added[producerID] = true
	return nil
}

func (o *fakeObserver) RemoveProducer(producerID string) error {
	delete(o.added, producerID)
	o.removed = append(o.removed, producerID)
	return nil
}

func (o *fakeObserver) OnVolumes(handler func([]media.VolumeEntry)) { o.volumesHandler = handler }
func (o *fakeObserver) OnSilence(handler func())                    { o.silenceHandler = handler }

// fakeBus records publishes and lets tests inject cross-instance events.
type fakeBus struct {
	mu        sync.Mutex
	published []busCall
	handlers  map[string]func(event string, payload json.RawMessage, senderID string)
}

type busCall struct {
	SessionID string
	Event     string
	SenderID  string
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string]func(string, json.RawMessage, string))}
}

func (b *fakeBus) Publish(ctx context.Context, sessionID string, event string, payload any, senderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, busCall{SessionID: sessionID, Event: event, SenderID: senderID})
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, sessionID string, handler func(event string, payload json.RawMessage, senderID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[sessionID] = handler
}

func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) inject(sessionID, event string, payload json.RawMessage, senderID string) {
	b.mu.Lock()
	handler := b.handlers[sessionID]
	b.mu.Unlock()
	if handler != nil {
		handler(event, payload, senderID)
	}
}

func (b *fakeBus) publishCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}
