package media

import (
	"encoding/json"
	"fmt"

	mediasoup "github.com/jiyeyuran/mediasoup-go"
)

// NewMediasoupWorker spawns a mediasoup worker subprocess. It is the
// production WorkerFactory.
func NewMediasoupWorker(settings WorkerSettings) (Worker, error) {
	opts := []mediasoup.Option{
		func(s *mediasoup.WorkerSettings) {
			s.LogLevel = mediasoup.WorkerLogLevel(settings.LogLevel)
			for _, tag := range settings.LogTags {
				s.LogTags = append(s.LogTags, mediasoup.WorkerLogTag(tag))
			}
			s.RtcMinPort = settings.RtcMinPort
			s.RtcMaxPort = settings.RtcMaxPort
			s.DtlsCertificateFile = settings.DtlsCertFile
			s.DtlsPrivateKeyFile = settings.DtlsKeyFile
		},
	}

	w, err := mediasoup.NewWorker(opts...)
	if err != nil {
		return nil, fmt.Errorf("spawning mediasoup worker: %w", err)
	}
	return &msWorker{w: w}, nil
}

type msWorker struct {
	w *mediasoup.Worker
	q emitQueue
}

func (w *msWorker) Pid() int     { return w.w.Pid() }
func (w *msWorker) Closed() bool { return w.w.Closed() }
func (w *msWorker) Close()       { w.w.Close() }

func (w *msWorker) OnDied(handler func(err error)) {
	w.w.On("died", func(err error) {
		w.q.dispatch(func() { handler(err) })
	})
}

func (w *msWorker) CreateRouter(mediaCodecs []RtpCodecCapability) (Router, error) {
	// Round-trip through JSON so codec parameters land in the binding's
	// typed parameter struct without naming every field here.
	raw, err := json.Marshal(mediaCodecs)
	if err != nil {
		return nil, fmt.Errorf("encoding media codecs: %w", err)
	}
	var codecs []*mediasoup.RtpCodecCapability
	if err := json.Unmarshal(raw, &codecs); err != nil {
		return nil, fmt.Errorf("decoding media codecs: %w", err)
	}

	r, err := w.w.CreateRouter(mediasoup.RouterOptions{MediaCodecs: codecs})
	if err != nil {
		return nil, fmt.Errorf("creating router: %w", err)
	}
	return &msRouter{r: r}, nil
}

type msRouter struct {
	r *mediasoup.Router
}

func (r *msRouter) ID() string   { return r.r.Id() }
func (r *msRouter) Closed() bool { return r.r.Closed() }
func (r *msRouter) Close()       { r.r.Close() }

func (r *msRouter) RtpCapabilities() json.RawMessage {
	return mustMarshal(r.r.RtpCapabilities())
}

func (r *msRouter) CanConsume(producerID string, rtpCapabilities json.RawMessage) bool {
	var caps mediasoup.RtpCapabilities
	if err := json.Unmarshal(rtpCapabilities, &caps); err != nil {
		return false
	}
	return r.r.CanConsume(producerID, caps)
}

func (r *msRouter) CreateWebRtcTransport(options WebRtcTransportOptions) (Transport, error) {
	listenIps := make([]mediasoup.TransportListenIp, 0, len(options.ListenIPs))
	for _, ip := range options.ListenIPs {
		listenIps = append(listenIps, mediasoup.TransportListenIp{
			Ip:          ip.IP,
			AnnouncedIp: ip.AnnouncedIP,
		})
	}

	t, err := r.r.CreateWebRtcTransport(mediasoup.WebRtcTransportOptions{
		ListenIps:                       listenIps,
		EnableUdp:                       &options.EnableUDP,
		EnableTcp:                       options.EnableTCP,
		PreferUdp:                       options.PreferUDP,
		EnableSctp:                      options.EnableSctp,
		InitialAvailableOutgoingBitrate: options.InitialAvailableOutgoingBitrate,
		MaxSctpMessageSize:              options.MaxSctpMessageSize,
		AppData:                         mediasoup.H(options.AppData),
	})
	if err != nil {
		return nil, fmt.Errorf("creating webrtc transport: %w", err)
	}
	return &msTransport{t: t}, nil
}

func (r *msRouter) CreateAudioLevelObserver(options AudioLevelObserverOptions) (AudioLevelObserver, error) {
	o, err := r.r.CreateAudioLevelObserver(func(opts *mediasoup.AudioLevelObserverOptions) {
		opts.MaxEntries = options.MaxEntries
		opts.Threshold = options.Threshold
		opts.Interval = options.IntervalMs
	})
	if err != nil {
		return nil, fmt.Errorf("creating audio level observer: %w", err)
	}
	return &msObserver{o: o}, nil
}

type msTransport struct {
	t *mediasoup.WebRtcTransport
	q emitQueue
}

func (t *msTransport) ID() string   { return t.t.Id() }
func (t *msTransport) Closed() bool { return t.t.Closed() }
func (t *msTransport) Close()       { t.t.Close() }

func (t *msTransport) IceParameters() json.RawMessage {
	return mustMarshal(t.t.IceParameters())
}

func (t *msTransport) IceCandidates() json.RawMessage {
	return mustMarshal(t.t.IceCandidates())
}

func (t *msTransport) DtlsParameters() json.RawMessage {
	return mustMarshal(t.t.DtlsParameters())
}

func (t *msTransport) SctpParameters() json.RawMessage {
	return mustMarshal(t.t.SctpParameters())
}

func (t *msTransport) Connect(dtlsParameters json.RawMessage) error {
	var dtls mediasoup.DtlsParameters
	if err := json.Unmarshal(dtlsParameters, &dtls); err != nil {
		return fmt.Errorf("decoding dtls parameters: %w", err)
	}
	return t.t.Connect(mediasoup.TransportConnectOptions{DtlsParameters: &dtls})
}

func (t *msTransport) Produce(options ProducerOptions) (Producer, error) {
	var rtp mediasoup.RtpParameters
	if err := json.Unmarshal(options.RtpParameters, &rtp); err != nil {
		return nil, fmt.Errorf("decoding rtp parameters: %w", err)
	}

	p, err := t.t.Produce(mediasoup.ProducerOptions{
		Kind:          mediasoup.MediaKind(options.Kind),
		RtpParameters: rtp,
		Paused:        options.Paused,
		AppData:       mediasoup.H(options.AppData),
	})
	if err != nil {
		return nil, err
	}
	return &msProducer{p: p}, nil
}

func (t *msTransport) Consume(options ConsumerOptions) (Consumer, error) {
	var caps mediasoup.RtpCapabilities
	if err := json.Unmarshal(options.RtpCapabilities, &caps); err != nil {
		return nil, fmt.Errorf("decoding rtp capabilities: %w", err)
	}

	c, err := t.t.Consume(mediasoup.ConsumerOptions{
		ProducerId:      options.ProducerID,
		RtpCapabilities: caps,
		Paused:          options.Paused,
		AppData:         mediasoup.H(options.AppData),
	})
	if err != nil {
		return nil, err
	}
	return &msConsumer{c: c}, nil
}

func (t *msTransport) SetMaxIncomingBitrate(bitrate int) error {
	return t.t.SetMaxIncomingBitrate(bitrate)
}

func (t *msTransport) RestartIce() (json.RawMessage, error) {
	ice, err := t.t.RestartIce()
	if err != nil {
		return nil, err
	}
	return mustMarshal(ice), nil
}

func (t *msTransport) GetStats() (json.RawMessage, error) {
	stats, err := t.t.GetStats()
	if err != nil {
		return nil, err
	}
	return json.Marshal(stats)
}

func (t *msTransport) OnDtlsStateChange(handler func(state string)) {
	t.t.On("dtlsstatechange", func(state mediasoup.DtlsState) {
		t.q.dispatch(func() { handler(string(state)) })
	})
}

type msProducer struct {
	p *mediasoup.Producer
	q emitQueue
}

func (p *msProducer) ID() string    { return p.p.Id() }
func (p *msProducer) Kind() string  { return string(p.p.Kind()) }
func (p *msProducer) Paused() bool  { return p.p.Paused() }
func (p *msProducer) Pause() error  { return p.p.Pause() }
func (p *msProducer) Resume() error { return p.p.Resume() }
func (p *msProducer) Closed() bool  { return p.p.Closed() }
func (p *msProducer) Close()        { p.p.Close() }

func (p *msProducer) GetStats() (json.RawMessage, error) {
	stats, err := p.p.GetStats()
	if err != nil {
		return nil, err
	}
	return json.Marshal(stats)
}

func (p *msProducer) AppData() map[string]any {
	if data, ok := p.p.AppData().(mediasoup.H); ok {
		return map[string]any(data)
	}
	return nil
}

func (p *msProducer) OnVideoOrientationChange(handler func(orientation json.RawMessage)) {
	p.p.On("videoorientationchange", func(orientation mediasoup.ProducerVideoOrientation) {
		raw := mustMarshal(orientation)
		p.q.dispatch(func() { handler(raw) })
	})
}

func (p *msProducer) OnTransportClose(handler func()) {
	p.p.On("transportclose", func() {
		p.q.dispatch(handler)
	})
}

type msConsumer struct {
	c *mediasoup.Consumer
	q emitQueue
}

func (c *msConsumer) ID() string           { return c.c.Id() }
func (c *msConsumer) ProducerID() string   { return c.c.ProducerId() }
func (c *msConsumer) Kind() string         { return string(c.c.Kind()) }
func (c *msConsumer) Type() string         { return string(c.c.Type()) }
func (c *msConsumer) Paused() bool         { return c.c.Paused() }
func (c *msConsumer) ProducerPaused() bool { return c.c.ProducerPaused() }
func (c *msConsumer) Pause() error         { return c.c.Pause() }
func (c *msConsumer) Resume() error        { return c.c.Resume() }
func (c *msConsumer) Closed() bool         { return c.c.Closed() }
func (c *msConsumer) Close()               { c.c.Close() }

func (c *msConsumer) RtpParameters() json.RawMessage {
	return mustMarshal(c.c.RtpParameters())
}

func (c *msConsumer) SetPreferredLayers(layers ConsumerLayers) error {
	return c.c.SetPreferredLayers(mediasoup.ConsumerLayers{
		SpatialLayer:  layers.SpatialLayer,
		TemporalLayer: layers.TemporalLayer,
	})
}

func (c *msConsumer) SetPriority(priority uint8) error {
	return c.c.SetPriority(uint32(priority))
}

func (c *msConsumer) RequestKeyFrame() error {
	return c.c.RequestKeyFrame()
}

func (c *msConsumer) GetStats() (json.RawMessage, error) {
	stats, err := c.c.GetStats()
	if err != nil {
		return nil, err
	}
	return json.Marshal(stats)
}

func (c *msConsumer) OnProducerClose(handler func()) {
	c.c.On("producerclose", func() {
		c.q.dispatch(handler)
	})
}

func (c *msConsumer) OnProducerPause(handler func()) {
	c.c.On("producerpause", func() {
		c.q.dispatch(handler)
	})
}

func (c *msConsumer) OnProducerResume(handler func()) {
	c.c.On("producerresume", func() {
		c.q.dispatch(handler)
	})
}

func (c *msConsumer) OnScore(handler func(score json.RawMessage)) {
	c.c.On("score", func(score mediasoup.ConsumerScore) {
		raw := mustMarshal(score)
		c.q.dispatch(func() { handler(raw) })
	})
}

func (c *msConsumer) OnLayersChange(handler func(layers json.RawMessage)) {
	c.c.On("layerschange", func(layers *mediasoup.ConsumerLayers) {
		raw := mustMarshal(layers)
		c.q.dispatch(func() { handler(raw) })
	})
}

func (c *msConsumer) OnTransportClose(handler func()) {
	c.c.On("transportclose", func() {
		c.q.dispatch(handler)
	})
}

type msObserver struct {
	o *mediasoup.AudioLevelObserver
	q emitQueue
}

func (o *msObserver) Closed() bool { return o.o.Closed() }
func (o *msObserver) Close()       { o.o.Close() }

func (o *msObserver) AddProducer(producerID string) error {
	o.o.AddProducer(producerID)
	return nil
}

func (o *msObserver) RemoveProducer(producerID string) error {
	o.o.RemoveProducer(producerID)
	return nil
}

func (o *msObserver) OnVolumes(handler func(volumes []VolumeEntry)) {
	o.o.On("volumes", func(volumes []mediasoup.AudioLevelObserverVolume) {
		out := make([]VolumeEntry, 0, len(volumes))
		for _, v := range volumes {
			entry := VolumeEntry{Volume: v.Volume}
			if v.Producer != nil {
				entry.ProducerID = v.Producer.Id()
				if data, ok := v.Producer.AppData().(mediasoup.H); ok {
					entry.AppData = map[string]any(data)
				}
			}
			out = append(out, entry)
		}
		o.q.dispatch(func() { handler(out) })
	})
}

func (o *msObserver) OnSilence(handler func()) {
	o.o.On("silence", func() {
		o.q.dispatch(handler)
	})
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}
