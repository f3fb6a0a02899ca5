// Package media wraps the mediasoup worker bindings behind narrow interfaces
// so the room and gateway packages can be tested against fakes. Parameters
// negotiated with browsers (RTP parameters, DTLS parameters, ICE material)
// cross these interfaces as raw JSON; only the adapter decodes them.
package media

import "encoding/json"

// WorkerSettings parameterizes one spawned media worker subprocess.
type WorkerSettings struct {
	LogLevel     string
	LogTags      []string
	RtcMinPort   uint16
	RtcMaxPort   uint16
	DtlsCertFile string
	DtlsKeyFile  string
}

// WorkerFactory spawns one media worker. Production uses NewMediasoupWorker;
// tests inject fakes.
type WorkerFactory func(settings WorkerSettings) (Worker, error)

// RtpCodecCapability describes one codec a router offers.
type RtpCodecCapability struct {
	Kind       string         `json:"kind"`
	MimeType   string         `json:"mimeType"`
	ClockRate  int            `json:"clockRate"`
	Channels   int            `json:"channels,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ListenIP is one address a transport listens on, with the optional public
// address announced to clients behind NAT.
type ListenIP struct {
	IP          string `json:"ip"`
	AnnouncedIP string `json:"announcedIp,omitempty"`
}

// WebRtcTransportOptions parameterizes transport creation on a router.
type WebRtcTransportOptions struct {
	ListenIPs                       []ListenIP
	EnableUDP                       bool
	EnableTCP                       bool
	PreferUDP                       bool
	EnableSctp                      bool
	InitialAvailableOutgoingBitrate uint32
	MaxSctpMessageSize              int
	AppData                         map[string]any
}

// ProducerOptions parameterizes Produce on a transport.
type ProducerOptions struct {
	Kind          string
	RtpParameters json.RawMessage
	Paused        bool
	AppData       map[string]any
}

// ConsumerOptions parameterizes Consume on a transport.
type ConsumerOptions struct {
	ProducerID      string
	RtpCapabilities json.RawMessage
	Paused          bool
	AppData         map[string]any
}

// ConsumerLayers selects simulcast spatial and temporal layers.
type ConsumerLayers struct {
	SpatialLayer  uint8 `json:"spatialLayer"`
	TemporalLayer uint8 `json:"temporalLayer"`
}

// AudioLevelObserverOptions parameterizes the dominant speaker detector.
type AudioLevelObserverOptions struct {
	MaxEntries int
	Threshold  int
	IntervalMs int
}

// VolumeEntry is one speaker reported by the audio level observer. AppData is
// the producing participant's application data, carried from ProducerOptions.
type VolumeEntry struct {
	ProducerID string
	AppData    map[string]any
	Volume     int
}

// Worker is one media worker subprocess.
type Worker interface {
	Pid() int
	Closed() bool
	Close()
	// OnDied registers a handler for unexpected subprocess death. It does not
	// fire on Close.
	OnDied(handler func(err error))
	CreateRouter(mediaCodecs []RtpCodecCapability) (Router, error)
}

// Router is one room's media routing unit.
type Router interface {
	ID() string
	RtpCapabilities() json.RawMessage
	CanConsume(producerID string, rtpCapabilities json.RawMessage) bool
	CreateWebRtcTransport(options WebRtcTransportOptions) (Transport, error)
	CreateAudioLevelObserver(options AudioLevelObserverOptions) (AudioLevelObserver, error)
	Closed() bool
	Close()
}

// Transport is one WebRTC transport on a router.
type Transport interface {
	ID() string
	IceParameters() json.RawMessage
	IceCandidates() json.RawMessage
	DtlsParameters() json.RawMessage
	SctpParameters() json.RawMessage
	Connect(dtlsParameters json.RawMessage) error
	Produce(options ProducerOptions) (Producer, error)
	Consume(options ConsumerOptions) (Consumer, error)
	SetMaxIncomingBitrate(bitrate int) error
	RestartIce() (iceParameters json.RawMessage, err error)
	GetStats() (json.RawMessage, error)
	OnDtlsStateChange(handler func(state string))
	Closed() bool
	Close()
}

// Producer is one inbound media stream on a transport.
type Producer interface {
	ID() string
	Kind() string
	Paused() bool
	Pause() error
	Resume() error
	GetStats() (json.RawMessage, error)
	AppData() map[string]any
	OnVideoOrientationChange(handler func(orientation json.RawMessage))
	OnTransportClose(handler func())
	Closed() bool
	Close()
}

// Consumer is one outbound media stream on a transport, bound to a producer.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() string
	RtpParameters() json.RawMessage
	Type() string
	Paused() bool
	ProducerPaused() bool
	Pause() error
	Resume() error
	SetPreferredLayers(layers ConsumerLayers) error
	SetPriority(priority uint8) error
	RequestKeyFrame() error
	GetStats() (json.RawMessage, error)
	OnProducerClose(handler func())
	OnProducerPause(handler func())
	OnProducerResume(handler func())
	OnScore(handler func(score json.RawMessage))
	OnLayersChange(handler func(layers json.RawMessage))
	OnTransportClose(handler func())
	Closed() bool
	Close()
}

// AudioLevelObserver reports the loudest audio producer on a router.
type AudioLevelObserver interface {
	AddProducer(producerID string) error
	RemoveProducer(producerID string) error
	OnVolumes(handler func(volumes []VolumeEntry))
	OnSilence(handler func())
	Closed() bool
	Close()
}
