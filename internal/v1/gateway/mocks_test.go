package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxelink/mediabridge/internal/v1/config"
	"github.com/voxelink/mediabridge/internal/v1/media"
)

// fakeWS implements wsConnection for pump tests.
type fakeWS struct {
	mu        sync.Mutex
	written   [][]byte
	incoming  chan []byte
	closeOnce sync.Once
}

func newFakeWS() *fakeWS {
	return &fakeWS{incoming: make(chan []byte, 16)}
}

func (w *fakeWS) ReadMessage() (int, []byte, error) {
	msg, ok := <-w.incoming
	if !ok {
		return 0, nil, io.EOF
	}
	return websocket.TextMessage, msg, nil
}

func (w *fakeWS) WriteMessage(messageType int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written = append(w.written, data)
	return nil
}

func (w *fakeWS) Close() error {
	w.closeOnce.Do(func() { close(w.incoming) })
	return nil
}

func (w *fakeWS) SetWriteDeadline(time.Time) error { return nil }

// --- minimal media fakes, enough for room creation through the hub ---

type fakeWorker struct {
	pid  int
	died func(error)
}

func (w *fakeWorker) Pid() int                   { return w.pid }
func (w *fakeWorker) Closed() bool               { return false }
func (w *fakeWorker) Close()                     {}
func (w *fakeWorker) OnDied(handler func(error)) { w.died = handler }

func (w *fakeWorker) CreateRouter([]media.RtpCodecCapability) (media.Router, error) {
	return &fakeRouter{}, nil
}

type fakeRouter struct {
	closed bool
}

func (r *fakeRouter) ID() string                       { return "router-0" }
func (r *fakeRouter) RtpCapabilities() json.RawMessage { return json.RawMessage(`{"codecs":[]}`) }
func (r *fakeRouter) Closed() bool                     { return r.closed }
func (r *fakeRouter) Close()                           { r.closed = true }

func (r *fakeRouter) CanConsume(string, json.RawMessage) bool { return false }

func (r *fakeRouter) CreateWebRtcTransport(media.WebRtcTransportOptions) (media.Transport, error) {
	return nil, errors.New("transports not supported in gateway tests")
}

func (r *fakeRouter) CreateAudioLevelObserver(media.AudioLevelObserverOptions) (media.AudioLevelObserver, error) {
	return &fakeObserver{}, nil
}

type fakeObserver struct {
	closed bool
}

func (o *fakeObserver) AddProducer(string) error              { return nil }
func (o *fakeObserver) RemoveProducer(string) error           { return nil }
func (o *fakeObserver) OnVolumes(func([]media.VolumeEntry))   {}
func (o *fakeObserver) OnSilence(func())                      {}
func (o *fakeObserver) Closed() bool                          { return o.closed }
func (o *fakeObserver) Close()                                { o.closed = true }

// newTestPool builds a pool of fake workers and hands back the workers for
// death injection.
func newTestPool(size int) (*media.Pool, []*fakeWorker) {
	var workers []*fakeWorker
	pool, err := media.StartPool(size, media.WorkerSettings{}, func(media.WorkerSettings) (media.Worker, error) {
		w := &fakeWorker{pid: 9000 + len(workers)}
		workers = append(workers, w)
		return w, nil
	})
	if err != nil {
		panic(err)
	}
	return pool, workers
}

func testConfig() *config.Config {
	return &config.Config{
		Port:   "0",
		Router: config.RouterConfig{MediaCodecs: config.DefaultMediaCodecs()},
		WebRtcTransport: config.TransportConfig{
			ListenIPs:                       []media.ListenIP{{IP: "127.0.0.1"}},
			InitialAvailableOutgoingBitrate: 1_000_000,
			MinimumAvailableOutgoingBitrate: 600_000,
			MaximumAvailableOutgoingBitrate: 3_000_000,
			FactorIncomingBitrate:           0.75,
			MaxSctpMessageSize:              262144,
		},
	}
}
