package wsengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"

	"github.com/streamweave/liveql/engine"
)

type EngineSettings struct {
	ConnectTimeout   time.Duration
	AuthTimeout      time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingTimeout      time.Duration
	ReconnectTimeout time.Duration
	SendBufferSize   int
}

func DefaultEngineSettings() *EngineSettings {
	return &EngineSettings{
		ConnectTimeout:   5 * time.Second,
		AuthTimeout:      5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      30 * time.Second,
		PingTimeout:      15 * time.Second,
		ReconnectTimeout: time.Second,
		SendBufferSize:   32,
	}
}

// Engine executes observable queries against a remote platform over one
// websocket. Frames for all subscriptions multiplex over the shared
// connection. The engine reconnects on failure and replays the
// subscribe frames of every open observable.
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	byJwt    string
	clientId engine.Id
	settings *EngineSettings

	send chan []byte

	stateLock   sync.Mutex
	subscribers map[engine.Id]*remoteObservable
}

func NewEngineWithDefaults(ctx context.Context, url string, byJwt string) (*Engine, error) {
	return NewEngine(ctx, url, byJwt, DefaultEngineSettings())
}

func NewEngine(ctx context.Context, url string, byJwt string, settings *EngineSettings) (*Engine, error) {
	auth, err := ParseByJwtUnverified(byJwt)
	if err != nil {
		return nil, err
	}
	clientId := auth.ClientId
	if clientId == (engine.Id{}) {
		clientId = engine.NewId()
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	self := &Engine{
		ctx:         cancelCtx,
		cancel:      cancel,
		url:         url,
		byJwt:       byJwt,
		clientId:    clientId,
		settings:    settings,
		send:        make(chan []byte, settings.SendBufferSize),
		subscribers: map[engine.Id]*remoteObservable{},
	}
	go self.run()
	return self, nil
}

func (self *Engine) ClientId() engine.Id {
	return self.clientId
}

func (self *Engine) CreateObservable(config engine.QueryConfig) engine.ObservableQuery {
	observable := newRemoteObservable(self, config)

	self.stateLock.Lock()
	self.subscribers[observable.ObservableId()] = observable
	self.stateLock.Unlock()

	if config.FetchPolicy != engine.FetchPolicyStandby {
		self.sendFrame(subscribeFrame(observable.ObservableId(), config))
	}
	return observable
}

func (self *Engine) removeObservable(subscriptionId engine.Id) {
	self.stateLock.Lock()
	_, present := self.subscribers[subscriptionId]
	delete(self.subscribers, subscriptionId)
	self.stateLock.Unlock()

	if present {
		self.sendFrame(&frame{
			Op:             frameOpUnsubscribe,
			SubscriptionId: &subscriptionId,
		})
	}
}

func (self *Engine) sendFrame(f *frame) {
	message, err := encodeFrame(f)
	if err != nil {
		glog.Infof("[ws]%s encode error = %s\n", self.clientId, err)
		return
	}
	select {
	case self.send <- message:
	default:
		// backpressure. the reconnect resubscribe path recovers state
		glog.Infof("[ws]%s send buffer full, drop %s\n", self.clientId, f.Op)
	}
}

func (self *Engine) dispatch(message []byte) {
	f, err := decodeFrame(message)
	if err != nil {
		glog.Infof("[ws]%s decode error = %s\n", self.clientId, err)
		return
	}
	if f.SubscriptionId == nil {
		glog.V(2).Infof("[ws]%s frame without subscription = %s\n", self.clientId, f.Op)
		return
	}

	self.stateLock.Lock()
	observable := self.subscribers[*f.SubscriptionId]
	self.stateLock.Unlock()
	if observable == nil {
		// already unsubscribed
		return
	}

	switch f.Op {
	case frameOpNext:
		observable.handleNext(f)
	case frameOpError:
		observable.handleError(fmt.Errorf("%s", f.Error))
	case frameOpComplete:
		observable.handleComplete()
	default:
		glog.V(2).Infof("[ws]%s unexpected frame = %s\n", self.clientId, f.Op)
	}
}

// replay subscribe frames for every open observable after a reconnect
func (self *Engine) resubscribeAll() {
	self.stateLock.Lock()
	observables := maps.Values(self.subscribers)
	self.stateLock.Unlock()

	for _, observable := range observables {
		config := observable.Config()
		if config.FetchPolicy != engine.FetchPolicyStandby && !observable.isClosed() {
			self.sendFrame(subscribeFrame(observable.ObservableId(), config))
		}
	}
}

func (self *Engine) run() {
	defer self.cancel()

	authFrame := &frame{
		Op:    frameOpAuth,
		ByJwt: self.byJwt,
	}
	authBytes, err := encodeFrame(authFrame)
	if err != nil {
		return
	}

	for {
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.ConnectTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			_, message, err := ws.ReadMessage()
			if err != nil {
				return nil, err
			}
			ack, err := decodeFrame(message)
			if err != nil {
				return nil, err
			}
			if ack.Op != frameOpAuth {
				return nil, fmt.Errorf("auth response error: %s", ack.Op)
			}
			if ack.Error != "" {
				return nil, fmt.Errorf("auth rejected: %s", ack.Error)
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[ws]%s auth error = %s\n", self.clientId, err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		self.resubscribeAll()

		func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case message := <-self.send:
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
							glog.Infof("[ws]%s-> error = %s\n", self.clientId, err)
							return
						}
						glog.V(2).Infof("[ws]%s->\n", self.clientId)
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
							return
						}
					}
				}
			}()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					messageType, message, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[ws]%s<- error = %s\n", self.clientId, err)
						return
					}

					switch messageType {
					case websocket.TextMessage:
						if len(message) == 0 {
							// ping
							glog.V(2).Infof("[ws]ping %s<-\n", self.clientId)
							continue
						}
						self.dispatch(message)
					default:
						glog.V(2).Infof("[ws]other=%d %s<-\n", messageType, self.clientId)
					}
				}
			}()

			<-handleCtx.Done()
		}()

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *Engine) Close() {
	self.cancel()
}
