package scenesync

import (
	"context"
	"time"

	"github.com/golang/glog"
)

type SessionSettings struct {
	Realm string
	Scene string

	TickInterval time.Duration
	// extra mailbox drain passes per tick absorb messages produced by
	// processing earlier messages in the same frame. Bounded to prevent
	// livelock.
	MaxDrainPasses int

	// optional persisted snapshot source; empty disables replay
	PersistUrl string

	RegistrySettings  *RegistrySettings
	PublisherSettings *PublisherSettings
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		Realm:             "realm",
		TickInterval:      50 * time.Millisecond,
		MaxDrainPasses:    2,
		RegistrySettings:  DefaultRegistrySettings(),
		PublisherSettings: DefaultPublisherSettings(),
	}
}

type EventFunction func(message *Message, from Topic)

type ConnectionLostFunction func(err error)

// Session is the explicit context that replaces any global instance: it
// owns the registry, transport, resolver and publisher, and runs the
// tick loop that owns all scene-graph mutation.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *SessionSettings

	auth     *SessionAuth
	clientId string

	transport Transport
	registry  *Registry
	resolver  *AssetResolver
	publisher *Publisher

	sceneOptions AttributeBag
	programs     map[string]AttributeBag

	eventCallbacks          *CallbackList[EventFunction]
	connectionLostCallbacks *CallbackList[ConnectionLostFunction]

	started bool
	runDone chan struct{}

	statDropped int
}

func NewSessionWithDefaults(ctx context.Context, auth *SessionAuth, transport Transport, factory NodeFactory, resolver *AssetResolver, scene string) *Session {
	settings := DefaultSessionSettings()
	settings.Scene = scene
	return NewSession(ctx, auth, transport, factory, resolver, settings)
}

func NewSession(ctx context.Context, auth *SessionAuth, transport Transport, factory NodeFactory, resolver *AssetResolver, settings *SessionSettings) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)

	clientId := NewClientId().String()
	registry := NewRegistry(factory, resolver, settings.RegistrySettings)
	publisher := NewPublisher(transport, registry, auth, settings.Realm, settings.Scene, clientId, settings.PublisherSettings)

	return &Session{
		ctx:                     cancelCtx,
		cancel:                  cancel,
		settings:                settings,
		auth:                    auth,
		clientId:                clientId,
		transport:               transport,
		registry:                registry,
		resolver:                resolver,
		publisher:               publisher,
		sceneOptions:            AttributeBag{},
		programs:                map[string]AttributeBag{},
		eventCallbacks:          NewCallbackList[EventFunction](),
		connectionLostCallbacks: NewCallbackList[ConnectionLostFunction](),
		runDone:                 make(chan struct{}),
	}
}

func (self *Session) ClientId() string {
	return self.clientId
}

func (self *Session) Registry() *Registry {
	return self.registry
}

func (self *Session) SceneOptions() AttributeBag {
	return self.sceneOptions
}

func (self *Session) Program(objectId string) AttributeBag {
	return self.programs[objectId]
}

// BuildWill builds the last-will delete for the session's camera, so an
// ungraceful disconnect still removes the local presence remotely.
func BuildWill(auth *SessionAuth, realm string, scene string) *WillMessage {
	if auth.CameraId == "" {
		return nil
	}
	message := &Message{
		ObjectId:  auth.CameraId,
		Action:    ActionDelete,
		Type:      TypeObject,
		Timestamp: wireTimestamp(time.Now()),
	}
	payload, err := message.Encode()
	if err != nil {
		return nil
	}
	topic := Topic{
		Realm:     realm,
		Namespace: auth.Namespace,
		Scene:     scene,
		ObjectId:  auth.CameraId,
	}
	return &WillMessage{
		Topic:   topic.String(),
		Payload: payload,
		Qos:     0,
	}
}

// Start connects, subscribes, replays the persisted snapshot, and
// starts the tick loop.
func (self *Session) Start() error {
	if err := self.transport.Connect(self.ctx); err != nil {
		return err
	}
	filter := SceneFilter(self.settings.Realm, self.auth.Namespace, self.settings.Scene)
	if err := self.transport.Subscribe(filter); err != nil {
		return err
	}

	if self.settings.PersistUrl != "" {
		snapshot, err := LoadSnapshot(self.ctx, self.settings.PersistUrl, self.auth.Namespace, self.settings.Scene, self.auth.Token)
		if err != nil {
			// the live feed still reconstructs most state
			glog.Infof("[s]snapshot unavailable = %s\n", err)
		} else {
			ReplaySnapshot(self.registry, snapshot)
		}
	}

	self.started = true
	go self.run()
	return nil
}

func (self *Session) run() {
	defer close(self.runDone)

	ticker := time.NewTicker(self.settings.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case err := <-self.transport.ConnectionLost():
			// no automatic reconnect: the token may have expired with
			// the connection. Surface it and stop.
			glog.Infof("[s]connection lost = %s\n", err)
			for _, callback := range self.connectionLostCallbacks.Get() {
				callback(err)
			}
			return
		case <-ticker.C:
			self.Tick(time.Now())
		}
	}
}

// Tick runs one synchronization cycle: drain inbound, run deferred
// lifecycle actions, expire ttls, then the outbound pass.
func (self *Session) Tick(now time.Time) {
	for pass := 0; pass < self.settings.MaxDrainPasses; pass += 1 {
		batch := self.transport.DrainMailbox()
		if len(batch) == 0 {
			break
		}
		for _, inbound := range batch {
			self.handleInbound(inbound)
		}
	}

	self.registry.DrainActions()

	for _, expired := range self.registry.ExpireDue(now) {
		// expired locally, echo the delete; remote deletes are not
		// echoed
		if err := self.publisher.PublishDelete(expired, now); err != nil {
			glog.Infof("[s]expiry echo error %s = %s\n", expired.id, err)
		}
	}

	self.publisher.Pass(now)
}

func (self *Session) handleInbound(inbound *InboundMessage) {
	from, err := ParseTopic(inbound.Topic)
	if err != nil {
		self.statDropped += 1
		glog.Infof("[s]drop bad topic = %s\n", err)
		return
	}
	if from.ClientId == self.clientId {
		// own echo
		return
	}
	if from.To != "" && from.To != self.clientId {
		// directed at another client
		return
	}
	if from.ClientId == "" {
		if obj := self.registry.Get(from.ObjectId); obj != nil && obj.owned {
			// own presence echo
			return
		}
	}

	message, err := DecodeMessage(inbound.Payload)
	if err != nil {
		// one malformed message never stalls the loop
		self.statDropped += 1
		glog.Infof("[s]drop = %s\n", err)
		return
	}

	switch {
	case message.Action == ActionClientEvent:
		for _, callback := range self.eventCallbacks.Get() {
			callback(message, from)
		}
	case message.Type == TypeSceneOptions:
		self.sceneOptions.Merge(message.Data)
	case message.Type == TypeProgram:
		program := self.programs[message.ObjectId]
		if message.Action == ActionDelete {
			delete(self.programs, message.ObjectId)
			return
		}
		if program == nil {
			program = AttributeBag{}
			self.programs[message.ObjectId] = program
		}
		program.Merge(message.Data)
	default:
		if err := self.registry.Apply(message); err != nil {
			glog.Infof("[s]apply error %s = %s\n", message.ObjectId, err)
		}
	}
}

// AddEventCallback subscribes to inbound clientEvent messages.
func (self *Session) AddEventCallback(callback EventFunction) func() {
	callbackId := self.eventCallbacks.Add(callback)
	return func() {
		self.eventCallbacks.Remove(callbackId)
	}
}

func (self *Session) AddConnectionLostCallback(callback ConnectionLostFunction) func() {
	callbackId := self.connectionLostCallbacks.Add(callback)
	return func() {
		self.connectionLostCallbacks.Remove(callbackId)
	}
}

// Post schedules a mutation onto the tick loop. All scene mutation from
// other goroutines must go through here.
func (self *Session) Post(action func()) {
	self.registry.post(action)
}

// Add instantiates a locally-owned object. Tick-loop callers only; use
// Post from other goroutines.
func (self *Session) Add(objectId string, objectType string, attributes AttributeBag) error {
	_, err := self.registry.CreateOwned(objectId, objectType, attributes)
	return err
}

func (self *Session) Update(objectId string, attributes AttributeBag) error {
	return self.registry.UpdateOwned(objectId, attributes)
}

// Remove destroys a locally-owned object and echoes the delete.
func (self *Session) Remove(objectId string) error {
	obj := self.registry.Get(objectId)
	if obj == nil {
		return nil
	}
	if err := self.publisher.PublishDelete(obj, time.Now()); err != nil {
		glog.Infof("[s]delete echo error %s = %s\n", objectId, err)
	}
	self.registry.Delete(objectId, DeleteLocal)
	return nil
}

// Close tears the session down: the teardown runs to completion,
// publishing deletes for the locally-owned presence objects, before the
// transport is closed. Not interruptible.
func (self *Session) Close() {
	self.cancel()
	if self.started {
		select {
		case <-self.runDone:
		case <-time.After(5 * time.Second):
		}
	}

	self.publisher.Shutdown()

	now := time.Now()
	if self.transport.Connected() {
		for _, obj := range self.registry.OwnedObjects() {
			if obj.persist {
				continue
			}
			if err := self.publisher.PublishDelete(obj, now); err != nil {
				glog.Infof("[s]teardown delete error %s = %s\n", obj.id, err)
			}
		}
	}

	self.transport.Close()
	glog.Infof("[s]closed scene=%s\n", self.settings.Scene)
}

// Stats returns (messages applied, messages dropped).
func (self *Session) Stats() (int, int) {
	applied, registryDropped := self.registry.Stats()
	return applied, registryDropped + self.statDropped
}
