package scenesync

import (
	"time"

	"github.com/golang/glog"
)

type PublisherSettings struct {
	// dirty objects are republished at most this often
	PublishInterval time.Duration
	// camera/avatar objects republish at this interval even when clean,
	// to signal liveness to other participants
	KeepAliveInterval time.Duration
}

func DefaultPublisherSettings() *PublisherSettings {
	return &PublisherSettings{
		PublishInterval:   100 * time.Millisecond,
		KeepAliveInterval: 1 * time.Second,
	}
}

// Publisher serializes locally-owned object state back onto the wire.
// Create is used exactly once per object id, on its first successful
// publish; update thereafter.
type Publisher struct {
	settings *PublisherSettings

	transport Transport
	registry  *Registry
	auth      *SessionAuth

	realm     string
	namespace string
	scene     string
	clientId  string

	lastPass time.Time

	// set during session teardown so a pass never races the last-will
	// delete
	shutdown bool

	statDenied int
}

func NewPublisherWithDefaults(transport Transport, registry *Registry, auth *SessionAuth, realm string, scene string, clientId string) *Publisher {
	return NewPublisher(transport, registry, auth, realm, scene, clientId, DefaultPublisherSettings())
}

func NewPublisher(transport Transport, registry *Registry, auth *SessionAuth, realm string, scene string, clientId string, settings *PublisherSettings) *Publisher {
	return &Publisher{
		settings:  settings,
		transport: transport,
		registry:  registry,
		auth:      auth,
		realm:     realm,
		namespace: auth.Namespace,
		scene:     scene,
		clientId:  clientId,
	}
}

func (self *Publisher) Shutdown() {
	self.shutdown = true
}

// Pass publishes every dirty owned object, plus keep-alives for clean
// camera-class objects. Skipped entirely while disconnected or shutting
// down.
func (self *Publisher) Pass(now time.Time) int {
	if self.shutdown || !self.transport.Connected() {
		return 0
	}
	if now.Sub(self.lastPass) < self.settings.PublishInterval {
		return 0
	}
	self.lastPass = now

	published := 0
	for _, obj := range self.registry.OwnedObjects() {
		keepAlive := self.keepAliveDue(obj, now)
		if !obj.dirty && !keepAlive {
			continue
		}
		if err := self.publishObject(obj, now); err != nil {
			glog.Infof("[pub]publish error %s = %s\n", obj.id, err)
			continue
		}
		obj.dirty = false
		obj.lastPublish = now
		published += 1
	}
	return published
}

func (self *Publisher) keepAliveDue(obj *SceneObject, now time.Time) bool {
	if !self.presenceObject(obj) {
		return false
	}
	return self.settings.KeepAliveInterval <= now.Sub(obj.lastPublish)
}

func (self *Publisher) presenceObject(obj *SceneObject) bool {
	return self.registry.cameraClass(obj) || obj.objectType == "avatar"
}

func (self *Publisher) publishObject(obj *SceneObject, now time.Time) error {
	action := ActionUpdate
	if !obj.createPublished {
		action = ActionCreate
	}
	message := &Message{
		ObjectId:  obj.id,
		Action:    action,
		Type:      TypeObject,
		Persist:   obj.persist,
		Timestamp: wireTimestamp(now),
		Data:      obj.attributes,
	}
	payload, err := message.Encode()
	if err != nil {
		return err
	}

	topic := self.objectTopic(obj)
	if self.auth.Claims != nil && !self.auth.Claims.CanPublish(topic) {
		// flagged distinctly from normal traffic; the broker is the
		// authority and may still accept it
		permErr := &PermissionError{Topic: topic}
		self.statDenied += 1
		glog.Infof("[perm]%s\n", permErr)
	}

	if err := self.transport.Publish(topic, payload, self.transport.PublishQos()); err != nil {
		return err
	}
	obj.createPublished = true
	glog.V(2).Infof("[pub]%s %s\n", action, obj.id)
	return nil
}

func (self *Publisher) objectTopic(obj *SceneObject) string {
	topic := Topic{
		Realm:     self.realm,
		Namespace: self.namespace,
		Scene:     self.scene,
		ObjectId:  obj.id,
	}
	if !self.presenceObject(obj) {
		topic.ClientId = self.clientId
	}
	return topic.String()
}

// PublishDelete emits a delete for an owned object, used for local
// destruction, ttl expiry echo, and session teardown.
func (self *Publisher) PublishDelete(obj *SceneObject, now time.Time) error {
	message := &Message{
		ObjectId:  obj.id,
		Action:    ActionDelete,
		Type:      TypeObject,
		Timestamp: wireTimestamp(now),
	}
	payload, err := message.Encode()
	if err != nil {
		return err
	}
	return self.transport.Publish(self.objectTopic(obj), payload, self.transport.PublishQos())
}

// Denied counts publishes that fell outside the token's publish claims.
func (self *Publisher) Denied() int {
	return self.statDenied
}
