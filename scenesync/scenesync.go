package scenesync

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// scenesync keeps a local scene graph in step with a remote multi-user
// scene over MQTT. The session tick loop owns all scene state; the
// transport and asset fetches run on their own goroutines and hand work
// back to the tick loop through mailboxes.

// wire timestamps are ISO-8601 UTC with millisecond precision
const wireTimeFormat = "2006-01-02T15:04:05.000Z"

func wireTimestamp(t time.Time) string {
	return t.UTC().Format(wireTimeFormat)
}

// comparable
type ClientId string

func NewClientId() ClientId {
	return ClientId(strings.ToLower(ulid.Make().String()))
}

func (self ClientId) String() string {
	return string(self)
}

// Topic is the decomposed form of a scene topic:
//
//	<realm>/s/<namespace>/<scene>/<clientId>/<objectId>[/<to>]
//
// Camera and avatar presence messages use the short form without the
// per-message client id segment:
//
//	<realm>/s/<namespace>/<scene>/<objectId>
type Topic struct {
	Realm     string
	Namespace string
	Scene     string
	ClientId  string
	ObjectId  string
	To        string
}

func (self Topic) String() string {
	parts := []string{self.Realm, "s", self.Namespace, self.Scene}
	if self.ClientId != "" {
		parts = append(parts, self.ClientId)
	}
	parts = append(parts, self.ObjectId)
	if self.To != "" {
		parts = append(parts, self.To)
	}
	return strings.Join(parts, "/")
}

func ParseTopic(topic string) (Topic, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 5 || parts[1] != "s" {
		return Topic{}, fmt.Errorf("not a scene topic: %s", topic)
	}
	out := Topic{
		Realm:     parts[0],
		Namespace: parts[2],
		Scene:     parts[3],
	}
	switch len(parts) {
	case 5:
		// presence form, no client id segment
		out.ObjectId = parts[4]
	case 6:
		out.ClientId = parts[4]
		out.ObjectId = parts[5]
	case 7:
		out.ClientId = parts[4]
		out.ObjectId = parts[5]
		out.To = parts[6]
	default:
		return Topic{}, fmt.Errorf("not a scene topic: %s", topic)
	}
	return out, nil
}

// SceneRoot is the topic prefix shared by all traffic for one scene.
func SceneRoot(realm string, namespace string, scene string) string {
	return fmt.Sprintf("%s/s/%s/%s", realm, namespace, scene)
}

// SceneFilter subscribes to all traffic for one scene.
func SceneFilter(realm string, namespace string, scene string) string {
	return SceneRoot(realm, namespace, scene) + "/#"
}
