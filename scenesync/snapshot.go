package scenesync

import (
	"context"
	"fmt"

	"github.com/golang/glog"
)

// PersistedObject is one entry of the persisted scene snapshot: the
// same attribute bag shape as a wire message, stored at rest.
type PersistedObject struct {
	ObjectId   string       `json:"object_id"`
	Type       MessageType  `json:"type,omitempty"`
	Attributes AttributeBag `json:"attributes"`
}

// LoadSnapshot fetches the ordered persisted object list for a scene.
// The order is significant: parents are usually stored before children,
// and replay applies entries in order.
func LoadSnapshot(ctx context.Context, persistUrl string, namespace string, scene string, token string) ([]*PersistedObject, error) {
	url := fmt.Sprintf("%s/persist/%s/%s", persistUrl, namespace, scene)

	client := defaultClient()
	snapshot := []*PersistedObject{}
	if _, err := getWithBearer(ctx, client, url, token, &snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// ReplaySnapshot reconstructs scene state before live updates apply.
// Per-entry errors are isolated, matching live message handling.
func ReplaySnapshot(registry *Registry, snapshot []*PersistedObject) int {
	replayed := 0
	for _, persisted := range snapshot {
		if persisted.Type != "" && persisted.Type != TypeObject {
			continue
		}
		message := &Message{
			ObjectId: persisted.ObjectId,
			Action:   ActionCreate,
			Type:     TypeObject,
			Persist:  true,
			Data:     persisted.Attributes,
		}
		if err := registry.Apply(message); err != nil {
			glog.Infof("[snap]replay error %s = %s\n", persisted.ObjectId, err)
			continue
		}
		replayed += 1
	}
	glog.Infof("[snap]replayed %d objects\n", replayed)
	return replayed
}
