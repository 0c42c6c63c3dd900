package scenesync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testMessage(objectId string, action Action, data string) *Message {
	bag := AttributeBag{}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &bag); err != nil {
			panic(err)
		}
	}
	return &Message{
		ObjectId: objectId,
		Action:   action,
		Type:     TypeObject,
		Data:     bag,
	}
}

func TestRegistryCreate(t *testing.T) {
	factory := NewMemoryNodeFactory()
	registry := NewRegistryWithDefaults(factory, nil)

	err := registry.Apply(testMessage("box1", ActionCreate,
		`{"object_type": "box", "position": {"x": 0, "y": 0, "z": 0}}`))
	assert.Equal(t, nil, err)

	obj := registry.Get("box1")
	assert.NotEqual(t, nil, obj)
	assert.Equal(t, StateActive, obj.State())
	assert.Equal(t, "box", obj.ObjectType())

	node := factory.Node("box1")
	assert.Equal(t, true, node.Active())
	assert.Equal(t, Vector3{}, node.Position())
}

func TestRegistryUpdateMergesFields(t *testing.T) {
	factory := NewMemoryNodeFactory()
	registry := NewRegistryWithDefaults(factory, nil)

	// first sets color, second sets position only
	registry.Apply(testMessage("box1", ActionCreate,
		`{"object_type": "box", "color": "#ff0000"}`))
	registry.Apply(testMessage("box1", ActionUpdate,
		`{"position": {"x": 9, "y": 0, "z": 0}}`))

	obj := registry.Get("box1")
	color, ok := obj.Attributes().String("color")
	assert.Equal(t, true, ok)
	assert.Equal(t, "#ff0000", color)

	node := factory.Node("box1")
	assert.Equal(t, Vector3{X: 9}, node.Position())
	nodeColor, ok := node.Visual("color")
	assert.Equal(t, true, ok)
	assert.Equal(t, json.RawMessage(`"#ff0000"`), nodeColor)
}

func TestRegistryUpdateIdempotent(t *testing.T) {
	factory := NewMemoryNodeFactory()
	registry := NewRegistryWithDefaults(factory, nil)

	registry.Apply(testMessage("box1", ActionCreate, `{"object_type": "box"}`))

	update := testMessage("box1", ActionUpdate,
		`{"position": {"x": 1, "y": 2, "z": 3}, "color": "#00ff00"}`)
	registry.Apply(update)
	once := registry.Get("box1").Attributes().Clone()

	registry.Apply(update)
	twice := registry.Get("box1").Attributes()

	assert.Equal(t, true, once.Equal(twice))
	assert.Equal(t, StateActive, registry.Get("box1").State())
}

func TestRegistryPendingParent(t *testing.T) {
	factory := NewMemoryNodeFactory()
	registry := NewRegistryWithDefaults(factory, nil)

	// child arrives before any message about its parent
	registry.Apply(testMessage("child1", ActionCreate,
		`{"object_type": "box", "parent": "parent1", "position": {"x": 1, "y": 0, "z": 0}}`))

	child := registry.Get("child1")
	assert.Equal(t, StatePendingParent, child.State())
	assert.Equal(t, false, factory.Node("child1").Active())
	assert.Equal(t, []string{"child1"}, registry.PendingChildren("parent1"))

	// the instant the parent registers, the child attaches
	registry.Apply(testMessage("parent1", ActionCreate, `{"object_type": "box"}`))

	assert.Equal(t, StateActive, child.State())
	assert.Equal(t, true, factory.Node("child1").Active())
	assert.Equal(t, factory.Node("parent1"), factory.Node("child1").Parent())
	assert.Equal(t, 0, len(registry.PendingChildren("parent1")))
	assert.Equal(t, []string{"child1"}, registry.Get("parent1").Children())

	// authored local transform preserved through the attach
	assert.Equal(t, Vector3{X: 1}, factory.Node("child1").Position())
}

func TestRegistryPendingParentChain(t *testing.T) {
	factory := NewMemoryNodeFactory()
	registry := NewRegistryWithDefaults(factory, nil)

	// grandchild and child both wait; registering the root cascades
	registry.Apply(testMessage("c", ActionCreate, `{"object_type": "box", "parent": "b"}`))
	registry.Apply(testMessage("b", ActionCreate, `{"object_type": "box", "parent": "a"}`))
	assert.Equal(t, StatePendingParent, registry.Get("c").State())
	assert.Equal(t, StatePendingParent, registry.Get("b").State())

	registry.Apply(testMessage("a", ActionCreate, `{"object_type": "box"}`))
	assert.Equal(t, StateActive, registry.Get("b").State())
	assert.Equal(t, StateActive, registry.Get("c").State())
}

func TestRegistryRecursiveDelete(t *testing.T) {
	factory := NewMemoryNodeFactory()
	registry := NewRegistryWithDefaults(factory, nil)

	registry.Apply(testMessage("root", ActionCreate, `{"object_type": "box"}`))
	registry.Apply(testMessage("mid", ActionCreate, `{"object_type": "box", "parent": "root"}`))
	registry.Apply(testMessage("leaf", ActionCreate, `{"object_type": "box", "parent": "mid"}`))

	removed := registry.Delete("root", DeleteRemote)

	// leaves released before their parents
	removedIds := []string{}
	for _, obj := range removed {
		removedIds = append(removedIds, obj.Id())
	}
	assert.Equal(t, []string{"leaf", "mid", "root"}, removedIds)

	assert.Equal(t, (*SceneObject)(nil), registry.Get("root"))
	assert.Equal(t, (*SceneObject)(nil), registry.Get("mid"))
	assert.Equal(t, (*SceneObject)(nil), registry.Get("leaf"))
	assert.Equal(t, true, factory.Node("leaf").Released())
	assert.Equal(t, true, factory.Node("root").Released())
}

func TestRegistryCameraDeleteExpiresHands(t *testing.T) {
	factory := NewMemoryNodeFactory()
	registry := NewRegistryWithDefaults(factory, nil)

	registry.Apply(testMessage("cam_42", ActionCreate, `{"object_type": "camera"}`))
	registry.Apply(testMessage("handLeft_42", ActionCreate, `{"object_type": "box"}`))
	registry.Apply(testMessage("handRight_42", ActionCreate, `{"object_type": "box"}`))

	registry.Apply(testMessage("cam_42", ActionDelete, ""))

	assert.Equal(t, (*SceneObject)(nil), registry.Get("cam_42"))
	assert.Equal(t, (*SceneObject)(nil), registry.Get("handLeft_42"))
	assert.Equal(t, (*SceneObject)(nil), registry.Get("handRight_42"))
}

func TestRegistryDeleteWhilePending(t *testing.T) {
	factory := NewMemoryNodeFactory()
	registry := NewRegistryWithDefaults(factory, nil)

	registry.Apply(testMessage("child1", ActionCreate, `{"object_type": "box", "parent": "parent1"}`))
	registry.Delete("child1", DeleteRemote)

	assert.Equal(t, 0, len(registry.PendingChildren("parent1")))

	// the parent registering later must not resurrect the child
	registry.Apply(testMessage("parent1", ActionCreate, `{"object_type": "box"}`))
	assert.Equal(t, (*SceneObject)(nil), registry.Get("child1"))
}

func TestRegistryReparent(t *testing.T) {
	factory := NewMemoryNodeFactory()
	registry := NewRegistryWithDefaults(factory, nil)

	registry.Apply(testMessage("a", ActionCreate, `{"object_type": "box"}`))
	registry.Apply(testMessage("b", ActionCreate, `{"object_type": "box"}`))
	registry.Apply(testMessage("child1", ActionCreate, `{"object_type": "box", "parent": "a"}`))
	assert.Equal(t, []string{"child1"}, registry.Get("a").Children())

	registry.Apply(testMessage("child1", ActionUpdate, `{"parent": "b"}`))
	assert.Equal(t, 0, len(registry.Get("a").Children()))
	assert.Equal(t, []string{"child1"}, registry.Get("b").Children())
	assert.Equal(t, factory.Node("b"), factory.Node("child1").Parent())
}

func TestRegistryTtlExpiry(t *testing.T) {
	factory := NewMemoryNodeFactory()
	registry := NewRegistryWithDefaults(factory, nil)

	message := testMessage("flash1", ActionCreate, `{"object_type": "box"}`)
	message.Ttl = 10
	registry.Apply(message)

	// not deleted before the deadline
	expired := registry.ExpireDue(time.Now())
	assert.Equal(t, 0, len(expired))
	assert.NotEqual(t, nil, registry.Get("flash1"))

	// deleted at or after the deadline
	expired = registry.ExpireDue(time.Now().Add(11 * time.Second))
	assert.Equal(t, 1, len(expired))
	assert.Equal(t, "flash1", expired[0].Id())
	assert.Equal(t, (*SceneObject)(nil), registry.Get("flash1"))
}

func testAssetRegistry(t *testing.T, server *httptest.Server) (*Registry, *MemoryNodeFactory, *AssetResolver) {
	settings := DefaultAssetResolverSettings()
	settings.Host = server.URL
	settings.ImportRoot = t.TempDir()
	resolver := NewAssetResolver(context.Background(), settings)
	factory := NewMemoryNodeFactory()
	registry := NewRegistryWithDefaults(factory, resolver)
	return registry, factory, resolver
}

// fetch completions arrive through the action queue, so pump it the way
// the tick loop does
func drainUntilActive(t *testing.T, registry *Registry, objectId string) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		registry.DrainActions()
		if obj := registry.Get(objectId); obj != nil && obj.State() == StateActive {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s never activated", objectId)
}

func TestRegistryAssetDeferredMaterialization(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "glb")
	}))
	defer server.Close()

	registry, factory, resolver := testAssetRegistry(t, server)
	defer resolver.Close()

	registry.Apply(testMessage("duck1", ActionCreate,
		`{"object_type": "gltf-model", "url": "models/duck.glb"}`))

	// hidden until the fetch completes
	assert.Equal(t, StatePendingAsset, registry.Get("duck1").State())
	assert.Equal(t, false, factory.Node("duck1").Active())

	drainUntilActive(t, registry, "duck1")
	assert.Equal(t, true, factory.Node("duck1").Active())
	assert.Equal(t, true, strings.HasSuffix(factory.Node("duck1").ModelPath(), "duck.glb"))
}

func TestRegistryAssetLatestUriWins(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/models/old.glb", func(w http.ResponseWriter, r *http.Request) {
		// hold the first fetch open until the test releases it
		<-release
		fmt.Fprint(w, "old")
	})
	mux.HandleFunc("/models/new.glb", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "new")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	registry, factory, resolver := testAssetRegistry(t, server)
	defer resolver.Close()

	registry.Apply(testMessage("duck1", ActionCreate,
		`{"object_type": "gltf-model", "url": "models/old.glb"}`))
	assert.Equal(t, StatePendingAsset, registry.Get("duck1").State())

	// a newer reference supersedes the still-running fetch
	registry.Apply(testMessage("duck1", ActionUpdate, `{"url": "models/new.glb"}`))
	drainUntilActive(t, registry, "duck1")
	assert.Equal(t, true, strings.HasSuffix(factory.Node("duck1").ModelPath(), "new.glb"))

	// the slower earlier fetch lands afterward and is discarded
	close(release)
	deadline := time.Now().Add(1 * time.Second)
	for registry.DrainActions() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, true, strings.HasSuffix(factory.Node("duck1").ModelPath(), "new.glb"))
	assert.Equal(t, StateActive, registry.Get("duck1").State())
}

func TestRegistryOwnedObjects(t *testing.T) {
	factory := NewMemoryNodeFactory()
	registry := NewRegistryWithDefaults(factory, nil)

	registry.Apply(testMessage("remote1", ActionCreate, `{"object_type": "box"}`))
	_, err := registry.CreateOwned("local1", "box", AttributeBag{
		"position": json.RawMessage(`{"x":1,"y":1,"z":1}`),
	})
	assert.Equal(t, nil, err)

	owned := registry.OwnedObjects()
	assert.Equal(t, 1, len(owned))
	assert.Equal(t, "local1", owned[0].Id())
	assert.Equal(t, true, owned[0].dirty)

	// UpdateOwned merges and re-marks dirty
	owned[0].dirty = false
	err = registry.UpdateOwned("local1", AttributeBag{
		"color": json.RawMessage(`"#123456"`),
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, true, owned[0].dirty)

	err = registry.UpdateOwned("remote1", AttributeBag{})
	assert.NotEqual(t, nil, err)
}
