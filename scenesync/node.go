package scenesync

import (
	"encoding/json"
	"sync"
)

// SceneNode is the capability surface the engine drives. The real
// implementation lives in the host engine (mesh generation, material
// mapping, model import); the engine only ever calls through this
// interface from the tick goroutine.
type SceneNode interface {
	SetPosition(position Vector3)
	SetRotation(rotation Quaternion)
	SetScale(scale Vector3)
	// SetActive hides or shows the node without releasing it
	SetActive(active bool)
	// SetParent reparents keeping the node's local transform
	SetParent(parent SceneNode)
	ApplyVisual(name string, value json.RawMessage) error
	AttachBehavior(name string, value json.RawMessage) error
	// AttachModel imports a model asset from a local path
	AttachModel(localPath string) error
	Release()
}

type NodeFactory interface {
	NewNode(objectId string, objectType string) (SceneNode, error)
}

// MemoryNode records every call. It backs headless operation and tests.
type MemoryNode struct {
	mutex sync.Mutex

	objectId   string
	objectType string

	position  Vector3
	rotation  Quaternion
	scale     Vector3
	active    bool
	parent    *MemoryNode
	visuals   map[string]json.RawMessage
	behaviors map[string]json.RawMessage
	modelPath string
	released  bool
}

func NewMemoryNode(objectId string, objectType string) *MemoryNode {
	return &MemoryNode{
		objectId:   objectId,
		objectType: objectType,
		rotation:   IdentityRotation,
		scale:      UnitScale,
		active:     true,
		visuals:    map[string]json.RawMessage{},
		behaviors:  map[string]json.RawMessage{},
	}
}

func (self *MemoryNode) SetPosition(position Vector3) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.position = position
}

func (self *MemoryNode) SetRotation(rotation Quaternion) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.rotation = rotation
}

func (self *MemoryNode) SetScale(scale Vector3) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.scale = scale
}

func (self *MemoryNode) SetActive(active bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.active = active
}

func (self *MemoryNode) SetParent(parent SceneNode) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if parent == nil {
		self.parent = nil
	} else {
		self.parent = parent.(*MemoryNode)
	}
}

func (self *MemoryNode) ApplyVisual(name string, value json.RawMessage) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.visuals[name] = value
	return nil
}

func (self *MemoryNode) AttachBehavior(name string, value json.RawMessage) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.behaviors[name] = value
	return nil
}

func (self *MemoryNode) AttachModel(localPath string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.modelPath = localPath
	return nil
}

func (self *MemoryNode) Release() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.released = true
}

func (self *MemoryNode) ObjectId() string {
	return self.objectId
}

func (self *MemoryNode) ObjectType() string {
	return self.objectType
}

func (self *MemoryNode) Position() Vector3 {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.position
}

func (self *MemoryNode) Rotation() Quaternion {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.rotation
}

func (self *MemoryNode) Scale() Vector3 {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.scale
}

func (self *MemoryNode) Active() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.active
}

func (self *MemoryNode) Parent() *MemoryNode {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.parent
}

func (self *MemoryNode) Visual(name string) (json.RawMessage, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	value, ok := self.visuals[name]
	return value, ok
}

func (self *MemoryNode) Behavior(name string) (json.RawMessage, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	value, ok := self.behaviors[name]
	return value, ok
}

func (self *MemoryNode) ModelPath() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.modelPath
}

func (self *MemoryNode) Released() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.released
}

type MemoryNodeFactory struct {
	mutex sync.Mutex
	nodes map[string]*MemoryNode
}

func NewMemoryNodeFactory() *MemoryNodeFactory {
	return &MemoryNodeFactory{
		nodes: map[string]*MemoryNode{},
	}
}

func (self *MemoryNodeFactory) NewNode(objectId string, objectType string) (SceneNode, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	node := NewMemoryNode(objectId, objectType)
	self.nodes[objectId] = node
	return node, nil
}

func (self *MemoryNodeFactory) Node(objectId string) *MemoryNode {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.nodes[objectId]
}
