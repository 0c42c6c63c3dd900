package scenesync

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

type ObjectState int

const (
	StateUnknown ObjectState = iota
	StatePendingParent
	StatePendingAsset
	StateActive
	StateDeleted
)

func (self ObjectState) String() string {
	switch self {
	case StatePendingParent:
		return "pending-parent"
	case StatePendingAsset:
		return "pending-asset"
	case StateActive:
		return "active"
	case StateDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// object types that defer materialization on an asset fetch
var assetObjectTypes = map[string]bool{
	"gltf-model": true,
	"obj-model":  true,
	"image":      true,
	"avatar":     true,
	"headmodel":  true,
	"handmodel":  true,
}

// SceneObject is one registry entry: the authoritative merged attribute
// state plus the local scene node it drives.
type SceneObject struct {
	id         string
	objectType string
	persist    bool
	owned      bool

	parentId   string
	attributes AttributeBag
	node       SceneNode

	waitingParent bool
	waitingAsset  bool
	deleted       bool

	// zero if the object has no ttl
	expireTime time.Time

	assetUrl        string
	assetGeneration int

	// attached child ids in attachment order
	children []string

	// outbound publisher bookkeeping
	dirty           bool
	createPublished bool
	lastPublish     time.Time
}

func (self *SceneObject) Id() string {
	return self.id
}

func (self *SceneObject) ObjectType() string {
	return self.objectType
}

func (self *SceneObject) Persist() bool {
	return self.persist
}

func (self *SceneObject) Owned() bool {
	return self.owned
}

func (self *SceneObject) ParentId() string {
	return self.parentId
}

func (self *SceneObject) Node() SceneNode {
	return self.node
}

func (self *SceneObject) Attributes() AttributeBag {
	return self.attributes
}

func (self *SceneObject) Children() []string {
	return slices.Clone(self.children)
}

func (self *SceneObject) State() ObjectState {
	switch {
	case self.deleted:
		return StateDeleted
	case self.waitingParent:
		return StatePendingParent
	case self.waitingAsset:
		return StatePendingAsset
	default:
		return StateActive
	}
}

type RegistrySettings struct {
	// id prefixes that mark camera-class objects
	CameraPrefixes []string
	// hand-avatar prefixes substituted for a deleted camera's prefix
	HandPrefixes []string
}

func DefaultRegistrySettings() *RegistrySettings {
	return &RegistrySettings{
		CameraPrefixes: []string{"camera", "cam"},
		HandPrefixes:   []string{"handLeft", "handRight"},
	}
}

// Registry owns the object-id -> scene node mapping and the per-object
// lifecycle state machine. All fields below actionMutex are owned by
// the tick goroutine; the only cross-thread entry point is post().
type Registry struct {
	settings *RegistrySettings

	factory  NodeFactory
	resolver *AssetResolver

	objects map[string]*SceneObject
	// missing parent id -> child ids awaiting it, in arrival order
	pendingParent map[string][]string

	actionMutex sync.Mutex
	actions     []func()

	statApplied int
	statDropped int
}

func NewRegistryWithDefaults(factory NodeFactory, resolver *AssetResolver) *Registry {
	return NewRegistry(factory, resolver, DefaultRegistrySettings())
}

func NewRegistry(factory NodeFactory, resolver *AssetResolver, settings *RegistrySettings) *Registry {
	return &Registry{
		settings:      settings,
		factory:       factory,
		resolver:      resolver,
		objects:       map[string]*SceneObject{},
		pendingParent: map[string][]string{},
	}
}

func (self *Registry) Get(objectId string) *SceneObject {
	return self.objects[objectId]
}

func (self *Registry) ObjectIds() []string {
	ids := maps.Keys(self.objects)
	slices.Sort(ids)
	return ids
}

func (self *Registry) OwnedObjects() []*SceneObject {
	owned := []*SceneObject{}
	for _, objectId := range self.ObjectIds() {
		obj := self.objects[objectId]
		if obj.owned {
			owned = append(owned, obj)
		}
	}
	return owned
}

// PendingChildren exposes the pending-parent queue for one parent id.
func (self *Registry) PendingChildren(parentId string) []string {
	return slices.Clone(self.pendingParent[parentId])
}

// Apply reconciles one inbound lifecycle message. Errors local to the
// message are returned for logging and never affect other objects.
func (self *Registry) Apply(message *Message) error {
	switch message.Action {
	case ActionCreate, ActionUpdate:
		return self.applyCreateUpdate(message, false)
	case ActionDelete:
		self.Delete(message.ObjectId, DeleteRemote)
		return nil
	default:
		self.statDropped += 1
		return &ParseError{Message: fmt.Sprintf("unhandled action %q for %s", message.Action, message.ObjectId)}
	}
}

// CreateOwned registers a locally instantiated object. It is published
// by the outbound publisher on its next pass.
func (self *Registry) CreateOwned(objectId string, objectType string, attributes AttributeBag) (*SceneObject, error) {
	if attributes == nil {
		attributes = AttributeBag{}
	}
	attributes["object_type"] = jsonString(objectType)
	message := &Message{
		ObjectId: objectId,
		Action:   ActionCreate,
		Type:     TypeObject,
		Data:     attributes,
	}
	if err := self.applyCreateUpdate(message, true); err != nil {
		return nil, err
	}
	obj := self.objects[objectId]
	obj.dirty = true
	return obj, nil
}

// UpdateOwned merges a local mutation and marks the object dirty.
func (self *Registry) UpdateOwned(objectId string, attributes AttributeBag) error {
	obj := self.objects[objectId]
	if obj == nil || !obj.owned {
		return fmt.Errorf("not an owned object: %s", objectId)
	}
	message := &Message{
		ObjectId: objectId,
		Action:   ActionUpdate,
		Type:     TypeObject,
		Data:     attributes,
	}
	if err := self.applyCreateUpdate(message, true); err != nil {
		return err
	}
	obj.dirty = true
	return nil
}

func (self *Registry) applyCreateUpdate(message *Message, owned bool) error {
	obj := self.objects[message.ObjectId]
	if obj == nil {
		objectType, _ := message.Data.String("object_type")
		if objectType == "" {
			objectType = "entity"
		}
		node, err := self.factory.NewNode(message.ObjectId, objectType)
		if err != nil {
			self.statDropped += 1
			return fmt.Errorf("materialize %s: %w", message.ObjectId, err)
		}
		obj = &SceneObject{
			id:         message.ObjectId,
			objectType: objectType,
			owned:      owned,
			attributes: AttributeBag{},
			node:       node,
		}
		self.objects[message.ObjectId] = obj
		glog.V(2).Infof("[r]create %s type=%s\n", obj.id, obj.objectType)
	}

	if message.Persist {
		obj.persist = true
	}
	if 0 < message.Ttl {
		obj.expireTime = time.Now().Add(time.Duration(message.Ttl * float64(time.Second)))
	}

	// field-level merge: absent fields keep their prior values
	obj.attributes.Merge(message.Data)

	if parentId, ok := message.Data.String("parent"); ok {
		self.setParent(obj, parentId)
	}

	if assetUrl, ok := message.Data.String("url"); ok && assetObjectTypes[obj.objectType] {
		self.setAsset(obj, assetUrl)
	}

	// only the fields present in this message are re-applied
	for _, err := range applyAttributes(obj.node, message.Data) {
		glog.Infof("[r]attribute error %s = %s\n", obj.id, err)
	}

	self.statApplied += 1

	if !obj.waitingParent && !obj.waitingAsset {
		self.activate(obj)
	}
	return nil
}

func (self *Registry) setParent(obj *SceneObject, parentId string) {
	if obj.parentId == parentId {
		if !obj.waitingParent {
			return
		}
	} else if obj.parentId != "" {
		// reparent: detach from the old parent's child list and any
		// stale pending queue
		if oldParent := self.objects[obj.parentId]; oldParent != nil {
			oldParent.children = removeString(oldParent.children, obj.id)
		}
		self.removePending(obj.parentId, obj.id)
	}
	obj.parentId = parentId
	if parentId == "" {
		obj.node.SetParent(nil)
		obj.waitingParent = false
		return
	}

	parent := self.objects[parentId]
	if parent != nil && !parent.deleted && parent.State() == StateActive {
		self.attach(obj, parent)
		return
	}

	// parent not yet known: hide but retain, and wait
	obj.waitingParent = true
	obj.node.SetActive(false)
	queue := self.pendingParent[parentId]
	if !slices.Contains(queue, obj.id) {
		self.pendingParent[parentId] = append(queue, obj.id)
	}
	glog.V(2).Infof("[r]pending-parent %s waits for %s\n", obj.id, parentId)
}

// attach parents the node keeping the child's authored local transform.
func (self *Registry) attach(obj *SceneObject, parent *SceneObject) {
	obj.waitingParent = false
	obj.node.SetParent(parent.node)
	if !slices.Contains(parent.children, obj.id) {
		parent.children = append(parent.children, obj.id)
	}
}

func (self *Registry) setAsset(obj *SceneObject, assetUrl string) {
	if obj.assetUrl == assetUrl && !obj.waitingAsset {
		// already resolved, nothing to do
		return
	}
	obj.assetUrl = assetUrl
	obj.waitingAsset = true
	obj.node.SetActive(false)
	// the generation guards against a stale fetch landing after a newer
	// url reference
	obj.assetGeneration += 1
	generation := obj.assetGeneration
	objectId := obj.id

	if self.resolver == nil {
		return
	}
	self.resolver.ResolveAsync(assetUrl, func(localPath string, err error) {
		self.post(func() {
			self.assetReady(objectId, generation, localPath, err)
		})
	})
}

func (self *Registry) assetReady(objectId string, generation int, localPath string, err error) {
	obj := self.objects[objectId]
	if obj == nil || obj.deleted {
		return
	}
	if obj.assetGeneration != generation {
		// a newer url reference superseded this fetch
		return
	}
	if err != nil {
		// the object stays unresolved and hidden; siblings unaffected
		glog.Infof("[r]asset unresolved %s = %s\n", objectId, err)
		return
	}
	if err := obj.node.AttachModel(localPath); err != nil {
		glog.Infof("[r]model import error %s = %s\n", objectId, err)
		return
	}
	obj.waitingAsset = false
	if !obj.waitingParent {
		self.activate(obj)
	}
}

// activate marks obj active and attaches every child queued on its id,
// in queue order.
func (self *Registry) activate(obj *SceneObject) {
	obj.node.SetActive(true)

	queue := self.pendingParent[obj.id]
	if queue == nil {
		return
	}
	delete(self.pendingParent, obj.id)
	for _, childId := range queue {
		child := self.objects[childId]
		if child == nil || child.deleted || !child.waitingParent || child.parentId != obj.id {
			continue
		}
		self.attach(child, obj)
		glog.V(2).Infof("[r]attach %s -> %s\n", childId, obj.id)
		if !child.waitingAsset {
			self.activate(child)
		}
	}
}

type DeleteCause int

const (
	// deleted by the remote; not echoed back
	DeleteRemote DeleteCause = iota
	// deleted by local logic (ttl expiry, local destruction); the
	// session echoes a delete to the network for owned objects
	DeleteLocal
)

// Delete removes an object, depth-first through its attached children.
// Deleting a camera-class object also expires its derived hand avatars.
// Returns the removed objects, leaves first.
func (self *Registry) Delete(objectId string, cause DeleteCause) []*SceneObject {
	obj := self.objects[objectId]
	if obj == nil {
		return nil
	}
	removed := []*SceneObject{}
	self.deleteObject(obj, cause, &removed)
	return removed
}

func (self *Registry) deleteObject(obj *SceneObject, cause DeleteCause, removed *[]*SceneObject) {
	if obj.deleted {
		return
	}
	obj.deleted = true

	// children first, root last
	for _, childId := range slices.Clone(obj.children) {
		if child := self.objects[childId]; child != nil {
			self.deleteObject(child, cause, removed)
		}
	}

	if self.cameraClass(obj) {
		for _, handId := range self.handIds(obj.id) {
			if hand := self.objects[handId]; hand != nil {
				self.deleteObject(hand, cause, removed)
			}
		}
	}

	if obj.parentId != "" {
		if parent := self.objects[obj.parentId]; parent != nil {
			parent.children = removeString(parent.children, obj.id)
		}
		self.removePending(obj.parentId, obj.id)
	}

	obj.node.Release()
	delete(self.objects, obj.id)
	*removed = append(*removed, obj)
	glog.V(2).Infof("[r]delete %s cause=%d\n", obj.id, cause)
}

func (self *Registry) removePending(parentId string, childId string) {
	queue := self.pendingParent[parentId]
	next := removeString(queue, childId)
	if len(next) == 0 {
		delete(self.pendingParent, parentId)
	} else {
		self.pendingParent[parentId] = next
	}
}

func (self *Registry) cameraClass(obj *SceneObject) bool {
	if obj.objectType == "camera" {
		return true
	}
	for _, prefix := range self.settings.CameraPrefixes {
		if strings.HasPrefix(obj.id, prefix+"_") {
			return true
		}
	}
	return false
}

// hand-avatar ids derive from the camera id by prefix substitution at
// the first underscore: cam_42 -> handLeft_42, handRight_42
func (self *Registry) handIds(cameraId string) []string {
	i := strings.Index(cameraId, "_")
	if i < 0 {
		return nil
	}
	suffix := cameraId[i:]
	handIds := make([]string, 0, len(self.settings.HandPrefixes))
	for _, prefix := range self.settings.HandPrefixes {
		handIds = append(handIds, prefix+suffix)
	}
	return handIds
}

// ExpireDue deletes every object whose ttl deadline has passed and
// returns them so the session can echo deletes for the local expiry.
func (self *Registry) ExpireDue(now time.Time) []*SceneObject {
	dueIds := []string{}
	for _, objectId := range self.ObjectIds() {
		obj := self.objects[objectId]
		if !obj.expireTime.IsZero() && !now.Before(obj.expireTime) {
			dueIds = append(dueIds, objectId)
		}
	}
	expired := []*SceneObject{}
	for _, objectId := range dueIds {
		expired = append(expired, self.Delete(objectId, DeleteLocal)...)
	}
	return expired
}

// post schedules an action onto the tick loop. Safe from any goroutine.
func (self *Registry) post(action func()) {
	self.actionMutex.Lock()
	defer self.actionMutex.Unlock()
	self.actions = append(self.actions, action)
}

// DrainActions runs queued lifecycle actions. Called only by the tick
// loop.
func (self *Registry) DrainActions() int {
	self.actionMutex.Lock()
	actions := self.actions
	self.actions = nil
	self.actionMutex.Unlock()

	for _, action := range actions {
		action()
	}
	return len(actions)
}

// Stats returns (applied, dropped).
func (self *Registry) Stats() (int, int) {
	return self.statApplied, self.statDropped
}

func removeString(list []string, value string) []string {
	i := slices.Index(list, value)
	if i < 0 {
		return list
	}
	return slices.Delete(list, i, i+1)
}

func jsonString(value string) []byte {
	return []byte(`"` + value + `"`)
}
