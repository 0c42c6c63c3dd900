package scenesync

import (
	"encoding/json"
	"fmt"

	"github.com/chewxy/math32"
)

type Vector3 struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

var UnitScale = Vector3{X: 1, Y: 1, Z: 1}

type Quaternion struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
	W float32 `json:"w"`
}

var IdentityRotation = Quaternion{W: 1}

// EulerToQuaternion converts XYZ-order Euler degrees to a quaternion.
func EulerToQuaternion(deg Vector3) Quaternion {
	rx := deg.X * math32.Pi / 180 / 2
	ry := deg.Y * math32.Pi / 180 / 2
	rz := deg.Z * math32.Pi / 180 / 2
	cx, sx := math32.Cos(rx), math32.Sin(rx)
	cy, sy := math32.Cos(ry), math32.Sin(ry)
	cz, sz := math32.Cos(rz), math32.Sin(rz)
	return Quaternion{
		X: sx*cy*cz + cx*sy*sz,
		Y: cx*sy*cz - sx*cy*sz,
		Z: cx*cy*sz + sx*sy*cz,
		W: cx*cy*cz - sx*sy*sz,
	}
}

// rotations arrive either as a quaternion or as Euler degrees. The two
// are distinguished by the presence of a `w` component.
func parseRotation(raw json.RawMessage) (Quaternion, error) {
	var probe struct {
		X float32  `json:"x"`
		Y float32  `json:"y"`
		Z float32  `json:"z"`
		W *float32 `json:"w"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return IdentityRotation, err
	}
	if probe.W != nil {
		return Quaternion{X: probe.X, Y: probe.Y, Z: probe.Z, W: *probe.W}, nil
	}
	return EulerToQuaternion(Vector3{X: probe.X, Y: probe.Y, Z: probe.Z}), nil
}

type applyFunc func(node SceneNode, raw json.RawMessage) error

func applyPosition(node SceneNode, raw json.RawMessage) error {
	var position Vector3
	if err := json.Unmarshal(raw, &position); err != nil {
		return err
	}
	node.SetPosition(position)
	return nil
}

func applyRotation(node SceneNode, raw json.RawMessage) error {
	rotation, err := parseRotation(raw)
	if err != nil {
		return err
	}
	node.SetRotation(rotation)
	return nil
}

func applyScale(node SceneNode, raw json.RawMessage) error {
	var scale Vector3
	if err := json.Unmarshal(raw, &scale); err != nil {
		return err
	}
	node.SetScale(scale)
	return nil
}

func visualApplier(name string) applyFunc {
	return func(node SceneNode, raw json.RawMessage) error {
		return node.ApplyVisual(name, raw)
	}
}

func behaviorApplier(name string) applyFunc {
	return func(node SceneNode, raw json.RawMessage) error {
		return node.AttachBehavior(name, raw)
	}
}

type attributeApplier struct {
	name  string
	apply applyFunc
}

// attributeAppliers is the fixed application order: the transform triad
// first, then visual state, then behavior attachments that read the
// already-applied visual state.
var attributeAppliers = []attributeApplier{
	{"position", applyPosition},
	{"rotation", applyRotation},
	{"scale", applyScale},
	{"color", visualApplier("color")},
	{"material", visualApplier("material")},
	{"geometry", visualApplier("geometry")},
	{"light", visualApplier("light")},
	{"text", visualApplier("text")},
	{"line", visualApplier("line")},
	{"click-listener", behaviorApplier("click-listener")},
	{"animation-mixer", behaviorApplier("animation-mixer")},
	{"dynamic-body", behaviorApplier("dynamic-body")},
}

// attributes handled outside the applier table
var reservedAttributes = map[string]bool{
	"object_type": true,
	"parent":      true,
	"url":         true,
	"ttl":         true,
}

// applyAttributes pushes the fields present in bag onto the node in the
// fixed deterministic order. Errors are collected per attribute; a bad
// attribute never blocks its siblings.
func applyAttributes(node SceneNode, bag AttributeBag) []error {
	var errs []error
	applied := map[string]bool{}
	for _, applier := range attributeAppliers {
		raw, ok := bag[applier.name]
		if !ok {
			continue
		}
		applied[applier.name] = true
		if err := applier.apply(node, raw); err != nil {
			errs = append(errs, fmt.Errorf("apply %s: %w", applier.name, err))
		}
	}
	// unknown attributes pass through as visual state so nothing is
	// silently dropped
	for _, name := range bag.Names() {
		if applied[name] || reservedAttributes[name] {
			continue
		}
		if err := node.ApplyVisual(name, bag[name]); err != nil {
			errs = append(errs, fmt.Errorf("apply %s: %w", name, err))
		}
	}
	return errs
}
