package scenesync

import (
	"encoding/json"
	"testing"

	"github.com/chewxy/math32"

	"github.com/go-playground/assert/v2"
)

func quaternionNear(t *testing.T, expected Quaternion, actual Quaternion) {
	const epsilon = 1e-5
	if epsilon < math32.Abs(expected.X-actual.X) ||
		epsilon < math32.Abs(expected.Y-actual.Y) ||
		epsilon < math32.Abs(expected.Z-actual.Z) ||
		epsilon < math32.Abs(expected.W-actual.W) {
		t.Fatalf("quaternion mismatch: expected %+v, got %+v", expected, actual)
	}
}

func TestEulerToQuaternion(t *testing.T) {
	quaternionNear(t, IdentityRotation, EulerToQuaternion(Vector3{}))

	// 90 degrees around y
	s := math32.Sin(math32.Pi / 4)
	c := math32.Cos(math32.Pi / 4)
	quaternionNear(t, Quaternion{Y: s, W: c}, EulerToQuaternion(Vector3{Y: 90}))

	// 180 degrees around x
	quaternionNear(t, Quaternion{X: 1, W: 0}, EulerToQuaternion(Vector3{X: 180}))
}

func TestParseRotationDisambiguation(t *testing.T) {
	// a `w` component marks a quaternion
	quat, err := parseRotation(json.RawMessage(`{"x":0,"y":0.7071,"z":0,"w":0.7071}`))
	assert.Equal(t, nil, err)
	quaternionNear(t, Quaternion{Y: 0.7071, W: 0.7071}, quat)

	// without `w` the triple is Euler degrees
	euler, err := parseRotation(json.RawMessage(`{"x":0,"y":90,"z":0}`))
	assert.Equal(t, nil, err)
	quaternionNear(t, EulerToQuaternion(Vector3{Y: 90}), euler)

	// w=0 is still a quaternion, not Euler
	zeroW, err := parseRotation(json.RawMessage(`{"x":1,"y":0,"z":0,"w":0}`))
	assert.Equal(t, nil, err)
	quaternionNear(t, Quaternion{X: 1}, zeroW)
}

func TestApplyAttributesOrder(t *testing.T) {
	node := NewMemoryNode("box1", "box")
	errs := applyAttributes(node, AttributeBag{
		"animation-mixer": json.RawMessage(`{"clip":"spin"}`),
		"position":        json.RawMessage(`{"x":1,"y":2,"z":3}`),
		"color":           json.RawMessage(`"#336699"`),
		"rotation":        json.RawMessage(`{"x":0,"y":90,"z":0}`),
	})
	assert.Equal(t, 0, len(errs))

	assert.Equal(t, Vector3{X: 1, Y: 2, Z: 3}, node.Position())
	quaternionNear(t, EulerToQuaternion(Vector3{Y: 90}), node.Rotation())

	color, ok := node.Visual("color")
	assert.Equal(t, true, ok)
	assert.Equal(t, json.RawMessage(`"#336699"`), color)

	behavior, ok := node.Behavior("animation-mixer")
	assert.Equal(t, true, ok)
	assert.Equal(t, json.RawMessage(`{"clip":"spin"}`), behavior)
}

func TestApplyAttributesUnknownPassThrough(t *testing.T) {
	node := NewMemoryNode("box1", "box")
	errs := applyAttributes(node, AttributeBag{
		"goto-url": json.RawMessage(`{"dest":"https://example.com"}`),
	})
	assert.Equal(t, 0, len(errs))

	_, ok := node.Visual("goto-url")
	assert.Equal(t, true, ok)
}

func TestApplyAttributesReservedSkipped(t *testing.T) {
	node := NewMemoryNode("box1", "box")
	errs := applyAttributes(node, AttributeBag{
		"object_type": json.RawMessage(`"box"`),
		"parent":      json.RawMessage(`"root"`),
		"url":         json.RawMessage(`"model.gltf"`),
	})
	assert.Equal(t, 0, len(errs))

	for _, name := range []string{"object_type", "parent", "url"} {
		_, ok := node.Visual(name)
		assert.Equal(t, false, ok)
	}
}
