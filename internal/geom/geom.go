// Package geom holds the small vector and bounding-volume types shared
// by the location cache, the spatial index, and the wire encoders. It
// has no dependencies beyond the standard library because every
// component in this repository needs it and none of it is
// domain-specific enough to warrant a third-party math library.
package geom

import "math"

// Vector3 is a three-component vector used for both position and
// velocity fields.
type Vector3 struct {
	X, Y, Z float64
}

// Add returns the component-wise sum of v and o.
func (v Vector3) Add(o Vector3) Vector3 {
	return Vector3{v.X + o.X, v.Y + o.Y, v.Z + o.Z}
}

// Sub returns the component-wise difference v - o.
func (v Vector3) Sub(o Vector3) Vector3 {
	return Vector3{v.X - o.X, v.Y - o.Y, v.Z - o.Z}
}

// Scale returns v scaled by s.
func (v Vector3) Scale(s float64) Vector3 {
	return Vector3{v.X * s, v.Y * s, v.Z * s}
}

// Length returns the Euclidean norm of v.
func (v Vector3) Length() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Distance returns the Euclidean distance between v and o.
func (v Vector3) Distance(o Vector3) float64 {
	return v.Sub(o).Length()
}

// Quaternion is a unit rotation quaternion, w-last per the wire format
// the original command frames use.
type Quaternion struct {
	X, Y, Z, W float64
}

// MotionVector is a time-stamped position and linear velocity, sampled
// at time T. Extrapolating to a later time t is `Position +
// Velocity*(t-T)`, which is all the tree ever needs: it never
// re-samples faster than the location cache is updated.
type MotionVector struct {
	T        float64
	Position Vector3
	Velocity Vector3
}

// At returns the extrapolated position at time t.
func (m MotionVector) At(t float64) Vector3 {
	return m.Position.Add(m.Velocity.Scale(t - m.T))
}

// OrientationVector is a time-stamped orientation and angular velocity.
type OrientationVector struct {
	T              float64
	Rotation       Quaternion
	AngularVelocity Vector3
}

// BoundingSphere is a center and radius.
type BoundingSphere struct {
	Center Vector3
	Radius float64
}

// Contains reports whether o is entirely enclosed by b.
func (b BoundingSphere) Contains(o BoundingSphere) bool {
	return b.Center.Distance(o.Center)+o.Radius <= b.Radius+1e-9
}

// Merge returns the smallest bounding sphere containing both b and o.
// This is the primitive the tree uses to recompute ancestor bounds
// bottom-up; it does not need to be the minimal enclosing sphere of
// the underlying point set, only a valid enclosing sphere of the two
// input spheres, matching how the original engine's aggregate bounds
// are recomputed from children rather than from raw object positions.
func (b BoundingSphere) Merge(o BoundingSphere) BoundingSphere {
	if b.Radius == 0 && b.Center == (Vector3{}) {
		return o
	}
	d := b.Center.Distance(o.Center)
	if b.Contains(o) {
		return b
	}
	if o.Contains(b) {
		return o
	}
	newRadius := (d + b.Radius + o.Radius) / 2
	// Move from b's center toward o's center by the amount needed so
	// the new sphere's edge reaches both original spheres' far edges.
	dir := o.Center.Sub(b.Center)
	if d > 1e-12 {
		dir = dir.Scale(1.0 / d)
	}
	newCenter := b.Center.Add(dir.Scale(newRadius - b.Radius))
	return BoundingSphere{Center: newCenter, Radius: newRadius}
}

// AggregateBounds is the `(center_offset, center_bounds_radius,
// max_object_radius)` triple spec.md's data model names: the centroid
// offset from the node's own position, the radius of the ball
// containing all child centers, and the radius of the largest enclosed
// child. An exact leaf bound is the degenerate case (0, 0, r_leaf).
type AggregateBounds struct {
	CenterOffset      Vector3
	CenterBoundsRadius float64
	MaxObjectRadius   float64
}

// Leaf returns the degenerate aggregate bounds for a single object of
// radius r with no children.
func Leaf(r float64) AggregateBounds {
	return AggregateBounds{MaxObjectRadius: r}
}
