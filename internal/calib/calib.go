// Package calib normalizes sensor calibration data into the single shape
// the processing pipeline consumes: TransformParameters. Multiple external
// schema shapes convert into it via explicit functions rather than the
// duck-typed template ingestion the source used — see spec.md §9's
// re-architecture note and the original's processing/ProcessingTypes.h.
package calib

// Plane is a validation or base plane equation ax+by+cz+d.
type Plane struct {
	A, B, C, D float64
}

// Eval returns ax+by+cz+d for the plane at point (x,y,z).
func (p Plane) Eval(x, y, z float64) float64 {
	return p.A*x + p.B*y + p.C*z + p.D
}

// Mat3 is a row-major 3x3 rotation matrix.
type Mat3 [9]float64

// Identity3 is the default sensor-pose rotation.
func Identity3() Mat3 {
	return Mat3{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// Apply rotates (x,y,z) by m.
func (m Mat3) Apply(x, y, z float64) (rx, ry, rz float64) {
	rx = m[0]*x + m[1]*y + m[2]*z
	ry = m[3]*x + m[4]*y + m[5]*z
	rz = m[6]*x + m[7]*y + m[8]*z
	return
}

// Vec3 is a 3D point or offset.
type Vec3 struct {
	X, Y, Z float64
}

// TransformParameters holds camera intrinsics, sensor pose, depth scaling,
// the base plane, and the two validation planes — spec.md §3.
type TransformParameters struct {
	FocalLengthX, FocalLengthY     float64
	PrincipalPointX, PrincipalPointY float64

	SensorPosition Vec3
	SensorRotation Mat3

	DepthScale  float64
	DepthOffset float64

	BasePlane Plane
	MinValid  Plane
	MaxValid  Plane
}

// Default returns the zero-pose, identity-rotation transform with the
// spec.md default depth scale and permissive validation planes.
func Default() TransformParameters {
	return TransformParameters{
		FocalLengthX: 525, FocalLengthY: 525,
		PrincipalPointX: 320, PrincipalPointY: 240,
		SensorRotation: Identity3(),
		DepthScale:     0.001,
		DepthOffset:    0.0,
		BasePlane:      Plane{0, 0, 1, 0},
		MinValid:       Plane{0, 0, 1, 0},
		MaxValid:       Plane{0, 0, 1, -10},
	}
}

// ProjectedPoint converts a pixel (px, py) with scaled height h (meters)
// into a world-space point using the pinhole model and sensor pose. This is
// an approximation adequate for plane-validation purposes: depth sensors in
// this domain report height directly rather than range along the optical
// axis, so (px,py,h) maps through the intrinsics for x/y and takes h as z,
// then applies the sensor pose.
func (t TransformParameters) ProjectedPoint(px, py int, h float64) (x, y, z float64) {
	cx := (float64(px) - t.PrincipalPointX) * h / t.FocalLengthX
	cy := (float64(py) - t.PrincipalPointY) * h / t.FocalLengthY
	rx, ry, rz := t.SensorRotation.Apply(cx, cy, h)
	return rx + t.SensorPosition.X, ry + t.SensorPosition.Y, rz + t.SensorPosition.Z
}

// Valid reports whether world point (x,y,z) passes both validation planes:
// min_plane(x,y,z) >= 0 AND max_plane(x,y,z) <= 0 (spec.md §3).
func (t TransformParameters) Valid(x, y, z float64) bool {
	return t.MinValid.Eval(x, y, z) >= 0 && t.MaxValid.Eval(x, y, z) <= 0
}

// Profile is the normalized calibration profile the pipeline consumes,
// independent of where it was sourced from.
type Profile struct {
	SensorID  string
	Transform TransformParameters
}

// KinectV1RawCalibration is one external schema this backend accepts:
// the flat parameter dump produced by libfreenect-style calibration tools.
type KinectV1RawCalibration struct {
	SensorID                  string
	RefPlaneA, RefPlaneB      float64
	RefPlaneC, RefPlaneD      float64
	RawDepthScale             float64
	FX, FY, CX, CY            float64
	MinHeightM, MaxHeightM    float64
}

// FromKinectV1 converts a KinectV1RawCalibration into a normalized Profile.
// The min/max height bounds are expressed as planes parallel to the base
// plane, offset along its normal by the given heights: both share the base
// plane's normal, so min_plane(p) >= 0 means "at or above min height" and
// max_plane(p) <= 0 means "at or below max height" (spec.md scenario S4).
func FromKinectV1(raw KinectV1RawCalibration) Profile {
	base := Plane{raw.RefPlaneA, raw.RefPlaneB, raw.RefPlaneC, raw.RefPlaneD}
	return Profile{
		SensorID: raw.SensorID,
		Transform: TransformParameters{
			FocalLengthX: raw.FX, FocalLengthY: raw.FY,
			PrincipalPointX: raw.CX, PrincipalPointY: raw.CY,
			SensorRotation: Identity3(),
			DepthScale:     raw.RawDepthScale,
			BasePlane:      base,
			MinValid:       Plane{base.A, base.B, base.C, base.D - raw.MinHeightM},
			MaxValid:       Plane{base.A, base.B, base.C, base.D - raw.MaxHeightM},
		},
	}
}

// GenericRawCalibration is the second external schema: an arbitrary-source
// calibration file exposing explicit min/max planes directly (no derived
// height offsetting needed).
type GenericRawCalibration struct {
	SensorID                     string
	DepthScale, DepthOffset      float64
	FX, FY, CX, CY               float64
	Position                     Vec3
	Rotation                     Mat3
	MinPlane, MaxPlane, BasePlane [4]float64
}

// FromGeneric converts a GenericRawCalibration into a normalized Profile.
func FromGeneric(raw GenericRawCalibration) Profile {
	toPlane := func(p [4]float64) Plane { return Plane{p[0], p[1], p[2], p[3]} }
	rot := raw.Rotation
	if rot == (Mat3{}) {
		rot = Identity3()
	}
	return Profile{
		SensorID: raw.SensorID,
		Transform: TransformParameters{
			FocalLengthX: raw.FX, FocalLengthY: raw.FY,
			PrincipalPointX: raw.CX, PrincipalPointY: raw.CY,
			SensorPosition: raw.Position,
			SensorRotation: rot,
			DepthScale:     raw.DepthScale,
			DepthOffset:    raw.DepthOffset,
			BasePlane:      toPlane(raw.BasePlane),
			MinValid:       toPlane(raw.MinPlane),
			MaxValid:       toPlane(raw.MaxPlane),
		},
	}
}
