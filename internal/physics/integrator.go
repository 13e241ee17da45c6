package physics

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Up is the world vertical axis. Movement stays on the plane orthogonal to it.
var Up = mgl64.Vec3{0, 1, 0}

// Forward is the body-local forward axis used to derive heading.
var Forward = mgl64.Vec3{0, 0, 1}

// ClampMagnitude2 scales v down so its length does not exceed limit while preserving direction.
func ClampMagnitude2(v mgl64.Vec2, limit float64) mgl64.Vec2 {
	//1.- Skip clamping when the limit disables the guard or the vector already fits.
	if !(limit > 0) {
		return v
	}
	magnitudeSq := v.X()*v.X() + v.Y()*v.Y()
	if magnitudeSq == 0 || magnitudeSq <= limit*limit {
		return v
	}
	//2.- Scale both axes uniformly so the resulting magnitude matches the limit.
	scale := limit / math.Sqrt(magnitudeSq)
	return mgl64.Vec2{v.X() * scale, v.Y() * scale}
}

// ClampUnit clamps a move vector to unit length.
func ClampUnit(v mgl64.Vec2) mgl64.Vec2 {
	return ClampMagnitude2(v, 1)
}

// Finite2 reports whether both components are real numbers.
func Finite2(v mgl64.Vec2) bool {
	return finite(v.X()) && finite(v.Y())
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Planar drops the vertical component of v.
func Planar(v mgl64.Vec3) mgl64.Vec3 {
	return mgl64.Vec3{v.X(), 0, v.Z()}
}

// WrapAngleDeg normalizes an angle to the [-180, 180) range.
func WrapAngleDeg(angle float64) float64 {
	wrapped := math.Mod(angle+180.0, 360.0)
	if wrapped < 0 {
		wrapped += 360.0
	}
	return wrapped - 180.0
}

// YawRotation builds an incremental rotation of deg degrees around the vertical axis.
func YawRotation(deg float64) mgl64.Quat {
	return mgl64.QuatRotate(mgl64.DegToRad(deg), Up)
}

// YawDeg extracts the heading of q in degrees, measured from the forward axis.
func YawDeg(q mgl64.Quat) float64 {
	heading := q.Rotate(Forward)
	return WrapAngleDeg(mgl64.RadToDeg(math.Atan2(heading.X(), heading.Z())))
}

// AngleBetweenDeg returns the smallest rotation angle between two orientations in degrees.
func AngleBetweenDeg(a, b mgl64.Quat) float64 {
	//1.- Normalise first so accumulated drift does not push the dot product outside [-1, 1].
	dot := math.Abs(a.Normalize().Dot(b.Normalize()))
	if dot > 1 {
		dot = 1
	}
	return mgl64.RadToDeg(2 * math.Acos(dot))
}
