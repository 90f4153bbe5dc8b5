// Package safety bounds raw operator setpoints into ranges the robot can
// execute safely.
//
// Clamping is silent: out-of-range input is expected from imprecise clients
// (joysticks, sliders, keyboard repeat) and is not an error.
package safety

import "math"

const (
	// MaxVelocity bounds every velocity axis, in m/s or rad/s.
	MaxVelocity = 0.5

	// MaxBodyOffset bounds every body pose axis, in m or rad.
	MaxBodyOffset = 0.3
)

// Clamp limits v to [-limit, limit]. NaN becomes 0.
func Clamp(v, limit float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(-limit, math.Min(limit, v))
}

// Velocity clamps a planar velocity setpoint.
func Velocity(vx, vy, yaw float64) (float64, float64, float64) {
	return Clamp(vx, MaxVelocity), Clamp(vy, MaxVelocity), Clamp(yaw, MaxVelocity)
}

// BodyPose clamps body height and orientation, each axis independently.
func BodyPose(height, roll, pitch, yaw float64) (float64, float64, float64, float64) {
	return Clamp(height, MaxBodyOffset),
		Clamp(roll, MaxBodyOffset),
		Clamp(pitch, MaxBodyOffset),
		Clamp(yaw, MaxBodyOffset)
}
