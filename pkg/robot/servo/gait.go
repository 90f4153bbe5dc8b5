package servo

import (
	"math"

	"github.com/gwillem/spotweb/pkg/robot"
)

// Gains map body-frame quantities to normalized joint units.
const (
	HeightGain = 80.0 // per meter of body height
	TiltGain   = 40.0 // per radian of roll, pitch or yaw
	StrideGain = 50.0 // thigh swing per m/s forward
	StrafeGain = 40.0 // hip swing per m/s sideways
	TurnGain   = 30.0 // hip swing per rad/s
	LiftAmount = 20.0 // knee flex at the top of the swing

	// GaitFrequency is the trot cycle rate in Hz while moving.
	GaitFrequency = 2.0
)

// Motion is the commanded body velocity in the body frame.
type Motion struct {
	VX, VY, Yaw float64
}

// Moving reports whether m asks the robot to walk.
func (m Motion) Moving() bool {
	return m.VX != 0 || m.VY != 0 || m.Yaw != 0
}

// Targets computes joint targets for a stance, a body pose offset and a trot
// at the given phase in radians. Diagonal leg pairs swing in antiphase.
// With zero motion the phase has no effect.
func Targets(stance JointPositions, pose robot.Pose, m Motion, phase float64) JointPositions {
	out := stance.clone()
	for _, leg := range Legs() {
		// Extending a leg raises that corner of the body.
		ext := pose.Height*HeightGain + (pose.Roll*leg.Side-pose.Pitch*leg.End)*TiltGain
		hip := pose.Yaw * TiltGain * leg.End * leg.Side

		var thigh, knee float64
		if m.Moving() {
			s := math.Sin(phase + float64(leg.Diagonal)*math.Pi)
			thigh += s * m.VX * StrideGain
			hip += s * (m.VY*StrafeGain*leg.Side + m.Yaw*TurnGain*leg.End)
			if s > 0 {
				knee += s * LiftAmount
			}
		}

		out[leg.Hip] = limit(out[leg.Hip] + hip)
		out[leg.Thigh] = limit(out[leg.Thigh] + ext + thigh)
		out[leg.Knee] = limit(out[leg.Knee] - 2*ext + knee)
	}
	return out
}

// Blend interpolates from a towards b; t is clamped to [0, 1].
func Blend(a, b JointPositions, t float64) JointPositions {
	t = max(0, min(1, t))
	out := make(JointPositions, len(b))
	for name, to := range b {
		from, ok := a[name]
		if !ok {
			from = to
		}
		out[name] = from + (to-from)*t
	}
	return out
}

func limit(v float64) float64 {
	return max(-100, min(100, v))
}
