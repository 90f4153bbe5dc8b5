package servo

// JointName identifies a joint of the quadruped.
type JointName string

// Joint names, three per leg: hip (abduction), thigh and knee.
const (
	FrontLeftHip    JointName = "front_left_hip"
	FrontLeftThigh  JointName = "front_left_thigh"
	FrontLeftKnee   JointName = "front_left_knee"
	FrontRightHip   JointName = "front_right_hip"
	FrontRightThigh JointName = "front_right_thigh"
	FrontRightKnee  JointName = "front_right_knee"
	RearLeftHip     JointName = "rear_left_hip"
	RearLeftThigh   JointName = "rear_left_thigh"
	RearLeftKnee    JointName = "rear_left_knee"
	RearRightHip    JointName = "rear_right_hip"
	RearRightThigh  JointName = "rear_right_thigh"
	RearRightKnee   JointName = "rear_right_knee"
)

// JointCount is the number of servos on the bus, with IDs 1 to JointCount.
const JointCount = 12

// AllJoints returns all joints in servo ID order.
func AllJoints() []JointName {
	return []JointName{
		FrontLeftHip, FrontLeftThigh, FrontLeftKnee,
		FrontRightHip, FrontRightThigh, FrontRightKnee,
		RearLeftHip, RearLeftThigh, RearLeftKnee,
		RearRightHip, RearRightThigh, RearRightKnee,
	}
}

// Leg groups the joints of one leg.
type Leg struct {
	Hip, Thigh, Knee JointName

	// Side is +1 for left legs and -1 for right legs.
	Side float64
	// End is +1 for front legs and -1 for rear legs.
	End float64
	// Diagonal is 0 for front-left/rear-right and 1 for the other pair.
	Diagonal int
}

// Legs returns the four legs.
func Legs() []Leg {
	return []Leg{
		{FrontLeftHip, FrontLeftThigh, FrontLeftKnee, 1, 1, 0},
		{FrontRightHip, FrontRightThigh, FrontRightKnee, -1, 1, 1},
		{RearLeftHip, RearLeftThigh, RearLeftKnee, 1, -1, 1},
		{RearRightHip, RearRightThigh, RearRightKnee, -1, -1, 0},
	}
}

// JointPositions maps joints to normalized positions in [-100, 100].
type JointPositions map[JointName]float64

func (p JointPositions) clone() JointPositions {
	out := make(JointPositions, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
