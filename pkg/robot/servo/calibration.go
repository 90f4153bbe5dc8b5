package servo

import "fmt"

// JointCalibration holds calibration data for a single servo.
type JointCalibration struct {
	ID           int `json:"id"`
	DriveMode    int `json:"drive_mode"`
	HomingOffset int `json:"homing_offset"`
	RangeMin     int `json:"range_min"`
	RangeMax     int `json:"range_max"`
}

// Calibration holds calibration data for all joints.
type Calibration map[JointName]JointCalibration

// Normalize converts a raw servo position to a normalized value in the range [-100, 100].
// Servos with drive mode 1 are mounted mirrored and have their sign flipped.
func (c JointCalibration) Normalize(raw int) float64 {
	rangeSize := float64(c.RangeMax - c.RangeMin)
	if rangeSize == 0 {
		return 0
	}
	norm := (float64(raw-c.RangeMin)/rangeSize)*200 - 100
	if c.DriveMode == 1 {
		norm = -norm
	}
	return norm
}

// Denormalize converts a normalized value [-100, 100] to a raw servo position.
// Values outside the range are clamped to the calibrated limits.
func (c JointCalibration) Denormalize(norm float64) int {
	if c.DriveMode == 1 {
		norm = -norm
	}
	norm = max(-100, min(100, norm))
	rangeSize := float64(c.RangeMax - c.RangeMin)
	return int((norm+100)/200*rangeSize) + c.RangeMin
}

// JointIDs returns the servo IDs for all joints in the calibration.
func (c Calibration) JointIDs() []int {
	ids := make([]int, 0, len(c))
	for _, name := range AllJoints() {
		if jc, ok := c[name]; ok {
			ids = append(ids, jc.ID)
		}
	}
	return ids
}

// ByID returns joint name and calibration for a given servo ID.
func (c Calibration) ByID(id int) (JointName, JointCalibration, bool) {
	for name, jc := range c {
		if jc.ID == id {
			return name, jc, true
		}
	}
	return "", JointCalibration{}, false
}

// Validate checks that every joint is calibrated with a usable range.
func (c Calibration) Validate() error {
	for _, name := range AllJoints() {
		jc, ok := c[name]
		if !ok {
			return fmt.Errorf("joint %s is not calibrated", name)
		}
		if jc.RangeMax <= jc.RangeMin {
			return fmt.Errorf("joint %s has an empty range [%d, %d]", name, jc.RangeMin, jc.RangeMax)
		}
	}
	return nil
}
