package servo

import (
	"context"
	"fmt"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
)

// Actuator drives the joints of the robot.
type Actuator interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	ReadPositions(ctx context.Context) (JointPositions, error)
	WritePositions(ctx context.Context, positions JointPositions) error
	Close() error
}

// Body is the servo bus of the quadruped. It implements Actuator.
type Body struct {
	bus         *feetech.Bus
	group       *feetech.ServoGroup
	calibration Calibration
}

// OpenBus opens the serial bus at port with the timing the STS servos need.
func OpenBus(port string) (*feetech.Bus, error) {
	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     port,
		BaudRate: 1_000_000,
		Protocol: feetech.ProtocolSTS,
		Timeout:  100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("open bus %s: %w", port, err)
	}
	return bus, nil
}

// NewBody opens the bus at port and groups the calibrated servos.
func NewBody(port string, cal Calibration) (*Body, error) {
	bus, err := OpenBus(port)
	if err != nil {
		return nil, err
	}
	return &Body{
		bus:         bus,
		group:       feetech.NewServoGroupByIDs(bus, cal.JointIDs()...),
		calibration: cal,
	}, nil
}

// Close closes the bus connection.
func (b *Body) Close() error {
	return b.bus.Close()
}

// Enable enables torque on all servos.
func (b *Body) Enable(ctx context.Context) error {
	return b.group.EnableAll(ctx)
}

// Disable disables torque on all servos.
func (b *Body) Disable(ctx context.Context) error {
	return b.group.DisableAll(ctx)
}

// ReadPositions reads normalized positions of all joints.
func (b *Body) ReadPositions(ctx context.Context) (JointPositions, error) {
	raw, err := b.group.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("read positions: %w", err)
	}
	positions := make(JointPositions, len(raw))
	for id, pos := range raw {
		name, cal, ok := b.calibration.ByID(id)
		if !ok {
			continue
		}
		positions[name] = cal.Normalize(pos)
	}
	return positions, nil
}

// WritePositions writes normalized targets with a single sync write.
func (b *Body) WritePositions(ctx context.Context, positions JointPositions) error {
	raw := make(feetech.PositionMap, len(positions))
	for name, norm := range positions {
		cal, ok := b.calibration[name]
		if !ok {
			continue
		}
		raw[cal.ID] = cal.Denormalize(norm)
	}
	if err := b.group.SetPositions(ctx, raw); err != nil {
		return fmt.Errorf("write positions: %w", err)
	}
	return nil
}

// Scan lists the servos answering on the bus at port.
func Scan(ctx context.Context, port string) ([]feetech.FoundServo, error) {
	bus, err := OpenBus(port)
	if err != nil {
		return nil, err
	}
	defer bus.Close()
	return bus.Scan(ctx, 1, JointCount)
}

// IsQuadruped reports whether servos are exactly the IDs 1 to JointCount.
func IsQuadruped(servos []feetech.FoundServo) bool {
	if len(servos) != JointCount {
		return false
	}
	seen := make(map[int]bool, len(servos))
	for _, s := range servos {
		if s.ID < 1 || s.ID > JointCount {
			return false
		}
		seen[s.ID] = true
	}
	return len(seen) == JointCount
}
