package servo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
)

const DefaultConfigFile = "spotweb.json"

// Config holds the quadruped configuration.
type Config struct {
	Port     string `json:"port"`
	Serial   string `json:"serial"`
	Nickname string `json:"nickname"`

	// Operators maps usernames to bcrypt password hashes.
	Operators map[string]string `json:"operators,omitempty"`

	Calibration Calibration `json:"calibration,omitempty"`
	Poses       Poses       `json:"poses"`
}

// Poses holds the joint targets of the resting postures.
type Poses struct {
	Sit   JointPositions `json:"sit,omitempty"`
	Stand JointPositions `json:"stand,omitempty"`
}

var errNoOperator = errors.New("unknown operator")

// IsCalibrated returns true if every joint has calibration data
func (c *Config) IsCalibrated() bool {
	return c.Calibration.Validate() == nil
}

// Validate reports the first problem that prevents driving the robot.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("no serial port configured")
	}
	if err := c.Calibration.Validate(); err != nil {
		return err
	}
	for _, name := range AllJoints() {
		if _, ok := c.Poses.Sit[name]; !ok {
			return fmt.Errorf("sit pose is missing joint %s", name)
		}
		if _, ok := c.Poses.Stand[name]; !ok {
			return fmt.Errorf("stand pose is missing joint %s", name)
		}
	}
	return nil
}

// SetOperator stores a bcrypt hash of password for username.
func (c *Config) SetOperator(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if c.Operators == nil {
		c.Operators = make(map[string]string)
	}
	c.Operators[username] = string(hash)
	return nil
}

// CheckOperator verifies username and password against the operator table.
func (c *Config) CheckOperator(username, password string) error {
	hash, ok := c.Operators[username]
	if !ok {
		return errNoOperator
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// LoadConfig loads configuration from the default config file
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(DefaultConfigFile)
}

// LoadConfigFrom loads configuration from a specific file
func LoadConfigFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// SaveTo saves configuration to a specific file. The file holds password
// hashes and is only readable by the owner.
func (c *Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
