package model

import "time"

// DeviceType is the fixed vocabulary of hub peripherals.
type DeviceType string

const (
	TypeLight       DeviceType = "light"
	TypeFan         DeviceType = "fan"
	TypeDoor        DeviceType = "door"
	TypeSensor      DeviceType = "sensor"
	TypeMotion      DeviceType = "motion"
	TypeServo       DeviceType = "servo"
	TypeTemperature DeviceType = "temperature"
	TypeHumidity    DeviceType = "humidity"
	TypeRFID        DeviceType = "rfid"
	TypeLCD         DeviceType = "lcd"
	TypeBuzzer      DeviceType = "buzzer"
	TypeCamera      DeviceType = "camera"
	TypeStatusLED   DeviceType = "status-indicator"
)

// KnownDeviceType reports whether t is part of the fixed vocabulary.
func KnownDeviceType(t DeviceType) bool {
	switch t {
	case TypeLight, TypeFan, TypeDoor, TypeSensor, TypeMotion, TypeServo,
		TypeTemperature, TypeHumidity, TypeRFID, TypeLCD, TypeBuzzer,
		TypeCamera, TypeStatusLED:
		return true
	}
	return false
}

// Device is the client-side record of one hub peripheral. Identity and the
// registration fields (name, type, port) are owned locally; online and state
// fields are populated by polling and command results.
type Device struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Type      DeviceType `json:"type"`
	Port      string     `json:"port"`
	Online    bool       `json:"online"`
	LastState string     `json:"last_state,omitempty"`

	Temperature *float64   `json:"temperature,omitempty"`
	Humidity    *float64   `json:"humidity,omitempty"`
	ObservedAt  *time.Time `json:"observed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SensorReading is one decoded response from the hub's sensor endpoint.
// SimTime is the hub's own epoch-like millisecond clock, kept for log and
// chart labeling; ObservedAt is the bridge-side receive time.
type SensorReading struct {
	Temperature float64           `json:"temperature"`
	Humidity    float64           `json:"humidity"`
	SimTime     time.Time         `json:"sim_time"`
	ObservedAt  time.Time         `json:"observed_at"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// EventLogEntry is one line of the mirrored hub event log.
type EventLogEntry struct {
	ID        int64     `json:"id"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
