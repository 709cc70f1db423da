// Package sample holds the typed IMU reading and its fixed-capacity
// per-device history buffer.
package sample

import (
	"math"
	"time"
)

// Sample is one timestamped 9-channel IMU reading. Immutable once emitted.
type Sample struct {
	Time time.Time

	AccX, AccY, AccZ     float64 // g
	GyroX, GyroY, GyroZ  float64 // deg/s
	AngX, AngY, AngZ     float64 // deg
}

// Magnitude returns the Euclidean norm of the acceleration channels.
func (s Sample) Magnitude() float64 {
	return math.Sqrt(s.AccX*s.AccX + s.AccY*s.AccY + s.AccZ*s.AccZ)
}
