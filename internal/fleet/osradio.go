package fleet

import "context"

// OSRadioController performs the two host-radio recovery actions the Fleet
// Coordinator may escalate to when a supervisor reaches FAILED (spec.md
// §4.5). No OS radio stack binding exists in this repository; a production
// deployment supplies a concrete implementation (e.g. shelling out to
// bluetoothctl / hciconfig) satisfying this interface. The default used by
// the gateway's simulated runtime mode only logs the attempt.
type OSRadioController interface {
	// SoftRemove asks the OS to forget/remove the given radio address
	// without disturbing other connections.
	SoftRemove(ctx context.Context, radioAddress string) error
	// HardReset resets the host radio interface entirely. Destructive: it
	// disconnects every device. Used only when SoftRemove fails.
	HardReset(ctx context.Context) error
}

// NoopOSRadioController is a no-op OSRadioController: both operations
// succeed immediately without touching the host. Used by the gateway's
// simulated runtime mode.
type NoopOSRadioController struct{}

func (NoopOSRadioController) SoftRemove(ctx context.Context, radioAddress string) error { return nil }
func (NoopOSRadioController) HardReset(ctx context.Context) error                       { return nil }
