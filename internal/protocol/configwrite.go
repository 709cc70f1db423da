package protocol

// Configuration write packets are 5 bytes: 0xFF 0xAA <reg> <value_lo> <value_hi>.
const (
	RegUnlock     = 0x69
	RegSave       = 0x00
	RegOutputRate = 0x03
)

// UnlockValue and SaveValue are the fixed payloads for the unlock/save registers.
const (
	UnlockValue uint16 = 0xB588
	SaveValue   uint16 = 0x0000
)

// outputRateCodes maps a requested Hz to the device's rate-register code.
// 50 Hz (0x0008) is the rate the gateway always requests (spec.md §4.3).
var outputRateCodes = map[int]uint16{
	0:   0x0001, // 0.1 Hz bucket is unused but documented for completeness
	1:   0x0003,
	2:   0x0004,
	5:   0x0005,
	10:  0x0006,
	20:  0x0007,
	50:  0x0008,
	100: 0x0009,
	200: 0x000B,
}

// OutputRateCode returns the register value for the given target Hz, or the
// 50 Hz code if hz is not one of the device's supported rates.
func OutputRateCode(hz int) uint16 {
	if v, ok := outputRateCodes[hz]; ok {
		return v
	}
	return outputRateCodes[50]
}

// EncodeConfigWrite builds a 5-byte config write packet for the given
// register and value.
func EncodeConfigWrite(reg byte, value uint16) []byte {
	return []byte{0xFF, 0xAA, reg, byte(value & 0xFF), byte(value >> 8)}
}

// UnlockPacket returns the packet that unlocks the device for configuration.
func UnlockPacket() []byte {
	return EncodeConfigWrite(RegUnlock, UnlockValue)
}

// SavePacket returns the packet that persists pending configuration changes.
func SavePacket() []byte {
	return EncodeConfigWrite(RegSave, SaveValue)
}

// OutputRatePacket returns the packet that requests the given output rate.
func OutputRatePacket(hz int) []byte {
	return EncodeConfigWrite(RegOutputRate, OutputRateCode(hz))
}
