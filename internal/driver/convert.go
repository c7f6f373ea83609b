package driver

import "math"

const (
	dacVref       = 2.5
	adcFullScaleV = 4.096
)

// DacCode converts an output voltage to an AD5667 code. The output stage doubles the DAC voltage.
func DacCode(volts float64) uint16 {
	code := (volts / 2) / dacVref * 65535
	switch {
	case code <= 0:
		return 0
	case code >= 65535:
		return 65535
	}
	return uint16(code)
}

// DacVolts is the inverse of DacCode.
func DacVolts(code uint16) float64 {
	return float64(code) / 65535 * dacVref * 2
}

// LM75ACelsius decodes the 9-bit two's complement temperature register (0.5 C per LSB).
func LM75ACelsius(raw uint16) float64 {
	t9 := int16(raw >> 7)
	if t9 > 255 {
		t9 -= 512
	}
	return float64(t9) * 0.5
}

// LM75ARaw encodes a temperature for the LM75A threshold registers.
func LM75ARaw(celsius float64) uint16 {
	t9 := int16(celsius / 0.5)
	if t9 < 0 {
		t9 += 512
	}
	return uint16(t9<<7) & 0xFF80
}

// TMP10xCelsius decodes a 12-bit left-justified TMP10x reading (0.0625 C per LSB).
func TMP10xCelsius(raw uint16) float64 {
	return float64(int16(raw)>>4) * 0.0625
}

// TMP10xRaw encodes celsius as a TMP10x register value.
func TMP10xRaw(celsius float64) uint16 {
	return uint16(int16(math.Round(celsius/0.0625)) << 4)
}

// ADS1015Config is the single-shot config word for channel ch:
// start conversion, AINx vs GND, PGA 4.096 V, 1600 SPS, comparator disabled.
func ADS1015Config(ch int) uint16 {
	mux := uint16(0x4000 + ch*0x1000)
	return 0x8000 | mux | 0x0200 | 0x0100 | 0x0080 | 0x0003
}

// ADS1015Channel returns the channel selected by a config word.
func ADS1015Channel(config uint16) int {
	return int((config>>12)&0x7) - 4
}

// ADS1015Volts decodes a 12-bit left-justified conversion result.
func ADS1015Volts(raw uint16) float64 {
	return float64(int16(raw)>>4) * adcFullScaleV / 2048
}

// ADS1015Raw encodes volts as a conversion register value.
func ADS1015Raw(volts float64) uint16 {
	return uint16(int16(math.Round(volts*2048/adcFullScaleV)) << 4)
}

// ADC channels on each FEM.
const (
	ChReversePower = 0
	ChForwardPower = 1
	ChPaCurrent    = 2
	ChTemperature  = 3
)

// PowerDbm converts a detector voltage to dBm.
//
// Forward and reverse power share this curve. No separate forward calibration exists yet;
// revisit once per-detector calibration data is available.
func PowerDbm(volts float64) float64 {
	return (volts-2.0)*20 - 30
}

// CurrentA converts the PA current sense voltage to amperes (1 V per A).
func CurrentA(volts float64) float64 {
	return volts
}
