package audio

// GateConfig holds configuration for the energy gate.
type GateConfig struct {
	// EnergyThreshold is the RMS energy above which a frame counts as speech
	EnergyThreshold float64

	// HangoverFrames is how many sub-threshold frames keep passing after
	// speech, so utterance tails are not clipped before the engine sees them
	HangoverFrames int
}

// DefaultGateConfig returns a default energy gate configuration.
func DefaultGateConfig() *GateConfig {
	return &GateConfig{
		EnergyThreshold: 500.0,
		HangoverFrames:  25, // 500ms of 20ms frames
	}
}

// EnergyGate drops silent frames before they are pushed to the recognition
// stream. It is an optional pre-processing step; the engine still does its
// own endpointing.
type EnergyGate struct {
	config   *GateConfig
	hangover int
	open     bool
}

// NewEnergyGate creates a new energy gate.
func NewEnergyGate(config *GateConfig) *EnergyGate {
	if config == nil {
		config = DefaultGateConfig()
	}
	return &EnergyGate{config: config}
}

// Pass reports whether the frame should be forwarded to the engine.
func (g *EnergyGate) Pass(samples []int16) bool {
	if CalculateRMS(samples) > g.config.EnergyThreshold {
		g.open = true
		g.hangover = g.config.HangoverFrames
		return true
	}

	if g.open {
		if g.hangover > 0 {
			g.hangover--
			return true
		}
		g.open = false
	}

	return false
}

// Reset clears the gate state.
func (g *EnergyGate) Reset() {
	g.open = false
	g.hangover = 0
}
