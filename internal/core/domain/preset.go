package domain

// VideoQualityPreset maps a preset name to concrete encoding targets.
// Presets are static configuration; components reference them by name.
type VideoQualityPreset struct {
	Name        string  `json:"name" yaml:"name"`
	Width       int     `json:"width" yaml:"width"`
	Height      int     `json:"height" yaml:"height"`
	FrameRate   float64 `json:"frame_rate" yaml:"frame_rate"`
	BitrateKbps int     `json:"bitrate_kbps" yaml:"bitrate_kbps"`
}

// PresetLadder is an ordered list of presets, best first. Upgrade and
// downgrade decisions step along the ladder one rung at a time.
type PresetLadder []VideoQualityPreset

// DefaultPresetLadder is the built-in ladder used when configuration
// does not override it.
func DefaultPresetLadder() PresetLadder {
	return PresetLadder{
		{Name: "high", Width: 1280, Height: 720, FrameRate: 30, BitrateKbps: 2500},
		{Name: "medium", Width: 960, Height: 540, FrameRate: 30, BitrateKbps: 1200},
		{Name: "low", Width: 640, Height: 360, FrameRate: 24, BitrateKbps: 600},
		{Name: "mobile", Width: 320, Height: 240, FrameRate: 15, BitrateKbps: 250},
	}
}

// Find returns the preset with the given name.
func (l PresetLadder) Find(name string) (VideoQualityPreset, bool) {
	for _, p := range l {
		if p.Name == name {
			return p, true
		}
	}
	return VideoQualityPreset{}, false
}

// Lowest returns the worst preset on the ladder.
func (l PresetLadder) Lowest() VideoQualityPreset {
	return l[len(l)-1]
}

// NextDown returns the next worse preset, or the current one when
// already at the bottom.
func (l PresetLadder) NextDown(name string) VideoQualityPreset {
	for i, p := range l {
		if p.Name == name {
			if i+1 < len(l) {
				return l[i+1]
			}
			return p
		}
	}
	return l.Lowest()
}

// NextUp returns the next better preset, or the current one when
// already at the top.
func (l PresetLadder) NextUp(name string) VideoQualityPreset {
	for i, p := range l {
		if p.Name == name {
			if i > 0 {
				return l[i-1]
			}
			return p
		}
	}
	return l.Lowest()
}
