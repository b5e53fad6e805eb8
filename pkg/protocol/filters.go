package protocol

// Filters is the filter block of an UpdatePlayer request. Every field is
// optional; the node only touches effects that are present in the payload,
// so senders must include cleared blocks explicitly to reset them.
type Filters struct {
	Volume     *float64    `json:"volume,omitempty"`
	Equalizer  []EQBand    `json:"equalizer,omitempty"`
	Karaoke    *Karaoke    `json:"karaoke,omitempty"`
	Timescale  *Timescale  `json:"timescale,omitempty"`
	Tremolo    *Tremolo    `json:"tremolo,omitempty"`
	Vibrato    *Vibrato    `json:"vibrato,omitempty"`
	Rotation   *Rotation   `json:"rotation,omitempty"`
	Distortion *Distortion `json:"distortion,omitempty"`
	ChannelMix *ChannelMix `json:"channelMix,omitempty"`
	LowPass    *LowPass    `json:"lowPass,omitempty"`

	// PluginFilters carries filter blocks implemented by node plugins,
	// keyed by plugin filter name (e.g. "reverb", "echo").
	PluginFilters map[string]any `json:"pluginFilters,omitempty"`
}

// EQBand adjusts the gain of one of the fifteen equalizer bands.
// Gain ranges from -0.25 (muted) through 0 (unchanged) to 1.0.
type EQBand struct {
	Band int     `json:"band"`
	Gain float64 `json:"gain"`
}

// Karaoke attenuates the vocal band of the signal.
type Karaoke struct {
	Level       float64 `json:"level"`
	MonoLevel   float64 `json:"monoLevel"`
	FilterBand  float64 `json:"filterBand"`
	FilterWidth float64 `json:"filterWidth"`
}

// Timescale changes speed, pitch, and rate independently. 1.0 is neutral.
type Timescale struct {
	Speed float64 `json:"speed"`
	Pitch float64 `json:"pitch"`
	Rate  float64 `json:"rate"`
}

// Tremolo oscillates the volume.
type Tremolo struct {
	Frequency float64 `json:"frequency"`
	Depth     float64 `json:"depth"`
}

// Vibrato oscillates the pitch.
type Vibrato struct {
	Frequency float64 `json:"frequency"`
	Depth     float64 `json:"depth"`
}

// Rotation pans the audio around the stereo field ("8D" effect).
type Rotation struct {
	RotationHz float64 `json:"rotationHz"`
}

// Distortion applies waveform distortion.
type Distortion struct {
	SinOffset float64 `json:"sinOffset"`
	SinScale  float64 `json:"sinScale"`
	CosOffset float64 `json:"cosOffset"`
	CosScale  float64 `json:"cosScale"`
	TanOffset float64 `json:"tanOffset"`
	TanScale  float64 `json:"tanScale"`
	Offset    float64 `json:"offset"`
	Scale     float64 `json:"scale"`
}

// ChannelMix mixes the left and right channels into each other.
type ChannelMix struct {
	LeftToLeft   float64 `json:"leftToLeft"`
	LeftToRight  float64 `json:"leftToRight"`
	RightToLeft  float64 `json:"rightToLeft"`
	RightToRight float64 `json:"rightToRight"`
}

// LowPass suppresses high frequencies. Smoothing of 1.0 disables the filter.
type LowPass struct {
	Smoothing float64 `json:"smoothing"`
}

// Reverb is the reverb plugin filter block, carried via PluginFilters.
type Reverb struct {
	Delays []float64 `json:"delays"`
	Gains  []float64 `json:"gains"`
}
