package magma

import (
	"context"
	"fmt"
	"sync"

	"github.com/magmastream/magmastream-go/pkg/protocol"
)

// Filters manages one player's audio filter chain. Every preset and
// setter rebuilds the full filter payload and pushes it to the node, so
// effects compose until ClearFilters resets them.
type Filters struct {
	player *Player

	mu         sync.Mutex
	volume     float64
	equalizer  []protocol.EQBand
	karaoke    *protocol.Karaoke
	timescale  *protocol.Timescale
	tremolo    *protocol.Tremolo
	vibrato    *protocol.Vibrato
	rotation   *protocol.Rotation
	distortion *protocol.Distortion
	channelMix *protocol.ChannelMix
	lowPass    *protocol.LowPass
	reverb     *protocol.Reverb
	status     map[string]bool
}

func newFilters(p *Player) *Filters {
	return &Filters{player: p, volume: 1.0, status: map[string]bool{}}
}

// Status reports which named effects are currently applied.
func (f *Filters) Status() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(f.status))
	for k, v := range f.status {
		out[k] = v
	}
	return out
}

// Applied reports whether the named effect is on.
func (f *Filters) Applied(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status[name]
}

// payload assembles the wire filter block from the active effects.
func (f *Filters) payload() protocol.Filters {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := protocol.Filters{
		Equalizer:  f.equalizer,
		Karaoke:    f.karaoke,
		Timescale:  f.timescale,
		Tremolo:    f.tremolo,
		Vibrato:    f.vibrato,
		Rotation:   f.rotation,
		Distortion: f.distortion,
		ChannelMix: f.channelMix,
		LowPass:    f.lowPass,
	}
	if f.volume != 1.0 {
		v := f.volume
		out.Volume = &v
	}
	if f.reverb != nil {
		out.PluginFilters = map[string]any{"reverb": f.reverb}
	}
	return out
}

// filtersSnapshot is the persisted form of one filter chain.
type filtersSnapshot struct {
	Volume     float64              `json:"volume,omitempty"`
	Equalizer  []protocol.EQBand    `json:"equalizer,omitempty"`
	Karaoke    *protocol.Karaoke    `json:"karaoke,omitempty"`
	Timescale  *protocol.Timescale  `json:"timescale,omitempty"`
	Tremolo    *protocol.Tremolo    `json:"tremolo,omitempty"`
	Vibrato    *protocol.Vibrato    `json:"vibrato,omitempty"`
	Rotation   *protocol.Rotation   `json:"rotation,omitempty"`
	Distortion *protocol.Distortion `json:"distortion,omitempty"`
	ChannelMix *protocol.ChannelMix `json:"channelMix,omitempty"`
	LowPass    *protocol.LowPass    `json:"lowPass,omitempty"`
	Reverb     *protocol.Reverb     `json:"reverb,omitempty"`
	Status     map[string]bool      `json:"status,omitempty"`
}

func (f *Filters) snapshot() *filtersSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := filtersSnapshot{
		Equalizer:  f.equalizer,
		Karaoke:    f.karaoke,
		Timescale:  f.timescale,
		Tremolo:    f.tremolo,
		Vibrato:    f.vibrato,
		Rotation:   f.rotation,
		Distortion: f.distortion,
		ChannelMix: f.channelMix,
		LowPass:    f.lowPass,
		Reverb:     f.reverb,
	}
	if f.volume != 1.0 {
		s.Volume = f.volume
	}
	if len(f.status) > 0 {
		s.Status = make(map[string]bool, len(f.status))
		for k, v := range f.status {
			s.Status[k] = v
		}
	}
	if s.Volume == 0 && len(s.Equalizer) == 0 && len(s.Status) == 0 &&
		s.Karaoke == nil && s.Timescale == nil && s.Tremolo == nil &&
		s.Vibrato == nil && s.Rotation == nil && s.Distortion == nil &&
		s.ChannelMix == nil && s.LowPass == nil && s.Reverb == nil {
		return nil
	}
	return &s
}

// restoreSnapshot rehydrates the chain without pushing to the node;
// the caller pushes once the player is bound.
func (f *Filters) restoreSnapshot(s *filtersSnapshot) {
	if s == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volume = 1.0
	if s.Volume != 0 {
		f.volume = s.Volume
	}
	f.equalizer = s.Equalizer
	f.karaoke = s.Karaoke
	f.timescale = s.Timescale
	f.tremolo = s.Tremolo
	f.vibrato = s.Vibrato
	f.rotation = s.Rotation
	f.distortion = s.Distortion
	f.channelMix = s.ChannelMix
	f.lowPass = s.LowPass
	f.reverb = s.Reverb
	f.status = map[string]bool{}
	for k, v := range s.Status {
		f.status[k] = v
	}
}

// active reports whether any effect differs from the neutral chain.
func (f *Filters) active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, on := range f.status {
		if on {
			return true
		}
	}
	return false
}

// Push sends the current filter chain to the node.
func (f *Filters) Push(ctx context.Context) error {
	payload := f.payload()
	node := f.player.Node()
	if _, err := node.Rest().UpdatePlayer(ctx, f.player.GuildID(), protocol.UpdatePlayer{Filters: &payload}, false); err != nil {
		return fmt.Errorf("magma: filters %s: push: %w", f.player.GuildID(), err)
	}
	return nil
}

// ClearFilters resets every effect and pushes the empty chain.
func (f *Filters) ClearFilters(ctx context.Context) error {
	f.mu.Lock()
	f.volume = 1.0
	f.equalizer = nil
	f.karaoke = nil
	f.timescale = nil
	f.tremolo = nil
	f.vibrato = nil
	f.rotation = nil
	f.distortion = nil
	f.channelMix = nil
	f.lowPass = nil
	f.reverb = nil
	f.status = map[string]bool{}
	f.mu.Unlock()
	return f.Push(ctx)
}

// SetEqualizer replaces the equalizer bands.
func (f *Filters) SetEqualizer(ctx context.Context, bands []protocol.EQBand) error {
	f.mu.Lock()
	f.equalizer = bands
	f.status["equalizer"] = len(bands) > 0
	f.mu.Unlock()
	return f.Push(ctx)
}

// SetKaraoke sets or clears (nil) the karaoke block.
func (f *Filters) SetKaraoke(ctx context.Context, k *protocol.Karaoke) error {
	f.mu.Lock()
	f.karaoke = k
	f.status["karaoke"] = k != nil
	f.mu.Unlock()
	return f.Push(ctx)
}

// SetTimescale sets or clears (nil) the timescale block.
func (f *Filters) SetTimescale(ctx context.Context, t *protocol.Timescale) error {
	f.mu.Lock()
	f.timescale = t
	f.status["timescale"] = t != nil
	f.mu.Unlock()
	return f.Push(ctx)
}

// SetRotation sets or clears (nil) the rotation block.
func (f *Filters) SetRotation(ctx context.Context, r *protocol.Rotation) error {
	f.mu.Lock()
	f.rotation = r
	f.status["rotation"] = r != nil
	f.mu.Unlock()
	return f.Push(ctx)
}

// SetDistortion sets or clears (nil) the distortion block.
func (f *Filters) SetDistortion(ctx context.Context, d *protocol.Distortion) error {
	f.mu.Lock()
	f.distortion = d
	f.status["distortion"] = d != nil
	f.mu.Unlock()
	return f.Push(ctx)
}

// SetVibrato sets or clears (nil) the vibrato block.
func (f *Filters) SetVibrato(ctx context.Context, v *protocol.Vibrato) error {
	f.mu.Lock()
	f.vibrato = v
	f.status["vibrato"] = v != nil
	f.mu.Unlock()
	return f.Push(ctx)
}

// SetReverb sets or clears (nil) the reverb plugin block.
func (f *Filters) SetReverb(ctx context.Context, r *protocol.Reverb) error {
	f.mu.Lock()
	f.reverb = r
	f.status["reverb"] = r != nil
	f.mu.Unlock()
	return f.Push(ctx)
}

// ── Presets ──────────────────────────────────────────────────────────────────

// BassBoost applies a bass equalizer curve; level ranges -3 (cut)
// through 3 (maximum boost), 0 clears it.
func (f *Filters) BassBoost(ctx context.Context, level int) error {
	if level < -3 || level > 3 {
		return fmt.Errorf("magma: filters: bassboost level %d out of range [-3, 3]", level)
	}
	gain := 0.065 * float64(level)
	var bands []protocol.EQBand
	if level != 0 {
		for band := 0; band < 5; band++ {
			bands = append(bands, protocol.EQBand{Band: band, Gain: gain})
		}
	}
	f.mu.Lock()
	f.equalizer = bands
	f.status["bassboost"] = level != 0
	f.mu.Unlock()
	return f.Push(ctx)
}

// Nightcore speeds playback up and raises pitch.
func (f *Filters) Nightcore(ctx context.Context) error {
	return f.setPreset(ctx, "nightcore", func() {
		f.timescale = &protocol.Timescale{Speed: 1.2, Pitch: 1.2, Rate: 1.0}
	})
}

// Daycore slows playback down and lowers pitch.
func (f *Filters) Daycore(ctx context.Context) error {
	return f.setPreset(ctx, "daycore", func() {
		f.timescale = &protocol.Timescale{Speed: 0.8, Pitch: 0.8, Rate: 1.0}
		f.equalizer = []protocol.EQBand{
			{Band: 12, Gain: -0.25}, {Band: 13, Gain: -0.25}, {Band: 14, Gain: -0.25},
		}
	})
}

// Slowmo slows playback without touching pitch.
func (f *Filters) Slowmo(ctx context.Context) error {
	return f.setPreset(ctx, "slowmo", func() {
		f.timescale = &protocol.Timescale{Speed: 0.7, Pitch: 1.0, Rate: 0.8}
	})
}

// Doubletime speeds playback up without touching pitch.
func (f *Filters) Doubletime(ctx context.Context) error {
	return f.setPreset(ctx, "doubletime", func() {
		f.timescale = &protocol.Timescale{Speed: 1.25, Pitch: 1.0, Rate: 1.0}
	})
}

// EightD pans the audio around the stereo field.
func (f *Filters) EightD(ctx context.Context) error {
	return f.setPreset(ctx, "eightD", func() {
		f.rotation = &protocol.Rotation{RotationHz: 0.2}
	})
}

// Vaporwave slows playback and lifts the high bands.
func (f *Filters) Vaporwave(ctx context.Context) error {
	return f.setPreset(ctx, "vaporwave", func() {
		f.timescale = &protocol.Timescale{Speed: 1.0, Pitch: 0.5, Rate: 1.0}
		f.equalizer = []protocol.EQBand{{Band: 1, Gain: 0.3}, {Band: 0, Gain: 0.3}}
	})
}

// Chipmunk raises speed and pitch sharply.
func (f *Filters) Chipmunk(ctx context.Context) error {
	return f.setPreset(ctx, "chipmunk", func() {
		f.timescale = &protocol.Timescale{Speed: 1.05, Pitch: 1.35, Rate: 1.25}
	})
}

// DarthVader drops pitch far below neutral.
func (f *Filters) DarthVader(ctx context.Context) error {
	return f.setPreset(ctx, "darthvader", func() {
		f.timescale = &protocol.Timescale{Speed: 0.975, Pitch: 0.5, Rate: 0.8}
	})
}

// China applies a neutral-speed, high-rate timescale curve.
func (f *Filters) China(ctx context.Context) error {
	return f.setPreset(ctx, "china", func() {
		f.timescale = &protocol.Timescale{Speed: 0.75, Pitch: 1.25, Rate: 1.25}
	})
}

// Demon lowers pitch and speed into a growl.
func (f *Filters) Demon(ctx context.Context) error {
	return f.setPreset(ctx, "demon", func() {
		f.timescale = &protocol.Timescale{Speed: 0.9, Pitch: 0.7, Rate: 1.0}
		f.equalizer = []protocol.EQBand{{Band: 0, Gain: 0.3}, {Band: 1, Gain: 0.2}}
	})
}

// Soft suppresses the high frequencies.
func (f *Filters) Soft(ctx context.Context) error {
	return f.setPreset(ctx, "soft", func() {
		f.lowPass = &protocol.LowPass{Smoothing: 20.0}
	})
}

// TV pushes the mid bands for a broadcast sound.
func (f *Filters) TV(ctx context.Context) error {
	return f.setPreset(ctx, "tv", func() {
		f.equalizer = []protocol.EQBand{
			{Band: 0, Gain: 0.65}, {Band: 1, Gain: 0.65},
			{Band: 2, Gain: 0.65}, {Band: 3, Gain: 0.65},
		}
	})
}

// Party boosts the low-mid bands.
func (f *Filters) Party(ctx context.Context) error {
	return f.setPreset(ctx, "party", func() {
		f.equalizer = []protocol.EQBand{
			{Band: 0, Gain: -1.16}, {Band: 1, Gain: 0.28},
			{Band: 2, Gain: 0.42}, {Band: 3, Gain: 0.5},
			{Band: 4, Gain: 0.36}, {Band: 5, Gain: 0},
		}
	})
}

// Pop applies a pop-music equalizer curve.
func (f *Filters) Pop(ctx context.Context) error {
	return f.setPreset(ctx, "pop", func() {
		f.equalizer = []protocol.EQBand{
			{Band: 0, Gain: 0.65}, {Band: 1, Gain: 0.45}, {Band: 2, Gain: -0.45},
			{Band: 3, Gain: -0.65}, {Band: 4, Gain: -0.35}, {Band: 5, Gain: 0.45},
			{Band: 6, Gain: 0.55}, {Band: 7, Gain: 0.6}, {Band: 8, Gain: 0.6},
			{Band: 9, Gain: 0.6},
		}
	})
}

// Electronic applies an electronic-music equalizer curve.
func (f *Filters) Electronic(ctx context.Context) error {
	return f.setPreset(ctx, "electronic", func() {
		f.equalizer = []protocol.EQBand{
			{Band: 0, Gain: 0.375}, {Band: 1, Gain: 0.35}, {Band: 2, Gain: 0.125},
			{Band: 5, Gain: -0.125}, {Band: 6, Gain: -0.125}, {Band: 8, Gain: 0.25},
			{Band: 9, Gain: 0.125}, {Band: 10, Gain: 0.15}, {Band: 11, Gain: 0.2},
			{Band: 12, Gain: 0.25}, {Band: 13, Gain: 0.35}, {Band: 14, Gain: 0.4},
		}
	})
}

// Radio applies a narrow mid-band radio curve.
func (f *Filters) Radio(ctx context.Context) error {
	return f.setPreset(ctx, "radio", func() {
		f.equalizer = []protocol.EQBand{
			{Band: 0, Gain: -0.25}, {Band: 1, Gain: -0.25}, {Band: 2, Gain: -0.125},
			{Band: 5, Gain: 0.25}, {Band: 6, Gain: 0.325}, {Band: 7, Gain: 0.375},
			{Band: 8, Gain: 0.325}, {Band: 9, Gain: 0.25}, {Band: 12, Gain: -0.25},
			{Band: 13, Gain: -0.3}, {Band: 14, Gain: -0.3},
		}
	})
}

// TrebleBass boosts both ends of the spectrum.
func (f *Filters) TrebleBass(ctx context.Context) error {
	return f.setPreset(ctx, "trebleBass", func() {
		f.equalizer = []protocol.EQBand{
			{Band: 0, Gain: 0.6}, {Band: 1, Gain: 0.67}, {Band: 2, Gain: 0.67},
			{Band: 4, Gain: -0.5}, {Band: 5, Gain: 0.15}, {Band: 6, Gain: -0.45},
			{Band: 7, Gain: 0.23}, {Band: 8, Gain: 0.35}, {Band: 9, Gain: 0.45},
			{Band: 10, Gain: 0.55}, {Band: 11, Gain: 0.6}, {Band: 12, Gain: 0.55},
		}
	})
}

// Earrape pushes every band to the limit.
func (f *Filters) Earrape(ctx context.Context) error {
	return f.setPreset(ctx, "earrape", func() {
		f.volume = 5.0
		f.equalizer = []protocol.EQBand{
			{Band: 0, Gain: 1.0}, {Band: 1, Gain: 1.0}, {Band: 2, Gain: 1.0},
		}
	})
}

// TremoloEffect oscillates the volume.
func (f *Filters) TremoloEffect(ctx context.Context) error {
	return f.setPreset(ctx, "tremolo", func() {
		f.tremolo = &protocol.Tremolo{Frequency: 4.0, Depth: 0.75}
	})
}

// VibratoEffect oscillates the pitch.
func (f *Filters) VibratoEffect(ctx context.Context) error {
	return f.setPreset(ctx, "vibrato", func() {
		f.vibrato = &protocol.Vibrato{Frequency: 4.0, Depth: 0.75}
	})
}

// Distort applies a heavy distortion curve.
func (f *Filters) Distort(ctx context.Context) error {
	return f.setPreset(ctx, "distort", func() {
		f.distortion = &protocol.Distortion{
			SinOffset: 0, SinScale: 0.2, CosOffset: 0, CosScale: 0.2,
			TanOffset: 0, TanScale: 0.2, Offset: 0, Scale: 1.2,
		}
	})
}

func (f *Filters) setPreset(ctx context.Context, name string, apply func()) error {
	f.mu.Lock()
	apply()
	f.status[name] = true
	f.mu.Unlock()
	return f.Push(ctx)
}
