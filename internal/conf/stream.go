package conf

import (
	"fmt"
)

// ImageFormat is the encode format of a stream.
type ImageFormat string

// Supported image formats.
const (
	FormatJPEG ImageFormat = "jpeg"
	FormatPNG  ImageFormat = "png"
)

// MIMEType returns the MIME type of the format.
func (f ImageFormat) MIMEType() string {
	if f == FormatPNG {
		return "image/png"
	}
	return "image/jpeg"
}

func (f ImageFormat) validate() error {
	switch f {
	case FormatJPEG, FormatPNG:
		return nil
	}
	return fmt.Errorf("%w: unsupported image format %q", ErrInvalid, f)
}

// Preset is a named performance profile. A preset overwrites the tunables
// it covers; the remaining fields keep their requested or default values.
type Preset string

// Available presets.
const (
	// 10 fps, quality 95, png, no skipping, static quality
	PresetQuality Preset = "quality"

	// 30 fps, quality 75, jpeg
	PresetBalanced Preset = "balanced"

	// 60 fps, quality 50, jpeg
	PresetPerformance Preset = "performance"

	// 120 fps, quality 30, jpeg, adaptive floor lowered to 20.
	// Requires a maxStreamFPS of at least 120.
	PresetExtreme Preset = "extreme"
)

func (p Preset) validate() error {
	switch p {
	case "", PresetQuality, PresetBalanced, PresetPerformance, PresetExtreme:
		return nil
	}
	return fmt.Errorf("%w: unknown preset %q", ErrInvalid, p)
}

// Region is a rectangular capture area. A nil Region means the full monitor.
type Region struct {
	// Top-left corner
	X int `yaml:"x" json:"x"`
	Y int `yaml:"y" json:"y"`

	// Dimensions in pixels
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

func (r *Region) validate() error {
	if r.X < 0 || r.Y < 0 {
		return fmt.Errorf("%w: region origin must not be negative", ErrInvalid)
	}
	if r.Width < 1 || r.Height < 1 {
		return fmt.Errorf("%w: region dimensions must be positive", ErrInvalid)
	}
	return nil
}

// StreamConf is the configuration of a single stream.
type StreamConf struct {
	// Named performance profile: quality, balanced, performance, extreme
	Preset Preset `yaml:"preset,omitempty" json:"preset,omitempty"`

	// Target frame rate
	FPS int `yaml:"fps" json:"fps"`

	// Encode format: jpeg, png
	Format ImageFormat `yaml:"format" json:"format"`

	// Encode quality (1-100). Ignored by the png encoder.
	Quality int `yaml:"quality" json:"quality"`

	// Capture area. Omit to capture the full monitor.
	Region *Region `yaml:"region,omitempty" json:"region,omitempty"`

	// Skip capture when the pipeline has fallen more than one frame behind
	FrameSkip bool `yaml:"frameSkip" json:"frameSkip"`

	// Trade quality for frame rate automatically
	AdaptiveQuality bool `yaml:"adaptiveQuality" json:"adaptiveQuality"`

	// Bounds of the adaptive quality controller
	MinQuality int `yaml:"minQuality" json:"minQuality"`
	MaxQuality int `yaml:"maxQuality" json:"maxQuality"`

	// Quality units added or removed per control cycle
	QualityStep int `yaml:"qualityStep" json:"qualityStep"`
}

func (s *StreamConf) fillDefaults() {
	s.FPS = 30
	s.Format = FormatJPEG
	s.Quality = 75
	s.FrameSkip = true
	s.AdaptiveQuality = true
	s.MinQuality = 30
	s.MaxQuality = 95
	s.QualityStep = 5
}

// ApplyPreset overwrites the tunables covered by the configured preset. An
// empty preset changes nothing.
func (s *StreamConf) ApplyPreset() error {
	switch s.Preset {
	case "":

	case PresetQuality:
		s.FPS = 10
		s.Quality = 95
		s.Format = FormatPNG
		s.FrameSkip = false
		s.AdaptiveQuality = false

	case PresetBalanced:
		s.FPS = 30
		s.Quality = 75
		s.Format = FormatJPEG
		s.FrameSkip = true
		s.AdaptiveQuality = true

	case PresetPerformance:
		s.FPS = 60
		s.Quality = 50
		s.Format = FormatJPEG
		s.FrameSkip = true
		s.AdaptiveQuality = true

	case PresetExtreme:
		s.FPS = 120
		s.Quality = 30
		s.Format = FormatJPEG
		s.FrameSkip = true
		s.AdaptiveQuality = true
		s.MinQuality = 20

	default:
		return s.Preset.validate()
	}
	return nil
}

// FillDefaults replaces zero values with the given defaults.
func (s *StreamConf) FillDefaults(defaults StreamConf) {
	if s.FPS == 0 {
		s.FPS = defaults.FPS
	}
	if s.Format == "" {
		s.Format = defaults.Format
	}
	if s.Quality == 0 {
		s.Quality = defaults.Quality
	}
	if s.Region == nil && defaults.Region != nil {
		region := *defaults.Region
		s.Region = &region
	}
	if s.MinQuality == 0 {
		s.MinQuality = defaults.MinQuality
	}
	if s.MaxQuality == 0 {
		s.MaxQuality = defaults.MaxQuality
	}
	if s.QualityStep == 0 {
		s.QualityStep = defaults.QualityStep
	}
}

// Validate checks the stream configuration against the given frame rate
// ceiling. Out-of-bounds values are rejected, never silently exceeded.
func (s *StreamConf) Validate(maxFPS int) error {
	if err := s.Preset.validate(); err != nil {
		return err
	}

	if s.FPS < 1 {
		return fmt.Errorf("%w: fps must be at least 1", ErrInvalid)
	}
	if s.FPS > maxFPS {
		return fmt.Errorf("%w: fps %d exceeds the maximum of %d", ErrInvalid, s.FPS, maxFPS)
	}

	if err := s.Format.validate(); err != nil {
		return err
	}

	if s.Quality < 1 || s.Quality > 100 {
		return fmt.Errorf("%w: quality must be between 1 and 100", ErrInvalid)
	}

	if s.Region != nil {
		if err := s.Region.validate(); err != nil {
			return err
		}
	}

	if s.MinQuality < 1 || s.MaxQuality > 100 || s.MinQuality > s.MaxQuality {
		return fmt.Errorf("%w: quality bounds must satisfy 1 <= min <= max <= 100", ErrInvalid)
	}

	if s.QualityStep < 1 {
		return fmt.Errorf("%w: qualityStep must be at least 1", ErrInvalid)
	}

	return nil
}
