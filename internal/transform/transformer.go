package transform

import (
	"context"
	"errors"

	"go.uber.org/fx"
)

var (
	ErrInvalidPreset    = errors.New("invalid_preset")
	ErrTransformFailure = errors.New("transform_failure")
)

// Preset selects the transformation style.
type Preset string

const (
	PresetCartoon   Preset = "cartoon"
	PresetPixar     Preset = "pixar"
	PresetRealistic Preset = "realistic"
)

// ParsePreset validates a caller-supplied style name.
func ParsePreset(raw string) (Preset, error) {
	switch Preset(raw) {
	case PresetCartoon, PresetPixar, PresetRealistic:
		return Preset(raw), nil
	default:
		return "", ErrInvalidPreset
	}
}

// prompt returns the style instruction sent to the image service.
func (p Preset) prompt() string {
	switch p {
	case PresetCartoon:
		return "Convert the uploaded children's drawing into a clean, 2-D hand-drawn cartoon. Keep every line, shape, and character exactly where the child placed them, but redraw with smooth bold outlines, flat vibrant colors, and minimal shading."
	case PresetPixar:
		return "Transform the uploaded children's drawing into a high-quality Pixar-style 3-D scene. Maintain the original layout, proportions, and color placement of every character and object."
	case PresetRealistic:
		return "Bring the uploaded children's drawing to life in a semi-realistic storybook illustration. Keep the exact composition and whimsical shapes, but add believable textures, depth, and dynamic lighting."
	default:
		return ""
	}
}

// Transformer is the opaque external AI service. Calls may take many
// seconds and may fail; retry policy lives entirely in the orchestrator.
type Transformer interface {
	// Transform analyzes the input image and generates the styled output,
	// returning an output image URL.
	Transform(ctx context.Context, imageData string, preset Preset) (string, error)

	// Fallback is the cheaper generation path used after a primary
	// failure: prompt-only, no vision analysis.
	Fallback(ctx context.Context, preset Preset) (string, error)
}

// Module provides the HTTP-backed transformer.
var Module = fx.Module("transform",
	fx.Provide(NewClient),
)
