// Package colormap provides color gradients for rendering single-channel
// pixel data.
package colormap

import (
	"image/color"
	"sort"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// Colormap maps normalized values in [0, 1] to colors by piecewise blending
// between anchor colors in CIE-Lab space, which keeps perceived brightness
// changing evenly along the gradient.
type Colormap struct {
	name    string
	anchors []colorful.Color
}

// New builds a colormap from hex anchor colors, low to high.
// Invalid hex strings panic; colormaps are package-level constants.
func New(name string, hexes ...string) Colormap {
	anchors := make([]colorful.Color, len(hexes))
	for i, h := range hexes {
		c, err := colorful.Hex(h)
		if err != nil {
			panic("colormap: bad anchor " + h + ": " + err.Error())
		}
		anchors[i] = c
	}
	return Colormap{name: name, anchors: anchors}
}

// Name returns the registered name of the colormap.
func (m Colormap) Name() string { return m.name }

// At returns the color for a normalized value, clamping outside [0, 1].
func (m Colormap) At(t float64) color.Color {
	if t <= 0 {
		return m.anchors[0]
	}
	if t >= 1 {
		return m.anchors[len(m.anchors)-1]
	}
	pos := t * float64(len(m.anchors)-1)
	i := int(pos)
	return m.anchors[i].BlendLab(m.anchors[i+1], pos-float64(i)).Clamped()
}

// RGBA8 returns the color for a normalized value as 8-bit RGB.
func (m Colormap) RGBA8(t float64) (r, g, b uint8) {
	c := m.At(t).(colorful.Color)
	return uint8(c.R*255 + 0.5), uint8(c.G*255 + 0.5), uint8(c.B*255 + 0.5)
}

var registry = map[string]Colormap{
	"viridis": New("viridis", "#440154", "#414487", "#2a788e", "#22a884", "#7ad151", "#fde725"),
	"magma":   New("magma", "#000004", "#3b0f70", "#8c2981", "#de4968", "#fe9f6d", "#fcfdbf"),
	"inferno": New("inferno", "#000004", "#420a68", "#932667", "#dd513a", "#fca50a", "#fcffa4"),
	"gray":    New("gray", "#000000", "#ffffff"),
}

// Get returns the named colormap, reporting whether it exists.
func Get(name string) (Colormap, bool) {
	m, ok := registry[name]
	return m, ok
}

// Names lists the registered colormap names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
