package identity

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
)

const goldenRatio = 0.618033988749895

// ColorPicker hands out member colors whose hues are spread by the golden
// ratio, so consecutive users stay visually distinct.
type ColorPicker struct {
	mu  sync.Mutex
	hue float64
}

func NewColorPicker() *ColorPicker {
	return &ColorPicker{hue: rand.Float64()}
}

// Next returns a "#rrggbb" color at saturation 0.7 and value 0.95.
func (p *ColorPicker) Next() string {
	p.mu.Lock()
	p.hue = math.Mod(p.hue+goldenRatio, 1)
	h := p.hue
	p.mu.Unlock()
	r, g, b := hsvToRGB(h, 0.7, 0.95)
	return fmt.Sprintf("#%02x%02x%02x", r, g, b)
}

func hsvToRGB(h, s, v float64) (uint8, uint8, uint8) {
	i := math.Floor(h * 6)
	f := h*6 - i
	p := v * (1 - s)
	q := v * (1 - f*s)
	t := v * (1 - (1-f)*s)

	var r, g, b float64
	switch int(i) % 6 {
	case 0:
		r, g, b = v, t, p
	case 1:
		r, g, b = q, v, p
	case 2:
		r, g, b = p, v, t
	case 3:
		r, g, b = p, q, v
	case 4:
		r, g, b = t, p, v
	default:
		r, g, b = v, p, q
	}
	return channel(r), channel(g), channel(b)
}

func channel(x float64) uint8 {
	c := math.Floor(x * 256)
	if c > 255 {
		c = 255
	}
	return uint8(c)
}
