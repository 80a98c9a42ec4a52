// Package chart rasterizes plotly figure descriptions into PNG images so
// charts produced inside a session can be stored and shown as plain images.
//
// Supported trace types are scatter (lines and/or markers), bar and
// histogram. Other trace types are skipped.
package chart

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"strconv"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Default output size in pixels.
const (
	Width  = 800
	Height = 500
)

// Shapes are drawn at this multiple of the output size and scaled down.
const supersample = 2

var palette = []color.RGBA{
	{0x63, 0x6e, 0xfa, 0xff},
	{0xef, 0x55, 0x3b, 0xff},
	{0x00, 0xcc, 0x96, 0xff},
	{0xab, 0x63, 0xfa, 0xff},
	{0xff, 0xa1, 0x5a, 0xff},
	{0x19, 0xd3, 0xf3, 0xff},
	{0xff, 0x66, 0x92, 0xff},
	{0xb6, 0xe8, 0x80, 0xff},
	{0xff, 0x97, 0xff, 0xff},
	{0xfe, 0xcb, 0x52, 0xff},
}

var (
	background = color.RGBA{0xff, 0xff, 0xff, 0xff}
	plotArea   = color.RGBA{0xe5, 0xec, 0xf6, 0xff}
	gridColor  = color.RGBA{0xff, 0xff, 0xff, 0xff}
	textColor  = color.RGBA{0x2a, 0x3f, 0x5f, 0xff}
)

// ErrNoTraces is returned for figures without any renderable trace.
var ErrNoTraces = errors.New("chart: no renderable traces")

type figure struct {
	Data   []trace `json:"data"`
	Layout struct {
		Title json.RawMessage `json:"title"`
		XAxis axis            `json:"xaxis"`
		YAxis axis            `json:"yaxis"`
	} `json:"layout"`
}

type axis struct {
	Title json.RawMessage `json:"title"`
}

type trace struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Mode        string          `json:"mode"`
	Orientation string          `json:"orientation"`
	X           json.RawMessage `json:"x"`
	Y           json.RawMessage `json:"y"`
	NBinsX      int             `json:"nbinsx"`
	Marker      struct {
		Color json.RawMessage `json:"color"`
	} `json:"marker"`
	Line struct {
		Color json.RawMessage `json:"color"`
	} `json:"line"`
}

// value is one data point coordinate: numeric or categorical.
type value struct {
	num   float64
	str   string
	isNum bool
	valid bool
}

// series is a trace resolved to plot coordinates.
type series struct {
	kind  string // "line", "markers", "lines+markers", "bar"
	name  string
	color color.RGBA
	xs    []value
	ys    []float64
	// slot is the position of a bar series within its group of groups bars.
	slot, groups int
}

// Render draws the plotly figure in spec and returns PNG bytes.
func Render(spec []byte) ([]byte, error) {
	var fig figure
	if err := json.Unmarshal(spec, &fig); err != nil {
		return nil, fmt.Errorf("chart: decode figure: %w", err)
	}

	all, err := resolve(fig.Data)
	if err != nil {
		return nil, err
	}

	c := newCanvas(all, titleText(fig.Layout.Title), titleText(fig.Layout.XAxis.Title), titleText(fig.Layout.YAxis.Title))
	img := c.draw()

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("chart: encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func resolve(traces []trace) ([]series, error) {
	var out []series
	bars := 0
	for i, t := range traces {
		col := traceColor(t, i)
		name := t.Name
		if name == "" {
			name = fmt.Sprintf("trace %d", i)
		}
		xs, err := decodeValues(t.X)
		if err != nil {
			return nil, fmt.Errorf("chart: trace %d x: %w", i, err)
		}
		yv, err := decodeValues(t.Y)
		if err != nil {
			return nil, fmt.Errorf("chart: trace %d y: %w", i, err)
		}

		switch t.Type {
		case "", "scatter", "scattergl":
			s := series{kind: scatterKind(t.Mode, len(yv)), name: name, color: col}
			s.xs, s.ys = pair(xs, yv)
			if len(s.ys) > 0 {
				out = append(out, s)
			}
		case "bar":
			if t.Orientation == "h" {
				xs, yv = yv, xs
			}
			s := series{kind: "bar", name: name, color: col, slot: bars}
			s.xs, s.ys = pair(xs, yv)
			if len(s.ys) > 0 {
				out = append(out, s)
				bars++
			}
		case "histogram":
			s, ok := histogram(xs, t.NBinsX)
			if !ok {
				continue
			}
			s.name, s.color, s.slot = name, col, bars
			out = append(out, s)
			bars++
		}
	}
	if len(out) == 0 {
		return nil, ErrNoTraces
	}
	for i := range out {
		if out[i].kind == "bar" {
			out[i].groups = bars
		}
	}
	return out, nil
}

func scatterKind(mode string, n int) string {
	switch {
	case strings.Contains(mode, "lines") && strings.Contains(mode, "markers"):
		return "lines+markers"
	case strings.Contains(mode, "markers"):
		return "markers"
	case strings.Contains(mode, "lines"):
		return "line"
	case n <= 20:
		return "lines+markers"
	default:
		return "line"
	}
}

// pair aligns x and y values, synthesizing indices when x is missing and
// dropping points without a numeric y.
func pair(xs, yv []value) ([]value, []float64) {
	var (
		outX []value
		outY []float64
	)
	for i, y := range yv {
		if !y.valid || !y.isNum || math.IsNaN(y.num) || math.IsInf(y.num, 0) {
			continue
		}
		x := value{num: float64(i), isNum: true, valid: true}
		if i < len(xs) {
			x = xs[i]
		}
		if !x.valid {
			continue
		}
		outX = append(outX, x)
		outY = append(outY, y.num)
	}
	return outX, outY
}

func histogram(xs []value, bins int) (series, bool) {
	var nums []float64
	for _, x := range xs {
		if x.valid && x.isNum && !math.IsNaN(x.num) {
			nums = append(nums, x.num)
		}
	}
	if len(nums) == 0 {
		return series{}, false
	}
	if bins <= 0 {
		bins = int(math.Ceil(math.Sqrt(float64(len(nums)))))
		bins = max(5, min(bins, 40))
	}
	lo, hi := nums[0], nums[0]
	for _, n := range nums {
		lo, hi = math.Min(lo, n), math.Max(hi, n)
	}
	if hi == lo {
		hi = lo + 1
	}
	width := (hi - lo) / float64(bins)
	counts := make([]float64, bins)
	for _, n := range nums {
		idx := int((n - lo) / width)
		if idx >= bins {
			idx = bins - 1
		}
		counts[idx]++
	}
	s := series{kind: "bar"}
	for i, c := range counts {
		s.xs = append(s.xs, value{num: lo + width*(float64(i)+0.5), isNum: true, valid: true})
		s.ys = append(s.ys, c)
	}
	return s, true
}

// decodeValues accepts a JSON array or a plotly typed array ({"dtype", "bdata"}).
func decodeValues(raw json.RawMessage) ([]value, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '{' {
		var typed struct {
			DType string `json:"dtype"`
			BData string `json:"bdata"`
		}
		if err := json.Unmarshal(raw, &typed); err != nil {
			return nil, err
		}
		return decodeTyped(typed.DType, typed.BData)
	}

	var items []any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	out := make([]value, len(items))
	for i, it := range items {
		switch v := it.(type) {
		case float64:
			out[i] = value{num: v, isNum: true, valid: true}
		case string:
			out[i] = value{str: v, valid: true}
		case bool:
			out[i] = value{str: strconv.FormatBool(v), valid: true}
		}
	}
	return out, nil
}

func decodeTyped(dtype, bdata string) ([]value, error) {
	data, err := base64.StdEncoding.DecodeString(bdata)
	if err != nil {
		return nil, fmt.Errorf("typed array: %w", err)
	}
	size := map[string]int{"i1": 1, "u1": 1, "i2": 2, "u2": 2, "i4": 4, "u4": 4, "f4": 4, "f8": 8, "i8": 8, "u8": 8}[dtype]
	if size == 0 {
		return nil, fmt.Errorf("typed array: unsupported dtype %q", dtype)
	}
	n := len(data) / size
	out := make([]value, n)
	le := binary.LittleEndian
	for i := 0; i < n; i++ {
		b := data[i*size : (i+1)*size]
		var f float64
		switch dtype {
		case "i1":
			f = float64(int8(b[0]))
		case "u1":
			f = float64(b[0])
		case "i2":
			f = float64(int16(le.Uint16(b)))
		case "u2":
			f = float64(le.Uint16(b))
		case "i4":
			f = float64(int32(le.Uint32(b)))
		case "u4":
			f = float64(le.Uint32(b))
		case "i8":
			f = float64(int64(le.Uint64(b)))
		case "u8":
			f = float64(le.Uint64(b))
		case "f4":
			f = float64(math.Float32frombits(le.Uint32(b)))
		case "f8":
			f = math.Float64frombits(le.Uint64(b))
		}
		out[i] = value{num: f, isNum: true, valid: true}
	}
	return out, nil
}

func titleText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return obj.Text
	}
	return ""
}

func traceColor(t trace, i int) color.RGBA {
	for _, raw := range []json.RawMessage{t.Marker.Color, t.Line.Color} {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			if c, ok := parseColor(s); ok {
				return c
			}
		}
	}
	return palette[i%len(palette)]
}

// parseColor understands "#rgb", "#rrggbb" and "rgb(r, g, b)".
func parseColor(s string) (color.RGBA, bool) {
	s = strings.TrimSpace(strings.ToLower(s))
	if strings.HasPrefix(s, "#") {
		hex := s[1:]
		if len(hex) == 3 {
			hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
		}
		if len(hex) != 6 {
			return color.RGBA{}, false
		}
		v, err := strconv.ParseUint(hex, 16, 32)
		if err != nil {
			return color.RGBA{}, false
		}
		return color.RGBA{uint8(v >> 16), uint8(v >> 8), uint8(v), 0xff}, true
	}
	if strings.HasPrefix(s, "rgb(") || strings.HasPrefix(s, "rgba(") {
		inner := s[strings.IndexByte(s, '(')+1 : len(s)-1]
		parts := strings.Split(inner, ",")
		if len(parts) < 3 {
			return color.RGBA{}, false
		}
		var rgb [3]uint8
		for i := 0; i < 3; i++ {
			n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
			if err != nil || n < 0 || n > 255 {
				return color.RGBA{}, false
			}
			rgb[i] = uint8(n)
		}
		return color.RGBA{rgb[0], rgb[1], rgb[2], 0xff}, true
	}
	return color.RGBA{}, false
}

// --- drawing ---

type canvas struct {
	series                []series
	title, xLabel, yLabel string

	categories []string // categorical x axis labels, nil for numeric
	xMin, xMax float64
	yMin, yMax float64
	yTicks     []float64
	plot       image.Rectangle // plot area in output pixels
}

func newCanvas(all []series, title, xLabel, yLabel string) *canvas {
	c := &canvas{series: all, title: title, xLabel: xLabel, yLabel: yLabel}
	c.layoutAxes()
	top := 20
	if title != "" {
		top = 45
	}
	bottom := 40
	if xLabel != "" {
		bottom = 60
	}
	left := 70
	right := 20
	if len(all) > 1 {
		right = 150
	}
	c.plot = image.Rect(left, top, Width-right, Height-bottom)
	return c
}

func (c *canvas) layoutAxes() {
	numeric := true
	for _, s := range c.series {
		for _, x := range s.xs {
			if !x.isNum {
				numeric = false
			}
		}
	}
	hasBars := false
	c.yMin, c.yMax = math.Inf(1), math.Inf(-1)
	c.xMin, c.xMax = math.Inf(1), math.Inf(-1)
	index := map[string]int{}
	for _, s := range c.series {
		if s.kind == "bar" {
			hasBars = true
		}
		for i, x := range s.xs {
			if !numeric {
				label := x.str
				if x.isNum {
					label = strconv.FormatFloat(x.num, 'g', -1, 64)
				}
				if _, ok := index[label]; !ok {
					index[label] = len(c.categories)
					c.categories = append(c.categories, label)
				}
			} else {
				c.xMin, c.xMax = math.Min(c.xMin, x.num), math.Max(c.xMax, x.num)
			}
			c.yMin, c.yMax = math.Min(c.yMin, s.ys[i]), math.Max(c.yMax, s.ys[i])
		}
	}
	if !numeric {
		for si := range c.series {
			for i, x := range c.series[si].xs {
				label := x.str
				if x.isNum {
					label = strconv.FormatFloat(x.num, 'g', -1, 64)
				}
				c.series[si].xs[i] = value{num: float64(index[label]), isNum: true, valid: true}
			}
		}
		c.xMin, c.xMax = -0.5, float64(len(c.categories))-0.5
	} else if hasBars {
		step := minStep(c.series)
		c.xMin -= step / 2
		c.xMax += step / 2
	}
	if c.xMin == c.xMax {
		c.xMin, c.xMax = c.xMin-1, c.xMax+1
	}
	if hasBars {
		c.yMin, c.yMax = math.Min(c.yMin, 0), math.Max(c.yMax, 0)
	}
	if c.yMin == c.yMax {
		c.yMin, c.yMax = c.yMin-1, c.yMax+1
	}
	c.yTicks = niceTicks(c.yMin, c.yMax, 6)
	c.yMin = math.Min(c.yMin, c.yTicks[0])
	c.yMax = math.Max(c.yMax, c.yTicks[len(c.yTicks)-1])
}

// minStep is the smallest gap between x positions of bar series.
func minStep(all []series) float64 {
	step := math.Inf(1)
	for _, s := range all {
		if s.kind != "bar" {
			continue
		}
		for i := 1; i < len(s.xs); i++ {
			if d := math.Abs(s.xs[i].num - s.xs[i-1].num); d > 0 {
				step = math.Min(step, d)
			}
		}
	}
	if math.IsInf(step, 1) {
		return 1
	}
	return step
}

func (c *canvas) px(x float64) float64 {
	return float64(c.plot.Min.X) + (x-c.xMin)/(c.xMax-c.xMin)*float64(c.plot.Dx())
}

func (c *canvas) py(y float64) float64 {
	return float64(c.plot.Max.Y) - (y-c.yMin)/(c.yMax-c.yMin)*float64(c.plot.Dy())
}

func (c *canvas) draw() *image.RGBA {
	const k = supersample
	big := image.NewRGBA(image.Rect(0, 0, Width*k, Height*k))
	draw.Draw(big, big.Bounds(), &image.Uniform{background}, image.Point{}, draw.Src)
	fillRect(big, scaleRect(c.plot, k), plotArea)

	for _, t := range c.yTicks {
		y := int(c.py(t) * k)
		fillRect(big, image.Rect(c.plot.Min.X*k, y-1, c.plot.Max.X*k, y+1), gridColor)
	}

	step := minStep(c.series)
	if c.categories != nil {
		step = 1
	}
	for _, s := range c.series {
		switch s.kind {
		case "bar":
			width := step * 0.8 / float64(s.groups)
			for i, x := range s.xs {
				left := x.num - step*0.4 + width*float64(s.slot)
				r := image.Rect(
					int(c.px(left)*k), int(c.py(math.Max(s.ys[i], 0))*k),
					int(c.px(left+width)*k), int(c.py(math.Min(s.ys[i], 0))*k),
				)
				fillRect(big, r, s.color)
			}
		default:
			if strings.Contains(s.kind, "line") {
				for i := 1; i < len(s.xs); i++ {
					drawLine(big,
						c.px(s.xs[i-1].num)*k, c.py(s.ys[i-1])*k,
						c.px(s.xs[i].num)*k, c.py(s.ys[i])*k,
						2*k, s.color)
				}
			}
			if strings.Contains(s.kind, "markers") {
				for i, x := range s.xs {
					cx, cy := int(c.px(x.num)*k), int(c.py(s.ys[i])*k)
					fillRect(big, image.Rect(cx-3*k, cy-3*k, cx+3*k, cy+3*k), s.color)
				}
			}
		}
	}

	out := image.NewRGBA(image.Rect(0, 0, Width, Height))
	draw.CatmullRom.Scale(out, out.Bounds(), big, big.Bounds(), draw.Src, nil)
	c.drawText(out)
	return out
}

func (c *canvas) drawText(img *image.RGBA) {
	face := basicfont.Face7x13
	if c.title != "" {
		text(img, face, c.title, Width/2-measure(face, c.title)/2, 28)
	}
	for _, t := range c.yTicks {
		label := formatTick(t)
		text(img, face, label, c.plot.Min.X-8-measure(face, label), int(c.py(t))+4)
	}

	if c.categories != nil {
		every := 1
		if n := len(c.categories); n > 0 {
			maxLabels := c.plot.Dx() / 60
			if maxLabels > 0 && n > maxLabels {
				every = (n + maxLabels - 1) / maxLabels
			}
		}
		for i, label := range c.categories {
			if i%every != 0 {
				continue
			}
			if len(label) > 12 {
				label = label[:11] + "~"
			}
			text(img, face, label, int(c.px(float64(i)))-measure(face, label)/2, c.plot.Max.Y+16)
		}
	} else {
		for _, t := range niceTicks(c.xMin, c.xMax, 8) {
			if t < c.xMin || t > c.xMax {
				continue
			}
			label := formatTick(t)
			text(img, face, label, int(c.px(t))-measure(face, label)/2, c.plot.Max.Y+16)
		}
	}

	if c.xLabel != "" {
		text(img, face, c.xLabel, c.plot.Min.X+c.plot.Dx()/2-measure(face, c.xLabel)/2, Height-16)
	}
	if c.yLabel != "" {
		text(img, face, c.yLabel, 6, c.plot.Min.Y-8)
	}

	if len(c.series) > 1 {
		x := c.plot.Max.X + 12
		for i, s := range c.series {
			y := c.plot.Min.Y + 10 + i*18
			fillRect(img, image.Rect(x, y-8, x+12, y+2), s.color)
			name := s.name
			if len(name) > 16 {
				name = name[:15] + "~"
			}
			text(img, face, name, x+18, y+1)
		}
	}
}

func text(img *image.RGBA, face font.Face, s string, x, y int) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(textColor),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

func measure(face font.Face, s string) int {
	return font.MeasureString(face, s).Round()
}

func fillRect(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	draw.Draw(img, r.Canon().Intersect(img.Bounds()), &image.Uniform{c}, image.Point{}, draw.Over)
}

func scaleRect(r image.Rectangle, k int) image.Rectangle {
	return image.Rect(r.Min.X*k, r.Min.Y*k, r.Max.X*k, r.Max.Y*k)
}

// drawLine draws a thick segment by stamping squares along it.
func drawLine(img *image.RGBA, x0, y0, x1, y1 float64, thickness int, c color.RGBA) {
	steps := int(math.Max(math.Abs(x1-x0), math.Abs(y1-y0)))
	if steps == 0 {
		steps = 1
	}
	half := thickness / 2
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		x := int(x0 + (x1-x0)*t)
		y := int(y0 + (y1-y0)*t)
		fillRect(img, image.Rect(x-half, y-half, x+half+1, y+half+1), c)
	}
}

// niceTicks returns evenly spaced round tick values covering [lo, hi].
func niceTicks(lo, hi float64, n int) []float64 {
	span := niceNum(hi-lo, false)
	step := niceNum(span/float64(n-1), true)
	start := math.Floor(lo/step) * step
	end := math.Ceil(hi/step) * step
	var ticks []float64
	for v := start; v <= end+step/2; v += step {
		ticks = append(ticks, math.Round(v/step)*step)
	}
	return ticks
}

func niceNum(x float64, round bool) float64 {
	if x <= 0 {
		return 1
	}
	exp := math.Floor(math.Log10(x))
	f := x / math.Pow(10, exp)
	var nf float64
	switch {
	case round && f < 1.5:
		nf = 1
	case round && f < 3:
		nf = 2
	case round && f < 7:
		nf = 5
	case round:
		nf = 10
	case f <= 1:
		nf = 1
	case f <= 2:
		nf = 2
	case f <= 5:
		nf = 5
	default:
		nf = 10
	}
	return nf * math.Pow(10, exp)
}

func formatTick(v float64) string {
	if v == 0 {
		return "0"
	}
	abs := math.Abs(v)
	switch {
	case abs >= 1e6 || abs < 1e-3:
		return strconv.FormatFloat(v, 'g', 3, 64)
	case abs >= 1000:
		return strconv.FormatFloat(v, 'f', 0, 64)
	default:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
}
