package trajectory

import (
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// PreviewSize is the edge length of the rendered preview.
const PreviewSize = 5 * vg.Inch

// RenderPNG draws the ground track of wps as seen from above, east to the
// right and north up, and writes it to w as a PNG.
func RenderPNG(w io.Writer, title string, wps []Waypoint) error {
	if len(wps) == 0 {
		return fmt.Errorf("no waypoints to render")
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "East (m)"
	p.Y.Label.Text = "North (m)"
	p.Add(plotter.NewGrid())

	track := make(plotter.XYs, len(wps))
	for i, wp := range wps {
		track[i] = plotter.XY{X: wp.Y, Y: wp.X}
	}

	line, err := plotter.NewLine(track)
	if err != nil {
		return fmt.Errorf("failed to build track line: %w", err)
	}
	line.Color = color.RGBA{R: 30, G: 90, B: 200, A: 255}
	line.Width = vg.Points(1.5)
	p.Add(line)

	start, err := plotter.NewScatter(track[:1])
	if err != nil {
		return fmt.Errorf("failed to build start marker: %w", err)
	}
	start.GlyphStyle.Color = color.RGBA{R: 200, G: 40, B: 40, A: 255}
	start.GlyphStyle.Radius = vg.Points(4)
	start.GlyphStyle.Shape = draw.CircleGlyph{}
	p.Add(start)
	p.Legend.Add("track", line)
	p.Legend.Add("start", start)

	wt, err := p.WriterTo(PreviewSize, PreviewSize, "png")
	if err != nil {
		return fmt.Errorf("failed to create png writer: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write png: %w", err)
	}
	return nil
}
