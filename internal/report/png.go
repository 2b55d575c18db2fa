package report

import (
	"fmt"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/caldera-project/caldera/internal/fsutil"
)

// RenderPNG writes one PNG line plot per series into outputDir, named
// "<series>.png", mirroring the teacher's gridplotter.go ring-plot layout
// (12x4in, one plotter.Line per series). File I/O goes through
// fsutil.FileSystem (the teacher's testability seam for filesystem access)
// rather than directly through gonum/plot's own os.Create-based Save, so
// callers can substitute fsutil.NewMemoryFileSystem() in tests.
func RenderPNG(h History, outputDir string, fs fsutil.FileSystem) ([]string, error) {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	if err := fs.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("report: create output dir: %w", err)
	}

	paths := make([]string, 0, len(h.Series))
	for _, s := range h.Series {
		p := plot.New()
		p.Title.Text = s.Name
		p.X.Label.Text = "frame"
		p.Y.Label.Text = s.Name

		pts := make(plotter.XYs, len(s.Values))
		for i, v := range s.Values {
			pts[i] = plotter.XY{X: float64(i), Y: v}
		}

		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("report: build line for %s: %w", s.Name, err)
		}
		line.Width = vg.Points(1.5)
		p.Add(line)

		wt, err := p.WriterTo(12*vg.Inch, 4*vg.Inch)
		if err != nil {
			return nil, fmt.Errorf("report: render %s: %w", s.Name, err)
		}

		path := filepath.Join(outputDir, s.Name+".png")
		out, err := fs.Create(path)
		if err != nil {
			return nil, fmt.Errorf("report: create %s: %w", path, err)
		}
		_, writeErr := wt.WriteTo(out)
		closeErr := out.Close()
		if writeErr != nil {
			return nil, fmt.Errorf("report: write %s: %w", path, writeErr)
		}
		if closeErr != nil {
			return nil, fmt.Errorf("report: close %s: %w", path, closeErr)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
