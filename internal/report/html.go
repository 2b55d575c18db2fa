package report

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// RenderHTML renders one line chart per series onto a single go-echarts
// page and writes the resulting document to w.
func RenderHTML(h History, w io.Writer) error {
	page := components.NewPage()
	page.PageTitle = "Caldera Stats Report"

	for _, s := range h.Series {
		sum := s.Summarize()
		line := charts.NewLine()
		line.SetGlobalOptions(
			charts.WithInitializationOpts(opts.Initialization{Theme: "dark", Width: "1100px", Height: "320px"}),
			charts.WithTitleOpts(opts.Title{
				Title:    s.Name,
				Subtitle: fmt.Sprintf("%d samples, mean=%.3f stddev=%.3f range=[%.3f, %.3f]", len(s.Values), sum.Mean, sum.StdDev, sum.Min, sum.Max),
			}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		)

		data := make([]opts.LineData, len(s.Values))
		for i, v := range s.Values {
			data[i] = opts.LineData{Value: v}
		}

		line.SetXAxis(h.Labels).
			AddSeries(s.Name, data,
				charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(false)}),
			)

		page.AddCharts(line)
	}

	return page.Render(w)
}
