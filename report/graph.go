// Package report renders what the engine did: an HTML page with the chain
// graph and the hottest units, and diffs of guest register state.
package report

import (
	"fmt"
	"io"

	"github.com/colorfulnotion/dbt/engine"
	"github.com/colorfulnotion/dbt/tcache"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
)

func nodeName(pc uint64, flags uint32) string {
	return fmt.Sprintf("%#x/%x", pc, flags)
}

// ChainGraph draws live units as nodes and their linked exits as edges.
func ChainGraph(c *tcache.Cache) *charts.Graph {
	var nodes []opts.GraphNode
	var links []opts.GraphLink
	c.ForEach(func(u *tcache.Unit) {
		color := "steelblue"
		if u.Spans2() {
			color = "orange"
		}
		nodes = append(nodes, opts.GraphNode{
			Name:  nodeName(u.PC, u.Flags),
			Value: float32(u.Hits()),
			Tooltip: &opts.Tooltip{
				Show: opts.Bool(true),
				Formatter: types.FuncStr(fmt.Sprintf("pc %#x<br>insns %d, %d bytes host code<br>dispatched %d",
					u.PC, u.Insns, u.Region.Len, u.Hits())),
			},
			ItemStyle: &opts.ItemStyle{Color: color},
		})
		for i := range u.Exits {
			if to := u.Exits[i].Linked(); to != nil {
				links = append(links, opts.GraphLink{Source: nodeName(u.PC, u.Flags), Target: nodeName(to.PC, to.Flags)})
			}
		}
	})

	graph := charts.NewGraph()
	graph.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Translation units",
			Subtitle: fmt.Sprintf("%d units, %d chained exits", len(nodes), len(links)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	graph.AddSeries("units", nodes, links).SetSeriesOptions(
		charts.WithGraphChartOpts(opts.GraphChart{
			Force:  &opts.GraphForce{Repulsion: 800, Gravity: 0.2},
			Layout: "force",
			Roam:   opts.Bool(true),
		}),
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "right", Formatter: "{b}"}),
	)
	return graph
}

// HotBar charts the dispatch counts of the n hottest units.
func HotBar(prof []engine.ProfileEntry, n int) *charts.Bar {
	if n > 0 && len(prof) > n {
		prof = prof[:n]
	}
	names := make([]string, len(prof))
	data := make([]opts.BarData, len(prof))
	for i, p := range prof {
		names[i] = nodeName(p.PC, p.Flags)
		data[i] = opts.BarData{Value: p.Hits}
	}
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Hottest units", Subtitle: "dispatcher entries per unit"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(names).AddSeries("dispatches", data)
	return bar
}

// Render writes a page holding the chain graph and the hot unit chart.
func Render(w io.Writer, c *tcache.Cache, prof []engine.ProfileEntry, hot int) error {
	page := components.NewPage()
	page.AddCharts(ChainGraph(c), HotBar(prof, hot))
	return page.Render(w)
}
