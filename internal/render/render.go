package render

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"segbench/internal/volume"
)

const (
	panelPx       = 420
	pageWidthPx   = 3*panelPx + 120
	pageHeightPx  = panelPx + 140
	screenshotTTL = 20 * time.Second
	dirMode       = 0o755
	fileMode      = 0o644
)

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Frame is one image / ground truth / prediction triple plus its scores.
// Volumes are single samples in channel-last layout.
type Frame struct {
	Key        string
	Image      *volume.Volume
	Target     *volume.Volume
	Prediction *volume.Volume
	Score      float64
	SoftScore  float64
}

// Result lists the files written for a Frame.
type Result struct {
	HTMLPath string `json:"html_path"`
	PNGPath  string `json:"png_path,omitempty"`
}

// Renderer writes one HTML page (and optionally a PNG) per frame into Dir.
type Renderer struct {
	Dir string
	PNG bool
}

// Render draws the middle slice of each volume side by side.
func (r *Renderer) Render(ctx context.Context, f Frame) (Result, error) {
	if r.Dir == "" {
		return Result{}, errors.New("render: output dir required")
	}
	if f.Key == "" {
		return Result{}, errors.New("render: frame key required")
	}
	html, err := BuildHTML(f)
	if err != nil {
		return Result{}, err
	}
	if err := os.MkdirAll(r.Dir, dirMode); err != nil {
		return Result{}, fmt.Errorf("create report dir: %w", err)
	}

	base := unsafeName.ReplaceAllString(f.Key, "_")
	res := Result{HTMLPath: filepath.Join(r.Dir, base+".html")}
	if err := os.WriteFile(res.HTMLPath, html, fileMode); err != nil {
		return Result{}, fmt.Errorf("write %s: %w", res.HTMLPath, err)
	}

	if r.PNG {
		png, err := screenshot(ctx, html)
		if err != nil {
			return res, fmt.Errorf("screenshot %s: %w", f.Key, err)
		}
		res.PNGPath = filepath.Join(r.Dir, base+".png")
		if err := os.WriteFile(res.PNGPath, png, fileMode); err != nil {
			return res, fmt.Errorf("write %s: %w", res.PNGPath, err)
		}
	}
	return res, nil
}

// BuildHTML renders a frame into a standalone echarts page.
func BuildHTML(f Frame) ([]byte, error) {
	panels := []struct {
		title string
		vol   *volume.Volume
	}{
		{"Image", f.Image},
		{"Ground truth", f.Target},
		{fmt.Sprintf("Prediction (dice %.4f, soft %.4f)", f.Score, f.SoftScore), f.Prediction},
	}

	page := components.NewPage()
	page.PageTitle = fmt.Sprintf("%s dice=%.4f", f.Key, f.Score)
	page.SetLayout(components.PageFlexLayout)

	for _, p := range panels {
		rows, err := MiddleSlice(p.vol)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p.title, err)
		}
		page.AddCharts(heatmap(p.title, rows))
	}

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, fmt.Errorf("render page: %w", err)
	}
	return buf.Bytes(), nil
}

// MiddleSlice returns the first channel of the middle slice of a
// [H, W, (D...,) C] volume as H rows of W values.
func MiddleSlice(v *volume.Volume) ([][]float64, error) {
	if v == nil || v.Rank() < 3 {
		return nil, errors.New("render: need a [H, W, ..., C] volume")
	}
	for axis, n := range v.Shape {
		if n <= 0 {
			return nil, fmt.Errorf("render: empty axis %d in shape %v", axis, v.Shape)
		}
	}
	strides := make([]int, v.Rank())
	acc := 1
	for i := v.Rank() - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= v.Shape[i]
	}
	base := 0
	for axis := 2; axis < v.Rank()-1; axis++ {
		base += (v.Shape[axis] / 2) * strides[axis]
	}

	h, w := v.Shape[0], v.Shape[1]
	rows := make([][]float64, h)
	for y := 0; y < h; y++ {
		rows[y] = make([]float64, w)
		for x := 0; x < w; x++ {
			rows[y][x] = v.Data[base+y*strides[0]+x*strides[1]]
		}
	}
	return rows, nil
}

func heatmap(title string, rows [][]float64) *charts.HeatMap {
	lo, hi := math.Inf(1), math.Inf(-1)
	data := make([]opts.HeatMapData, 0, len(rows)*len(rows[0]))
	for y, row := range rows {
		for x, val := range row {
			lo = math.Min(lo, val)
			hi = math.Max(hi, val)
			data = append(data, opts.HeatMapData{Value: [3]interface{}{x, y, val}})
		}
	}
	if hi <= lo {
		hi = lo + 1
	}

	xs := make([]int, len(rows[0]))
	for i := range xs {
		xs[i] = i
	}
	ys := make([]int, len(rows))
	for i := range ys {
		ys[i] = i
	}

	hm := charts.NewHeatMap()
	hm.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Width:  fmt.Sprintf("%dpx", panelPx),
			Height: fmt.Sprintf("%dpx", panelPx),
		}),
		charts.WithTitleOpts(opts.Title{Title: title}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", Show: opts.Bool(false)}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Data: ys, Show: opts.Bool(false)}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Calculable: opts.Bool(true),
			Min:        float32(lo),
			Max:        float32(hi),
			InRange:    &opts.VisualMapInRange{Color: []string{"#000004", "#721f81", "#f1605d", "#fcfdbf"}},
		}),
	)
	hm.SetXAxis(xs).AddSeries(title, data)
	return hm
}

func screenshot(ctx context.Context, html []byte) ([]byte, error) {
	parent, cancel := chromedp.NewContext(ctx)
	defer cancel()

	timeoutCtx, cancelTimeout := context.WithTimeout(parent, screenshotTTL)
	defer cancelTimeout()

	dataURI := "data:text/html;base64," + base64.StdEncoding.EncodeToString(html)
	var png []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(pageWidthPx, pageHeightPx),
		chromedp.Navigate(dataURI),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(time.Second),
		chromedp.FullScreenshot(&png, 100),
	}
	if err := chromedp.Run(timeoutCtx, tasks...); err != nil {
		return nil, err
	}
	return png, nil
}
