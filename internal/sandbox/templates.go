package sandbox

import (
	"fmt"
	"strings"
)

const vegaLiteSchema = "https://vega.github.io/schema/vega-lite/v5.json"

// normalizeHint coerces an arbitrary hint to a supported chart kind.
func normalizeHint(hint string) string {
	switch strings.ToLower(hint) {
	case "line":
		return "line"
	case "scatter":
		return "scatter"
	default:
		return "bar"
	}
}

// vegaMark maps a chart kind to its Vega-Lite mark.
func vegaMark(kind string) string {
	if kind == "bar" || kind == "line" {
		return kind
	}

	return "point"
}

func svgBar(title string) string {
	heights := []int{20, 60, 100, 50, 80}

	var bars strings.Builder
	for i, h := range heights {
		fmt.Fprintf(&bars, `<rect x="%d" y="%d" width="20" height="%d" fill="#60a5fa" />`, 20+i*30, 100-h, h)
	}

	return fmt.Sprintf(
		`<svg xmlns="http://www.w3.org/2000/svg" width="360" height="120" viewBox="0 0 360 120">`+
			`<text x="10" y="16" font-size="12" fill="#0f172a">%s</text>`+
			`<line x1="10" y1="100" x2="350" y2="100" stroke="#94a3b8" stroke-width="1" />`+
			`%s</svg>`,
		title, bars.String(),
	)
}

func svgLine(title string) string {
	points := [][2]int{{20, 90}, {60, 60}, {100, 70}, {140, 40}, {180, 55}, {220, 30}, {260, 35}, {300, 25}}

	segments := make([]string, len(points))
	var circles strings.Builder

	for i, p := range points {
		segments[i] = fmt.Sprintf("%d %d", p[0], p[1])
		fmt.Fprintf(&circles, `<circle cx="%d" cy="%d" r="3" fill="#34d399" />`, p[0], p[1])
	}

	pathD := "M " + strings.Join(segments, " L ")

	return fmt.Sprintf(
		`<svg xmlns="http://www.w3.org/2000/svg" width="360" height="120" viewBox="0 0 360 120">`+
			`<text x="10" y="16" font-size="12" fill="#0f172a">%s</text>`+
			`<path d="%s" fill="none" stroke="#34d399" stroke-width="2" />`+
			`%s</svg>`,
		title, pathD, circles.String(),
	)
}

func svgScatter(title string) string {
	points := [][2]int{{20, 80}, {50, 60}, {80, 70}, {110, 40}, {140, 55}, {170, 65}, {200, 45}, {230, 35}, {260, 75}}

	var circles strings.Builder
	for _, p := range points {
		fmt.Fprintf(&circles, `<circle cx="%d" cy="%d" r="3" fill="#f97316" />`, p[0], p[1])
	}

	return fmt.Sprintf(
		`<svg xmlns="http://www.w3.org/2000/svg" width="360" height="120" viewBox="0 0 360 120">`+
			`<text x="10" y="16" font-size="12" fill="#0f172a">%s</text>`+
			`%s</svg>`,
		title, circles.String(),
	)
}

// templateVegaSpec builds the minimal Vega-Lite spec with inline sample data.
func templateVegaSpec(kind string) map[string]any {
	values := []int{1, 3, 2, 5, 4}
	data := make([]map[string]any, len(values))

	for i, v := range values {
		data[i] = map[string]any{"x": i, "y": v}
	}

	return map[string]any{
		"$schema": vegaLiteSchema,
		"mark":    vegaMark(kind),
		"data":    map[string]any{"name": "data"},
		"encoding": map[string]any{
			"x": map[string]any{"field": "x", "type": "quantitative"},
			"y": map[string]any{"field": "y", "type": "quantitative"},
		},
		"datasets":    map[string]any{"data": data},
		"description": fmt.Sprintf("template %s chart", kind),
	}
}

// templateResult renders the built-in preview for a chart kind: an SVG image
// output followed by a Vega-Lite output with inline sample data.
func templateResult(hint, datasetID string) *Result {
	kind := normalizeHint(hint)

	var svg string

	switch kind {
	case "line":
		svg = svgLine("Line (template)")
	case "scatter":
		svg = svgScatter("Scatter (template)")
	default:
		svg = svgBar("Bar (template)")
	}

	code := fmt.Sprintf(
		"# template-only preview\n"+
			"import json\n"+
			"spec = { 'mark': '%s', 'data': {'values': [{'x':0,'y':1}]}}\n"+
			"print(json.dumps(spec))\n",
		vegaMark(kind),
	)

	return &Result{
		Language: "python",
		Library:  "vega",
		Code:     code,
		Seed:     42,
		Meta: map[string]any{
			"dataset_id": datasetID,
			"hint":       hint,
			"engine":     "template",
		},
		Outputs: []Output{
			{Type: "image", MIME: "image/svg+xml", Content: svg},
			{Type: "vega", MIME: "application/json", Content: templateVegaSpec(kind)},
		},
	}
}
