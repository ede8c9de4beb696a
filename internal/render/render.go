// Package render serializes fetch results and summaries into export formats.
package render

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"html/template"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format names an output encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXML  Format = "xml"
	FormatHTML Format = "html"
	FormatYAML Format = "yaml"
)

// Formats lists every supported format.
func Formats() []Format {
	return []Format{FormatJSON, FormatCSV, FormatXML, FormatHTML, FormatYAML}
}

// ParseFormat normalizes a user supplied format name.
func ParseFormat(name string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Formats() {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unsupported format %q", name)
}

// Extension returns the file extension used when exporting f.
func (f Format) Extension() string {
	return "." + string(f)
}

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatXML:
		return "application/xml"
	case FormatHTML:
		return "text/html; charset=utf-8"
	case FormatYAML:
		return "application/yaml"
	default:
		return "application/json"
	}
}

// Renderer turns arbitrary data into bytes in a named format.
type Renderer struct {
	// Indent is applied to JSON output.
	Indent string
	// Title heads HTML output.
	Title string
}

// New returns a Renderer with pretty JSON.
func New() *Renderer {
	return &Renderer{Indent: "  ", Title: "Fetch results"}
}

// Render serializes data. CSV and HTML flatten data into rows: a slice becomes
// one row per element and anything else a single row.
func (r *Renderer) Render(data any, format string) ([]byte, error) {
	f, err := ParseFormat(format)
	if err != nil {
		return nil, err
	}
	switch f {
	case FormatCSV:
		return r.csv(data)
	case FormatXML:
		return r.xml(data)
	case FormatHTML:
		return r.html(data)
	case FormatYAML:
		out, err := yaml.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("render yaml: %w", err)
		}
		return out, nil
	default:
		out, err := json.MarshalIndent(data, "", r.Indent)
		if err != nil {
			return nil, fmt.Errorf("render json: %w", err)
		}
		return out, nil
	}
}

type xmlDocument struct {
	XMLName xml.Name `xml:"results"`
	Items   any      `xml:"result"`
}

func (r *Renderer) xml(data any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(xmlDocument{Items: data}); err != nil {
		return nil, fmt.Errorf("render xml: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func (r *Renderer) csv(data any) ([]byte, error) {
	columns, rows, err := tabulate(data)
	if err != nil {
		return nil, fmt.Errorf("render csv: %w", err)
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(columns); err != nil {
		return nil, fmt.Errorf("render csv header: %w", err)
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("render csv rows: %w", err)
	}
	return buf.Bytes(), nil
}

var htmlTemplate = template.Must(template.New("results").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<table>
<thead><tr>{{range .Columns}}<th>{{.}}</th>{{end}}</tr></thead>
<tbody>
{{range .Rows}}<tr>{{range .}}<td>{{.}}</td>{{end}}</tr>
{{end}}</tbody>
</table>
</body>
</html>
`))

func (r *Renderer) html(data any) ([]byte, error) {
	columns, rows, err := tabulate(data)
	if err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	var buf bytes.Buffer
	err = htmlTemplate.Execute(&buf, struct {
		Title   string
		Columns []string
		Rows    [][]string
	}{Title: r.Title, Columns: columns, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	return buf.Bytes(), nil
}

// tabulate flattens data through its JSON form so struct tags decide the
// column names. Columns are sorted for stable output.
func tabulate(data any) ([]string, [][]string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, nil, err
	}
	var records []map[string]any
	trimmed := bytes.TrimSpace(raw)
	switch {
	case bytes.Equal(trimmed, []byte("null")):
	case len(trimmed) > 0 && trimmed[0] == '[':
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, nil, fmt.Errorf("rows must be objects: %w", err)
		}
	default:
		var record map[string]any
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, nil, fmt.Errorf("row must be an object: %w", err)
		}
		records = append(records, record)
	}

	set := make(map[string]struct{})
	for _, rec := range records {
		for k := range rec {
			set[k] = struct{}{}
		}
	}
	columns := make([]string, 0, len(set))
	for k := range set {
		columns = append(columns, k)
	}
	sort.Strings(columns)

	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		row := make([]string, len(columns))
		for i, col := range columns {
			row[i] = cell(rec[col])
		}
		rows = append(rows, row)
	}
	return columns, rows, nil
}

func cell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case map[string]any, []any:
		out, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(out)
	default:
		return fmt.Sprint(val)
	}
}
