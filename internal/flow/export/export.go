// Package export renders a flow.Flow into the serialization formats the
// external UI/export collaborator needs. This is presentation-adjacent
// but not UI itself: it is the library surface spec.md's external
// collaborators call, not a rendering engine.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"html"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fergdev/roxy/internal/flow"
)

type Format string

const (
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
	FormatXML      Format = "xml"
	FormatCSV      Format = "csv"
	FormatMarkdown Format = "markdown"
	FormatTOML     Format = "toml"
	FormatHTML     Format = "html"
)

// record is the flat, serialization-friendly projection of a flow.Flow.
type record struct {
	ID             uint64              `json:"id" yaml:"id" xml:"id"`
	TraceID        string              `json:"trace_id" yaml:"trace_id" xml:"trace_id"`
	Kind           string              `json:"kind" yaml:"kind" xml:"kind"`
	State          string              `json:"state" yaml:"state" xml:"state"`
	Host           string              `json:"host" yaml:"host" xml:"host"`
	Method         string              `json:"method,omitempty" yaml:"method,omitempty" xml:"method,omitempty"`
	URI            string              `json:"uri,omitempty" yaml:"uri,omitempty" xml:"uri,omitempty"`
	Status         int                 `json:"status,omitempty" yaml:"status,omitempty" xml:"status,omitempty"`
	RequestHeaders map[string][]string `json:"request_headers,omitempty" yaml:"request_headers,omitempty" xml:"-"`
	ResponseHeaders map[string][]string `json:"response_headers,omitempty" yaml:"response_headers,omitempty" xml:"-"`
}

func toRecord(f *flow.Flow) record {
	r := record{
		ID:      f.ID,
		TraceID: f.TraceID,
		Kind:    f.Kind.String(),
		State:   f.State.String(),
		Host:    f.Host,
	}
	if f.Request != nil {
		r.Method = string(f.Request.Method)
		r.URI = f.Request.URI
		if f.Request.Headers != nil {
			r.RequestHeaders = f.Request.Headers.ToMap()
		}
	}
	if f.Response != nil {
		r.Status = f.Response.Status
		if f.Response.Headers != nil {
			r.ResponseHeaders = f.Response.Headers.ToMap()
		}
	}
	return r
}

// Marshal renders f in the requested format.
func Marshal(f *flow.Flow, format Format) ([]byte, error) {
	r := toRecord(f)
	switch format {
	case FormatJSON:
		return json.MarshalIndent(r, "", "  ")
	case FormatYAML:
		return yaml.Marshal(r)
	case FormatXML:
		return xml.MarshalIndent(r, "", "  ")
	case FormatCSV:
		return marshalCSV(r)
	case FormatMarkdown:
		return marshalMarkdown(r), nil
	case FormatTOML:
		return marshalTOML(r), nil
	case FormatHTML:
		return marshalHTML(r), nil
	default:
		return nil, fmt.Errorf("export: unknown format %q", format)
	}
}

func marshalCSV(r record) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := []string{"id", "trace_id", "kind", "state", "host", "method", "uri", "status"}
	row := []string{
		fmt.Sprint(r.ID), r.TraceID, r.Kind, r.State, r.Host, r.Method, r.URI, fmt.Sprint(r.Status),
	}
	if err := w.Write(header); err != nil {
		return nil, err
	}
	if err := w.Write(row); err != nil {
		return nil, err
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func marshalMarkdown(r record) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "### Flow %d\n\n", r.ID)
	fmt.Fprintf(&b, "- trace: `%s`\n", r.TraceID)
	fmt.Fprintf(&b, "- kind: %s\n", r.Kind)
	fmt.Fprintf(&b, "- state: %s\n", r.State)
	fmt.Fprintf(&b, "- host: %s\n", r.Host)
	if r.Method != "" {
		fmt.Fprintf(&b, "- request: %s %s\n", r.Method, r.URI)
	}
	if r.Status != 0 {
		fmt.Fprintf(&b, "- status: %d\n", r.Status)
	}
	return []byte(b.String())
}

// marshalTOML renders r as a flat TOML table. Kept to the scalar fields
// only (no request_headers/response_headers) since TOML's array-of-
// tables syntax for a map[string][]string adds noise the other formats
// don't need; this is presentation detail for the out-of-scope UI, not
// a wire format roxy itself consumes.
func marshalTOML(r record) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "id = %d\n", r.ID)
	fmt.Fprintf(&b, "trace_id = %q\n", r.TraceID)
	fmt.Fprintf(&b, "kind = %q\n", r.Kind)
	fmt.Fprintf(&b, "state = %q\n", r.State)
	fmt.Fprintf(&b, "host = %q\n", r.Host)
	if r.Method != "" {
		fmt.Fprintf(&b, "method = %q\n", r.Method)
		fmt.Fprintf(&b, "uri = %q\n", r.URI)
	}
	if r.Status != 0 {
		fmt.Fprintf(&b, "status = %d\n", r.Status)
	}
	return []byte(b.String())
}

func marshalHTML(r record) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "<section class=\"flow\" id=\"flow-%d\">\n", r.ID)
	fmt.Fprintf(&b, "  <h3>Flow %d</h3>\n", r.ID)
	fmt.Fprintf(&b, "  <dl>\n")
	fmt.Fprintf(&b, "    <dt>trace</dt><dd><code>%s</code></dd>\n", html.EscapeString(r.TraceID))
	fmt.Fprintf(&b, "    <dt>kind</dt><dd>%s</dd>\n", html.EscapeString(r.Kind))
	fmt.Fprintf(&b, "    <dt>state</dt><dd>%s</dd>\n", html.EscapeString(r.State))
	fmt.Fprintf(&b, "    <dt>host</dt><dd>%s</dd>\n", html.EscapeString(r.Host))
	if r.Method != "" {
		fmt.Fprintf(&b, "    <dt>request</dt><dd>%s %s</dd>\n", html.EscapeString(r.Method), html.EscapeString(r.URI))
	}
	if r.Status != 0 {
		fmt.Fprintf(&b, "    <dt>status</dt><dd>%d</dd>\n", r.Status)
	}
	fmt.Fprintf(&b, "  </dl>\n")
	fmt.Fprintf(&b, "</section>\n")
	return []byte(b.String())
}
