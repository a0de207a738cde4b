package stepup

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"sort"
	"strings"
)

var replayFormTemplate = template.Must(template.New("replay").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Continuing…</title></head>
<body onload="document.forms[0].submit()">
<form method="{{.FormMethod}}" action="{{.URL}}">
{{- if .Override}}
<input type="hidden" name="_method" value="{{.Override}}">
{{- end}}
{{- range .Fields}}
<input type="hidden" name="{{.Name}}" value="{{.Value}}">
{{- end}}
<noscript><button type="submit">Continue</button></noscript>
</form>
</body>
</html>
`))

type formField struct {
	Name  string
	Value string
}

type replayForm struct {
	FormMethod string
	Override   string
	URL        string
	Fields     []formField
}

// FormReplayable reports whether the captured body can be repeated by an
// HTML form. JSON bodies keep their types only through the JSON instruction.
func (in ReplayInstruction) FormReplayable() bool {
	ct := strings.ToLower(in.ContentType)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	switch strings.TrimSpace(ct) {
	case "", "application/x-www-form-urlencoded", "multipart/form-data":
		return true
	}
	return false
}

// RenderReplayForm renders an auto-submitting HTML form that repeats a
// resubmit instruction with its original method. Methods other than GET and
// POST travel as a _method override on a POST form. Every value is sent as a
// string, so only form-encoded captures should be rendered this way.
func RenderReplayForm(in ReplayInstruction) ([]byte, error) {
	form := replayForm{FormMethod: http.MethodPost, URL: in.URL}
	switch m := strings.ToUpper(in.Method); m {
	case http.MethodGet, http.MethodPost:
		form.FormMethod = m
	default:
		form.Override = m
	}
	form.Fields = flatten("", in.Payload)

	var buf bytes.Buffer
	if err := replayFormTemplate.Execute(&buf, form); err != nil {
		return nil, fmt.Errorf("render replay form: %w", err)
	}
	return buf.Bytes(), nil
}

// flatten turns nested payloads into bracketed form field names.
func flatten(prefix string, payload map[string]any) []formField {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var fields []formField
	for _, k := range keys {
		name := k
		if prefix != "" {
			name = prefix + "[" + k + "]"
		}
		fields = append(fields, flattenValue(name, payload[k])...)
	}
	return fields
}

func flattenValue(name string, v any) []formField {
	switch t := v.(type) {
	case map[string]any:
		return flatten(name, t)
	case []any:
		var fields []formField
		for _, item := range t {
			fields = append(fields, flattenValue(name+"[]", item)...)
		}
		return fields
	case nil:
		return []formField{{Name: name}}
	default:
		return []formField{{Name: name, Value: fmt.Sprint(t)}}
	}
}
