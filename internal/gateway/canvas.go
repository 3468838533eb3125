package gateway

import (
	"html/template"
	"net/http"
	"sort"
)

const canvasPrefix = "/__canvas__/"

var canvasPage = template.Must(template.New("canvas").Parse(`<!doctype html>
<html><head><title>hearth gateway</title></head>
<body>
<h1>hearth gateway</h1>
<p>state: {{.State}}</p>
<p>sessions: {{.Sessions}}</p>
<p>reload mode: {{.ReloadMode}}</p>
<p>group activation: {{.Activation}}</p>
<ul>{{range .Goroutines}}<li>{{.Name}}: {{.Status}}</li>{{end}}</ul>
</body></html>
`))

type canvasCheck struct {
	Name   string
	Status string
}

// canvasHandler serves CanvasDir under /__canvas__/ when set, otherwise a
// generated status page.
func (m *Manager) canvasHandler() http.Handler {
	mux := http.NewServeMux()
	if m.opts.CanvasDir != "" {
		mux.Handle(canvasPrefix, http.StripPrefix(canvasPrefix, http.FileServer(http.Dir(m.opts.CanvasDir))))
		return mux
	}
	mux.HandleFunc("GET "+canvasPrefix, func(w http.ResponseWriter, r *http.Request) {
		live := m.LiveConfig()
		checks := m.tracker.Checks()
		names := make([]string, 0, len(checks))
		for name := range checks {
			names = append(names, name)
		}
		sort.Strings(names)
		rows := make([]canvasCheck, 0, len(names))
		for _, name := range names {
			rows = append(rows, canvasCheck{Name: name, Status: checks[name]})
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = canvasPage.Execute(w, map[string]any{
			"State":      m.State(),
			"Sessions":   m.sessions.Count(),
			"ReloadMode": live.Gateway.Reload.Mode,
			"Activation": live.Activation.Groups,
			"Goroutines": rows,
		})
	})
	return mux
}
