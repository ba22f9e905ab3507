package demoserver

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/raysh454/m365guard/internal/logging"
	"github.com/raysh454/m365guard/internal/rogueapps"
	"github.com/raysh454/m365guard/internal/rules"
)

var controlPanel = template.Must(template.New("control").Parse(controlPanelHTML))

// DemoServer serves versioned look-alike pages plus the rule and rogue app
// feeds, so the detector can be exercised end to end without the internet.
type DemoServer struct {
	cfg      Config
	logger   logging.Logger
	pages    map[string]PageDefinition
	versions map[string]int // path -> current version
	mu       sync.RWMutex
}

// NewDemoServer creates a new demo server instance.
func NewDemoServer(cfg Config, logger logging.Logger) *DemoServer {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logging.NewStdoutLogger("demoserver")
	}
	pageMap := make(map[string]PageDefinition)
	versions := make(map[string]int)

	for _, p := range GetAllPages() {
		pageMap[p.Path] = p
		versions[p.Path] = cfg.InitialVersion
	}

	return &DemoServer{
		cfg:      cfg,
		logger:   logger,
		pages:    pageMap,
		versions: versions,
	}
}

// Handler builds the route table.
func (s *DemoServer) Handler() http.Handler {
	mux := http.NewServeMux()

	for path := range s.pages {
		pattern := path
		if pattern == "/" {
			pattern = "/{$}"
		}
		mux.HandleFunc("GET "+pattern, s.pageHandler(path))
	}

	mux.HandleFunc("GET "+s.cfg.RulesPath, s.feedHandler(rules.DefaultJSON))
	mux.HandleFunc("GET "+s.cfg.RogueAppsPath, s.feedHandler(rogueapps.DefaultJSON))
	mux.HandleFunc("POST /collect.php", s.collectHandler)

	// Stage switching
	mux.HandleFunc("GET /demo/control", s.controlPanelHandler)
	mux.HandleFunc("POST /demo/set-version", s.setVersionHandler)
	mux.HandleFunc("GET /demo/get-versions", s.getVersionsHandler)
	mux.HandleFunc("POST /demo/bump-all", s.bumpAllVersionsHandler)
	mux.HandleFunc("POST /demo/reset", s.resetVersionsHandler)

	return mux
}

// Start serves until ctx is canceled.
func (s *DemoServer) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("demo server starting",
		logging.Field{Key: "addr", Value: s.cfg.BaseURL()},
		logging.Field{Key: "control_panel", Value: s.cfg.BaseURL() + "/demo/control"})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// SetVersion switches a page to version. Unknown paths are ignored.
func (s *DemoServer) SetVersion(path string, version int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pages[path]; !ok {
		return false
	}
	s.versions[path] = version
	return true
}

// pageHandler returns a handler for a specific page path.
func (s *DemoServer) pageHandler(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		pageDef, ok := s.pages[path]
		version := s.versions[path]
		s.mu.RUnlock()

		if !ok {
			http.NotFound(w, r)
			return
		}

		// Get the specific version, fall back to closest available
		pageVersion, ok := pageDef.Versions[version]
		if !ok {
			for v := version; v >= 1; v-- {
				if pv, exists := pageDef.Versions[v]; exists {
					pageVersion = pv
					break
				}
			}
		}

		for k, v := range pageVersion.Headers {
			w.Header().Set(k, v)
		}

		contentType := pageVersion.ContentType
		if contentType == "" {
			contentType = "text/html; charset=utf-8"
		}
		w.Header().Set("Content-Type", contentType)

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(pageVersion.HTML))
	}
}

func (s *DemoServer) feedHandler(doc func() []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(doc())
	}
}

// collectHandler stands in for the kit's credential drop. Nothing is kept.
func (s *DemoServer) collectHandler(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn("demo kit form submitted", logging.Field{Key: "remote", Value: r.RemoteAddr})
	http.Redirect(w, r, "/", http.StatusFound)
}

// controlPanelHandler lists each page with its stages and the feed routes.
func (s *DemoServer) controlPanelHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data := struct {
		Pages         map[string]PageDefinition
		Versions      map[string]int
		BaseURL       string
		RulesPath     string
		RogueAppsPath string
	}{
		Pages:         s.pages,
		Versions:      s.versions,
		BaseURL:       s.cfg.BaseURL(),
		RulesPath:     s.cfg.RulesPath,
		RogueAppsPath: s.cfg.RogueAppsPath,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := controlPanel.Execute(w, data); err != nil {
		s.logger.Warn("rendering control panel", logging.Err(err))
	}
}

// setVersionHandler sets the version for a specific page.
func (s *DemoServer) setVersionHandler(w http.ResponseWriter, r *http.Request) {
	path := r.FormValue("path")
	version, err := strconv.Atoi(r.FormValue("version"))
	if err != nil {
		http.Error(w, "Invalid version number", http.StatusBadRequest)
		return
	}

	ok := s.SetVersion(path, version)
	writeJSON(w, map[string]any{
		"success": ok,
		"path":    path,
		"version": version,
	})
}

// PageInfo describes one page in get-versions.
type PageInfo struct {
	Path              string `json:"path"`
	Description       string `json:"description"`
	CurrentVersion    int    `json:"current_version"`
	AvailableVersions []int  `json:"available_versions"`
}

// getVersionsHandler returns the current versions of all pages.
func (s *DemoServer) getVersionsHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pages := make([]PageInfo, 0, len(s.pages))
	for path, pageDef := range s.pages {
		var versions []int
		for v := range pageDef.Versions {
			versions = append(versions, v)
		}
		sort.Ints(versions)
		pages = append(pages, PageInfo{
			Path:              path,
			Description:       pageDef.Description,
			CurrentVersion:    s.versions[path],
			AvailableVersions: versions,
		})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].Path < pages[j].Path })

	writeJSON(w, pages)
}

// bumpAllVersionsHandler escalates every page by one stage, capped at its
// last stage.
func (s *DemoServer) bumpAllVersionsHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	for path := range s.versions {
		s.versions[path]++
		// Cap at max available version
		maxV := 1
		for v := range s.pages[path].Versions {
			if v > maxV {
				maxV = v
			}
		}
		if s.versions[path] > maxV {
			s.versions[path] = maxV
		}
	}
	s.mu.Unlock()

	writeJSON(w, map[string]any{
		"success": true,
		"message": "every page moved one stage closer to the kit",
	})
}

// resetVersionsHandler puts every page back on its benign stage.
func (s *DemoServer) resetVersionsHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	for path := range s.versions {
		s.versions[path] = VersionBenign
	}
	s.mu.Unlock()

	writeJSON(w, map[string]any{
		"success": true,
		"message": "every page back to its benign stage",
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

const controlPanelHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>m365guard demo</title>
<style>
body { font-family: "Segoe UI", system-ui, sans-serif; margin: 2em auto; max-width: 960px; color: #1b1b1b; }
header { border-bottom: 3px solid #0078d4; margin-bottom: 1em; }
table { border-collapse: collapse; width: 100%; }
th, td { text-align: left; padding: .5em; border-bottom: 1px solid #ddd; vertical-align: top; }
.stage { margin: 0 .25em .25em 0; padding: .3em .7em; border: 1px solid #0078d4; border-radius: 3px; background: #fff; cursor: pointer; }
.stage.on { background: #0078d4; color: #fff; }
.actions button { margin-right: .5em; padding: .4em 1em; }
pre { background: #f3f2f1; padding: .75em; overflow-x: auto; }
#status { min-height: 1.2em; color: #107c10; }
</style>
</head>
<body>
<header><h1>m365guard demo</h1></header>
<p>Each page escalates from a benign stage towards a Microsoft 365 phishing kit or a rogue OAuth app.
Switch a stage here, then rescan the page.</p>
<pre>M365GUARD_RULES_URL={{.BaseURL}}{{.RulesPath}} \
M365GUARD_ROGUE_APPS_URL={{.BaseURL}}{{.RogueAppsPath}} \
m365guard scan {{.BaseURL}}/login</pre>
<p>Feeds: <a href="{{.RulesPath}}">{{.RulesPath}}</a> and <a href="{{.RogueAppsPath}}">{{.RogueAppsPath}}</a></p>
<div class="actions">
<button onclick="post('/demo/bump-all')">Escalate all</button>
<button onclick="post('/demo/reset')">Reset to benign</button>
</div>
<p id="status"></p>
<table>
<tr><th>Page</th><th>Scenario</th><th>Stage</th></tr>
{{range $path, $page := .Pages}}<tr>
<td><a href="{{$path}}" target="_blank">{{$path}}</a></td>
<td>{{$page.Description}}</td>
<td>{{range $v, $pv := $page.Versions}}<button class="stage{{if eq (index $.Versions $path) $v}} on{{end}}" onclick="setStage('{{$path}}', {{$v}})">{{$v}}. {{$pv.Label}}</button>{{end}}</td>
</tr>
{{end}}</table>
<script>
function post(url, body) {
  const opts = {method: 'POST'};
  if (body) {
    opts.headers = {'Content-Type': 'application/x-www-form-urlencoded'};
    opts.body = body;
  }
  return fetch(url, opts).then(r => r.json()).then(data => {
    document.getElementById('status').textContent = data.message || '';
    location.reload();
  });
}
function setStage(path, version) {
  post('/demo/set-version', 'path=' + encodeURIComponent(path) + '&version=' + version);
}
</script>
</body>
</html>
`
