// Package templates loads and serves lab exercise blueprints.
//
// Templates are read once at startup and never reloaded: a running session keeps
// relying on the limits and allowlist it was created with. Any malformed template
// fails the whole load.
package templates

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Ericmiano/CYBER-SENSEI/internal/models"
	"github.com/Ericmiano/CYBER-SENSEI/internal/policy"
)

//go:embed defaults.yaml
var defaultTemplates []byte

type file struct {
	Templates []models.LabTemplate `yaml:"templates"`
}

// Registry is a read-only set of validated templates.
type Registry struct {
	templates map[string]*models.LabTemplate
}

// Load parses and validates a YAML document of templates.
func Load(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing templates: %w", err)
	}
	return New(f.Templates)
}

// LoadFile reads templates from path. An empty path selects the built-in templates.
func LoadFile(path string) (*Registry, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading templates: %w", err)
	}
	return Load(data)
}

// Default returns the built-in exercise templates.
func Default() (*Registry, error) {
	return Load(defaultTemplates)
}

// New validates the given templates and builds a registry from them.
func New(list []models.LabTemplate) (*Registry, error) {
	if len(list) == 0 {
		return nil, errors.New("no templates defined")
	}

	r := &Registry{templates: make(map[string]*models.LabTemplate, len(list))}
	var errs []error
	for i := range list {
		tmpl := list[i]
		if tmpl.NetworkMode == "" {
			tmpl.NetworkMode = models.NetworkNone
		}
		if err := Validate(&tmpl); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := r.templates[tmpl.ID]; dup {
			errs = append(errs, fmt.Errorf("template %s: duplicate id", tmpl.ID))
			continue
		}
		r.templates[tmpl.ID] = &tmpl
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return r, nil
}

// Validate checks a single template.
func Validate(t *models.LabTemplate) error {
	name := t.ID
	if name == "" {
		name = "<unnamed>"
	}

	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("template %s: "+format, append([]any{name}, args...)...))
	}

	if strings.TrimSpace(t.ID) == "" {
		fail("id is required")
	}
	if strings.TrimSpace(t.BaseImage) == "" || strings.ContainsAny(t.BaseImage, " \t\n") {
		fail("base_image must be a non-empty image reference")
	}
	if len(t.AllowedCommandPatterns) == 0 {
		fail("at least one allowed command pattern is required")
	}
	for _, source := range t.AllowedCommandPatterns {
		if _, err := policy.Compile(source); err != nil {
			fail("%v", err)
		}
	}
	for i, cmd := range t.SetupCommands {
		fields := strings.Fields(cmd)
		if len(fields) == 0 {
			fail("setup command %d is empty", i)
			continue
		}
		if t.NetworkMode != models.NetworkBridged && fetchesFromNetwork(fields) {
			fail("setup command %d (%s) needs network access but setup runs under network_mode %s; bake it into base_image", i, fields[0], t.NetworkMode)
		}
	}
	if t.ResourceLimits.CPUShares <= 0 {
		fail("cpu_shares must be positive")
	}
	if t.ResourceLimits.MemoryMB <= 0 {
		fail("memory_mb must be positive")
	}
	if t.ResourceLimits.PIDLimit <= 0 {
		fail("pid_limit must be positive")
	}
	if !t.NetworkMode.Valid() {
		fail("unknown network_mode %q", t.NetworkMode)
	}
	if len(t.ExposedPorts) > 0 && t.NetworkMode != models.NetworkBridged {
		fail("exposed_ports require network_mode bridged")
	}
	if t.IdleTimeoutSeconds <= 0 {
		fail("idle_timeout_seconds must be positive")
	}
	if t.MaxLifetimeSeconds <= 0 {
		fail("max_lifetime_seconds must be positive")
	}
	if t.IdleTimeoutSeconds > t.MaxLifetimeSeconds && t.MaxLifetimeSeconds > 0 {
		fail("idle_timeout_seconds exceeds max_lifetime_seconds")
	}
	return errors.Join(errs...)
}

// networkFetchers are setup programs that download from the network.
var networkFetchers = map[string]bool{
	"apk": true, "apt": true, "apt-get": true, "yum": true, "dnf": true, "microdnf": true,
	"pip": true, "pip3": true, "npm": true, "curl": true, "wget": true, "git": true,
}

// fetchesFromNetwork reports whether a setup command downloads anything. Setup
// commands run inside the lab container, under the template's own network mode.
func fetchesFromNetwork(fields []string) bool {
	for _, f := range fields {
		if f == "sudo" || f == "env" || strings.Contains(f, "=") {
			continue
		}
		return networkFetchers[path.Base(f)]
	}
	return false
}

// GetTemplate returns the template with the given id.
func (r *Registry) GetTemplate(id string) (*models.LabTemplate, error) {
	t, ok := r.templates[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrTemplateNotFound, id)
	}
	return t, nil
}

// List returns all templates ordered by id.
func (r *Registry) List() []*models.LabTemplate {
	out := make([]*models.LabTemplate, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
