package provision

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"coursechat-edge/internal/envspec"
)

// envFileTemplate renders the declared variable surface into a systemd-style
// environment file. Secrets without an override are emitted commented out so
// the operator sees what is still missing.
const envFileTemplate = `# Generated by coursechat-edge provision. Manual edits are overwritten on the
# next deploy; set overrides through the deployment configuration instead.
{{- range .Vars }}
{{- if .Doc }}
# {{ .Doc }}
{{- end }}
{{- if .Missing }}
# {{ .Name }}=
{{- else }}
{{ .Name }}={{ .Value | quote }}
{{- end }}
{{- end }}
`

type envFileEntry struct {
	Name    string
	Doc     string
	Value   string
	Missing bool
}

func (p *Provisioner) renderEnvFile(_ context.Context) error {
	if p.cfg.EnvFile == "" {
		return nil
	}
	contents, err := renderEnvFile(p.cfg.EnvOverrides)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.cfg.EnvFile), 0o755); err != nil {
		return fmt.Errorf("create env file directory: %w", err)
	}
	// Owner-only: the file may carry credentials.
	if err := os.WriteFile(p.cfg.EnvFile, contents, 0o600); err != nil {
		return fmt.Errorf("write env file: %w", err)
	}
	return nil
}

func renderEnvFile(overrides map[string]string) ([]byte, error) {
	var entries []envFileEntry
	for _, v := range envspec.Vars() {
		value, overridden := overrides[v.Name]
		if !overridden {
			value = v.Default
		}
		entries = append(entries, envFileEntry{
			Name:    v.Name,
			Doc:     v.Doc,
			Value:   value,
			Missing: value == "" && v.Secret,
		})
	}

	tmpl, err := template.New("envfile").Funcs(sprig.TxtFuncMap()).Parse(envFileTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse env template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]any{"Vars": entries}); err != nil {
		return nil, fmt.Errorf("render env template: %w", err)
	}
	return buf.Bytes(), nil
}
