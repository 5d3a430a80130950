package provision

import (
	"strings"
	"testing"
)

func TestRenderEnvFileDefaults(t *testing.T) {
	t.Parallel()

	contents, err := renderEnvFile(nil)
	if err != nil {
		t.Fatalf("renderEnvFile error: %v", err)
	}
	rendered := string(contents)

	if !strings.Contains(rendered, `PORT="8000"`) {
		t.Fatalf("expected default PORT, got:\n%s", rendered)
	}
	if !strings.Contains(rendered, `STREAMLIT_PORT="8501"`) {
		t.Fatalf("expected default STREAMLIT_PORT, got:\n%s", rendered)
	}
	// Secrets without a supplied value are emitted commented out.
	if !strings.Contains(rendered, "# DATABASE_URL=") {
		t.Fatalf("expected commented DATABASE_URL, got:\n%s", rendered)
	}
	if strings.Contains(rendered, "\nDATABASE_URL=") {
		t.Fatalf("expected no live DATABASE_URL line, got:\n%s", rendered)
	}
}

func TestRenderEnvFileAppliesOverrides(t *testing.T) {
	t.Parallel()

	contents, err := renderEnvFile(map[string]string{
		"PORT":         "9000",
		"DATABASE_URL": "postgres://u:p@db:5432/coursechat",
	})
	if err != nil {
		t.Fatalf("renderEnvFile error: %v", err)
	}
	rendered := string(contents)

	if !strings.Contains(rendered, `PORT="9000"`) {
		t.Fatalf("expected overridden PORT, got:\n%s", rendered)
	}
	if !strings.Contains(rendered, `DATABASE_URL="postgres://u:p@db:5432/coursechat"`) {
		t.Fatalf("expected overridden DATABASE_URL, got:\n%s", rendered)
	}
}
