// Package envspec declares the environment variable surface shared by the
// application processes. The provisioner renders these into the environment
// file and the launcher injects the process-level ones into its children.
// Values are documented, not validated; the servers read them directly.
package envspec

import "os"

// Var documents one environment variable.
type Var struct {
	Name    string
	Default string
	Doc     string
	// Secret values never get a rendered default; they must be supplied by
	// the deployment.
	Secret bool
}

// Process-level variables injected by the launcher.
const (
	PortVar          = "PORT"
	StreamlitPortVar = "STREAMLIT_PORT"
	PythonPathVar    = "PYTHONPATH"

	DefaultPort          = "8000"
	DefaultStreamlitPort = "8501"
)

// Vars lists the full application surface in the order it is rendered into
// the environment file.
func Vars() []Var {
	return []Var{
		{Name: PortVar, Default: DefaultPort, Doc: "TCP port the backend API binds on 127.0.0.1"},
		{Name: StreamlitPortVar, Default: DefaultStreamlitPort, Doc: "TCP port the frontend UI binds on 127.0.0.1"},
		{Name: PythonPathVar, Default: "/opt/coursechat/app", Doc: "import root for the staged application code"},
		{Name: "DATABASE_URL", Doc: "Postgres connection string", Secret: true},
		{Name: "AWS_REGION", Default: "us-east-1", Doc: "region for model invocation and log shipping"},
		{Name: "AWS_ACCESS_KEY_ID", Doc: "optional; the default credential chain applies when unset", Secret: true},
		{Name: "AWS_SECRET_ACCESS_KEY", Doc: "optional; the default credential chain applies when unset", Secret: true},
		{Name: "MODEL_ID", Default: "anthropic.claude-3-haiku-20240307-v1:0", Doc: "chat completion model identifier"},
		{Name: "EMBEDDING_MODEL_ID", Default: "amazon.titan-embed-text-v2:0", Doc: "embedding model identifier"},
		{Name: "LOG_LEVEL", Default: "info", Doc: "application log verbosity"},
	}
}

// Value resolves a variable from the current environment, falling back to the
// declared default.
func Value(name string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	for _, spec := range Vars() {
		if spec.Name == name {
			return spec.Default
		}
	}
	return ""
}

// ChildEnv builds the launcher-injected entries for the two server processes.
func ChildEnv(port, streamlitPort, pythonPath string) []string {
	if port == "" {
		port = DefaultPort
	}
	if streamlitPort == "" {
		streamlitPort = DefaultStreamlitPort
	}
	env := []string{
		PortVar + "=" + port,
		StreamlitPortVar + "=" + streamlitPort,
	}
	if pythonPath != "" {
		env = append(env, PythonPathVar+"="+pythonPath)
	}
	return env
}
