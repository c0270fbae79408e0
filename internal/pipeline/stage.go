package pipeline

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"text/template"
)

// Shell is the remote side a pipeline runs against. control.Controller
// satisfies it.
type Shell interface {
	Exec(command string, output io.Writer) (int, error)
	Upload(remotePath string, content []byte, mode os.FileMode) error
}

// Stage is an ordered batch of steps that succeeds only if every step does.
type Stage struct {
	Name  string
	Steps []Step
}

// Step is either a shell command or a file upload.
type Step struct {
	Command string
	Upload  *Upload
}

// Upload places a file on the remote host.
type Upload struct {
	Path    string
	Content []byte
	Mode    os.FileMode
}

// String describes the step for logs and failure reports
func (s Step) String() string {
	if s.Upload != nil {
		return "upload " + s.Upload.Path
	}
	return s.Command
}

// Commands turns plain command strings into steps
func Commands(commands ...string) []Step {
	steps := make([]Step, 0, len(commands))
	for _, c := range commands {
		steps = append(steps, Step{Command: c})
	}
	return steps
}

// ShellQuote wraps s in single quotes so the remote shell passes it through
// as one literal word.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var templateFuncs = template.FuncMap{
	"quote": ShellQuote,
}

// RenderTemplate renders a command template with the given context. The
// quote function is available for shell-quoting interpolated values.
func RenderTemplate(templateStr string, context any) (string, error) {
	tmpl, err := template.New("command").Funcs(templateFuncs).Option("missingkey=error").Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, context); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}

// renderCommands renders each template into a command step
func renderCommands(templates []string, context any) ([]Step, error) {
	steps := make([]Step, 0, len(templates))
	for i, t := range templates {
		cmd, err := RenderTemplate(t, context)
		if err != nil {
			return nil, fmt.Errorf("failed to render command %d: %w", i+1, err)
		}
		steps = append(steps, Step{Command: cmd})
	}
	return steps, nil
}
