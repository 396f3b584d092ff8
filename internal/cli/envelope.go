package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	ucli "github.com/urfave/cli/v2"

	"github.com/jbelanger/exitbook-sub013/internal/apperr"
)

// Version is stamped into envelope metadata.
const Version = "0.1.0"

// Envelope is the stable JSON response shape of every command.
type Envelope struct {
	Success   bool           `json:"success"`
	Command   string         `json:"command"`
	Timestamp string         `json:"timestamp"`
	Data      any            `json:"data,omitempty"`
	Error     *EnvelopeError `json:"error,omitempty"`
	Metadata  *Metadata      `json:"metadata,omitempty"`
}

// EnvelopeError carries the structured failure: a stable code, the first-line
// human message and optional details (hint or cause chain).
type EnvelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Metadata is the envelope's run accounting.
type Metadata struct {
	DurationMs int64  `json:"durationMs"`
	Version    string `json:"version"`
}

// printer renders one command's outcome, either as the JSON envelope or as
// human-readable text, and maps failures to stable exit codes.
type printer struct {
	command string
	json    bool
	started time.Time
}

func newPrinter(c *ucli.Context, command string) *printer {
	return &printer{
		command: command,
		json:    c.Bool("json"),
		started: time.Now(),
	}
}

func (p *printer) envelope() Envelope {
	return Envelope{
		Command:   p.command,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Metadata:  &Metadata{DurationMs: time.Since(p.started).Milliseconds(), Version: Version},
	}
}

// ok emits a success envelope in JSON mode. Human rendering is done by the
// command before calling ok; in that mode this is a no-op.
func (p *printer) ok(data any) error {
	if !p.json {
		return nil
	}
	env := p.envelope()
	env.Success = true
	env.Data = data
	return writeJSON(env)
}

// fail emits the failure in the selected mode and returns a cli exit error
// carrying the kind's stable code.
func (p *printer) fail(err error) error {
	kind := apperr.KindOf(err)
	hint := apperr.HintOf(err)
	if p.json {
		env := p.envelope()
		env.Error = &EnvelopeError{Code: kind.String(), Message: firstLine(err.Error()), Details: hint}
		if werr := writeJSON(env); werr != nil {
			return ucli.Exit(werr.Error(), 1)
		}
		return ucli.Exit("", kind.ExitCode())
	}
	msg := fmt.Sprintf("Error [%s]: %s", kind, firstLine(err.Error()))
	if hint != "" {
		msg += "\n  try: " + hint
	}
	return ucli.Exit(msg, kind.ExitCode())
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
