package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// CLIProvider is a Provider backed by an agent CLI such as claude. Each
// session maps to a CLI conversation id; resetting a session mints a new
// conversation. A prompt runs the CLI in the background and reports idle
// through OnIdle when the process exits.
//
// Safe for concurrent use.
type CLIProvider struct {
	// Command is the CLI binary. Defaults to "claude".
	Command string
	// Args are extra arguments placed before the generated ones.
	Args []string
	// Model is passed as --model when set.
	Model string
	// WorkDir is the directory the CLI runs in.
	WorkDir string
	// OnIdle is called with the session id after each prompt finishes.
	OnIdle func(sessionID string)

	mu       sync.Mutex
	sessions map[string]*cliSession
}

type cliSession struct {
	conversation string
	started      bool
	busy         bool
	cancel       context.CancelFunc
	lastOutput   string
	lastErr      error
}

// PromptOutcome is the recorded result of the last prompt on a session.
type PromptOutcome struct {
	Output string
	Err    error
}

// NewCLIProvider creates a CLIProvider that reports idle events to onIdle.
func NewCLIProvider(command, workDir string, onIdle func(string)) *CLIProvider {
	return &CLIProvider{Command: command, WorkDir: workDir, OnIdle: onIdle}
}

// Create implements Provider.
func (p *CLIProvider) Create(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessions == nil {
		p.sessions = make(map[string]*cliSession)
	}
	id := uuid.New().String()
	p.sessions[id] = &cliSession{conversation: uuid.New().String()}
	return id, nil
}

// ResetToBaseline implements Provider. A running prompt is cancelled.
func (p *CLIProvider) ResetToBaseline(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.busy = false
	s.cancel = nil
	s.conversation = uuid.New().String()
	s.started = false
	s.lastOutput = ""
	s.lastErr = nil
	return nil
}

// PromptAsync implements Provider. The CLI process outlives ctx; ctx only
// bounds acceptance of the prompt.
func (p *CLIProvider) PromptAsync(ctx context.Context, sessionID, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("prompt is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	s, ok := p.sessions[sessionID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if s.busy {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionBusy, sessionID)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(runCtx, p.command(), p.buildArgs(s, text)...)
	cmd.Dir = p.WorkDir
	SetCleanEnv(cmd)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		p.mu.Unlock()
		cancel()
		return fmt.Errorf("start %s: %w", p.command(), err)
	}
	s.busy = true
	s.started = true
	s.cancel = cancel
	conversation := s.conversation
	p.mu.Unlock()

	go p.wait(sessionID, conversation, cmd, &out, cancel)
	return nil
}

func (p *CLIProvider) wait(sessionID, conversation string, cmd *exec.Cmd, out *bytes.Buffer, cancel context.CancelFunc) {
	err := cmd.Wait()
	cancel()

	output := out.String()
	if err == nil {
		output, err = parseCLIOutput(out.Bytes())
	} else {
		err = fmt.Errorf("%s exited: %w (output: %s)", p.command(), err, strings.TrimSpace(output))
	}

	// A prompt cancelled by reset or delete does not produce an idle event,
	// and must not touch the state of a prompt started after the reset.
	notify := false
	p.mu.Lock()
	if s, ok := p.sessions[sessionID]; ok && s.conversation == conversation {
		s.busy = false
		s.cancel = nil
		s.lastOutput = output
		s.lastErr = err
		notify = true
	}
	p.mu.Unlock()

	if notify && p.OnIdle != nil {
		p.OnIdle(sessionID)
	}
}

// Delete implements Provider. A running prompt is cancelled.
func (p *CLIProvider) Delete(_ context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.busy = false
	s.cancel = nil
	delete(p.sessions, sessionID)
	return nil
}

// LastOutcome returns the result of the most recent completed prompt.
func (p *CLIProvider) LastOutcome(sessionID string) (PromptOutcome, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[sessionID]
	if !ok {
		return PromptOutcome{}, false
	}
	return PromptOutcome{Output: s.lastOutput, Err: s.lastErr}, true
}

func (p *CLIProvider) command() string {
	if p.Command == "" {
		return "claude"
	}
	return p.Command
}

// buildArgs starts a new conversation with --session-id and continues an
// existing one with --resume.
func (p *CLIProvider) buildArgs(s *cliSession, text string) []string {
	args := append([]string{}, p.Args...)
	if s.started {
		args = append(args, "--resume", s.conversation)
	} else {
		args = append(args, "--session-id", s.conversation)
	}
	if p.Model != "" {
		args = append(args, "--model", p.Model)
	}
	args = append(args, "-p", text)
	args = append(args, "--output-format", "json")
	args = append(args, "--permission-mode", "bypassPermissions")
	args = append(args, "--settings", `{"disableAllHooks": true}`)
	return args
}

// parseCLIOutput extracts the result text from the CLI's JSON envelope.
// Output that is not an envelope is returned verbatim; an empty stdout is a
// transport failure.
func parseCLIOutput(raw []byte) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", fmt.Errorf("%w: empty response", ErrTransport)
	}
	var envelope struct {
		Result  string `json:"result"`
		IsError bool   `json:"is_error"`
	}
	if trimmed[0] != '{' || json.Unmarshal(trimmed, &envelope) != nil {
		return string(trimmed), nil
	}
	if envelope.IsError {
		return envelope.Result, fmt.Errorf("worker reported error: %s", envelope.Result)
	}
	return envelope.Result, nil
}

// workerTmpDir keeps agent CLIs away from editor socket files in the shared
// temp directory, which crash them when --settings is passed.
var workerTmpDir = filepath.Join(os.TempDir(), "taskloop-worker")

// SetCleanEnv gives cmd the current environment with TMPDIR pointed at a
// private directory.
func SetCleanEnv(cmd *exec.Cmd) {
	_ = os.MkdirAll(workerTmpDir, 0755)
	env := os.Environ()
	replaced := false
	for i, kv := range env {
		if strings.HasPrefix(kv, "TMPDIR=") {
			env[i] = "TMPDIR=" + workerTmpDir
			replaced = true
		}
	}
	if !replaced {
		env = append(env, "TMPDIR="+workerTmpDir)
	}
	cmd.Env = env
}
