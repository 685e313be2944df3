package extraction

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

// ProgramName is the extractor connector binary sought on PATH.
const ProgramName = "harvest-extractor"

// Connector runs entity extraction through a long-lived external process.
// Each request is one JSON line on the child's stdin; each response is one
// JSON line on its stdout. The child's stderr passes through.
type Connector struct {
	// Command overrides ProgramName when non-empty.
	Command string

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	cancel context.CancelFunc
}

var _ Extractor = (*Connector)(nil)

type connectorRequest struct {
	Operation string `json:"operation"`
	Checksum  string `json:"checksum"`
	Kind      Kind   `json:"kind,omitempty"`
	Text      string `json:"text"`
}

type connectorResponse struct {
	Assessment *Assessment     `json:"assessment,omitempty"`
	Entities   json.RawMessage `json:"entities,omitempty"`
	Error      string          `json:"error,omitempty"`
	RateLimited       bool `json:"rate_limited,omitempty"`
	RetryAfterSeconds int  `json:"retry_after_seconds,omitempty"`
}

// Start launches the connector process. The process is signaled with SIGTERM
// when ctx is cancelled or Close is called.
func (c *Connector) Start(ctx context.Context) error {
	var program = c.Command
	if program == "" {
		program = ProgramName
	}
	ctx, c.cancel = context.WithCancel(ctx)

	c.cmd = exec.Command(program, "serve")
	if log.IsLevelEnabled(log.DebugLevel) {
		c.cmd.Args = append(c.cmd.Args, "--log=debug")
	}
	c.cmd.Stderr = os.Stderr

	var err error
	if c.stdin, err = c.cmd.StdinPipe(); err != nil {
		return fmt.Errorf("opening connector stdin: %w", err)
	}
	stdout, err := c.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("opening connector stdout: %w", err)
	}
	c.stdout = bufio.NewReader(stdout)

	if err = c.cmd.Start(); err != nil {
		return fmt.Errorf("starting connector: %w", err)
	}

	// Arrange for the connector to be signaled if |ctx| is cancelled.
	go func(signal func(os.Signal) error) {
		<-ctx.Done()
		_ = signal(syscall.SIGTERM)
	}(c.cmd.Process.Signal)

	log.WithField("program", program).Debug("extractor connector started")
	return nil
}

// Close signals the connector and reaps it. Dying to our own SIGTERM is a
// clean shutdown.
func (c *Connector) Close() error {
	if c.cmd == nil {
		return nil
	}
	_ = c.stdin.Close()
	c.cancel()

	var err = c.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == -1 {
		return nil
	}
	if err != nil {
		return fmt.Errorf("connector exited: %w", err)
	}
	return nil
}

func (c *Connector) Assess(ctx context.Context, checksum, text string) (*Assessment, error) {
	var resp, err = c.roundTrip(ctx, connectorRequest{
		Operation: "assess",
		Checksum:  checksum,
		Text:      text,
	})
	if err != nil {
		return nil, err
	}
	if resp.Assessment == nil {
		return nil, fmt.Errorf("connector assess response carried no assessment")
	}
	return resp.Assessment, nil
}

func (c *Connector) Extract(ctx context.Context, checksum, text string, kind Kind) (json.RawMessage, error) {
	var resp, err = c.roundTrip(ctx, connectorRequest{
		Operation: "extract",
		Checksum:  checksum,
		Kind:      kind,
		Text:      text,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Entities) == 0 {
		return json.RawMessage("[]"), nil
	}
	return resp.Entities, nil
}

func (c *Connector) roundTrip(ctx context.Context, req connectorRequest) (*connectorResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd == nil {
		return nil, fmt.Errorf("connector is not started")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var line, err = json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding connector request: %w", err)
	}
	if _, err = c.stdin.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("writing connector request: %w", err)
	}

	raw, err := c.stdout.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("reading connector response: %w", err)
	}
	var resp connectorResponse
	if err = json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decoding connector response: %w", err)
	}

	if resp.RateLimited {
		return nil, &RateLimitError{RetryAfter: time.Duration(resp.RetryAfterSeconds) * time.Second}
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("connector: %s", resp.Error)
	}
	return &resp, nil
}
