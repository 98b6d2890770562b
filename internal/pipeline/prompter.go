package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"safegate/internal/logging"
	"safegate/internal/services"
)

// ErrNoPromptPending is returned when a recipient address arrives while no
// job is waiting for one.
var ErrNoPromptPending = errors.New("no recipient prompt pending")

type promptReply struct {
	address   string
	cancelled bool
}

// ChannelPrompter is the headless interactive collaborator: the pipeline
// blocks in PromptEmail while the control surface feeds the answer in via
// Provide or Cancel. Threat notices go to the log.
type ChannelPrompter struct {
	logger  *slog.Logger
	mu      sync.Mutex
	pending chan promptReply
}

// NewChannelPrompter builds the prompter.
func NewChannelPrompter(logger *slog.Logger) *ChannelPrompter {
	return &ChannelPrompter{logger: logging.NewComponentLogger(logger, "prompter")}
}

// PromptEmail blocks until an address is provided, the prompt is cancelled,
// or ctx is done. Only one prompt can be outstanding; the worker processes
// one job at a time.
func (p *ChannelPrompter) PromptEmail(ctx context.Context) (string, error) {
	ch := make(chan promptReply, 1)
	p.mu.Lock()
	if p.pending != nil {
		p.mu.Unlock()
		return "", errors.New("recipient prompt already pending")
	}
	p.pending = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.pending = nil
		p.mu.Unlock()
	}()

	p.logger.Info("waiting for recipient address; provide one with 'safegate recipient <address>'")
	select {
	case <-ctx.Done():
		return "", services.Wrap(services.ErrCancelled, "awaiting_recipient", "prompt", "interrupted", ctx.Err())
	case reply := <-ch:
		if reply.cancelled {
			return "", services.Wrap(services.ErrCancelled, "awaiting_recipient", "prompt", "cancelled by operator", nil)
		}
		return reply.address, nil
	}
}

// Provide delivers a recipient address to the waiting job.
func (p *ChannelPrompter) Provide(address string) error {
	address = strings.TrimSpace(address)
	if !strings.Contains(address, "@") {
		return errors.New("recipient address must contain '@'")
	}
	return p.resolve(promptReply{address: address})
}

// Cancel aborts the waiting prompt; the job fails and the upload is
// scheduled for grace-period deletion.
func (p *ChannelPrompter) Cancel() error {
	return p.resolve(promptReply{cancelled: true})
}

func (p *ChannelPrompter) resolve(reply promptReply) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return ErrNoPromptPending
	}
	select {
	case p.pending <- reply:
		return nil
	default:
		return ErrNoPromptPending
	}
}

// Waiting reports whether a job is blocked on the prompt.
func (p *ChannelPrompter) Waiting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending != nil
}

// NotifyThreats reports detected threats. On a headless box this is a log
// alert; the status store carries the same information for the CLI.
func (p *ChannelPrompter) NotifyThreats(ctx context.Context, label string, threats []string) {
	p.logger.Error("threats detected, device blocked",
		logging.String("label", label),
		logging.Int("count", len(threats)),
	)
	for _, threat := range threats {
		p.logger.Error("threat", logging.String("name", threat))
	}
}
