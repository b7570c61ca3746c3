package linkmux

import (
	"context"

	"github.com/banshee-data/signal.control/internal/command"
	"github.com/banshee-data/signal.control/internal/signal"
)

// Sender is the write half of a link.
type Sender interface {
	SendContext(context.Context, string) error
}

// StatusPublisher sends phase events as status lines. It satisfies
// scheduler.Publisher.
type StatusPublisher struct {
	link   Sender
	topics command.Topics
}

func NewStatusPublisher(link Sender, topics command.Topics) *StatusPublisher {
	return &StatusPublisher{link: link, topics: topics}
}

// Publish sends ev. It returns once the line is written or ctx ends.
func (p *StatusPublisher) Publish(ctx context.Context, ev signal.PhaseEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := command.EncodeStatus(p.topics, ev)
	if err != nil {
		return err
	}
	return p.link.SendContext(ctx, line)
}
