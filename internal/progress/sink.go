package progress

import "context"

// Sink consumes batches of crawl progress events. Implementations must
// tolerate repeated calls and honor ctx deadlines; the hub may invoke a sink
// from its flush loop at any cadence.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. Hub satisfies it, keeping the crawl
// agent agnostic about how events are buffered and exported.
type Emitter interface {
	Emit(evt Event)
}
