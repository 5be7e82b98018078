package conversation

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/dotsetgreg/dotrag/pkg/bus"
	"github.com/dotsetgreg/dotrag/pkg/logger"
)

var (
	ErrQueueFull        = errors.New("dispatcher queue full")
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

const busyText = "I'm handling a lot of messages right now. Please try again in a moment."

// Outcome is the result of a submitted message.
type Outcome struct {
	Reply Reply
	Err   error
}

type job struct {
	ctx      context.Context
	threadID string
	userID   string
	text     string
	done     chan Outcome
	then     func(Outcome)
	// busy jobs answer a rejected message in its thread's order without
	// running a turn.
	busy bool
}

// Dispatcher runs turns on a fixed pool of workers. Messages on one thread
// are processed one at a time in submission order; different threads run
// in parallel.
type Dispatcher struct {
	engine *Engine

	mu      sync.Mutex
	cond    *sync.Cond
	queues  map[string][]*job
	ready   []string
	running map[string]bool
	pending int
	depth   int
	closed  bool

	wg sync.WaitGroup
}

// NewDispatcher starts workers goroutines. depth bounds the number of
// queued messages across all threads.
func NewDispatcher(engine *Engine, workers, depth int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if depth <= 0 {
		depth = 64
	}
	d := &Dispatcher{
		engine:  engine,
		queues:  make(map[string][]*job),
		running: make(map[string]bool),
		depth:   depth,
	}
	d.cond = sync.NewCond(&d.mu)
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.work()
	}
	return d
}

// Submit queues a message and returns a channel that receives its outcome.
func (d *Dispatcher) Submit(ctx context.Context, threadID, userID, text string) (<-chan Outcome, error) {
	return d.submit(ctx, threadID, userID, text, nil)
}

func (d *Dispatcher) submit(ctx context.Context, threadID, userID, text string, then func(Outcome)) (<-chan Outcome, error) {
	j := &job{
		ctx:      ctx,
		threadID: threadID,
		userID:   userID,
		text:     text,
		done:     make(chan Outcome, 1),
		then:     then,
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDispatcherClosed
	}
	if d.pending >= d.depth {
		return nil, ErrQueueFull
	}
	d.enqueueLocked(j)
	return j.done, nil
}

// submitBusy queues a reply for a message rejected with ErrQueueFull behind
// the thread's earlier messages. It is not bound by the queue depth.
func (d *Dispatcher) submitBusy(threadID string, then func(Outcome)) error {
	j := &job{
		ctx:      context.Background(),
		threadID: threadID,
		done:     make(chan Outcome, 1),
		then:     then,
		busy:     true,
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	d.enqueueLocked(j)
	return nil
}

func (d *Dispatcher) enqueueLocked(j *job) {
	threadID := j.threadID
	d.pending++
	q := d.queues[threadID]
	d.queues[threadID] = append(q, j)
	if len(q) == 0 && !d.running[threadID] {
		d.ready = append(d.ready, threadID)
		d.cond.Signal()
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for len(d.ready) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.ready) == 0 {
			d.mu.Unlock()
			return
		}
		thread := d.ready[0]
		d.ready = d.ready[1:]
		q := d.queues[thread]
		j := q[0]
		d.queues[thread] = q[1:]
		d.running[thread] = true
		d.mu.Unlock()

		d.process(j)

		d.mu.Lock()
		d.pending--
		delete(d.running, thread)
		if len(d.queues[thread]) > 0 {
			d.ready = append(d.ready, thread)
			d.cond.Signal()
		} else {
			delete(d.queues, thread)
		}
		d.mu.Unlock()
	}
}

func (d *Dispatcher) process(j *job) {
	var out Outcome
	if j.busy {
		out.Err = ErrQueueFull
	} else if err := j.ctx.Err(); err != nil {
		out.Err = err
	} else {
		out.Reply, out.Err = d.engine.HandleMessage(j.ctx, j.threadID, j.userID, j.text)
	}
	if j.then != nil {
		j.then(out)
	}
	j.done <- out
	close(j.done)
}

// Close stops accepting messages, lets queued ones finish and waits for the
// workers to exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	d.wg.Wait()
}

// Serve feeds inbound bus messages to the dispatcher and publishes each
// reply on the outbound side of the bus, in arrival order per thread. A
// message rejected for a full queue is answered with a busy notice in the
// same order. It
// returns when ctx is done or the bus is closed.
func (d *Dispatcher) Serve(ctx context.Context, mb *bus.MessageBus) error {
	for {
		msg, ok := mb.ConsumeInbound(ctx)
		if !ok {
			return ctx.Err()
		}
		if msg.Content == "" && len(msg.Media) == 0 {
			continue
		}
		reply := func(out Outcome) {
			mb.PublishOutbound(outboundFor(msg, out))
		}
		if _, err := d.submit(ctx, msg.ThreadID(), msg.SenderID, msg.Content, reply); err != nil {
			logger.WarnCF("conversation", "Message not dispatched", map[string]any{
				"channel": msg.Channel,
				"chat_id": msg.ChatID,
				"error":   err.Error(),
			})
			if errors.Is(err, ErrDispatcherClosed) {
				return err
			}
			busy := func(Outcome) {
				mb.PublishOutbound(bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: busyText})
			}
			if err := d.submitBusy(msg.ThreadID(), busy); err != nil {
				return err
			}
		}
	}
}

func outboundFor(msg bus.InboundMessage, out Outcome) bus.OutboundMessage {
	content := out.Reply.ResponseText
	if out.Err != nil && !errors.Is(out.Err, ErrConversationExpired) {
		logger.WarnCF("conversation", "Turn failed", map[string]any{
			"channel": msg.Channel,
			"chat_id": msg.ChatID,
			"error":   out.Err.Error(),
		})
		content = degradedText
	}
	meta := out.Reply.Metadata
	return bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: content,
		Metadata: map[string]string{
			"conversation_id": meta.ConversationID,
			"intent":          string(meta.Intent),
			"route":           string(meta.Route),
			"phase":           string(meta.Phase),
			"status":          string(meta.Status),
			"turn_count":      strconv.Itoa(meta.TurnCount),
		},
	}
}
