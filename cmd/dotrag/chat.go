package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"github.com/dotsetgreg/dotrag/pkg/conversation"
)

type chatSession struct {
	engine *conversation.Engine
	thread string
	user   string
	out    io.Writer
	debug  bool
}

// send runs one turn. When the thread's conversation has expired the expiry
// notice is shown and the message is sent again to a fresh conversation.
func (s *chatSession) send(ctx context.Context, text string) error {
	reply, err := s.engine.HandleMessage(ctx, s.thread, s.user, text)
	if errors.Is(err, conversation.ErrConversationExpired) {
		fmt.Fprintf(s.out, "\n%s %s\n", appName, reply.ResponseText)
		reply, err = s.engine.HandleMessage(ctx, s.thread, s.user, text)
	}
	if err != nil {
		return err
	}
	s.print(reply)
	return nil
}

func (s *chatSession) print(reply conversation.Reply) {
	fmt.Fprintf(s.out, "\n%s %s\n", appName, reply.ResponseText)
	if len(reply.Sources) > 0 {
		ids := make([]string, 0, len(reply.Sources))
		for _, src := range reply.Sources {
			ids = append(ids, src.SourceID)
		}
		fmt.Fprintf(s.out, "  sources: %s\n", strings.Join(ids, ", "))
	}
	if s.debug {
		m := reply.Metadata
		fmt.Fprintf(s.out, "  [intent=%s route=%s phase=%s confidence=%.2f turn=%d status=%s]\n",
			m.Intent, m.Route, m.Phase, m.Confidence, m.TurnCount, m.Status)
		for _, w := range m.Warnings {
			fmt.Fprintf(s.out, "  warning: %s\n", w)
		}
	}
	fmt.Fprintln(s.out)
}

func (s *chatSession) interactive(ctx context.Context) error {
	fmt.Fprintf(s.out, "%s interactive mode on thread %s (Ctrl+C to exit)\n\n", appName, s.thread)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "You: ",
		HistoryFile:     filepath.Join(os.TempDir(), ".dotrag_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(s.out, "Error initializing readline: %v\nFalling back to simple input mode...\n", err)
		return s.simple(ctx, os.Stdin)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Fprintln(s.out, "\nGoodbye!")
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}
		if done := s.handleLine(ctx, line); done {
			return nil
		}
	}
}

func (s *chatSession) simple(ctx context.Context, in io.Reader) error {
	reader := bufio.NewReader(in)
	for {
		fmt.Fprint(s.out, "You: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(s.out, "\nGoodbye!")
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}
		if done := s.handleLine(ctx, line); done {
			return nil
		}
	}
}

// handleLine reports whether the session should end.
func (s *chatSession) handleLine(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	switch input {
	case "":
		return false
	case "exit", "quit":
		fmt.Fprintln(s.out, "Goodbye!")
		return true
	}
	if err := s.send(ctx, input); err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
	}
	return false
}
