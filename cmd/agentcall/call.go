package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/silviot/agentcall/pkg/session"
)

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Start a voice call with the agent",
	Long: `Start a call, print the conversation as it streams and leave on Ctrl-C.

Lines typed on stdin are sent to the agent as chat messages once it is
listening. The call also ends when the agent leaves or goes quiet.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		o, err := a.orchestrator()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		r := newRenderer(cmd.OutOrStdout())
		ended, stopWatch := watch(o, r)
		defer stopWatch()

		o.Prefetch(ctx)

		ok, err := o.Start(ctx)
		if !ok {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		go sendLines(ctx, o, cmd.InOrStdin(), r)

		select {
		case <-ctx.Done():
			logger.Info("interrupt received, leaving call")
			leaveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := o.Leave(leaveCtx); err != nil {
				return fmt.Errorf("failed to leave call: %w", err)
			}
		case <-ended:
		}
		return nil
	},
}

// watch renders orchestrator output until the returned stop func is
// called. ended is closed when an active call returns to idle.
func watch(o *session.Orchestrator, r *renderer) (ended <-chan struct{}, stop func()) {
	states, cancelStates := o.SubscribeStates()
	turns, cancelTurns := o.SubscribeConversation()
	notices, cancelNotices := o.SubscribeNotices()

	endedCh := make(chan struct{})
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		wasActive := false
		for {
			select {
			case <-done:
				return
			case c := <-states:
				r.state(c)
				if c.To == session.Active {
					wasActive = true
				}
				if c.To == session.Idle && wasActive {
					wasActive = false
					close(endedCh)
				}
			case t := <-turns:
				r.conversation(t)
			case n := <-notices:
				r.notice(n)
			}
		}
	}()

	return endedCh, func() {
		close(done)
		<-finished
		cancelStates()
		cancelTurns()
		cancelNotices()
		r.flush()
	}
}

// sendLines forwards stdin lines to the agent
func sendLines(ctx context.Context, o *session.Orchestrator, in io.Reader, r *renderer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if err := o.SendChat(ctx, text); err != nil {
			r.notice(session.Notice{Level: session.LevelError, Message: err.Error(), Err: err})
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		logger.Warn("failed to read stdin", "error", err)
	}
}
