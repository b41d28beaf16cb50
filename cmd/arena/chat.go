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

	"github.com/spf13/cobra"

	"github.com/aigoflow/arena/internal/config"
	"github.com/aigoflow/arena/internal/models"
	"github.com/aigoflow/arena/internal/repository"
	"github.com/aigoflow/arena/internal/services"
	"github.com/aigoflow/arena/pkg/client"
)

var chatConnect bool

var chatCmd = &cobra.Command{
	Use:   "chat [session-id]",
	Short: "Chat in a session",
	Long: `Chat in an existing session, or in a new compare session between the
configured models when no id is given. Commands:

  /cancel          stop the reply in progress
  /history         redraw the transcript
  /regen a|b       ask a participant for another answer to the last question
  /rate a|b 1-5    rate a participant's latest reply
  /prefer a|b      record which participant answered better
  /open <id>       switch to another session
  /quit            leave`,
	Args: cobra.MaximumNArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().BoolVar(&chatConnect, "connect", false, "Keep the session channel open for server-pushed state")
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, engine, err := setup()
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := engine.Start(ctx); err != nil {
		return err
	}

	session, err := openSession(ctx, cfg, engine, args)
	if err != nil {
		return err
	}
	if err := enterSession(ctx, engine, session); err != nil {
		return err
	}

	r := newRenderer()
	fmt.Println(titleStyle.Render(fmt.Sprintf("%s session %s", session.Mode, session.ID)))
	fmt.Print(r.Transcript(session, engine.View(session.ID)))

	notes, stopNotes := engine.Notifications(16)
	defer stopNotes()
	lines := readLines(os.Stdin)

	var done <-chan struct{}
	prompt(false)
	for {
		select {
		case <-ctx.Done():
			return nil

		case n, ok := <-notes:
			if ok && n.SessionID == session.ID {
				fmt.Println(r.Notification(n))
			}

		case <-done:
			done = nil
			if replies := lastReplies(engine.View(session.ID)); len(replies) > 0 {
				fmt.Println(r.Replies(session, replies))
			}
			prompt(false)

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			name, cmdArgs := chatCommand(line)
			switch {
			case line == "":
				prompt(done != nil)
			case name == "/quit", name == "/exit":
				return nil
			case name == "/cancel":
				if !engine.Cancel(session.ID) {
					fmt.Println(dimStyle.Render("Nothing to cancel"))
				}
			case name == "/history":
				fmt.Print(r.Transcript(session, engine.View(session.ID)))
				prompt(done != nil)
			case name == "/regen", name == "/rate", name == "/prefer":
				if done != nil {
					fmt.Println(dimStyle.Render("Still answering; /cancel to stop"))
					continue
				}
				turn, err := replyCommand(ctx, engine, session, name, cmdArgs)
				if err != nil {
					fmt.Println(errorStyle.Render(err.Error()))
				}
				if turn != nil {
					done = turn.Done()
				}
				prompt(done != nil)
			case name == "/open":
				if len(cmdArgs) != 1 {
					fmt.Println(errorStyle.Render("usage: /open <session-id>"))
					prompt(done != nil)
					continue
				}
				next, err := openSession(ctx, cfg, engine, cmdArgs)
				if err != nil {
					fmt.Println(errorStyle.Render(err.Error()))
					prompt(done != nil)
					continue
				}
				engine.LeaveSession(session.ID)
				session, done = next, nil
				if err := enterSession(ctx, engine, session); err != nil {
					return err
				}
				fmt.Println(titleStyle.Render(fmt.Sprintf("%s session %s", session.Mode, session.ID)))
				fmt.Print(r.Transcript(session, engine.View(session.ID)))
				prompt(false)
			case name != "":
				fmt.Println(errorStyle.Render("Unknown command " + name))
				prompt(done != nil)
			default:
				if done != nil {
					fmt.Println(dimStyle.Render("Still answering; /cancel to stop"))
					continue
				}
				turn, err := engine.Send(ctx, session.ID, line)
				if err != nil {
					fmt.Println(errorStyle.Render(err.Error()))
					prompt(false)
					continue
				}
				done = turn.Done()
				prompt(true)
			}
		}
	}
}

// enterSession loads local history and, with --connect, opens the
// session channel
func enterSession(ctx context.Context, engine *client.Engine, session client.Session) error {
	if _, err := engine.Resume(ctx, session.ID); err != nil && !errors.Is(err, repository.ErrNotFound) && !errors.Is(err, services.ErrNoLocalStore) {
		fmt.Fprintln(os.Stderr, dimStyle.Render("Local history unavailable: "+err.Error()))
	}
	if chatConnect {
		return engine.Connect(ctx, session.ID)
	}
	return nil
}

// replyCommand runs /regen, /rate and /prefer against a participant's
// latest reply. Only /regen starts a turn.
func replyCommand(ctx context.Context, engine *client.Engine, session client.Session, name string, args []string) (*client.Turn, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("usage: %s a|b", name)
	}
	p, err := parseParticipant(args[0])
	if err != nil {
		return nil, err
	}
	reply, ok := latestReply(engine.View(session.ID), p)
	if !ok {
		return nil, fmt.Errorf("no finished reply from %s yet", participantLabel(session, p))
	}

	switch name {
	case "/regen":
		return engine.Regenerate(ctx, session.ID, reply.ID)
	case "/rate":
		if len(args) != 2 {
			return nil, fmt.Errorf("usage: /rate a|b 1-5")
		}
		score, err := parseScore(args[1])
		if err != nil {
			return nil, err
		}
		_, err = engine.SubmitFeedback(ctx, client.Feedback{SessionID: session.ID, MessageID: reply.ID, Type: client.FeedbackRating, Rating: score})
		if err == nil {
			fmt.Println(dimStyle.Render("Rating recorded"))
		}
		return nil, err
	default:
		if reply.ModelID == "" {
			return nil, fmt.Errorf("model behind %s is unknown", participantLabel(session, p))
		}
		_, err = engine.SubmitFeedback(ctx, client.Feedback{SessionID: session.ID, MessageID: reply.ID, Type: client.FeedbackPreference, PreferredModelID: reply.ModelID})
		if err == nil {
			fmt.Println(dimStyle.Render("Preference recorded"))
		}
		return nil, err
	}
}

// openSession finds the session named in args on the backend, or creates
// a compare session between the configured models
func openSession(ctx context.Context, cfg *config.Config, engine *client.Engine, args []string) (client.Session, error) {
	if len(args) == 0 {
		return engine.CreateSession(ctx, client.Session{
			Mode:   client.ModeCompare,
			ModelA: &client.ModelRef{ID: cfg.ModelA, Name: cfg.ModelA},
			ModelB: &client.ModelRef{ID: cfg.ModelB, Name: cfg.ModelB},
		})
	}

	sessions, err := engine.ListSessions(ctx)
	if err != nil {
		return client.Session{}, fmt.Errorf("failed to look up session: %w", err)
	}
	for _, s := range sessions {
		if s.ID == args[0] {
			return s, engine.OpenSession(s)
		}
	}
	return client.Session{}, fmt.Errorf("session %s not found", args[0])
}

func prompt(busy bool) {
	if busy {
		fmt.Println(dimStyle.Render("…"))
		return
	}
	fmt.Print(successStyle.Render("you> "))
}

func readLines(in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

// lastReplies returns the messages after the most recent user message
func lastReplies(view []client.Message) []client.Message {
	for i := len(view) - 1; i >= 0; i-- {
		if view[i].Role == models.RoleUser {
			return view[i+1:]
		}
	}
	return nil
}
