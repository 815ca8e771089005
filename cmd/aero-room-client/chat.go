package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/signalclient"
)

func newCreateCmd(opts *rootOptions) *cobra.Command {
	var noChat bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a room and chat in it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ch, err := opts.dial(ctx)
			if err != nil {
				return err
			}
			defer ch.Close()

			code, err := ch.CreateRoom(ctx)
			if err != nil {
				return err
			}
			con := console{out: cmd.OutOrStdout()}
			con.success("Room %s created. Share the code with one other person.", code)
			if noChat {
				return nil
			}
			return runChat(ctx, ch, cmd.InOrStdin(), con)
		},
	}
	cmd.Flags().BoolVar(&noChat, "no-chat", false, "Print the room code and exit")
	return cmd
}

func newJoinCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "join CODE",
		Short: "Join a room and chat in it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ch, err := opts.dial(ctx)
			if err != nil {
				return err
			}
			defer ch.Close()

			code := strings.ToUpper(strings.TrimSpace(args[0]))
			participants, err := ch.JoinRoom(ctx, code)
			if err != nil {
				return err
			}
			con := console{out: cmd.OutOrStdout()}
			con.success("Joined %s (%d participants)", code, len(participants))
			return runChat(ctx, ch, cmd.InOrStdin(), con)
		},
	}
}

// runChat relays stdin lines as chat messages and prints room events until
// /quit, EOF, ctx cancellation or a lost room.
//
// Lines starting with "/" are commands: /quit, /who, /typing and
// /report (reports the last message received from someone else).
func runChat(ctx context.Context, ch *signalclient.Channel, in io.Reader, con console) error {
	messages := ch.Messages()
	defer messages.Close()
	joined := ch.ParticipantJoined()
	defer joined.Close()
	left := ch.ParticipantLeft()
	defer left.Close()
	typing := ch.Typing()
	defer typing.Close()
	conn := ch.ConnectionEvents()
	defer conn.Close()

	joinedC, leftC, typingC := joined.C(), left.C(), typing.C()

	code := ch.RoomCode()
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	con.info("Type a message and press enter. /who, /report, /quit")
	var lastFromPeer string
	for {
		select {
		case <-ctx.Done():
			return nil

		case line, ok := <-lines:
			if !ok {
				return ch.LeaveRoom(ctx)
			}
			done, err := chatCommand(ctx, ch, con, strings.TrimSpace(line), code, lastFromPeer)
			if err != nil || done {
				return err
			}

		case m, ok := <-messages.C():
			if !ok {
				return signalclient.ErrClosed
			}
			from := m.From
			if from == ch.SessionID() {
				from = "you"
			} else {
				lastFromPeer = m.Text
			}
			con.line("[%s] %s: %s", m.SentAt.Format("15:04:05"), from, m.Text)

		case p, ok := <-joinedC:
			if !ok {
				joinedC = nil
			} else if p.SessionID != ch.SessionID() {
				con.info("%s joined (%d in room)", p.SessionID, p.ParticipantCount)
			}

		case p, ok := <-leftC:
			if !ok {
				leftC = nil
			} else {
				con.info("%s left (%d in room)", p.SessionID, p.ParticipantCount)
			}

		case t, ok := <-typingC:
			if !ok {
				typingC = nil
			} else if t.IsTyping {
				con.info("%s is typing...", t.From)
			}

		case ev, ok := <-conn.C():
			if !ok {
				return signalclient.ErrClosed
			}
			switch ev.State {
			case signalclient.Reconnecting:
				con.warn("Connection lost, reconnecting: %v", ev.Err)
			case signalclient.Connected:
				// The relay dropped our membership with the old connection.
				if _, err := ch.JoinRoom(ctx, code); err != nil {
					return err
				}
				con.success("Reconnected to %s", code)
			case signalclient.Closed:
				if ev.Err != nil {
					return ev.Err
				}
				return signalclient.ErrClosed
			}
		}
	}
}

// chatCommand handles one input line. done is true when the chat should end.
func chatCommand(ctx context.Context, ch *signalclient.Channel, con console, line, code, lastFromPeer string) (done bool, err error) {
	switch {
	case line == "":
		return false, nil

	case line == "/quit":
		return true, ch.LeaveRoom(ctx)

	case line == "/who":
		participants, err := ch.Participants(ctx)
		if err != nil {
			return false, err
		}
		con.info("In room: %s", strings.Join(participants, ", "))

	case line == "/typing":
		return false, ch.SendTyping(ctx, true)

	case line == "/report":
		if lastFromPeer == "" {
			con.warn("Nothing to report yet")
			return false, nil
		}
		id, err := ch.SubmitReport(ctx, code, lastFromPeer)
		if err != nil {
			return false, err
		}
		con.success("Report %s submitted", id)

	case strings.HasPrefix(line, "/"):
		con.warn("Unknown command %s", line)

	default:
		if err := ch.SendMessage(ctx, line); err != nil {
			if errors.Is(err, signalclient.ErrDisconnected) {
				con.warn("Not sent, reconnecting")
				return false, nil
			}
			return false, err
		}
	}
	return false, nil
}
