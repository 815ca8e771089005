package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/signalclient"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/webrtcpeer"
)

func newCallCmd(opts *rootOptions) *cobra.Command {
	var (
		muted         bool
		statsInterval time.Duration
		timeout       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "call [CODE]",
		Short: "Place an audio call: create a room and wait, or join CODE and answer",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			con := console{out: cmd.OutOrStdout()}

			ch, err := opts.dial(ctx)
			if err != nil {
				return err
			}
			defer ch.Close()

			initiator := len(args) == 0
			if initiator {
				code, err := ch.CreateRoom(ctx)
				if err != nil {
					return err
				}
				con.success("Room %s created. Waiting for someone to join...", code)
			} else {
				code := strings.ToUpper(strings.TrimSpace(args[0]))
				if _, err := ch.JoinRoom(ctx, code); err != nil {
					return err
				}
				con.success("Joined %s. Waiting for the offer...", code)
			}

			servers := iceServers(ctx, opts, ch.SessionID(), con)
			api, err := webrtcpeer.NewAPI(webrtcpeer.Settings{
				ICEServers: servers,
				UDPPortMin: opts.udpPortMin,
				UDPPortMax: opts.udpPortMax,
				Logger:     opts.log.With("component", "pion"),
			})
			if err != nil {
				return err
			}
			coord := negotiation.NewCoordinator(negotiation.Config{
				Signaler:           ch,
				API:                api,
				ICEServers:         servers,
				NegotiationTimeout: timeout,
				Logger:             opts.log,
			})
			defer coord.Close()
			coord.ToggleAudio(!muted)

			return runCall(ctx, ch, coord, initiator, statsInterval, con)
		},
	}
	cmd.Flags().BoolVar(&muted, "muted", false, "Start with the microphone track disabled")
	cmd.Flags().DurationVar(&statsInterval, "stats-interval", 5*time.Second, "Print call quality at this interval (0 disables)")
	cmd.Flags().DurationVar(&timeout, "negotiation-timeout", negotiation.DefaultNegotiationTimeout, "Fail the call if it is not connected within this duration")
	return cmd
}

// iceServers asks the relay for ICE servers and falls back to public STUN.
func iceServers(ctx context.Context, opts *rootOptions, sessionID string, con console) []webrtc.ICEServer {
	base, err := signalclient.HTTPBaseURL(opts.serverURL)
	if err != nil {
		con.warn("Using default STUN servers: %v", err)
		return signalclient.DefaultICEServers
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	cfg, err := signalclient.FetchICEServers(ctx, nil, base, sessionID)
	if err != nil {
		con.warn("Using default STUN servers: %v", err)
		return signalclient.DefaultICEServers
	}
	if len(cfg.Servers) == 0 {
		return signalclient.DefaultICEServers
	}
	return cfg.Servers
}

// runCall wires relay events into the coordinator until the call ends.
func runCall(ctx context.Context, ch *signalclient.Channel, coord *negotiation.Coordinator, initiator bool, statsInterval time.Duration, con console) error {
	events := coord.Subscribe()
	defer events.Close()
	offers := ch.Offers()
	defer offers.Close()
	answers := ch.Answers()
	defer answers.Close()
	candidates := ch.ICECandidates()
	defer candidates.Close()
	joined := ch.ParticipantJoined()
	defer joined.Close()
	left := ch.ParticipantLeft()
	defer left.Close()
	conn := ch.ConnectionEvents()
	defer conn.Close()

	// A closed feed is set to nil so select stops picking it.
	offersC, answersC, candidatesC := offers.C(), answers.C(), candidates.C()
	joinedC, leftC := joined.C(), left.C()

	var statsC <-chan time.Time
	if statsInterval > 0 {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		statsC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			con.info("Hanging up")
			return nil

		case p, ok := <-joinedC:
			if !ok {
				joinedC = nil
				continue
			}
			if !initiator || p.SessionID == ch.SessionID() {
				continue
			}
			con.info("%s joined, calling...", p.SessionID)
			if err := coord.StartCall(ctx); err != nil {
				return err
			}

		case o, ok := <-offersC:
			if !ok {
				offersC = nil
				continue
			}
			if initiator {
				con.warn("Ignoring offer from %s", o.From)
				continue
			}
			if err := coord.AcceptCall(ctx, o.Description); err != nil {
				return err
			}

		case a, ok := <-answersC:
			if !ok {
				answersC = nil
				continue
			}
			if err := coord.HandleAnswer(a.Description); err != nil {
				con.warn("Answer rejected: %v", err)
			}

		case c, ok := <-candidatesC:
			if !ok {
				candidatesC = nil
				continue
			}
			if err := coord.HandleICECandidate(c.Candidate); err != nil {
				con.warn("ICE candidate rejected: %v", err)
			}

		case ev, ok := <-events.C():
			if !ok {
				return nil
			}
			switch ev.Kind {
			case negotiation.EventStateChanged:
				con.info("Call %s", ev.State)
				if ev.State == negotiation.StateClosed {
					return nil
				}
			case negotiation.EventRemoteTrack:
				con.success("Receiving %s from peer", ev.Track.Kind())
			case negotiation.EventNegotiationFailed:
				return fmt.Errorf("call failed: %w", ev.Err)
			}

		case p, ok := <-leftC:
			if !ok {
				leftC = nil
				continue
			}
			con.info("%s left, call ended", p.SessionID)
			return nil

		case ev, ok := <-conn.C():
			if !ok {
				return signalclient.ErrClosed
			}
			if ev.State == signalclient.Reconnecting && coord.State() != negotiation.StateConnected {
				return errors.New("lost the relay before the call connected")
			}
			if ev.State == signalclient.Closed && coord.State() != negotiation.StateConnected {
				return signalclient.ErrClosed
			}

		case <-statsC:
			if s, ok := coord.Stats(); ok {
				con.info("Quality %s: loss %.1f%%, rtt %s, jitter %.3fs",
					s.Quality(), s.LossPercent(), s.RoundTripTime.Round(time.Millisecond), s.Jitter)
			}
		}
	}
}
