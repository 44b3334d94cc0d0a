package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"fieldops-patrol/internal/apperror"
	"fieldops-patrol/internal/checkpoint"
	"fieldops-patrol/internal/device"
	"fieldops-patrol/internal/protocol"
	"fieldops-patrol/internal/session"
	"fieldops-patrol/internal/tagcodec"
	"fieldops-patrol/internal/tracking"

	"github.com/spf13/cobra"
)

func newRoundsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "rounds",
		Short: "List the guard's rounds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e := c.engine(device.FixedPosition{})
			defer e.close()
			rounds, err := e.api.ListRounds(cmd.Context())
			if err != nil {
				return failure(err)
			}
			return printJSON(cmd.OutOrStdout(), rounds)
		},
	}
}

func newActiveCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "Show the active round with checkpoints and lap progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e := c.engine(device.FixedPosition{})
			defer e.close()
			snap, err := e.state.Refresh(cmd.Context())
			if err != nil {
				return failure(err)
			}
			return printJSON(cmd.OutOrStdout(), snap)
		},
	}
}

func newStartCmd(c *cli) *cobra.Command {
	var pos positionFlags
	var follow time.Duration
	cmd := &cobra.Command{
		Use:   "start <round-id>",
		Short: "Start a round and optionally keep emitting positions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			e := c.engine(pos.source())
			defer e.close()
			snap, err := e.controller.Start(cmd.Context(), id)
			if err != nil {
				return failure(err)
			}
			if err := printJSON(cmd.OutOrStdout(), snap); err != nil {
				return err
			}
			wait(cmd.Context(), follow)
			return nil
		},
	}
	pos.register(cmd)
	cmd.Flags().DurationVar(&follow, "follow", 0, "keep tracking for this long after starting")
	return cmd
}

func newResumeCmd(c *cli) *cobra.Command {
	var pos positionFlags
	var follow time.Duration
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume the round left in progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e := c.engine(pos.source())
			defer e.close()
			snap, resumed, err := e.controller.Resume(cmd.Context())
			if err != nil {
				return failure(err)
			}
			if !resumed {
				fmt.Fprintln(cmd.OutOrStdout(), "no round in progress")
				return nil
			}
			if err := printJSON(cmd.OutOrStdout(), snap); err != nil {
				return err
			}
			wait(cmd.Context(), follow)
			return nil
		},
	}
	pos.register(cmd)
	cmd.Flags().DurationVar(&follow, "follow", 0, "keep tracking for this long after resuming")
	return cmd
}

func newLapCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "lap",
		Short: "Open the next lap once every checkpoint of the current lap is done",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e := c.engine(device.FixedPosition{})
			defer e.close()
			if _, err := e.state.Refresh(cmd.Context()); err != nil {
				return failure(err)
			}
			progress, err := e.controller.ContinueLap(cmd.Context())
			if err != nil {
				return failure(err)
			}
			return printJSON(cmd.OutOrStdout(), progress)
		},
	}
}

func newEndCmd(c *cli) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "end [round-id]",
		Short: "End a round (the active one by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := c.engine(device.FixedPosition{})
			defer e.close()

			var id int64
			if len(args) == 1 {
				parsed, err := parseID(args[0])
				if err != nil {
					return err
				}
				id = parsed
			} else {
				snap, err := e.state.Refresh(cmd.Context())
				if err != nil {
					return failure(err)
				}
				if snap.Round == nil {
					return failure(apperror.New(apperror.KindNoActiveRound, "no active round"))
				}
				id = snap.Round.ID
			}

			ended, err := e.controller.End(cmd.Context(), id, notes)
			if err != nil {
				return failure(err)
			}
			return printJSON(cmd.OutOrStdout(), ended)
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "closing notes for the round")
	return cmd
}

func newScanCmd(c *cli) *cobra.Command {
	var pos positionFlags
	var payload string
	var maxDistance float64
	cmd := &cobra.Command{
		Use:   "scan <checkpoint-id>",
		Short: "Verify a checkpoint visit and register it",
		Long: "Runs the full verification: position fix, tag read, payload check, " +
			"registration. Without --payload the simulated tag carries the checkpoint's own data.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			e := c.engine(pos.source())
			defer e.close()
			if _, err := e.state.Refresh(cmd.Context()); err != nil {
				return failure(err)
			}

			if payload == "" {
				payload = tagFor(e, id)
			}
			if !cmd.Flags().Changed("max-distance") {
				maxDistance = c.cfg.MaxCheckpointDistance
			}
			reader := device.NewStaticTag(payload)
			verifier := checkpoint.NewVerifier(e.api, e.state, pos.source(), reader, scanOptions(c, maxDistance))

			res, err := verifier.Scan(cmd.Context(), id)
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
			if err != nil {
				return failure(err)
			}
			if res.Progress.LapComplete() {
				fmt.Fprintf(cmd.OutOrStdout(), "lap %d complete\n", res.Progress.CurrentLap)
			}
			return nil
		},
	}
	pos.register(cmd)
	cmd.Flags().StringVar(&payload, "payload", "", "raw tag payload to present to the reader")
	cmd.Flags().Float64Var(&maxDistance, "max-distance", 0, "reject fixes farther than this many meters (0 records only)")
	return cmd
}

// tagFor encodes the tag a correctly provisioned checkpoint would carry.
func tagFor(e *engine, checkpointID int64) string {
	p := tagcodec.Payload{ID: checkpointID}
	if cp, ok := e.state.Checkpoint(checkpointID); ok {
		roundID, lat, lon := cp.RoundID, cp.Latitude, cp.Longitude
		p.RoundID, p.Latitude, p.Longitude, p.Name = &roundID, &lat, &lon, cp.Name
	}
	return tagcodec.Encode(p)
}

func newTrackCmd(c *cli) *cobra.Command {
	var pos positionFlags
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "track",
		Short: "Emit historical and realtime positions on the tracking channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e := c.engine(pos.source())
			defer e.close()
			if err := e.tracker.Start(cmd.Context()); err != nil {
				return failure(err)
			}
			if sess := e.sessions.Get(protocol.NamespaceTracking); sess != nil && !sess.Connected() {
				c.log.Warn().Err(sess.LastError()).Msg("not connected yet, retrying in the background")
			}
			wait(cmd.Context(), duration)
			return nil
		},
	}
	pos.register(cmd)
	cmd.Flags().DurationVar(&duration, "duration", time.Minute, "how long to keep emitting")
	return cmd
}

func newWatchCmd(c *cli) *cobra.Command {
	var pos positionFlags
	var users []string
	var zones []string
	var duration time.Duration
	var report bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow other guards and zones over the batched tracking channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			watches := make([]protocol.ZoneWatch, 0, len(zones))
			for _, z := range zones {
				zw, err := parseZone(z)
				if err != nil {
					return err
				}
				watches = append(watches, zw)
			}

			e := c.engine(pos.source())
			defer e.close()
			sess, err := e.sessions.Open(cmd.Context(), protocol.NamespaceTrackingV2, c.cfg.GuardToken)
			if err != nil {
				return failure(err)
			}
			return runWatch(cmd, c, sess, users, watches, report, pos.source(), duration)
		},
	}
	pos.register(cmd)
	cmd.Flags().StringSliceVar(&users, "user", nil, "guard id to follow (repeatable)")
	cmd.Flags().StringArrayVar(&zones, "zone", nil, "zone as lat,lon,radiusMeters (repeatable)")
	cmd.Flags().DurationVar(&duration, "duration", time.Minute, "how long to watch")
	cmd.Flags().BoolVar(&report, "report", false, "also send this device's position as a location report")
	return cmd
}

func runWatch(cmd *cobra.Command, c *cli, sess *session.Session, users []string, zones []protocol.ZoneWatch, report bool, source device.PositionSource, duration time.Duration) error {
	out := cmd.OutOrStdout()
	client := tracking.NewBatchClient(sess, tracking.BatchOptions{
		HeartbeatInterval: c.cfg.HeartbeatInterval,
		Logger:            c.log,
	})
	defer client.Close()

	entries := make(chan protocol.ZoneEntry, 16)
	remove := client.OnZoneEntry(func(z protocol.ZoneEntry) {
		select {
		case entries <- z:
		default:
		}
	})
	defer remove()

	for _, u := range users {
		if _, err := client.WatchUser(u); err != nil {
			return failure(err)
		}
	}
	for _, z := range zones {
		if _, err := client.WatchZone(z); err != nil {
			return failure(err)
		}
	}
	if report {
		pos, err := source.CurrentPosition(cmd.Context(), true)
		if err != nil {
			return failure(err)
		}
		client.SendLocation(pos, 0)
	}

	deadline := time.NewTimer(duration)
	defer deadline.Stop()
	ctx := cmd.Context()
loop:
	for {
		select {
		case z := <-entries:
			if err := printJSON(out, z); err != nil {
				return err
			}
		case <-deadline.C:
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	return printJSON(out, watchSummary{
		Subscribed: client.Subscribed(),
		Users:      client.WatchedUsers(),
		Zones:      client.WatchedZones(),
		Peers:      client.Peers(),
		Metrics:    client.Metrics(),
	})
}

type watchSummary struct {
	Subscribed bool                           `json:"subscribed"`
	Users      []string                       `json:"users"`
	Zones      []protocol.ZoneWatch           `json:"zones"`
	Peers      map[string]protocol.PeerUpdate `json:"peers"`
	Metrics    tracking.Metrics               `json:"metrics"`
}

func parseZone(s string) (protocol.ZoneWatch, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return protocol.ZoneWatch{}, fmt.Errorf("zone %q: want lat,lon,radiusMeters", s)
	}
	var vals [3]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return protocol.ZoneWatch{}, fmt.Errorf("zone %q: %w", s, err)
		}
		vals[i] = v
	}
	z := protocol.ZoneWatch{Latitude: vals[0], Longitude: vals[1], RadiusMeters: vals[2]}
	if err := protocol.Validate(z); err != nil {
		return protocol.ZoneWatch{}, fmt.Errorf("zone %q: %w", s, err)
	}
	return z, nil
}

func newEncodeTagCmd(c *cli) *cobra.Command {
	var p tagcodec.Payload
	var roundID int64
	var lat, lon float64
	cmd := &cobra.Command{
		Use:   "encode-tag",
		Short: "Print the payload to provision on a checkpoint tag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if p.ID <= 0 {
				return fmt.Errorf("--id must be positive")
			}
			flags := cmd.Flags()
			if flags.Changed("round") {
				p.RoundID = &roundID
			}
			if flags.Changed("lat") && flags.Changed("lon") {
				p.Latitude, p.Longitude = &lat, &lon
			}
			raw := tagcodec.Encode(p)

			// Written through the simulated writer so the payload goes through
			// the same path a real tag would.
			tag := device.NewStaticTag("")
			if err := tag.Write(cmd.Context(), []byte(raw)); err != nil {
				return failure(err)
			}
			c.log.Debug().Int64("checkpoint_id", p.ID).Msg("tag payload encoded")
			fmt.Fprintln(cmd.OutOrStdout(), string(tag.Payload))
			return nil
		},
	}
	cmd.Flags().Int64Var(&p.ID, "id", 0, "checkpoint id")
	cmd.Flags().Int64Var(&roundID, "round", 0, "round id")
	cmd.Flags().Float64Var(&lat, "lat", 0, "checkpoint latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "checkpoint longitude")
	cmd.Flags().StringVar(&p.Name, "name", "", "checkpoint name")
	return cmd
}

func newDecodeTagCmd(_ *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "decode-tag <raw>",
		Short: "Decode a raw tag payload the way the verifier does",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := tagcodec.DecodeString(args[0])
			if err != nil {
				return failure(err)
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}
}
