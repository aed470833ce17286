package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/alekspetrov/pollcast/internal/config"
	"github.com/alekspetrov/pollcast/internal/poll"
)

func newLaunchCmd() *cobra.Command {
	var (
		title    string
		options  []string
		duration int
		mode     string
		points   int
	)

	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Queue a poll for dispatch across all active channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath(cmd))
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.close()

			now := time.Now()
			instance := &poll.Instance{
				ID:              uuid.New(),
				Title:           title,
				Options:         options,
				DurationSeconds: duration,
				Mode:            poll.VoteMode(mode),
				Status:          poll.StatusPending,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if points > 0 {
				instance.Points = &poll.PointsConfig{Enabled: true, AmountPerVote: points}
			}
			if err := instance.Validate(); err != nil {
				return err
			}

			creds, err := rt.manager.ActiveChannels(ctx)
			if err != nil {
				return fmt.Errorf("failed to list channels: %w", err)
			}
			if len(creds) == 0 {
				return fmt.Errorf("no active channels to dispatch to")
			}

			// The daemon dispatches pending polls so chat connections
			// live in the long-running process for the poll's duration.
			if err := rt.polls.CreateInstance(ctx, instance); err != nil {
				return err
			}

			fmt.Printf("Poll %s queued for %d channels; the daemon dispatches it on its next pass\n",
				instance.ID, len(creds))
			return nil
		},
	}

	cmd.Flags().StringVarP(&title, "title", "t", "", "poll title (required)")
	cmd.Flags().StringSliceVarP(&options, "options", "o", nil, "poll options, comma separated (required)")
	cmd.Flags().IntVarP(&duration, "duration", "d", 60, "poll duration in seconds")
	cmd.Flags().StringVarP(&mode, "mode", "m", string(poll.VoteModeStandard), "vote mode: standard or unique")
	cmd.Flags().IntVar(&points, "points", 0, "channel points per additional vote (0 disables)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("options")

	return cmd
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <poll-id>",
		Short: "Request cancellation of a running poll",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pollID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid poll id: %w", err)
			}

			cfg, err := config.Load(configPath(cmd))
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.close()

			instance, err := rt.polls.GetInstance(ctx, pollID)
			if err != nil {
				return err
			}
			if instance.Status.Terminal() {
				return fmt.Errorf("poll %s is already %s", pollID, instance.Status)
			}

			// The daemon owns the open transports, so it performs the
			// actual termination when it sees the cancellation request.
			if err := rt.polls.UpdateInstanceStatus(ctx, pollID, poll.StatusCancelling); err != nil {
				return err
			}

			fmt.Printf("Poll %s cancellation requested; the daemon finalizes it on its next pass\n", pollID)
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <poll-id>",
		Short: "Show a poll's aggregate and per-channel links",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pollID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid poll id: %w", err)
			}

			cfg, err := config.Load(configPath(cmd))
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.close()

			instance, err := rt.polls.GetInstance(ctx, pollID)
			if err != nil {
				return err
			}

			fmt.Printf("%s (%s)\n", instance.Title, instance.Status)

			if agg, err := rt.polls.GetAggregate(ctx, pollID); err == nil {
				for idx, opt := range instance.Options {
					fmt.Printf("  %d) %-25s %d\n", idx+1, opt, agg.OptionTotals[idx])
				}
				fmt.Printf("Total: %d votes from %d channels (%d failed)\n",
					agg.Total, agg.ChannelsReporting, agg.ChannelsFailed)
				if agg.NonDurable {
					fmt.Println("Warning: some chat counts are non-durable (in-process fallback)")
				}
			} else {
				fmt.Println("No aggregate yet")
			}

			links, err := rt.polls.ListLinks(ctx, pollID)
			if err != nil {
				return err
			}
			for _, link := range links {
				transport := "chat"
				if link.UsesAPI() {
					transport = "api"
				}
				line := fmt.Sprintf("  %s  %-4s %-7s %d votes", link.ChannelID, transport, link.Status, link.TotalVotes)
				if link.LastError != "" {
					line += "  (" + link.LastError + ")"
				}
				fmt.Println(line)
			}

			return nil
		},
	}
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath(cmd)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists at %s", path)
			}

			cfg := config.DefaultConfig()
			cfg.Twitch.ClientID = "${TWITCH_CLIENT_ID}"
			cfg.Twitch.ClientSecret = "${TWITCH_CLIENT_SECRET}"

			if err := config.Save(cfg, path); err != nil {
				return err
			}

			fmt.Printf("Config written to %s\n", path)
			fmt.Println("Set TWITCH_CLIENT_ID and TWITCH_CLIENT_SECRET, then run: pollcast start")
			return nil
		},
	}
}
