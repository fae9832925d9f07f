package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matheus3301/heroes/internal/api"
	"github.com/spf13/cobra"
)

type statusView struct {
	Profile   string `json:"profile"`
	UptimeMs  int64  `json:"uptime_ms"`
	Online    bool   `json:"online"`
	QueueSize int    `json:"queue_size"`
	Draining  bool   `json:"draining"`
	SenderID  string `json:"sender_id"`
	Rooms     []struct {
		RoomID   string `json:"room_id"`
		State    string `json:"state"`
		ReadOnly bool   `json:"read_only"`
	} `json:"rooms"`
	Outcomes map[string]int `json:"outcomes"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon, connectivity and queue status",
	Args:  cobra.NoArgs,
	RunE: run(func(c *conn, _ []string) error {
		resp, err := c.call(api.MethodStatus, nil)
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(resp)
			return nil
		}
		var st statusView
		if err := decode(resp, &st); err != nil {
			return err
		}
		net := "offline"
		if st.Online {
			net = "online"
		}
		fmt.Printf("Profile: %s\n", st.Profile)
		fmt.Printf("Sender:  %s\n", st.SenderID)
		fmt.Printf("Network: %s\n", net)
		fmt.Printf("Queue:   %d pending", st.QueueSize)
		if st.Draining {
			fmt.Print(" (draining)")
		}
		fmt.Println()
		fmt.Printf("Uptime:  %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
		for _, r := range st.Rooms {
			ro := ""
			if r.ReadOnly {
				ro = " read-only"
			}
			fmt.Printf("Room:    %s %s%s\n", r.RoomID, r.State, ro)
		}
		if len(st.Outcomes) > 0 {
			fmt.Printf("Drained: %d processed, %d failed, %d retained\n",
				st.Outcomes["processed"], st.Outcomes["failed"], st.Outcomes["retained"])
		}
		return nil
	}),
}

var netCmd = &cobra.Command{
	Use:       "net <online|offline>",
	Short:     "Report OS network reachability to the daemon",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"online", "offline"},
	RunE: run(func(c *conn, args []string) error {
		var online bool
		switch args[0] {
		case "online":
			online = true
		case "offline":
		default:
			return fmt.Errorf("unknown state %q, want online or offline", args[0])
		}
		resp, err := c.call(api.MethodSetConnectivity, map[string]any{"online": online})
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(resp)
			return nil
		}
		if resp["changed"] == true {
			fmt.Printf("Now %s.\n", args[0])
		} else {
			fmt.Printf("Already %s.\n", args[0])
		}
		return nil
	}),
}

var eventsPrefix string

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream daemon events until interrupted",
	Args:  cobra.NoArgs,
	RunE: run(func(c *conn, _ []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		err := c.client.Watch(ctx, eventsPrefix, func(evt map[string]any) error {
			if jsonFlag {
				outputJSON(evt)
				return nil
			}
			fmt.Printf("%s  %-28s %v\n", evt["occurred_at"], evt["kind"], evt["payload"])
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return c.explain(err)
		}
		return nil
	}),
}

func init() {
	eventsCmd.Flags().StringVar(&eventsPrefix, "prefix", "", "only events whose kind starts with prefix (e.g. queue., chat.)")
	rootCmd.AddCommand(statusCmd, netCmd, eventsCmd)
}
