package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/matheus3301/heroes/internal/api"
	"github.com/matheus3301/heroes/internal/queue"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the offline action queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued actions in replay order",
	Args:  cobra.NoArgs,
	RunE: run(func(c *conn, _ []string) error {
		resp, err := c.call(api.MethodListQueue, nil)
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(resp)
			return nil
		}
		var view struct {
			Actions []queue.QueuedAction `json:"actions"`
		}
		if err := decode(resp, &view); err != nil {
			return err
		}
		if len(view.Actions) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tTYPE\tRETRIES\tQUEUED AT\tLAST ERROR")
		for _, a := range view.Actions {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", a.ID, a.Type, a.RetryCount, formatMillis(a.Timestamp), a.LastError)
		}
		return w.Flush()
	}),
}

var queueSizeCmd = &cobra.Command{
	Use:   "size",
	Short: "Print the number of queued actions",
	Args:  cobra.NoArgs,
	RunE: run(func(c *conn, _ []string) error {
		resp, err := c.call(api.MethodListQueue, nil)
		if err != nil {
			return err
		}
		fmt.Println(resp["size"])
		return nil
	}),
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard every queued action",
	Args:  cobra.NoArgs,
	RunE: run(func(c *conn, _ []string) error {
		resp, err := c.call(api.MethodClearQueue, nil)
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(resp)
			return nil
		}
		fmt.Printf("Cleared %v action(s).\n", resp["cleared"])
		return nil
	}),
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay the queue now",
	Args:  cobra.NoArgs,
	RunE: run(func(c *conn, _ []string) error {
		resp, err := c.call(api.MethodDrainQueue, nil)
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(resp)
			return nil
		}
		fmt.Printf("Processed: %v  Failed: %v  Retained: %v\n", resp["processed"], resp["failed"], resp["retained"])
		return nil
	}),
}

var queueOnly bool

var queueAddCmd = &cobra.Command{
	Use:     "add <type> [json-payload]",
	Short:   "Submit a mutation; it runs now when online and is queued otherwise",
	Example: `  heroesctl queue add CREATE_REQUEST '{"title":"Fix sink","category":"plumbing"}'
  heroesctl queue add CANCEL_REQUEST '{"request_id":"r1"}' --queue-only`,
	Args: cobra.RangeArgs(1, 2),
	RunE: run(func(c *conn, args []string) error {
		payload := map[string]any{}
		if len(args) == 2 {
			if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
				return fmt.Errorf("payload must be a JSON object: %w", err)
			}
		}
		resp, err := c.call(api.MethodEnqueue, map[string]any{
			"type":       args[0],
			"payload":    payload,
			"queue_only": queueOnly,
		})
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(resp)
			return nil
		}
		var view struct {
			Queued bool               `json:"queued"`
			Action queue.QueuedAction `json:"action"`
		}
		if err := decode(resp, &view); err != nil {
			return err
		}
		if view.Queued {
			fmt.Printf("Queued %s as %s.\n", view.Action.Type, view.Action.ID)
		} else {
			fmt.Printf("Sent %s.\n", view.Action.Type)
		}
		return nil
	}),
}

var logLimit int

var queueLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Show recent drain outcomes",
	Args:  cobra.NoArgs,
	RunE: run(func(c *conn, _ []string) error {
		resp, err := c.call(api.MethodDrainLog, map[string]any{"limit": logLimit})
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(resp)
			return nil
		}
		entries, _ := resp["entries"].([]any)
		if len(entries) == 0 {
			fmt.Println("No drain outcomes recorded.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "AT\tACTION\tTYPE\tOUTCOME\tCATEGORY\tATTEMPTS\tERROR")
		for _, e := range entries {
			row, _ := e.(map[string]any)
			_, _ = fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\t%v\t%v\n",
				row["recorded_at"], row["action_id"], row["action_type"], row["outcome"],
				row["category"], row["attempts"], row["error"])
		}
		return w.Flush()
	}),
}

func init() {
	queueAddCmd.Flags().BoolVar(&queueOnly, "queue-only", false, "always queue, even when online")
	queueLogCmd.Flags().IntVar(&logLimit, "limit", 20, "number of entries")
	queueCmd.AddCommand(queueListCmd, queueSizeCmd, queueClearCmd, queueDrainCmd, queueAddCmd, queueLogCmd)
	rootCmd.AddCommand(queueCmd)
}
