package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/heroes/internal/api"
	"github.com/matheus3301/heroes/internal/chat"
	"github.com/spf13/cobra"
)

var roomCmd = &cobra.Command{
	Use:   "room",
	Short: "Join, read and post to request chat rooms",
}

type roomView struct {
	RoomID    string   `json:"room_id"`
	State     string   `json:"state"`
	ReadOnly  bool     `json:"read_only"`
	Presence  []string `json:"presence"`
	LastError *struct {
		Message    string `json:"message"`
		Suggestion string `json:"suggestion"`
	} `json:"last_error"`
}

func printRoom(resp map[string]any) error {
	if jsonFlag {
		outputJSON(resp)
		return nil
	}
	var r roomView
	if err := decode(resp, &r); err != nil {
		return err
	}
	fmt.Printf("Room %s: %s", r.RoomID, r.State)
	if r.ReadOnly {
		fmt.Print(" (read-only)")
	}
	fmt.Println()
	if len(r.Presence) > 0 {
		fmt.Printf("Online: %s\n", strings.Join(r.Presence, ", "))
	}
	if r.LastError != nil {
		fmt.Printf("Error: %s %s\n", r.LastError.Message, r.LastError.Suggestion)
	}
	return nil
}

func printMessage(m chat.Message) {
	mark := ""
	switch m.State {
	case chat.Pending:
		mark = " (sending)"
	case chat.Failed:
		mark = " (failed: " + m.Error + ", retry with local id " + m.LocalID + ")"
	}
	fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format(time.DateTime), m.SenderID, m.Text, mark)
}

func roomAction(method string) func(*conn, []string) error {
	return func(c *conn, args []string) error {
		resp, err := c.call(method, map[string]any{"room_id": args[0]})
		if err != nil {
			return err
		}
		return printRoom(resp)
	}
}

var roomJoinCmd = &cobra.Command{
	Use:   "join <request-id>",
	Short: "Subscribe to a request's chat room",
	Args:  cobra.ExactArgs(1),
	RunE:  run(roomAction(api.MethodSubscribeRoom)),
}

var roomLeaveCmd = &cobra.Command{
	Use:   "leave <request-id>",
	Short: "Unsubscribe from a chat room",
	Args:  cobra.ExactArgs(1),
	RunE:  run(roomAction(api.MethodUnsubscribeRoom)),
}

var roomCloseCmd = &cobra.Command{
	Use:   "close <request-id>",
	Short: "Mark a room read-only after its request completed or was cancelled",
	Args:  cobra.ExactArgs(1),
	RunE:  run(roomAction(api.MethodCloseRoom)),
}

func sendResult(resp map[string]any) error {
	if jsonFlag {
		outputJSON(resp)
		return nil
	}
	var view struct {
		Message chat.Message `json:"message"`
	}
	if err := decode(resp, &view); err != nil {
		return err
	}
	printMessage(view.Message)
	return nil
}

var roomSendCmd = &cobra.Command{
	Use:   "send <request-id> <text...>",
	Short: "Send a message; it is parked and replayed when offline",
	Args:  cobra.MinimumNArgs(2),
	RunE: run(func(c *conn, args []string) error {
		resp, err := c.call(api.MethodSendMessage, map[string]any{
			"room_id": args[0],
			"text":    strings.Join(args[1:], " "),
		})
		if err != nil {
			return err
		}
		return sendResult(resp)
	}),
}

var roomRetryCmd = &cobra.Command{
	Use:   "retry <request-id> <local-id>",
	Short: "Resend a failed message",
	Args:  cobra.ExactArgs(2),
	RunE: run(func(c *conn, args []string) error {
		resp, err := c.call(api.MethodRetryMessage, map[string]any{"room_id": args[0], "local_id": args[1]})
		if err != nil {
			return err
		}
		return sendResult(resp)
	}),
}

var roomMessagesCmd = &cobra.Command{
	Use:   "messages <request-id>",
	Short: "Print a room's messages, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(c *conn, args []string) error {
		resp, err := c.call(api.MethodListMessages, map[string]any{"room_id": args[0]})
		if err != nil {
			return err
		}
		if jsonFlag {
			outputJSON(resp)
			return nil
		}
		var view struct {
			Messages []chat.Message `json:"messages"`
		}
		if err := decode(resp, &view); err != nil {
			return err
		}
		if len(view.Messages) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range view.Messages {
			printMessage(m)
		}
		return nil
	}),
}

func init() {
	roomCmd.AddCommand(roomJoinCmd, roomLeaveCmd, roomSendCmd, roomRetryCmd, roomMessagesCmd, roomCloseCmd)
	rootCmd.AddCommand(roomCmd)
}
