package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/heroes/internal/api"
	"github.com/matheus3301/heroes/internal/config"
	"github.com/matheus3301/heroes/internal/lock"
	"github.com/matheus3301/heroes/internal/session"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

var (
	profileFlag string
	jsonFlag    bool
	timeout     time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "heroesctl",
	Short:         "Control a running heroesd profile daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// conn is a daemon connection for one command invocation.
type conn struct {
	profile string
	client  *api.Client
}

func connect() (*conn, error) {
	cfg, err := config.LoadOrDefault(session.ConfigPath())
	if err != nil {
		return nil, err
	}
	profile := session.Resolve(profileFlag, cfg)
	if err := session.ValidateName(profile); err != nil {
		return nil, err
	}
	c, err := api.Dial(session.SocketPath(profile))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon for profile %q: %w", profile, err)
	}
	return &conn{profile: profile, client: c}, nil
}

func (c *conn) Close() {
	_ = c.client.Close()
}

// call runs one unary request, turning an unreachable socket into a hint
// about the daemon's state.
func (c *conn) call(method string, args map[string]any) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	resp, err := c.client.Call(ctx, method, args)
	if err != nil {
		return nil, c.explain(err)
	}
	return resp, nil
}

func (c *conn) explain(err error) error {
	if grpcstatus.Code(err) != codes.Unavailable {
		if st, ok := grpcstatus.FromError(err); ok {
			return fmt.Errorf("%s (%s)", st.Message(), st.Code())
		}
		return err
	}
	owner, held, rerr := lock.ReadOwner(session.Dir(c.profile))
	switch {
	case rerr == nil && held:
		return fmt.Errorf("daemon for profile %q (PID %d, since %s) is not answering: %w",
			c.profile, owner.PID, owner.Since.Local().Format(time.DateTime), err)
	case rerr == nil:
		return fmt.Errorf("daemon for profile %q is not running; start it with: heroesd --profile %s", c.profile, c.profile)
	default:
		return err
	}
}

// run wraps a command body with connection setup.
func run(fn func(c *conn, args []string) error) func(*cobra.Command, []string) error {
	return func(_ *cobra.Command, args []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()
		return fn(c, args)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

// decode converts a response map into a typed view.
func decode(m map[string]any, v any) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Local().Format(time.DateTime)
}
