package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/aussiebroadwan/wardgate/internal/portal"
	"github.com/aussiebroadwan/wardgate/internal/realtime"

	"github.com/spf13/cobra"
)

// cliTab scopes the stored session of one-shot commands so that login,
// whoami and logout see the same record across invocations.
const cliTab = "cli"

type globalFlags struct {
	envFile string
	tab     string
}

func main() {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:           "wardgate",
		Short:         "Hospital portal session shell",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file layered under the environment")
	rootCmd.PersistentFlags().StringVar(&flags.tab, "tab", "", "tab id scoping the stored session (default: WARDGATE_TAB_ID, or \"cli\" for one-shot commands)")

	rootCmd.AddCommand(
		serveCmd(&flags),
		loginCmd(&flags),
		whoamiCmd(&flags),
		logoutCmd(&flags),
		notificationsCmd(&flags),
		watchCmd(&flags),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// open loads configuration and wires an application. fallbackTab applies when
// neither --tab nor WARDGATE_TAB_ID is set.
func open(flags *globalFlags, fallbackTab string) (*portal.Application, error) {
	cfg, err := portal.LoadConfig(flags.envFile)
	if err != nil {
		return nil, err
	}

	switch {
	case flags.tab != "":
		cfg.TabID = flags.tab
	case cfg.TabID == "":
		cfg.TabID = fallbackTab
	}

	app, err := portal.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize application: %w", err)
	}

	if cfg.Store == portal.StoreMemory && fallbackTab != "" {
		app.Logger().Warn("in-memory token store does not persist between commands, set WARDGATE_STORE")
	}
	return app, nil
}

func serveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the portal shell over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := open(flags, "")
			if err != nil {
				return err
			}
			return app.Run()
		},
	}
}

func loginCmd(flags *globalFlags) *cobra.Command {
	var identifier, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session for this tab",
		RunE: func(cmd *cobra.Command, args []string) error {
			if identifier == "" {
				return errors.New("--identifier is required")
			}
			if password == "" {
				password = os.Getenv("WARDGATE_PASSWORD")
			}
			if password == "" {
				fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}

			app, err := open(flags, cliTab)
			if err != nil {
				return err
			}
			defer app.Close()

			sess, err := app.Manager().Login(cmd.Context(), identifier, password)
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), sess)
		},
	}
	cmd.Flags().StringVar(&identifier, "identifier", "", "email, mobile number or username")
	cmd.Flags().StringVar(&password, "password", "", "password (default: WARDGATE_PASSWORD, then a prompt)")
	return cmd
}

func whoamiCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Verify the stored session and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := open(flags, cliTab)
			if err != nil {
				return err
			}
			defer app.Close()

			state := app.Manager().CheckAuth(cmd.Context())
			if err := printJSON(cmd.OutOrStdout(), state); err != nil {
				return err
			}
			if !state.IsAuthenticated {
				return errors.New("not signed in")
			}
			return nil
		},
	}
}

func logoutCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := open(flags, cliTab)
			if err != nil {
				return err
			}
			defer app.Close()

			return printJSON(cmd.OutOrStdout(), app.Manager().Logout(cmd.Context()))
		},
	}
}

func notificationsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "notifications",
		Short: "List notifications for the signed-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := open(flags, cliTab)
			if err != nil {
				return err
			}
			defer app.Close()

			list, err := app.Resources().Notifications(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), list)
		},
	}
}

func watchCmd(flags *globalFlags) *cobra.Command {
	var topic, event string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream realtime events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := open(flags, cliTab)
			if err != nil {
				return err
			}
			defer app.Close()

			channel := app.Realtime()
			if channel == nil {
				return errors.New("WARDGATE_REALTIME_URL is not set")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if state := app.Manager().CheckAuth(ctx); !state.IsAuthenticated {
				return errors.New("not signed in")
			}

			out := json.NewEncoder(cmd.OutOrStdout())
			events := make(chan realtime.Event, 16)
			sub := channel.Subscribe(realtime.Topic(topic), realtime.EventType(event), func(ev realtime.Event) {
				select {
				case events <- ev:
				default:
					app.Logger().Warn("dropping realtime event, output is behind", "type", ev.Type)
				}
			})
			defer sub.Unsubscribe()

			for {
				select {
				case <-ctx.Done():
					return nil
				case ev := <-events:
					if err := out.Encode(ev); err != nil {
						return err
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "notifications", "topic to subscribe to")
	cmd.Flags().StringVar(&event, "event", "", "only this event type (default: every event of the topic)")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
