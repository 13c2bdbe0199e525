package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/disputesync/internal/adminclient"
	"github.com/agentworkforce/disputesync/internal/httpapi"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type globalOptions struct {
	server    string
	token     string
	jwtSecret string
	subject   string
	output    string
	timeout   time.Duration
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "disputesync-ctl",
		Short:         "Operate a running disputesync server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			switch opts.output {
			case "table", "json":
				return nil
			default:
				return fmt.Errorf("unsupported output %q (table or json)", opts.output)
			}
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOrDefault("DISPUTESYNC_SERVER", "http://127.0.0.1:8080"), "disputesync base URL")
	flags.StringVar(&opts.token, "token", strings.TrimSpace(os.Getenv("DISPUTESYNC_TOKEN")), "bearer token")
	flags.StringVar(&opts.jwtSecret, "jwt-secret", strings.TrimSpace(os.Getenv("DISPUTESYNC_JWT_SECRET")), "mint a short-lived token with this secret when --token is empty")
	flags.StringVar(&opts.subject, "subject", envOrDefault("USER", "operator"), "subject for minted tokens")
	flags.StringVarP(&opts.output, "output", "o", "table", "output format: table or json")
	flags.DurationVar(&opts.timeout, "timeout", 15*time.Second, "per-request timeout")

	root.AddCommand(
		casesCmd(opts),
		tasksCmd(opts),
		eventsCmd(opts),
		alertsCmd(opts),
		connectionsCmd(opts),
		sweepCmd(opts),
	)
	return root
}

func (o *globalOptions) client() (*adminclient.Client, error) {
	token, err := o.tokenFunc()
	if err != nil {
		return nil, err
	}
	return adminclient.New(o.server, token, &http.Client{Timeout: o.timeout}), nil
}

func (o *globalOptions) tokenFunc() (adminclient.TokenFunc, error) {
	if o.token != "" {
		return adminclient.StaticToken(o.token), nil
	}
	if o.jwtSecret == "" {
		return nil, fmt.Errorf("a token is required (--token, --jwt-secret, DISPUTESYNC_TOKEN or DISPUTESYNC_JWT_SECRET)")
	}
	secret, subject := o.jwtSecret, o.subject
	return func() (string, error) {
		return httpapi.SignToken(secret, subject, []string{"admin:read", "admin:write"}, time.Now().Add(5*time.Minute))
	}, nil
}

func envOrDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}
