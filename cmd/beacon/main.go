package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := buildRoot(os.Stdin, os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands.
func buildRoot(in io.Reader, out, errOut io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	beaconCommand := command{global: globalFlags, in: in, out: out, errOut: errOut}

	root := createRootCommand(globalFlags)
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	root.AddCommand(
		createRunCommand(beaconCommand),
		createTrackCommand(beaconCommand),
		createFlushCommand(beaconCommand),
		createInspectCommand(beaconCommand),
		createCollectorCommand(beaconCommand),
		createQueryCommand(beaconCommand),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "beacon",
		Short: "Buffered analytics event shipper",
		Long: `Beacon buffers analytics events locally and ships them to a collector
in batches, keeping unsent events on disk across restarts.

Examples:
  beacon run --server-url=http://localhost:8080/events < events.ndjson
  beacon track click btn1          # queue one event for the next run
  beacon flush                     # send queued events once
  beacon inspect                   # show queued events
  beacon collector --listen=:8080  # local receiving endpoint
  beacon query --count             # ask a collector what it received`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "override log level (debug, info, warn, error)")

	return root
}

// createRunCommand creates the run subcommand
func createRunCommand(beaconCommand command) *cobra.Command {
	runFlags := &RunFlags{}
	var exitOnEOF bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Track events from input and ship them until interrupted",
		Long: `Run the event buffer: restore events persisted by a previous run, read
one JSON event per line ({"Type":"click","Data":"btn1"}) from stdin or --input,
and send batches to the collector no more often than the cooldown allows.
On SIGINT/SIGTERM unsent events are written to storage.

Examples:
  beacon run --server-url=http://localhost:8080/events
  beacon run --config=beacon.toml --input=events.ndjson --exit-on-eof`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return beaconCommand.Run(cmd.Context(), *runFlags, exitOnEOF)
		},
	}

	cmd.Flags().StringVar(&runFlags.ServerURL, "server-url", "", "collector URL (http(s)://, clickhouse://, opensearch(s)://)")
	cmd.Flags().StringVar(&runFlags.Storage, "storage", "", "storage DSN or directory for unsent events")
	cmd.Flags().DurationVar(&runFlags.Cooldown, "cooldown", 0, "minimum spacing between sends (default from config, 5s)")
	cmd.Flags().StringVar(&runFlags.Input, "input", "-", "NDJSON event file, - for stdin")
	cmd.Flags().BoolVar(&exitOnEOF, "exit-on-eof", false, "exit once the input ends and the queue drained")

	return cmd
}

// createTrackCommand creates the track subcommand
func createTrackCommand(beaconCommand command) *cobra.Command {
	trackFlags := &TrackFlags{}

	cmd := &cobra.Command{
		Use:   "track TYPE [DATA]",
		Short: "Queue one event in durable storage",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data := ""
			if len(args) > 1 {
				data = args[1]
			}
			return beaconCommand.Track(cmd.Context(), *trackFlags, args[0], data)
		},
	}

	cmd.Flags().StringVar(&trackFlags.Storage, "storage", "", "storage DSN or directory for unsent events")
	return cmd
}

// createFlushCommand creates the flush subcommand
func createFlushCommand(beaconCommand command) *cobra.Command {
	flushFlags := &FlushFlags{}

	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Send queued events once",
		Long: `Load events from storage, make one send attempt and write back whatever
was not delivered. Exits non-zero when events remain.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return beaconCommand.Flush(cmd.Context(), *flushFlags)
		},
	}

	cmd.Flags().StringVar(&flushFlags.ServerURL, "server-url", "", "collector URL")
	cmd.Flags().StringVar(&flushFlags.Storage, "storage", "", "storage DSN or directory for unsent events")
	cmd.Flags().DurationVar(&flushFlags.Wait, "wait", 0, "maximum time to wait for the send (default transport timeout + 1s)")
	return cmd
}

// createInspectCommand creates the inspect subcommand
func createInspectCommand(beaconCommand command) *cobra.Command {
	inspectFlags := &InspectFlags{}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show events waiting in durable storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return beaconCommand.Inspect(cmd.Context(), *inspectFlags)
		},
	}

	cmd.Flags().StringVar(&inspectFlags.Storage, "storage", "", "storage DSN or directory for unsent events")
	cmd.Flags().BoolVar(&inspectFlags.JSON, "json", false, "print events as JSON")
	return cmd
}

// createCollectorCommand creates the collector subcommand
func createCollectorCommand(beaconCommand command) *cobra.Command {
	collectorFlags := &CollectorFlags{}

	cmd := &cobra.Command{
		Use:   "collector",
		Short: "Run a local collector that stores received events in SQLite",
		Long: `Serve POST /events (form field Analytics), GET /events, GET /events/count
and GET /healthz. Events are stored in the SQLite database given by --dsn.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return beaconCommand.Collector(cmd.Context(), *collectorFlags)
		},
	}

	cmd.Flags().StringVar(&collectorFlags.Listen, "listen", "", "listen address (default from config, :8080)")
	cmd.Flags().StringVar(&collectorFlags.DSN, "dsn", "", "SQLite database for received events")
	cmd.Flags().StringVar(&collectorFlags.BasePath, "base-path", "", "route prefix, e.g. /analytics")
	return cmd
}

// createQueryCommand creates the query subcommand
func createQueryCommand(beaconCommand command) *cobra.Command {
	queryFlags := &QueryFlags{}

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Show events received by a collector",
		Long: `Query a running collector's read endpoints.

Examples:
  beacon query --collector-url=http://localhost:8080 --limit=20
  beacon query --count --type=click
  beacon query --collector-url=https://collector:8443 --ca-cert=tls/tls_ca.crt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return beaconCommand.Query(cmd.Context(), *queryFlags)
		},
	}

	cmd.Flags().StringVar(&queryFlags.CollectorURL, "collector-url", "", "collector root URL (default derived from [collector].listen)")
	cmd.Flags().StringVar(&queryFlags.CACert, "ca-cert", "", "CA certificate to trust for https")
	cmd.Flags().BoolVar(&queryFlags.Insecure, "insecure", false, "skip TLS verification")
	cmd.Flags().StringVar(&queryFlags.Type, "type", "", "only count events of this type (with --count)")
	cmd.Flags().IntVar(&queryFlags.Limit, "limit", 20, "number of recent events to list")
	cmd.Flags().BoolVar(&queryFlags.CountOnly, "count", false, "print the number of stored events only")
	cmd.Flags().BoolVar(&queryFlags.JSON, "json", false, "print events as JSON")
	return cmd
}
