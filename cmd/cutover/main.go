package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cuemby/cutover/pkg/api"
	"github.com/cuemby/cutover/pkg/client"
	"github.com/cuemby/cutover/pkg/config"
	"github.com/cuemby/cutover/pkg/daemon"
	"github.com/cuemby/cutover/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cutover",
	Short: "Cutover - blue/green and rolling releases for containerized services",
	Long: `Cutover releases new versions of containerized services behind a
traffic router. Blue/green services are staged on an idle pool, verified on
a test listener and cut over atomically; rolling services are replaced in
place. Pipelines turn source changes into releases.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Init(log.Config{
			Level:      log.ParseLevel(viper.GetString("log-level")),
			JSONOutput: viper.GetBool("log-json"),
		})
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Cutover version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (default: ./cutover.yaml)")
	flags.String("api-addr", "127.0.0.1:9090", "Address of the cutover API")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "Write logs as JSON")
	bindFlags(rootCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Cutover version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

// initConfig reads the optional config file and the CUTOVER_* environment.
// Every flag can be set from either, keyed by its name.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("cutover")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/cutover")
	}

	viper.SetEnvPrefix("cutover")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
		}
	}
}

// bindFlags makes a command's flags visible to viper under their own names
func bindFlags(cmd *cobra.Command) {
	if err := viper.BindPFlags(cmd.PersistentFlags()); err != nil {
		panic(err)
	}
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		panic(err)
	}
}

func newClient() (*client.Client, error) {
	return client.NewClient(viper.GetString("api-addr"))
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	Long: `Run the control plane for a topology: the traffic router listeners,
the replica fleet, the release engine, pipelines and the API.

State is kept in a bolt database under --data-dir. With --raft-addr the
state is replicated through a single-node raft group instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		topo, err := config.Load(viper.GetString("topology"))
		if err != nil {
			return err
		}

		d, err := daemon.New(topo, daemon.Options{
			DataDir:  viper.GetString("data-dir"),
			RaftAddr: viper.GetString("raft-addr"),
			NodeID:   viper.GetString("node-id"),
			APIAddr:  viper.GetString("listen"),
			GRPCAddr: viper.GetString("grpc-addr"),
			DNSAddr:  viper.GetString("dns-addr"),
			Webhook: api.GuardConfig{
				RequestsPerSecond: viper.GetFloat64("webhook-rps"),
				Burst:             viper.GetInt("webhook-burst"),
				AllowedCIDRs:      viper.GetStringSlice("webhook-allow"),
				TrustProxy:        viper.GetBool("trust-proxy"),
			},
			AWSRegion:      viper.GetString("aws-region"),
			Version:        Version,
			ServeListeners: true,
		})
		if err != nil {
			return err
		}
		defer d.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Cutover %s serving %d services\n", Version, len(topo.Services))
		fmt.Printf("  API: %s\n", viper.GetString("listen"))
		for _, l := range topo.Listeners {
			fmt.Printf("  Listener %s: %s -> %s\n", l.Name, l.Addr, l.Pool)
		}
		fmt.Println()
		fmt.Println("Press Ctrl+C to stop.")

		if err := d.Run(ctx); err != nil {
			return err
		}
		fmt.Println("Shutdown complete")
		return nil
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringP("topology", "t", "topology.yaml", "Topology file")
	f.String("listen", ":9090", "Address the API listens on")
	f.String("data-dir", "./cutover-data", "Data directory for release state")
	f.String("raft-addr", "", "Replicate state through raft bound to this address")
	f.String("node-id", "cutover-1", "Raft node ID")
	f.String("grpc-addr", "", "Address for the gRPC health service (disabled when empty)")
	f.String("dns-addr", "", "Address for the discovery DNS responder (disabled when empty)")
	f.Float64("webhook-rps", 5, "Webhook deliveries per second per client (0 disables the limit)")
	f.Int("webhook-burst", 10, "Webhook burst per client")
	f.StringSlice("webhook-allow", nil, "Networks allowed to deliver webhooks (CIDR or IP, repeatable)")
	f.Bool("trust-proxy", false, "Take the webhook client address from X-Forwarded-For")
	f.String("aws-region", "", "AWS region for aws-secretsmanager: webhook secrets")
	bindFlags(serveCmd)
}

var validateCmd = &cobra.Command{
	Use:   "validate [topology]",
	Short: "Check a topology file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := viper.GetString("topology")
		if len(args) == 1 {
			path = args[0]
		}
		topo, err := config.Load(path)
		if err != nil {
			return err
		}

		fmt.Printf("✓ %s is valid\n", path)
		fmt.Printf("  Namespace: %s\n", topo.Namespace)
		fmt.Printf("  Listeners: %d\n", len(topo.Listeners))
		fmt.Printf("  Pools: %d\n", len(topo.Pools))
		for _, s := range topo.Services {
			fmt.Printf("  Service %s: %s, %d replicas of %s\n", s.Name, s.Strategy, s.DesiredCount, s.TaskSpec.Image)
		}
		for _, p := range topo.Pipelines {
			fmt.Printf("  Pipeline %s: %s@%s -> %s\n", p.Name, p.Repository, p.Branch, p.Service)
		}
		return nil
	},
}
