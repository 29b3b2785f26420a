// Package main is the entrypoint for the deskremote CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/deskremote/deskremote/internal/command"
	"github.com/deskremote/deskremote/internal/config"
	"github.com/deskremote/deskremote/internal/logging"
	"github.com/deskremote/deskremote/internal/remote"
	"github.com/deskremote/deskremote/internal/security"
	"github.com/deskremote/deskremote/internal/supervisor"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	configPath string
	debug      bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "deskremote",
	Short: "Deskremote - drive a desktop machine's media and volume over SSH",
	Long: `Deskremote controls a desktop machine remotely: system volume,
media applications, and arbitrary shell one-liners, all over a single
authenticated SSH session with liveness supervision.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (default: ~/.config/deskremote/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	rootCmd.AddCommand(hostsCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(volumeCmd)
	rootCmd.AddCommand(watchCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Sanitize)
	return cfg, nil
}

// resolvePassword tries, in order: the host's configured env var, the
// OS keyring, an interactive prompt. A prompted password is offered to
// the keyring for next time.
func resolvePassword(cfg *config.Config, host config.HostConfig) ([]byte, error) {
	if host.PasswordEnv != "" {
		if v := os.Getenv(host.PasswordEnv); v != "" {
			return []byte(v), nil
		}
	}

	ks := security.NewKeyringStore()
	ks.SetEnabled(ks.IsEnabled() && cfg.Security.UseKeyring)
	if ks.IsEnabled() {
		if p, err := ks.GetHostPassword(host.Host, host.User); err == nil && p != nil {
			return p, nil
		}
	}

	var password string
	prompt := huh.NewInput().
		Title(fmt.Sprintf("Password for %s@%s", host.User, host.Host)).
		EchoMode(huh.EchoModePassword).
		Value(&password)
	if err := prompt.Run(); err != nil {
		return nil, fmt.Errorf("password prompt: %w", err)
	}

	if ks.IsEnabled() {
		if err := ks.StoreHostPassword(host.Host, host.User, []byte(password)); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not save password to keyring: %v\n", err)
		}
	}
	return []byte(password), nil
}

func openConn(cfg *config.Config, name string) (*remote.Conn, error) {
	host, ok := cfg.Host(name)
	if !ok {
		return nil, fmt.Errorf("unknown host %q (add it with 'deskremote hosts add')", name)
	}

	password, err := resolvePassword(cfg, host)
	if err != nil {
		return nil, err
	}

	return remote.New(remote.Options{
		Host:         host.Host,
		Port:         host.Port,
		User:         host.User,
		Password:     password,
		DialTimeout:  cfg.Transport.DialTimeout,
		MaxEphemeral: cfg.Transport.MaxEphemeral,
	}), nil
}

// newSupervisor wraps a connection in the lifecycle supervisor, with
// heartbeat tuning from the config. All command traffic goes through
// it so a dying transport is noticed on the command itself, not on the
// next probe.
func newSupervisor(cfg *config.Config, conn *remote.Conn, opts supervisor.Options) *supervisor.Supervisor {
	opts.HeartbeatMin = cfg.Heartbeat.MinInterval
	opts.HeartbeatMax = cfg.Heartbeat.MaxInterval
	opts.HeartbeatStep = cfg.Heartbeat.Step
	opts.ProbeTimeout = cfg.Heartbeat.ProbeTimeout
	opts.RecoveryWindow = cfg.Heartbeat.RecoveryWindow
	opts.BackgroundGrace = cfg.Heartbeat.BackgroundGrace
	return supervisor.New(conn, opts)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted, disconnecting...")
		cancel()
	}()
	return ctx, cancel
}

var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "Manage configured hosts",
}

var hostsAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a host entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runHostsAdd,
}

var hostsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured hosts",
	Args:  cobra.NoArgs,
	RunE:  runHostsList,
}

func init() {
	hostsAddCmd.Flags().String("host", "", "Hostname or IP address")
	hostsAddCmd.Flags().Int("port", 22, "SSH port")
	hostsAddCmd.Flags().String("user", "", "Login user")
	hostsAddCmd.Flags().String("password-env", "", "Env var holding the password (optional)")

	hostsCmd.AddCommand(hostsAddCmd)
	hostsCmd.AddCommand(hostsListCmd)
}

func runHostsAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	host := config.HostConfig{Name: args[0]}
	host.Host, _ = cmd.Flags().GetString("host")
	host.Port, _ = cmd.Flags().GetInt("port")
	host.User, _ = cmd.Flags().GetString("user")
	host.PasswordEnv, _ = cmd.Flags().GetString("password-env")

	// fill the gaps interactively
	if host.Host == "" || host.User == "" {
		form := huh.NewForm(huh.NewGroup(
			huh.NewInput().Title("Host").Description("Hostname or IP address").Value(&host.Host),
			huh.NewInput().Title("User").Description("Login user").Value(&host.User),
		))
		if err := form.Run(); err != nil {
			return err
		}
	}
	if host.Host == "" || host.User == "" {
		return fmt.Errorf("host and user are required")
	}

	if err := cfg.AddHost(host); err != nil {
		return err
	}

	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	if err := config.Save(cfg, path); err != nil {
		return err
	}
	fmt.Printf("Added host %q (%s@%s:%d)\n", host.Name, host.User, host.Host, host.Port)
	return nil
}

func runHostsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(cfg.Hosts) == 0 {
		fmt.Println("No hosts configured.")
		return nil
	}
	for _, h := range cfg.Hosts {
		fmt.Printf("%-16s %s@%s:%d\n", h.Name, h.User, h.Host, h.Port)
	}
	return nil
}

var execCmd = &cobra.Command{
	Use:   "exec <host> <command>",
	Short: "Run a shell command on a host",
	Long: `Run one shell command on the named host over an ephemeral session.

Examples:
  deskremote exec studio 'uname -a'
  deskremote exec studio 'osascript -e "display notification \"hi\""'`,
	Args: cobra.MinimumNArgs(2),
	RunE: runExec,
}

func runExec(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := openConn(cfg, args[0])
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	sup := newSupervisor(cfg, conn, supervisor.Options{})
	if err := sup.Connect(ctx); err != nil {
		return err
	}
	defer sup.Disconnect()

	script := command.Raw(args[1], "cli exec")
	out, err := sup.Execute(ctx, script.Text(), remote.ExecOptions{
		Description: script.Description(),
	})
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

var volumeCmd = &cobra.Command{
	Use:   "volume <host> [level|mute|unmute]",
	Short: "Read or set the system volume",
	Long: `Read or change the host's output volume.

Examples:
  deskremote volume studio        # print current volume
  deskremote volume studio 40     # set volume to 40
  deskremote volume studio mute`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runVolume,
}

func runVolume(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := openConn(cfg, args[0])
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	sup := newSupervisor(cfg, conn, supervisor.Options{})
	if err := sup.Connect(ctx); err != nil {
		return err
	}
	defer sup.Disconnect()

	run := func(s command.Script) (string, error) {
		return sup.Execute(ctx, s.Text(), remote.ExecOptions{
			ChannelKey:  s.ChannelKey(),
			Description: s.Description(),
		})
	}

	if len(args) == 1 {
		out, err := run(command.GetVolume())
		if err != nil {
			return err
		}
		level, err := command.ParseVolume(out)
		if err != nil {
			return err
		}
		fmt.Println(level)
		return nil
	}

	switch args[1] {
	case "mute":
		_, err = run(command.SetMuted(true))
	case "unmute":
		_, err = run(command.SetMuted(false))
	default:
		level, perr := strconv.Atoi(args[1])
		if perr != nil {
			return fmt.Errorf("volume must be a number, 'mute' or 'unmute', got %q", args[1])
		}
		_, err = run(command.SetVolume(level))
	}
	return err
}

var watchCmd = &cobra.Command{
	Use:   "watch <host>",
	Short: "Hold a supervised session open and report its state",
	Long: `Connect to the host and keep the session alive with heartbeat
probes, printing every lifecycle transition until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, err := openConn(cfg, args[0])
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	// pick up heartbeat tuning edits for the next session
	watchPath := configPath
	if watchPath == "" {
		watchPath = config.DefaultConfigPath()
	}
	if watcher, werr := config.NewWatcher(watchPath, func(c *config.Config) {
		fmt.Printf("config reloaded from %s\n", watchPath)
	}); werr == nil {
		defer watcher.Close()
	}

	sup := newSupervisor(cfg, conn, supervisor.Options{
		OnStateChanged: func(s supervisor.State) {
			fmt.Printf("state: %s\n", s)
		},
		OnConnectionLost: func(err error) {
			fmt.Printf("connection lost: %v\n", err)
		},
	})

	if err := sup.Connect(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	sup.Disconnect()
	return nil
}
