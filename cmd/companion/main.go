package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stellarlinkco/companion/internal/api"
	"github.com/stellarlinkco/companion/internal/config"
	"github.com/stellarlinkco/companion/internal/gateway"
	"github.com/stellarlinkco/companion/internal/logging"
	"github.com/stellarlinkco/companion/internal/runner"
	"github.com/stellarlinkco/companion/internal/scenario"
	"github.com/stellarlinkco/companion/internal/store"
)

var rootCmd = &cobra.Command{
	Use:          "companion",
	Short:        "companion - scripted check-in scenarios over Telegram",
	SilenceUsage: true,
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the gateway (channels + scheduler + sweep + API)",
	RunE:  runGateway,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one classification sweep and print the report",
	RunE:  runSweep,
}

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Launch a scenario for a user",
	Long: `Launch a scenario for a user.

With --message-id the first step message was already sent and the instance is
recorded against it directly in the store. Without it the running gateway is
asked to send the first step through its API.`,
	RunE: runLaunch,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directory",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show companion status",
	RunE:  runStatus,
}

var launchFlags struct {
	user      string
	chat      string
	scenario  string
	mode      string
	messageID int64
	at        string
}

func init() {
	f := launchCmd.Flags()
	f.StringVar(&launchFlags.user, "user", "", "user id")
	f.StringVar(&launchFlags.chat, "chat", "", "chat id")
	f.StringVarP(&launchFlags.scenario, "type", "t", "", "scenario type ("+typeNames()+")")
	f.StringVar(&launchFlags.mode, "mode", string(scenario.Direct), "delivery mode (direct or shared_thread)")
	f.Int64Var(&launchFlags.messageID, "message-id", 0, "id of an already sent first step message")
	f.StringVar(&launchFlags.at, "at", "", "schedule the launch at an RFC3339 time")
	_ = launchCmd.MarkFlagRequired("user")
	_ = launchCmd.MarkFlagRequired("type")

	rootCmd.AddCommand(gatewayCmd, sweepCmd, launchCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfigAndLogger() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	gw, err := gateway.NewWithOptions(cfg, gateway.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(cmd.Context())
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// The sweep needs no transport.
	cfg.Telegram.Enabled = false
	cfg.API.Port = 0
	gw, err := gateway.NewWithOptions(cfg, gateway.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer func() { _ = gw.Shutdown() }()

	report, err := gw.Sweeper().Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func runLaunch(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	chat := launchFlags.chat
	if chat == "" {
		// Private chats share the user's id.
		chat = launchFlags.user
	}
	req := api.LaunchRequest{
		UserID:   launchFlags.user,
		ChatID:   chat,
		Scenario: launchFlags.scenario,
		Mode:     launchFlags.mode,
	}
	if launchFlags.at != "" {
		at, err := time.Parse(time.RFC3339, launchFlags.at)
		if err != nil {
			return fmt.Errorf("parse --at: %w", err)
		}
		req.At = &at
	}

	if launchFlags.messageID != 0 {
		if req.At != nil {
			return fmt.Errorf("--at cannot be combined with --message-id")
		}
		return recordLaunch(cmd, cfg, logger, req, launchFlags.messageID)
	}
	return remoteLaunch(cmd, cfg, req)
}

// recordLaunch persists an instance anchored on a message sent outside the
// gateway.
func recordLaunch(cmd *cobra.Command, cfg *config.Config, logger *zap.Logger, req api.LaunchRequest, messageID int64) error {
	typ, err := scenario.ParseType(req.Scenario)
	if err != nil {
		return err
	}
	mode, err := scenario.ParseDeliveryMode(req.Mode)
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	s, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	r := runner.New(s, nil, runner.Options{Location: loc, Logger: logger})
	open, err := r.HasOpen(cmd.Context(), req.UserID, typ, time.Time{})
	if err != nil {
		return err
	}
	if open {
		return fmt.Errorf("launch %s for %s: %w", typ, req.UserID, scenario.ErrAlreadyOpen)
	}

	lr := runner.LaunchRequest{
		UserID:             req.UserID,
		ChatID:             req.ChatID,
		Type:               typ,
		Mode:               mode,
		FirstStepMessageID: messageID,
	}
	if mode == scenario.SharedThread {
		lr.ThreadID = messageID
	}
	inst, err := r.Launch(cmd.Context(), lr)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Launched %s: %s (state %s)\n", inst.Type, inst.ID, inst.State)
	return nil
}

// remoteLaunch asks the running gateway to send the first step.
func remoteLaunch(cmd *cobra.Command, cfg *config.Config, req api.LaunchRequest) error {
	if cfg.API.Port == 0 {
		return fmt.Errorf("api is disabled; pass --message-id to record a launch directly")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	url := "http://" + net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port)) + "/api/v1/scenarios"

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if cfg.API.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+cfg.API.Token)
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("contact gateway: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusAccepted:
		fmt.Fprintln(cmd.OutOrStdout(), string(bytes.TrimSpace(data)))
		return nil
	default:
		return fmt.Errorf("gateway returned %s: %s", resp.Status, bytes.TrimSpace(data))
	}
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	dataDir := filepath.Join(config.ConfigDir(), "data")
	if err := os.MkdirAll(filepath.Join(dataDir, "cron"), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	fmt.Fprintf(out, "Data dir ready: %s\n", dataDir)

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your Telegram token and classifier key\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set COMPANION_TELEGRAM_TOKEN and COMPANION_CLASSIFIER_API_KEY")
	fmt.Fprintln(out, "  3. Run 'companion gateway'")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Store: %s\n", cfg.Store.Driver)
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Telegram.Enabled)
	fmt.Fprintf(out, "Classifier: %s (key %s)\n", cfg.Classifier.Model, maskKey(cfg.Classifier.APIKey))
	fmt.Fprintf(out, "Sweep schedule: %s\n", cfg.Sweep.Schedule)
	if cfg.NATS.URL != "" {
		fmt.Fprintf(out, "NATS: %s (%s)\n", cfg.NATS.URL, cfg.NATS.Subject)
	}
	if cfg.API.Port > 0 {
		fmt.Fprintf(out, "API: %s\n", net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port)))
	}

	if cfg.Store.Driver == store.DriverSQLite {
		if _, err := os.Stat(cfg.Store.DSN); err != nil {
			fmt.Fprintln(out, "Database: not found (run 'companion onboard' then 'companion gateway')")
			return nil
		}
	}
	s, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		fmt.Fprintf(out, "Database: error (%v)\n", err)
		return nil
	}
	defer s.Close()
	st, err := s.Stats(cmd.Context())
	if err != nil {
		fmt.Fprintf(out, "Database: error (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "Instances: %d open / %d total\n", st.OpenInstances, st.TotalInstances)
	fmt.Fprintf(out, "Ledger: %d entries, %d unresolved, %d awaiting sweep\n", st.LedgerEntries, st.UnresolvedEntries, st.UnprocessedEntries)
	fmt.Fprintf(out, "Classified events: %d\n", st.ClassifiedEvents)
	return nil
}

func maskKey(k string) string {
	switch {
	case k == "":
		return "not set"
	case len(k) > 8:
		return k[:4] + "..." + k[len(k)-4:]
	default:
		return "set"
	}
}

func typeNames() string {
	var b bytes.Buffer
	for i, t := range scenario.Types() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(string(t))
	}
	return b.String()
}
