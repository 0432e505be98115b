package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"tether/internal/api"
	"tether/internal/background"
	"tether/internal/config"
	"tether/internal/controller"
	anthropicprovider "tether/internal/provider/anthropic"
	"tether/internal/transcript"
	"tether/internal/tui"
)

const version = "v0.1.0"

func main() {
	if err := execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "tether: %v\n", err)
		os.Exit(1)
	}
}

func execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
		logPath    string
	)

	cmd := &cobra.Command{
		Use:   "tether",
		Short: "tether is a resumable streaming chat client",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.LoadOptions{Path: strings.TrimSpace(configPath)})
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logger, closeLog, err := buildLogger(strings.TrimSpace(logPath))
			if err != nil {
				return fmt.Errorf("open log file: %w", err)
			}
			defer closeLog()

			service, lister, modelName, err := buildService(cfg, logger)
			if err != nil {
				return fmt.Errorf("build service: %w", err)
			}

			settings, err := cfg.StreamSettings()
			if err != nil {
				return err
			}

			states := make(chan controller.State, 64)
			ctrl, err := controller.New(controller.Config{
				Service:          service,
				Manager:          background.NewManager(logger),
				Logger:           logger,
				OnState:          func(state controller.State) { publishState(states, state) },
				ThrottleInterval: settings.ThrottleInterval,
				PollInterval:     settings.PollInterval,
				MaxPollTicks:     settings.MaxPollTicks,
			})
			if err != nil {
				return fmt.Errorf("create controller: %w", err)
			}

			if id := strings.TrimSpace(sessionID); id != "" {
				if err := ctrl.LoadSession(cmd.Context(), id); err != nil {
					return fmt.Errorf("load session %s: %w", id, err)
				}
			}

			app := tui.NewApp(tui.AppConfig{
				Version:      version,
				ThemeName:    cfg.TUI.Theme,
				ShowThinking: cfg.TUI.ShowThinking,
				ModelName:    modelName,
				Controller:   ctrl,
				Sessions:     lister,
				States:       states,
			})

			program := tea.NewProgram(app, tea.WithAltScreen())
			if _, err := program.Run(); err != nil {
				return fmt.Errorf("run tui: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id to resume on startup")
	cmd.Flags().StringVar(&logPath, "log", "", "Path to debug log file")
	return cmd
}

func buildService(cfg config.Config, logger *log.Logger) (controller.Service, tui.SessionLister, string, error) {
	switch cfg.Mode {
	case config.ModeRemote:
		client, err := api.New(api.Config{
			BaseURL: cfg.Server.BaseURL,
			Logger:  logger,
		})
		if err != nil {
			return nil, nil, "", err
		}
		return client, nil, "", nil

	case config.ModeAnthropic:
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, nil, "", fmt.Errorf("resolve home directory: %w", err)
		}
		store, err := transcript.NewStore(transcript.DefaultDir(home))
		if err != nil {
			return nil, nil, "", err
		}
		provider, err := anthropicprovider.New(anthropicprovider.Config{
			APIKey:    cfg.Provider.Anthropic.APIKey,
			BaseURL:   cfg.Provider.Anthropic.BaseURL,
			Model:     cfg.Provider.Anthropic.Model,
			MaxTokens: cfg.Provider.Anthropic.MaxTokens,
			Store:     store,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, "", err
		}
		return provider, provider, cfg.Provider.Anthropic.Model, nil

	default:
		return nil, nil, "", fmt.Errorf("unsupported mode %q", cfg.Mode)
	}
}

func buildLogger(path string) (*log.Logger, func(), error) {
	if path == "" {
		return log.New(io.Discard), func() {}, nil
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	logger := log.New(file)
	logger.SetLevel(log.DebugLevel)
	return logger, func() { _ = file.Close() }, nil
}

// publishState delivers a snapshot without ever blocking the stream path.
// When the UI falls behind, the oldest buffered snapshot is dropped; the
// newest one always lands.
func publishState(states chan controller.State, state controller.State) {
	for {
		select {
		case states <- state:
			return
		default:
		}
		select {
		case <-states:
		default:
		}
	}
}
