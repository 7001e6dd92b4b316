package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/william-navarro/simple-local-chat-using-langgraph/internal/api"
	"github.com/william-navarro/simple-local-chat-using-langgraph/internal/chat"
	"github.com/william-navarro/simple-local-chat-using-langgraph/internal/config"
	"github.com/william-navarro/simple-local-chat-using-langgraph/internal/logging"
	"github.com/william-navarro/simple-local-chat-using-langgraph/internal/store"
)

var (
	// Global flags
	verbose    bool
	configPath string
	backendURL string
	modelName  string

	// Logger for non-interactive subcommands
	logger *zap.Logger
)

// rootCmd launches the interactive chat TUI by default.
var rootCmd = &cobra.Command{
	Use:   "localchat",
	Short: "localchat - terminal client for a local LangGraph chat backend",
	Long: `localchat is a terminal chat client for a locally hosted LLM backend.

It streams responses token by token, supports web search and terminal
tool calls with interactive approval, and keeps conversation history
in a local SQLite database.

Run without arguments to start the interactive chat interface.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Interactive mode has its own UI and file logging
		if cmd.Use == "localchat" && cmd.CalledAs() == "localchat" {
			return nil
		}

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInteractiveChat()
	},
}

// askCmd runs a single one-shot question without the TUI.
var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a single question and print the streamed answer",
	Long: `Sends one message to the backend and streams the reply to stdout.

The exchange is stored in history like any other conversation, so a
later "localchat" session can continue it.

Example:
  localchat ask how do I list open ports on linux`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

// modelsCmd lists the models the backend exposes.
var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models available on the backend",
	RunE:  runModels,
}

// statusCmd checks backend reachability.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backend connection status",
	RunE:  runStatus,
}

// configCmd prints the effective configuration.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	RunE:  runConfig,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ~/.localchat/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&backendURL, "backend", "", "Backend base URL (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&modelName, "model", "m", "", "Model name (overrides config)")

	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves the config file path and applies flag overrides.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if backendURL != "" {
		cfg.Backend.BaseURL = backendURL
	}
	if modelName != "" {
		cfg.Chat.Model = modelName
	}
	if verbose {
		cfg.Logging.DebugMode = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newClient builds the API client from config.
func newClient(cfg *config.Config) *api.Client {
	return api.NewClient(cfg.Backend.BaseURL,
		api.WithTimeout(cfg.GetTimeout()),
		api.WithReadTimeout(cfg.GetReadTimeout()),
	)
}

// runAsk streams one answer to stdout. Tool approval falls back to the
// terminal config: auto-approve runs commands, otherwise they are
// denied, since there is no interactive prompt in one-shot mode.
func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := logging.Initialize(config.DefaultStateDir(), logging.Options{
		DebugMode:  cfg.Logging.DebugMode,
		Categories: cfg.Logging.Categories,
		Level:      cfg.Logging.Level,
	}); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.CloseAll()

	st, err := store.New(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open conversation store: %w", err)
	}
	defer st.Close()

	client := newClient(cfg)
	driver := chat.NewDriver(client, st)
	driver.SetAutoApprove(cfg.Terminal.AutoApprove)

	// Print tokens as they land in the store.
	convID := st.CreateConversation()
	var printed int
	driver.SetNotify(func() {
		conv, ok := st.Get(convID)
		if !ok || len(conv.Messages) == 0 {
			return
		}
		content := conv.Messages[len(conv.Messages)-1].Content
		if len(content) > printed {
			fmt.Print(content[printed:])
			printed = len(content)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		driver.Cancel()
		cancel()
	}()

	question := strings.Join(args, " ")
	logger.Info("Sending one-shot question", zap.String("model", cfg.Chat.Model))

	err = driver.Send(ctx, question, nil, chat.Options{
		Model:        cfg.Chat.Model,
		ThinkingMode: cfg.Chat.ThinkingMode,
		WebSearch:    cfg.Chat.WebSearch,
		Terminal:     cfg.Chat.Terminal && cfg.Terminal.AutoApprove,
	})
	fmt.Println()
	return err
}

// runModels prints the backend's model list.
func runModels(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	models := newClient(cfg).Models(ctx)
	if len(models) == 0 {
		fmt.Println("No models available (is the backend running?)")
		return nil
	}
	for _, m := range models {
		marker := "  "
		if m == cfg.Chat.Model {
			marker = "* "
		}
		fmt.Printf("%s%s\n", marker, m)
	}
	return nil
}

// runStatus prints backend reachability.
func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := newClient(cfg)
	fmt.Printf("Backend:  %s\n", client.BaseURL())
	if client.Status(ctx) {
		fmt.Println("Status:   online")
	} else {
		fmt.Println("Status:   offline")
	}
	fmt.Printf("Model:    %s\n", cfg.Chat.Model)
	fmt.Printf("Database: %s\n", cfg.DatabasePath())
	return nil
}

// runConfig dumps the effective config as YAML.
func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	fmt.Printf("# %s\n", path)
	return cfg.Dump(os.Stdout)
}
