package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tokenfires/emberhearth-sub003/internal/config"
	"github.com/tokenfires/emberhearth-sub003/internal/logger"
	"github.com/tokenfires/emberhearth-sub003/internal/memory"
	"github.com/tokenfires/emberhearth-sub003/internal/processor"
)

// ChatOptions for running chat with injectable IO (used by tests)
type ChatOptions struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

var rootCmd = &cobra.Command{
	Use:   "emberhearth",
	Short: "emberhearth - assistant with bounded conversational memory",
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat in single message or REPL mode",
	RunE:  runChat,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directory",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show emberhearth status",
	RunE:  runStatus,
}

var backupCmd = &cobra.Command{
	Use:   "backup [dir]",
	Short: "Snapshot the memory database",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBackup,
}

var factCmd = &cobra.Command{
	Use:   "fact",
	Short: "Inspect and manage remembered facts",
}

var factListCmd = &cobra.Command{
	Use:   "list",
	Short: "List remembered facts",
	RunE:  runFactList,
}

var factAddCmd = &cobra.Command{
	Use:   "add <content>",
	Short: "Record a fact manually",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runFactAdd,
}

var factForgetCmd = &cobra.Command{
	Use:   "forget <id>",
	Short: "Soft-delete a fact by id",
	Args:  cobra.ExactArgs(1),
	RunE:  runFactForget,
}

var (
	messageFlag      string
	conversationFlag string
	categoryFlag     string
	importanceFlag   float64
	allFactsFlag     bool
)

func init() {
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	chatCmd.Flags().StringVarP(&conversationFlag, "conversation", "c", "cli", "Conversation key")
	factAddCmd.Flags().StringVar(&categoryFlag, "category", memory.CategoryContextual, "Fact category")
	factAddCmd.Flags().Float64Var(&importanceFlag, "importance", 0.5, "Importance from 0 to 1")
	factListCmd.Flags().BoolVar(&allFactsFlag, "all", false, "Include deleted facts")
	factCmd.AddCommand(factListCmd, factAddCmd, factForgetCmd)
	rootCmd.AddCommand(chatCmd, onboardCmd, statusCmd, backupCmd, factCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	return runChatWithOptions(ChatOptions{})
}

// runChatWithOptions runs chat with injectable IO for testing
func runChatWithOptions(opts ChatOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'emberhearth onboard' or set EMBERHEARTH_API_KEY")
	}

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	log := logger.New("emberhearth")
	proc, err := processor.New(cfg, log)
	if err != nil {
		return fmt.Errorf("create processor: %w", err)
	}
	if err := proc.Start(); err != nil {
		proc.Stop()
		return fmt.Errorf("start processor: %w", err)
	}
	defer proc.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Single message mode
	if messageFlag != "" {
		reply, err := proc.Process(ctx, conversationFlag, messageFlag)
		if err != nil {
			return fmt.Errorf("chat error: %w", err)
		}
		fmt.Fprintln(stdout, reply)
		return nil
	}

	// REPL mode
	fmt.Fprintln(stdout, "emberhearth chat (type 'exit' to quit)")
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		reply, err := proc.Process(ctx, conversationFlag, input)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			continue
		}
		fmt.Fprintln(stdout, reply)
	}
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(cfgPath, data, 0644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, _ := config.LoadConfig()
	if err := os.MkdirAll(cfg.Memory.BackupDir, 0755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key\n", cfgPath)
	fmt.Println("  2. Or set EMBERHEARTH_API_KEY environment variable")
	fmt.Println("  3. Run 'emberhearth chat -m \"Hello\"' to test")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Database: %s\n", cfg.Memory.DBPath)
	fmt.Printf("Model: %s\n", cfg.Provider.Model)
	fmt.Printf("Context budget: %d tokens\n", cfg.Memory.ContextBudget)
	if cfg.Provider.APIKey != "" && len(cfg.Provider.APIKey) > 8 {
		masked := cfg.Provider.APIKey[:4] + "..." + cfg.Provider.APIKey[len(cfg.Provider.APIKey)-4:]
		fmt.Printf("API Key: %s\n", masked)
	} else if cfg.Provider.APIKey != "" {
		fmt.Println("API Key: set")
	} else {
		fmt.Println("API Key: not set")
	}

	if _, err := os.Stat(cfg.Memory.DBPath); err != nil {
		fmt.Println("Memory: no database yet")
		return nil
	}

	store, err := memory.Open(cfg.Memory.DBPath)
	if err != nil {
		fmt.Printf("Memory: error (%v)\n", err)
		return nil
	}
	defer store.Close()

	stats, err := store.Stats()
	if err != nil {
		fmt.Printf("Memory: error (%v)\n", err)
		return nil
	}
	fmt.Printf("Sessions: %d (%d active)\n", stats.Sessions, stats.ActiveSessions)
	fmt.Printf("Messages: %d\n", stats.Messages)
	fmt.Printf("Facts: %d live, %d deleted\n", stats.LiveFacts, stats.DeletedFacts)
	return nil
}

func runBackup(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dir := cfg.Memory.BackupDir
	if len(args) > 0 {
		dir = args[0]
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}

	log := logger.New("emberhearth")
	proc, err := processor.New(cfg, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer proc.Stop()

	dest, err := proc.Backup(dir)
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	fmt.Printf("Backup written: %s\n", dest)
	return nil
}

func runFactList(cmd *cobra.Command, args []string) error {
	return withFactStore(func(facts *memory.FactStore) error {
		all, err := facts.GetAll(allFactsFlag)
		if err != nil {
			return err
		}
		if len(all) == 0 {
			fmt.Println("No facts stored")
			return nil
		}
		for _, f := range all {
			marker := ""
			if f.IsDeleted {
				marker = " (deleted)"
			}
			fmt.Printf("%4d  [%s] %s  (importance %.2f, confidence %.2f, accessed %d)%s\n",
				f.ID, f.Category, f.Content, f.Importance, f.Confidence, f.AccessCount, marker)
		}
		return nil
	})
}

func runFactAdd(cmd *cobra.Command, args []string) error {
	return withFactStore(func(facts *memory.FactStore) error {
		id, err := facts.InsertOrUpdate(memory.Fact{
			Content:    strings.Join(args, " "),
			Category:   categoryFlag,
			Source:     memory.SourceExplicit,
			Confidence: 1.0,
			Importance: importanceFlag,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Fact recorded (id %d)\n", id)
		return nil
	})
}

func runFactForget(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid fact id %q", args[0])
	}
	return withFactStore(func(facts *memory.FactStore) error {
		if err := facts.SoftDelete(id); err != nil {
			return err
		}
		fmt.Printf("Fact %d forgotten\n", id)
		return nil
	})
}

func withFactStore(fn func(*memory.FactStore) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, err := memory.Open(cfg.Memory.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	return fn(memory.NewFactStore(store, logger.New("emberhearth")))
}
