package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/javanhut/Ivaldi-graph/internal/colors"
	"github.com/javanhut/Ivaldi-graph/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Get and set configuration options",
	Long: `Get and set Ivaldi Graph configuration options.

Configuration can be set at two levels:
- Global (~/.ivaldigraphconfig) - applies to all repositories
- Repository (.ivaldigraph/config) - applies to current repository only

Examples:
  ivg config user.name "Your Name"
  ivg config --global view.cache_policy time
  ivg config view.lock_timeout 30s
  ivg config --list
  ivg config user.name`,
	RunE: runConfig,
}

var (
	configGlobal bool
	configList   bool
)

func init() {
	configCmd.Flags().BoolVar(&configGlobal, "global", false, "Use global config file")
	configCmd.Flags().BoolVar(&configList, "list", false, "List all configuration")
}

func runConfig(cmd *cobra.Command, args []string) error {
	if configList {
		return listConfig()
	}
	switch len(args) {
	case 1:
		return getConfigValue(args[0])
	case 2:
		return setConfigValue(args[0], args[1], configGlobal)
	}
	return fmt.Errorf("invalid usage. See: ivg config --help")
}

func printSetting(key, value string) {
	if value == "" {
		fmt.Printf("  %s = %s\n", key, colors.Gray("(not set)"))
		return
	}
	fmt.Printf("  %s = %s\n", key, colors.InfoText(value))
}

func listConfig() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println(colors.SectionHeader("User Configuration:"))
	printSetting("user.name", cfg.User.Name)
	printSetting("user.email", cfg.User.Email)

	fmt.Println()
	fmt.Println(colors.SectionHeader("View Configuration:"))
	printSetting("view.cache_policy", cfg.View.CachePolicy)
	printSetting("view.cache_ttl", cfg.View.CacheTTL)
	printSetting("view.queue_size", fmt.Sprint(cfg.View.QueueSize))
	printSetting("view.lock_timeout", cfg.View.LockTimeout)
	printSetting("view.prefetch_chunk", fmt.Sprint(cfg.View.PrefetchChunk))
	printSetting("view.auto_release_locks", fmt.Sprint(cfg.View.AutoReleaseLocks))

	fmt.Println()
	fmt.Println(colors.SectionHeader("Cache Configuration:"))
	printSetting("cache.revisions", fmt.Sprint(cfg.Cache.Revisions))

	fmt.Println()
	fmt.Println(colors.SectionHeader("Log Configuration:"))
	printSetting("log.level", cfg.Log.Level)
	return nil
}

func getConfigValue(key string) error {
	value, err := config.GetValue(key)
	if err != nil {
		return err
	}
	if value == "" {
		fmt.Printf("%s is %s\n", key, colors.Gray("(not set)"))
	} else {
		fmt.Println(value)
	}
	return nil
}

func setConfigValue(key, value string, global bool) error {
	if err := config.SetValue(key, value, global); err != nil {
		return err
	}

	scope := "repository"
	if global {
		scope = "global"
	}
	fmt.Printf("%s %s config: %s = %s\n",
		colors.SuccessText("Set"),
		scope,
		colors.Bold(key),
		colors.InfoText(value))

	// Commits are attributed to user.name <user.email>.
	if key == "user.name" || key == "user.email" {
		cfg, err := config.LoadConfig()
		if err != nil {
			return nil
		}
		if cfg.User.Name == "" || cfg.User.Email == "" {
			fmt.Println()
			fmt.Println(colors.Dim("Hint: Make sure to also set:"))
			if cfg.User.Name == "" {
				fmt.Printf("  %s\n", colors.InfoText("ivg config user.name \"Your Name\""))
			}
			if cfg.User.Email == "" {
				fmt.Printf("  %s\n", colors.InfoText("ivg config user.email \"you@example.com\""))
			}
		}
	}
	return nil
}
