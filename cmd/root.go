package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/egsclaim/egsclaim/internal/utils"
	"github.com/egsclaim/egsclaim/pkg/config"
)

var cfgFile string

const (
	LOGO = `                     _       _
  ___  __ _ ___  ___| | __ _(_)_ __ ___
 / _ \/ _' / __|/ __| |/ _' | | '_ ' _ \
|  __/ (_| \__ \ (__| | (_| | | | | | | |
 \___|\__, |___/\___|_|\__,_|_|_| |_| |_|
      |___/

`
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "egsclaim",
	Short: "Claims the weekly free games of the Epic Games Store.",
	Long: LOGO + `egsclaim logs into your Epic Games account in a real browser, finds the
promotions that are free right now, and claims the ones missing from your library.`,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.egsclaim.yaml)")

	// Global flags
	rootCmd.PersistentFlags().StringP("proxy", "", "", "HTTP Proxy for API calls and the browser (Example: http://127.0.0.1:8080)")
	rootCmd.PersistentFlags().StringP("loglevel", "l", "info", "Set log level. Available: debug, info, warn, error, fatal")
	rootCmd.PersistentFlags().String("logfile", "", "Also write logs to this file, rotated at 10MB")
	rootCmd.PersistentFlags().String("datadir", "", "Directory for the browser profile, screenshots and database (default: $HOME/.egsclaim)")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	// EPIC_EMAIL / EPIC_PASSWORD may live in a local .env file.
	_ = godotenv.Load()

	home, err := homedir.Dir()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(home)
		viper.SetConfigName(".egsclaim")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("EGS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("account.email", "EGS_ACCOUNT_EMAIL", "EPIC_EMAIL")
	_ = viper.BindEnv("account.password", "EGS_ACCOUNT_PASSWORD", "EPIC_PASSWORD")
	_ = viper.BindEnv("account.otp_secret", "EGS_ACCOUNT_OTP_SECRET", "EPIC_OTP_SECRET")
	_ = viper.BindEnv("notify.webhook_url", "EGS_NOTIFY_WEBHOOK_URL")

	// Set default empty values for all keys
	viper.SetDefault("account.email", "")
	viper.SetDefault("account.password", "")
	viper.SetDefault("account.otp_secret", "")
	viper.SetDefault("challenge.mode", "solver")
	viper.SetDefault("challenge.classifier_command", "")
	viper.SetDefault("challenge.bridge_command", "")
	viper.SetDefault("notify.webhook_url", "")
	viper.SetDefault("notify.only_changes", false)
	viper.SetDefault("data_dir", filepath.Join(home, ".egsclaim"))

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; create it with defaults.
			configPath := filepath.Join(home, ".egsclaim.yaml")
			if err := viper.SafeWriteConfigAs(configPath); err != nil {
				fmt.Printf("Error creating config file: %s", err)
			}
		}
	}

	// Init log library
	levelString, _ := rootCmd.PersistentFlags().GetString("loglevel")
	utils.SetLogLevel(levelString)
	if logFile, _ := rootCmd.PersistentFlags().GetString("logfile"); logFile != "" {
		if err := utils.SetLogFile(logFile); err != nil {
			utils.Log.Warnf("Could not open log file: %v", err)
		}
	}
}

// loadConfig decodes the settings on top of the built-in defaults and
// applies the global flags. It does not validate.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if dir, _ := cmd.Flags().GetString("datadir"); dir != "" {
		cfg.DataDir = dir
	}
	if proxy, _ := cmd.Flags().GetString("proxy"); proxy != "" {
		cfg.Browser.Proxy = proxy
	}
	if expanded, err := homedir.Expand(cfg.DataDir); err == nil {
		cfg.DataDir = expanded
	}
	return cfg, nil
}

// loadRunConfig is loadConfig plus the checks a claim run depends on.
func loadRunConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := errors.Join(cfg.Validate(), cfg.ValidateAccount()); err != nil {
		return nil, fmt.Errorf("invalid config:\n%w", err)
	}
	return cfg, nil
}
