package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lessonlink/presenter-sync/pkg/syncclient"
)

const (
	serverKey  = "server"
	sessionKey = "session"
	tokenKey   = "token"
	verboseKey = "verbose"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "presync-remote",
	Short:         "Present or control a live presentation session",
	SilenceUsage:  true,
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.presync.yaml)")
	flags.String("server", "http://localhost:8080", "sync server base URL")
	flags.StringP("session", "s", "", "session code")
	flags.String("token", "", "presenter token")
	flags.BoolP("verbose", "v", false, "log connection events")

	_ = viper.BindPFlag(serverKey, flags.Lookup("server"))
	_ = viper.BindPFlag(sessionKey, flags.Lookup("session"))
	_ = viper.BindPFlag(tokenKey, flags.Lookup("token"))
	_ = viper.BindPFlag(verboseKey, flags.Lookup("verbose"))
}

// initConfig layers an optional config file and PRESYNC_* environment variables under the flags.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".presync")
	}
	viper.SetEnvPrefix("PRESYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			fmt.Fprintln(os.Stderr, "Error reading config file:", err)
		}
	}
}

// clientConfig builds the shared part of a sync client configuration from flags, env and config file.
func clientConfig(presenter bool) (syncclient.Config, error) {
	code := viper.GetString(sessionKey)
	if code == "" {
		return syncclient.Config{}, fmt.Errorf("session code is required (--session or PRESYNC_SESSION)")
	}
	logger := newLogger(viper.GetBool(verboseKey))
	return syncclient.Config{
		BaseURL:     viper.GetString(serverKey),
		SessionCode: code,
		Presenter:   presenter,
		Token:       viper.GetString(tokenKey),
		Logger:      logger,
		OnStateChange: func(state syncclient.State, status string) {
			logger.Info("connection", zap.String("state", string(state)), zap.String("status", status))
		},
	}, nil
}

func newLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.Encoding = "console"
	if !verbose {
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
