package main

import (
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/choirhq/choir/agent"
	"github.com/choirhq/choir/config"
	"github.com/choirhq/choir/logger"
)

type cli struct {
	cfg config.Config
}

func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().String("redis-addr", "localhost:6379", "comma separated list of redis host:port")
	cmd.Flags().String("namespace", "choir", "namespace used in storage")
	cmd.Flags().Int("http-port", 8080, "http port for rest endpoints")
	cmd.Flags().String("storage-impl", "redis", "implementation of underline storage")
	cmd.Flags().String("join-policy", "all", "parallel join readiness policy (all|any)")
	cmd.Flags().Int("lease-ttl", 30, "lease ttl in seconds")
	cmd.Flags().Int("heartbeat-interval", 10, "lease heartbeat interval in seconds")
	cmd.Flags().String("template-dir", "templates", "base dir for agent template bundles")
	cmd.Flags().String("capability-dir", "capabilities", "base dir for capability manifests")
	cmd.Flags().Int("worker-capacity", 16, "embedded choreography worker pool size")
	cmd.Flags().Int("notification-capacity", 1024, "notification channel buffer size")
	cmd.Flags().String("log-level", "info", "log level")
	return viper.BindPFlags(cmd.Flags())
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	viper.SetConfigFile(configFile)

	if err = viper.ReadInConfig(); err != nil {
		// it's ok if config file doesn't exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	c.cfg.RedisConfig.Addrs = strings.Split(viper.GetString("redis-addr"), ",")
	c.cfg.RedisConfig.Namespace = viper.GetString("namespace")
	c.cfg.HttpPort = viper.GetInt("http-port")
	c.cfg.StorageType = config.StorageType(viper.GetString("storage-impl"))
	c.cfg.JoinPolicy = config.JoinPolicy(viper.GetString("join-policy"))
	c.cfg.LeaseTTLSeconds = viper.GetInt("lease-ttl")
	c.cfg.HeartbeatSeconds = viper.GetInt("heartbeat-interval")
	c.cfg.SetRunningOnAcquire = true
	c.cfg.TemplateDir = viper.GetString("template-dir")
	c.cfg.CapabilityDir = viper.GetString("capability-dir")
	c.cfg.WorkerCapacity = viper.GetInt("worker-capacity")
	c.cfg.NotificationCapacity = viper.GetInt("notification-capacity")
	c.cfg.LogLevel = viper.GetString("log-level")
	return nil
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	var level zapcore.Level
	if err := level.Set(c.cfg.LogLevel); err == nil {
		logger.Configure(level)
	}
	ag, err := agent.New(c.cfg)
	if err != nil {
		return err
	}
	if err = ag.Start(); err != nil {
		return err
	}
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	return ag.Shutdown()
}

func main() {
	cli := &cli{}

	cmd := &cobra.Command{
		Use:     "choir",
		PreRunE: cli.setupConfig,
		RunE:    cli.run,
	}

	if err := setupFlags(cmd); err != nil {
		log.Fatal(err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
