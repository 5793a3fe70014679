package main

import (
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/mjoconr/GoodweAplhaAmberControl/internal/app"
	"github.com/mjoconr/GoodweAplhaAmberControl/internal/config"
)

var (
	configFilePath *string
	envFilePath    *string
	debugMode      *bool
)

func init() {
	configFilePath = flag.String("config", "", "Config file path")
	envFilePath = flag.String("env", "", "Optional env file with credentials")
	debugMode = flag.Bool("debug", false, "Debug mode")

	log.SetFormatter(&log.TextFormatter{
		DisableColors: true,
		FullTimestamp: true,
	})
}

func main() {
	log.Info("starting export controller")

	flag.Parse()

	if *debugMode {
		log.SetLevel(log.DebugLevel)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if *envFilePath != "" {
		if err := godotenv.Load(*envFilePath); err != nil {
			log.Fatalf("failed to load env file: %v", err)
		}
	} else {
		// Best effort: a .env next to the binary is picked up if present.
		_ = godotenv.Load()
	}

	controllerConfig := loadConfigFile()
	controllerConfig.ApplyEnvironment()

	application, err := app.NewApplication(&controllerConfig)
	if err != nil {
		log.Error(err)
		switch {
		case errors.Is(err, app.ErrAmberCredentials):
			os.Exit(2)
		case errors.Is(err, app.ErrBusConnect):
			os.Exit(3)
		case errors.Is(err, app.ErrAlphaInit):
			os.Exit(4)
		}
		os.Exit(1)
	}

	application.Start()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	log.Infof("received %s, shutting down", sig)

	application.Close()
}

func loadConfigFile() config.Config {
	if *configFilePath == "" {
		log.Fatalf("Must specify config file path")
	}

	configFile, err := os.ReadFile(*configFilePath)
	if err != nil {
		log.Fatalf("failed to load config file: %v", err)
	}

	controllerConfig, err := config.Load(configFile)
	if err != nil {
		log.Fatal(err)
	}

	return controllerConfig
}
