package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/mohan-ganesh/knowledge-synthesizer-studio/pkg/config"
	"github.com/mohan-ganesh/knowledge-synthesizer-studio/pkg/logger"
	"github.com/mohan-ganesh/knowledge-synthesizer-studio/pkg/relay"
	"github.com/mohan-ganesh/knowledge-synthesizer-studio/pkg/service"
	"github.com/mohan-ganesh/knowledge-synthesizer-studio/pkg/sink"
	"github.com/mohan-ganesh/knowledge-synthesizer-studio/pkg/telemetry/prometheus"
	"github.com/mohan-ganesh/knowledge-synthesizer-studio/version"
)

var baseFlags = []cli.Flag{
	&cli.StringSliceFlag{
		Name:  "bind",
		Usage: "IP address to listen on, use flag multiple times to specify multiple addresses",
	},
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to relay config file",
	},
	&cli.StringFlag{
		Name:    "config-body",
		Usage:   "relay config in YAML, typically passed in as an environment var in a container",
		EnvVars: []string{"RELAY_CONFIG"},
	},
	&cli.Uint64Flag{
		Name:    "port",
		Usage:   "port for HTTP and websocket connections",
		EnvVars: []string{"PORT"},
	},
	&cli.StringFlag{
		Name:    "model-id",
		Usage:   "model id enforced on every forwarded setup message",
		EnvVars: []string{"GEMINI_MODEL_ID"},
	},
	&cli.StringFlag{
		Name:    "redis-host",
		Usage:   "host (incl. port) to redis server, enables the shared room store",
		EnvVars: []string{"REDIS_HOST"},
	},
	&cli.StringFlag{
		Name:    "redis-password",
		Usage:   "password to redis",
		EnvVars: []string{"REDIS_PASSWORD"},
	},
	&cli.StringFlag{
		Name:    "bucket",
		Usage:   "GCS bucket for conversation transcripts",
		EnvVars: []string{"GCS_BUCKET_NAME"},
	},
	&cli.StringFlag{
		Name:    "bearer-token",
		Usage:   "static bearer token for the upstream service, skips default credentials",
		EnvVars: []string{"RELAY_BEARER_TOKEN"},
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "sets log-level to debug and console formatter. insecure for production",
	},
}

func main() {
	app := &cli.App{
		Name:        "relay-server",
		Usage:       "Multi-user relay for live conversational sessions",
		Description: "run without subcommands to start the server",
		Flags:       baseFlags,
		Action:      startServer,
		Commands: []*cli.Command{
			{
				Name:   "list-rooms",
				Usage:  "list all open rooms",
				Action: listRooms,
			},
		},
		Version: version.Version,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func getConfig(c *cli.Context) (*config.Config, error) {
	confString, err := getConfigString(c.String("config"), c.String("config-body"))
	if err != nil {
		return nil, err
	}

	conf, err := config.NewConfig(confString, c)
	if err != nil {
		return nil, err
	}

	if conf.Development {
		logger.InitDevelopment(conf.Logging.Level)
	} else {
		logger.InitProduction(conf.Logging.Level)
	}
	return conf, nil
}

func getConfigString(configFile, inConfigBody string) (string, error) {
	if inConfigBody != "" || configFile == "" {
		return inConfigBody, nil
	}

	outConfigBody, err := os.ReadFile(configFile)
	if err != nil {
		return "", err
	}
	return string(outConfigBody), nil
}

func startServer(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	prometheus.Init()

	server, cleanup, err := initializeServer(conf)
	if err != nil {
		return err
	}
	defer cleanup()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Infow("exit requested, shutting down", "signal", sig)
		server.Stop()
	}()

	return server.Start()
}

// initializeServer wires the store, sink, and token provider selected by the
// config into a ready-to-start server.
func initializeServer(conf *config.Config) (*service.RelayServer, func(), error) {
	roomStore, err := createRoomStore(conf)
	if err != nil {
		return nil, nil, err
	}

	objectStore, err := createObjectStore(conf)
	if err != nil {
		return nil, nil, err
	}
	conversations := sink.NewConversationLogger(objectStore)

	var tokens service.TokenProvider
	if conf.Auth.BearerToken != "" {
		tokens = service.NewStaticTokenProvider(conf.Auth.BearerToken)
	} else {
		tokens = service.NewGoogleTokenProvider()
	}

	r := relay.NewRelay(conf, conversations)
	roomService := service.NewRoomService(roomStore)
	relayService := service.NewRelayService(conf, r, roomStore, tokens)
	server := service.NewRelayServer(conf, roomService, relayService)

	return server, conversations.Stop, nil
}

func createRoomStore(conf *config.Config) (service.RoomStore, error) {
	if !conf.Redis.UseRedis() {
		return service.NewLocalRoomStore(), nil
	}
	rc, err := service.NewRedisClient(&conf.Redis)
	if err != nil {
		return nil, err
	}
	return service.NewRedisRoomStore(rc), nil
}

func createObjectStore(conf *config.Config) (sink.ObjectStore, error) {
	if conf.Storage.Bucket == "" {
		return sink.NewLocalObjectStore(conf.Storage.Directory), nil
	}
	return sink.NewGCSObjectStore(context.Background(), conf.Storage.Bucket)
}

func listRooms(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	store, err := createRoomStore(conf)
	if err != nil {
		return err
	}

	rooms, err := store.ListOpenRooms(context.Background())
	if err != nil {
		return err
	}
	for _, room := range rooms {
		fmt.Printf("%s\t%s\t%s\n", room.ID, room.Name, room.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}
