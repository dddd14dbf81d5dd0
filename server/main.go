package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"fast_server/config"
	"fast_server/constants"
	"fast_server/logging"
	server "fast_server/server/controller"

	"github.com/akamensky/argparse"
	"github.com/joho/godotenv"
)

func main() {
	args := argparse.NewParser("server", constants.Title)

	file := args.String("f", "config", &argparse.Options{Required: false, Help: "YAML configuration file"})
	bind := args.String("l", "listen", &argparse.Options{Required: false, Help: "Listen on address (default " +
		constants.DEFAULT_LISTEN + ")"})
	port := args.Int("p", "port", &argparse.Options{Required: false, Help: "Listening port (default 8089, 0 keeps the configured value)"})
	budget := args.String("b", "max-send-bytes", &argparse.Options{Required: false, Help: "Bytes streamed per connection, e.g. 34359738368 or 32GiB"})
	chunk := args.String("c", "chunksize", &argparse.Options{Required: false, Help: "Payload bytes per chunk (default 1MiB)"})
	pattern := args.Selector("z", "pattern", []string{"zero", "random"}, &argparse.Options{Required: false, Help: "Payload fill pattern"})
	dscp := args.Int("d", "dscp", &argparse.Options{Required: false, Help: "DSCP field for QoS (0 keeps the configured value)"})
	mptcp := args.Flag("m", "mptcp", &argparse.Options{Help: "Enable Multipath TCP"})
	readTimeout := args.String("r", "read-timeout", &argparse.Options{Required: false, Help: "Deadline for the initial request, e.g. 10s"})
	writeTimeout := args.String("w", "write-timeout", &argparse.Options{Required: false, Help: "Deadline for each write, e.g. 30s"})
	rateLimit := args.String("s", "rate", &argparse.Options{Required: false, Help: "Per-connection send rate in bytes/s, e.g. 100m"})
	level := args.String("v", "log-level", &argparse.Options{Required: false, Help: "Log level (debug, info, warn, error)"})
	format := args.Selector("o", "log-format", []string{"text", "json"}, &argparse.Options{Required: false, Help: "Log format"})

	err := args.Parse(os.Args)

	if err != nil {
		fmt.Print(args.Usage(err))
		os.Exit(1)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Println("Could not load .env:", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*file)
	if err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}

	// Command line flags take precedence over file and environment.
	err = cfg.ApplyOverrides(config.Overrides{
		Listen:       *bind,
		Port:         *port,
		DSCP:         *dscp,
		MPTCP:        *mptcp,
		Pattern:      *pattern,
		LogLevel:     *level,
		LogFormat:    *format,
		MaxSendBytes: *budget,
		ChunkSize:    *chunk,
		RateLimit:    *rateLimit,
		ReadTimeout:  *readTimeout,
		WriteTimeout: *writeTimeout,
	})
	if err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	if err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}

	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	debug.SetGCPercent(666)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l, err := srv.Listen(ctx)
	if err != nil {
		logger.WithError(err).Fatal("Startup failed")
	}

	if err := srv.Serve(ctx, l); err != nil {
		logger.WithError(err).Fatal("Listener failed")
	}
}
