package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"time"

	"fast_server/client/comms"
	"fast_server/config"
	"fast_server/constants"
	"fast_server/logging"

	"github.com/akamensky/argparse"
	"github.com/docker/go-units"
)

func main() {
	args := argparse.NewParser("client", constants.Title)

	bind := args.String("a", "address", &argparse.Options{Required: true, Help: "Target host address"})
	port := args.Int("p", "port", &argparse.Options{Required: false, Help: "Target port",
		Default: constants.DEFAULT_PORT})
	conns := args.Int("n", "connections", &argparse.Options{Required: false, Help: "Number of parallel streams",
		Default: constants.DEFAULT_CLIENT_CONNS})
	dscp := args.Int("d", "dscp", &argparse.Options{Required: false, Help: "DSCP field for QoS",
		Default: constants.DEFAULT_DSCP})
	mptcp := args.Flag("m", "mptcp", &argparse.Options{Help: "Enable Multipath TCP"})
	limit := args.String("b", "bytes", &argparse.Options{Required: false, Help: "Stop each stream after this many bytes, e.g. 4GiB"})
	timeout := args.String("t", "timeout", &argparse.Options{Required: false, Help: "Abort the run after this duration, e.g. 30s"})
	level := args.String("v", "log-level", &argparse.Options{Required: false, Help: "Log level", Default: "info"})

	err := args.Parse(os.Args)

	if err != nil {
		fmt.Print(args.Usage(err))
		os.Exit(1)
	}

	logger, err := logging.New(*level, logging.FormatText, os.Stdout)
	if err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}

	var byteLimit config.ByteSize
	if *limit != "" {
		if byteLimit, err = config.ParseByteSize(*limit); err != nil {
			logger.WithError(err).Fatal("Invalid byte limit")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if *timeout != "" {
		d, err := time.ParseDuration(*timeout)
		if err != nil {
			logger.WithError(err).Fatal("Invalid timeout")
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	addr := net.JoinHostPort(*bind, strconv.Itoa(*port))
	client := comms.NewClient(addr, *dscp, *mptcp, int64(byteLimit))

	logger.WithField("connections", *conns).Info("Streaming from ", addr)
	summary, err := client.Run(ctx, *conns)

	for i, r := range summary.Results {
		logger.WithFields(map[string]any{
			"stream":   i,
			"bytes":    units.BytesSize(float64(r.Bytes)),
			"duration": r.Duration.Round(time.Millisecond),
			"complete": r.Complete,
		}).Info("Stream finished")
	}
	fmt.Println("Received", units.BytesSize(float64(summary.Bytes)), "in", summary.Duration.Round(time.Millisecond),
		"at", units.BytesSize(summary.Throughput())+"/s",
		"("+strconv.FormatFloat(summary.Throughput()*8/1e9, 'f', 2, 64)+" Gbit/s)")

	if err != nil {
		logger.WithError(err).Error("Run did not complete")
		os.Exit(2)
	}
}
