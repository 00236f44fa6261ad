// Package main launches the prediction-market history indexer: a backward
// sweeper and a tip runner that reconstruct every settled round of a single
// on-chain prediction contract into a relational store.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	joonix "github.com/joonix/log"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/roundscan/roundscan/cmd/roundscan/flags"
	"github.com/roundscan/roundscan/indexer/node"
	"github.com/roundscan/roundscan/monitoring/prometheus"
	"github.com/roundscan/roundscan/runtime/version"
)

var log = logrus.WithField("prefix", "main")

func startNode(cliCtx *cli.Context) error {
	verbosity := cliCtx.String(flags.Verbosity.Name)
	level, err := logrus.ParseLevel(verbosity)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	n, err := node.New(cliCtx)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	n.Start()
	if fatalErr := n.FatalErr(); fatalErr != nil {
		return cli.Exit(fatalErr.Error(), 1)
	}
	return nil
}

func main() {
	// The env file has to land before flag parsing so EnvVars resolve
	// against it.
	loadEnvFile(os.Args)

	app := cli.App{}
	app.Name = "roundscan"
	app.Usage = "indexes the settled rounds of an on-chain prediction market into postgres"
	app.Version = version.GetVersion()
	app.Flags = flags.AppFlags
	app.Action = startNode
	app.Before = func(ctx *cli.Context) error {
		switch format := ctx.String(flags.LogFormat.Name); format {
		case "text":
			formatter := new(prefixed.TextFormatter)
			formatter.TimestampFormat = "2006-01-02 15:04:05"
			formatter.FullTimestamp = true
			logrus.SetFormatter(formatter)
		case "fluentd":
			logrus.SetFormatter(joonix.NewFormatter())
		case "json":
			logrus.SetFormatter(&logrus.JSONFormatter{})
		default:
			return fmt.Errorf("unknown log format %s", format)
		}
		logrus.AddHook(prometheus.NewLogrusCollector())
		log.WithField("version", version.GetVersion()).Info("Starting roundscan")
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		if exitErr, ok := err.(cli.ExitCoder); ok {
			os.Exit(exitErr.ExitCode())
		}
		os.Exit(1)
	}
}

// loadEnvFile loads the dotenv file named by --env-file, falling back to a
// .env in the working directory when present.
func loadEnvFile(args []string) {
	path := ""
	for i, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--env-file="):
			path = strings.TrimPrefix(arg, "--env-file=")
		case arg == "--env-file" && i+1 < len(args):
			path = args[i+1]
		}
	}
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		log.WithError(err).WithField("path", path).Warn("Could not load env file")
	}
}
