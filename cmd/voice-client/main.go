package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	appconfig "github.com/saker-ai/voice-client/internal/config"
	applogger "github.com/saker-ai/voice-client/internal/logger"
	"github.com/saker-ai/voice-client/pkg/runtime"
)

func main() {
	configPath := flag.String("config", "", "path to conf.yaml")
	printConfig := flag.Bool("print-config", false, "print the effective config and exit")
	interactive := flag.Bool("interactive", true, "read push-to-talk commands from stdin")
	flag.Parse()

	cfg, err := appconfig.LoadConfig(*configPath)
	if err != nil {
		fallback, _ := zap.NewProduction()
		defer fallback.Sync()
		fallback.Fatal("failed to load config", zap.Error(err))
	}

	if *printConfig {
		out, err := appconfig.Dump(cfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
		return
	}

	logger, err := applogger.New(cfg.Log)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	defer logger.Sync()
	logger.Info("config loaded",
		zap.String("config_path", *configPath),
		zap.String("root_dir", cfg.RootDir),
		zap.String("control_addr", cfg.Control.Addr),
	)

	client, err := runtime.New(cfg, logger, runtime.Options{})
	if err != nil {
		logger.Fatal("failed to build client", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *interactive {
		go func() {
			if pushToTalk(ctx, client, os.Stdin, os.Stdout, logger) {
				stop()
			}
		}()
	}

	if err := client.Run(ctx); err != nil {
		logger.Error("client stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

const usage = `commands:
  <enter>      toggle listening
  d [text]     send wake word detection
  a [reason]   abort speech
  s            print status
  q            quit
`

// pushToTalk reads one command per line. It reports true when the user
// asked to quit.
func pushToTalk(ctx context.Context, client *runtime.Client, in io.Reader, out io.Writer, logger *zap.Logger) bool {
	fmt.Fprint(out, usage)
	scanner := bufio.NewScanner(in)
	listening := false
	for scanner.Scan() {
		if ctx.Err() != nil {
			return false
		}
		line := strings.TrimSpace(scanner.Text())
		cmd, arg, _ := strings.Cut(line, " ")
		var err error
		switch cmd {
		case "":
			if listening {
				err = client.StopListening(ctx)
			} else {
				err = client.StartListening(ctx)
			}
			if err == nil {
				listening = !listening
				fmt.Fprintf(out, "listening=%v\n", listening)
			}
		case "d":
			err = client.Detect(ctx, strings.TrimSpace(arg))
		case "a":
			err = client.Abort(ctx, strings.TrimSpace(arg))
		case "s":
			data, _ := json.MarshalIndent(client.Snapshot(), "", "  ")
			fmt.Fprintln(out, string(data))
		case "q":
			return true
		default:
			fmt.Fprint(out, usage)
		}
		if err != nil {
			logger.Warn("command failed", zap.String("command", cmd), zap.Error(err))
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		logger.Warn("stdin closed", zap.Error(err))
	}
	return false
}
