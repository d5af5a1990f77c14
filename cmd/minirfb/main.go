// Command minirfb runs a Veyon compatible RFB server that completes the
// handshake and holds the approved sessions.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/pborman/getopt/v2"

	"github.com/ooni/minirfb/internal/runtimex"
	"github.com/ooni/minirfb/pkg/config"
	"github.com/ooni/minirfb/pkg/rfbserver"
	"github.com/ooni/minirfb/pkg/tracex"
)

var (
	startTime = time.Now()
)

func main() {
	os.Exit(realMain())
}

// realMain runs the command and returns its exit code.
func realMain() int {
	optConfig := getopt.StringLong("config", 'c', "", "Configuration file")
	optListen := getopt.StringLong("listen", 'l', "", "TCP endpoint to listen on, overriding the config file")
	optVerbosity := getopt.Uint16Long("verbosity", 'v', uint16(4), "Verbosity level (1 to 5, 1 is lowest)")
	optTrace := getopt.BoolLong("trace", 't', "Write a trace of the handshakes on exit")
	optAutoApprove := getopt.BoolLong("auto-approve", 'y', "Approve every client the access rules ask about")
	helpFlag := getopt.BoolLong("help", 'h', "Display help")

	getopt.Parse()
	if *helpFlag {
		getopt.Usage()
		return 0
	}
	if len(getopt.Args()) > 0 {
		fmt.Fprintf(os.Stderr, "unexpected arguments: %v\n", getopt.Args())
		getopt.Usage()
		return 2
	}

	logger := &log.Logger{Level: verbosityLevel(*optVerbosity), Handler: &logHandler{Writer: os.Stderr}}

	opts := []config.Option{config.WithLogger(logger)}
	if *optConfig != "" {
		logger.Debugf("config file: %s", *optConfig)
		serverOptions, err := config.ReadConfigFile(*optConfig)
		if err != nil {
			fmt.Println("fatal: " + err.Error())
			return 1
		}
		opts = append(opts, config.WithServerOptions(serverOptions))
	}

	var tracer *tracex.Tracer
	if *optTrace {
		tracer = tracex.NewTracer(startTime)
		opts = append(opts, config.WithHandshakeTracer(tracer))
		defer writeTrace(tracer)
	}

	cfg := config.NewConfig(opts...)
	if *optListen != "" {
		cfg.ServerOptions().Listen = *optListen
	}

	var approver rfbserver.Approver = &promptApprover{}
	if *optAutoApprove {
		approver = rfbserver.ApproverFunc(autoApprove)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv, err := rfbserver.Start(ctx, cfg, rfbserver.Options{Approver: approver})
	if err != nil {
		logger.WithError(err).Error("init error")
		return 1
	}
	for _, addr := range srv.Addrs() {
		logger.Infof("listening on %s", addr.String())
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- srv.Wait()
	}()
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-waitErr:
		if err != nil {
			logger.WithError(err).Error("server error")
			srv.Close()
			return 1
		}
	}
	srv.Close()
	return 0
}

func verbosityLevel(verbosity uint16) log.Level {
	switch verbosity {
	case uint16(1):
		return log.FatalLevel
	case uint16(2):
		return log.ErrorLevel
	case uint16(3):
		return log.WarnLevel
	case uint16(4):
		return log.InfoLevel
	default:
		return log.DebugLevel
	}
}

func autoApprove(ctx context.Context, req rfbserver.ApprovalRequest) (rfbserver.Choice, error) {
	return rfbserver.ChoiceYes, nil
}

func writeTrace(tracer *tracex.Tracer) {
	jsonData, err := json.MarshalIndent(tracer.Trace(), "", "  ")
	runtimex.PanicOnError(err, "cannot serialize trace")
	fileName := fmt.Sprintf("handshake-trace-%s.json", time.Now().Format("2006-01-02-15:04:05"))
	os.WriteFile(fileName, jsonData, 0644)
	fmt.Println("trace written to", fileName)
}

type logHandler struct {
	io.Writer
}

func (h *logHandler) HandleLog(e *log.Entry) (err error) {
	var s string
	if e.Level == log.DebugLevel {
		s = fmt.Sprintf("%s", e.Message)
	} else if e.Level == log.ErrorLevel {
		s = fmt.Sprintf("[%14.6f] <!err> %s", time.Since(startTime).Seconds(), e.Message)
	} else {
		s = fmt.Sprintf("[%14.6f] <%s> %s", time.Since(startTime).Seconds(), e.Level, e.Message)
	}
	if len(e.Fields) > 0 {
		s += fmt.Sprintf(": %+v", e.Fields)
	}
	s += "\n"
	_, err = h.Writer.Write([]byte(s))
	return
}
