package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/distribution-auth/sessionkeeper/config"
	"github.com/distribution-auth/sessionkeeper/session"
	"github.com/distribution-auth/sessionkeeper/session/metrics"
)

// terminalView reports session changes on stderr.
type terminalView struct {
	logger *zap.Logger
	route  string
}

func (v *terminalView) ClearUser() {
	v.logger.Debug("user cleared")
}

func (v *terminalView) CurrentRoute() string {
	return v.route
}

func (v *terminalView) Navigate(route string) {
	v.route = route
	fmt.Fprintf(os.Stderr, "Sign in again: sessionctl -login <user:password>\n")
}

func (v *terminalView) Notify(message string) {
	fmt.Fprintln(os.Stderr, message)
}

func main() {
	var (
		configFile string
		debug      bool

		login    string
		logout   bool
		method   string
		path     string
		body     string
		remember bool
	)

	flag.StringVar(&configFile, "config", "sessionkeeper.yaml", "Configuration file")
	flag.BoolVar(&debug, "debug", false, "Debug mode")

	flag.StringVar(&login, "login", "", "Sign in with username:password before sending the request")
	flag.BoolVar(&remember, "remember", false, "Keep the session across idle periods")
	flag.BoolVar(&logout, "logout", false, "Sign out")
	flag.StringVar(&method, "method", "GET", "HTTP method")
	flag.StringVar(&path, "path", "", "Request path relative to apiBase")
	flag.StringVar(&body, "body", "", "JSON request body")

	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}

	if debug {
		logger, err = zap.NewDevelopment()
		if err != nil {
			panic(err)
		}
	}

	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.Load(configFile)
	if err != nil {
		logger.Sugar().Fatalf("Error loading configuration: %v", err)
	}

	m, err := metrics.NewPrometheus(prometheus.NewRegistry())
	if err != nil {
		logger.Sugar().Fatalf("Error registering metrics: %v", err)
	}

	client, transport, err := cfg.Build(ctx, config.Dependencies{
		Logger:  logger,
		View:    &terminalView{logger: logger},
		Metrics: m,
	})
	if err != nil {
		logger.Sugar().Fatalf("Error building session client: %v", err)
	}
	defer client.Close()

	if login != "" {
		username, password, _ := strings.Cut(login, ":")

		credential, err := transport.Login(ctx, username, password)
		if err != nil {
			logger.Sugar().Fatalf("Error signing in: %v", err)
		}

		if err := client.Store.Set(credential); err != nil {
			logger.Sugar().Fatalf("Error storing credential: %v", err)
		}

		if err := client.Store.SetRememberFlag(remember); err != nil {
			logger.Sugar().Fatalf("Error storing remember flag: %v", err)
		}
	}

	if logout {
		client.SignOut(ctx)

		return
	}

	if path == "" {
		return
	}

	request := session.Request{
		Method: strings.ToUpper(method),
		Path:   path,
	}

	if body != "" {
		request.Body = json.RawMessage(body)
	}

	response, err := client.Send(ctx, request)

	var securityErr *session.SecurityError

	switch {
	case errors.Is(err, session.ErrSessionExpired):
		os.Exit(2)
	case errors.As(err, &securityErr):
		logger.Sugar().Fatalf("Request rejected: %v", err)
	case err != nil:
		logger.Sugar().Fatalf("Request failed: %v", err)
	}

	if response != nil {
		fmt.Println(string(response))
	}
}
