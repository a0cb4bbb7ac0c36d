package main

import (
	"flag"
	"net/http"
	"strings"

	"github.com/docker/libtrust"
	"go.uber.org/zap"

	"github.com/distribution-auth/sessionkeeper/session/sessiontest"
)

func main() {
	var (
		addr  string
		debug bool
		users string

		pkFile string

		cert    string
		certKey string
	)

	flag.StringVar(&addr, "addr", "localhost:8080", "Address to listen on")
	flag.BoolVar(&debug, "debug", false, "Debug mode")
	flag.StringVar(&pkFile, "key", "", "Private key file used to sign access tokens")
	flag.StringVar(&users, "users", "user:password", "Comma separated list of username:password pairs")

	flag.StringVar(&cert, "tlscert", "", "Certificate file for TLS")
	flag.StringVar(&certKey, "tlskey", "", "Certificate key for TLS")

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

	accounts := make(map[string]string)

	for _, pair := range strings.Split(users, ",") {
		username, password, ok := strings.Cut(pair, ":")
		if !ok || username == "" {
			logger.Sugar().Fatalf("Invalid user entry %q", pair)
		}

		accounts[username] = password
	}

	var signingKey libtrust.PrivateKey

	if pkFile == "" {
		signingKey, err = libtrust.GenerateECP256PrivateKey()
		if err != nil {
			logger.Sugar().Fatalf("Error generating private key: %v", err)
		}
		logger.Sugar().Debugf("Using newly generated key with id %s", signingKey.KeyID())
	} else {
		signingKey, err = libtrust.LoadKeyFile(pkFile)
		if err != nil {
			logger.Sugar().Fatalf("Error loading key file %s: %v", pkFile, err)
		}
		logger.Sugar().Debugf("Loaded private key with id %s", signingKey.KeyID())
	}

	server := sessiontest.NewServerWithKey(accounts, signingKey)
	server.Logger = logger

	logger.Sugar().Infof("Listening on %s", addr)

	if cert == "" {
		err = http.ListenAndServe(addr, server.Handler())
	} else if certKey == "" {
		logger.Sugar().Fatalf("Must provide certficate (-tlscert) and key (-tlskey)")
	} else {
		err = http.ListenAndServeTLS(addr, cert, certKey, server.Handler())
	}

	if err != nil {
		logger.Sugar().Infof("Error serving: %v", err)
	}
}
