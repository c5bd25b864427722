// Copyright 2021-2022 The sockroute Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/alwitt/sockroute/cmd"
	"github.com/alwitt/sockroute/common"
	"github.com/alwitt/sockroute/push"
	"github.com/alwitt/sockroute/session"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
	Hostname   string
}

type tokenArgs struct {
	Claims string `validate:"required,json"`
	TTL    time.Duration
}

var cmdArgs cliArgs

var tokenCmdArgs tokenArgs

var logTags log.Fields

// @title sockroute
// @version v0.1.0
// @description Event channel router over WebSocket with rooms and Web Push delivery

// @host localhost:4000
// @BasePath /
// @query.collection.format multi
func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{
		"module":    "main",
		"component": "main",
		"instance":  hostname,
	}

	common.InstallDefaultConfigValues()

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "application entrypoint",
		Description: "Event channel router over WebSocket with rooms and Web Push delivery",
		Flags: []cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &cmdArgs.LogLevel,
				Required:    false,
			},
			// Config file
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file. Use DEFAULT if not specified.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Value:       "",
				DefaultText: "",
				Destination: &cmdArgs.ConfigFile,
				Required:    false,
			},
		},
		// Components
		Commands: []*cli.Command{
			{
				Name:        "serve",
				Usage:       "Run the sockroute server",
				Description: "Serves the WebSocket channel router and its REST API",
				Action:      startServer,
			},
			{
				Name:        "token",
				Usage:       "Issue a session token",
				Description: "Signs a JSON claims payload with the configured token secret",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "claims",
						Usage:       "Session claims as a JSON object",
						Value:       `{"sub":"anonymous"}`,
						DefaultText: `{"sub":"anonymous"}`,
						Destination: &tokenCmdArgs.Claims,
					},
					&cli.DurationFlag{
						Name:        "ttl",
						Usage:       "Token TTL. Use the configured TTL if not specified.",
						Destination: &tokenCmdArgs.TTL,
					},
				},
				Action: issueToken,
			},
			{
				Name:        "vapid-keys",
				Usage:       "Generate a VAPID key pair",
				Description: "Generates the key pair used to sign Web Push requests",
				Action:      generateVAPIDKeys,
			},
		},
	}

	err = app.Run(os.Args)
	if err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

// setupLogging helper function to prepare the app logging
func setupLogging() {
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch cmdArgs.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}

// initialCmdArgsProcessing perform initial CMD arg processing
func initialCmdArgsProcessing() (*common.SystemConfig, error) {
	validate := validator.New()
	// Validate command line argument
	if err := validate.Struct(&cmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return nil, err
	}
	setupLogging()
	tmp, err := json.MarshalIndent(&cmdArgs, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal args")
		return nil, err
	}
	log.Debugf("Starting params\n%s", tmp)
	// Parse the config file
	if len(cmdArgs.ConfigFile) > 0 {
		viper.SetConfigFile(cmdArgs.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read config file %s", cmdArgs.ConfigFile,
			)
			return nil, err
		}
	}
	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to parse config file %s", cmdArgs.ConfigFile,
		)
		return nil, err
	}
	tmp, err = json.MarshalIndent(&config, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal config files")
		return nil, err
	}
	log.Debugf("Config file\n%s", tmp)
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config file content")
		return nil, err
	}
	return &config, nil
}

func defineControlVars() (*sync.WaitGroup, context.Context, context.CancelFunc) {
	runTimeContext, rtCancel := context.WithCancel(context.Background())
	return &sync.WaitGroup{}, runTimeContext, rtCancel
}

// signalRecvSetup helper function for setting up the SIG receive handler
func signalRecvSetup(wg *sync.WaitGroup, ctxtCancel context.CancelFunc) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		cc := make(chan os.Signal, 1)
		// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C)
		// SIGKILL, SIGQUIT or SIGTERM (Ctrl+/) will not be caught.
		signal.Notify(cc, os.Interrupt)
		<-cc
		ctxtCancel()
	}()
}

// ============================================================================
// Server subcommand

// startServer run the router server
func startServer(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	signalRecvSetup(wg, rtCancel)

	return cmd.RunServer(
		runTimeContext, cmd.ServerParam{Config: config, Instance: cmdArgs.Hostname},
	)
}

// ============================================================================
// Utility subcommands

// issueToken sign a session token and print it to stdout
func issueToken(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}
	if config.Auth.TokenSecret == "" {
		return fmt.Errorf("auth.token_secret is not configured")
	}
	validate := validator.New()
	if err := validate.Struct(&tokenCmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid token args")
		return err
	}

	var claims session.Payload
	if err := json.Unmarshal([]byte(tokenCmdArgs.Claims), &claims); err != nil {
		log.WithError(err).WithFields(logTags).Error("Claims is not a JSON object")
		return err
	}
	ttl := tokenCmdArgs.TTL
	if ttl <= 0 {
		ttl = time.Second * time.Duration(config.Auth.TokenTTL)
	}

	token, err := session.GetHMACValidator(config.Auth.TokenSecret).Sign(claims, ttl)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to sign session token")
		return err
	}
	fmt.Println(token)
	return nil
}

// generateVAPIDKeys print a new VAPID key pair to stdout
func generateVAPIDKeys(c *cli.Context) error {
	setupLogging()
	publicKey, privateKey, err := push.GenerateVAPIDKeys()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to generate VAPID keys")
		return err
	}
	fmt.Printf("vapid_public_key: %s\nvapid_private_key: %s\n", publicKey, privateKey)
	return nil
}
