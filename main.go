package main

import (
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

// Command line options
type Options struct {
	EnvFile string `long:"env-file" description:"Path to a .env file with the configuration" default:".env"`
	Debug   bool   `long:"debug" description:"Enables debug logs (same as LOG_DEBUG=YES)"`
}

func main() {
	var options Options
	args, err := flags.Parse(&options)
	if err != nil {
		if fe, ok := err.(*flags.Error); ok && fe.Type == flags.ErrHelp {
			return
		}
		os.Exit(1)
	}
	if len(args) != 0 {
		LogErrorMessage("No arguments expected")
		os.Exit(1)
	}

	// The file is optional, the environment variables take precedence
	err = godotenv.Load(options.EnvFile)
	if err != nil && !os.IsNotExist(err) {
		LogWarning("Could not load " + options.EnvFile + ": " + err.Error())
	}

	InitLogConfig(options.Debug)

	LogInfo("RTMP Handshake Gateway (Version 1.0.0)")

	server := CreateRTMPServer()

	if server == nil {
		os.Exit(1)
	}

	go setupRedisCommandReceiver(server)

	server.Start()
}
