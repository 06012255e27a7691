// Redis commands

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Subscribes to the Redis channel and runs the received commands
// Runs until the connection is lost. Call in a separate routine.
// server - The RTMP server
func setupRedisCommandReceiver(server *RTMPServer) {
	useRedis := os.Getenv("REDIS_USE")

	if useRedis != "YES" {
		return // Not using redis
	}

	defer func() {
		if err := recover(); err != nil {
			switch x := err.(type) {
			case string:
				LogError(errors.New(x))
			case error:
				LogError(x)
			default:
				LogError(errors.New("could not connect to redis"))
			}
		}
		LogWarning("Connection to Redis lost!")
	}()

	redisHost := os.Getenv("REDIS_HOST")
	if redisHost == "" {
		redisHost = "localhost"
	}

	redisPort := os.Getenv("REDIS_PORT")
	if redisPort == "" {
		redisPort = "6379"
	}

	redisPassword := os.Getenv("REDIS_PASSWORD")
	redisChannel := os.Getenv("REDIS_CHANNEL")

	if redisChannel == "" {
		redisChannel = "rtmp_gateway_commands"
	}

	redisTLS := os.Getenv("REDIS_TLS")

	ctx := context.Background()

	var redisClient *redis.Client

	if redisTLS == "YES" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:      redisHost + ":" + redisPort,
			Password:  redisPassword,
			TLSConfig: &tls.Config{},
		})
	} else {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     redisHost + ":" + redisPort,
			Password: redisPassword,
		})
	}

	subscriber := redisClient.Subscribe(ctx, redisChannel)
	defer subscriber.Close()

	LogInfo("[REDIS] Listening for commands on channel '" + redisChannel + "'")

	for {
		msg, err := subscriber.ReceiveMessage(ctx)

		if err != nil {
			LogWarning("Could not connect to Redis: " + err.Error())
			time.Sleep(10 * time.Second)
		} else {
			// Parse message
			parseRedisCommand(server, msg.Payload)
		}
	}
}

// Parses and runs a command received from Redis
// server - The RTMP server
// cmd - The command, with the format NAME>ARG1|ARG2...
// Returns true if the command was valid
func parseRedisCommand(server *RTMPServer, cmd string) bool {
	defer func() {
		if err := recover(); err != nil {
			switch x := err.(type) {
			case string:
				LogError(errors.New(x))
			case error:
				LogError(x)
			default:
				LogError(errors.New("parsing error"))
			}
			LogWarning("Could not parse message: " + cmd)
		}
	}()

	parts := strings.SplitN(cmd, ">", 2)
	if len(parts) != 2 {
		LogWarning("Invalid message from Redis: " + cmd)
		return false // Invalid message
	}

	cmdName := parts[0]
	cmdArgs := strings.Split(parts[1], "|")

	switch cmdName {
	case "kill-session":
		if len(cmdArgs) < 1 || cmdArgs[0] == "" {
			LogWarning("Invalid message from Redis: " + cmd)
			return false
		}

		sessionId, err := strconv.ParseUint(cmdArgs[0], 10, 64)

		if err != nil {
			LogWarning("Invalid session ID from Redis: " + cmd)
			return false
		}

		if server.KillSession(sessionId) {
			LogInfo("[REDIS] Killed session #" + cmdArgs[0])
		}
	case "kill-ip":
		if len(cmdArgs) < 1 || net.ParseIP(cmdArgs[0]) == nil {
			LogWarning("Invalid message from Redis: " + cmd)
			return false
		}

		killed := server.KillIP(cmdArgs[0])

		LogInfo("[REDIS] Killed " + strconv.Itoa(killed) + " sessions from " + cmdArgs[0])
	case "kill-all":
		killed := server.KillAllSessions()

		LogInfo("[REDIS] Killed " + strconv.Itoa(killed) + " sessions")
	default:
		LogWarning("Unknown Redis command: " + cmd)
		return false
	}

	return true
}
