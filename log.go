// Logs

package main

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

var LOG_MUTEX = sync.Mutex{}

func LogLine(line string) {
	tm := time.Now()
	LOG_MUTEX.Lock()
	defer LOG_MUTEX.Unlock()
	fmt.Printf("[%s] %s\n", tm.Format("2006-01-02 15:04:05"), line)
}

func LogWarning(line string) {
	LogLine("[WARNING] " + line)
}

func LogInfo(line string) {
	LogLine("[INFO] " + line)
}

func LogError(err error) {
	LogLine("[ERROR] " + err.Error())
}

func LogErrorMessage(line string) {
	LogLine("[ERROR] " + line)
}

var LOG_REQUESTS_ENABLED = true

func LogRequest(session_id uint64, ip string, line string) {
	if LOG_REQUESTS_ENABLED {
		LogLine("[REQUEST] #" + strconv.FormatUint(session_id, 10) + " (" + ip + ") " + line)
	}
}

var LOG_DEBUG_ENABLED = false

func LogDebug(line string) {
	if LOG_DEBUG_ENABLED {
		LogLine("[DEBUG] " + line)
	}
}

func LogDebugSession(session_id uint64, ip string, line string) {
	if LOG_DEBUG_ENABLED {
		LogLine("[DEBUG] #" + strconv.FormatUint(session_id, 10) + " (" + ip + ") " + line)
	}
}

// Loads the log configuration from the environment variables
// Call after the .env file is loaded
// forceDebug - True to enable debug logs regardless of LOG_DEBUG
func InitLogConfig(forceDebug bool) {
	LOG_REQUESTS_ENABLED = (os.Getenv("LOG_REQUESTS") != "NO")
	LOG_DEBUG_ENABLED = forceDebug || (os.Getenv("LOG_DEBUG") == "YES")
}
