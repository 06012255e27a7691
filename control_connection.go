// Control server connection

package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	messages "github.com/AgustinSRG/go-simple-rpc-message"
	"github.com/gorilla/websocket"
)

const CONTROL_REQUEST_TIMEOUT = 20 * time.Second
const CONTROL_HEARTBEAT_PERIOD = 20 * time.Second
const CONTROL_RECONNECT_DELAY = 10 * time.Second

// Status data of the connection with the coordinator server
type ControlServerConnection struct {
	server *RTMPServer // Reference to the RTMP server

	connectionURL string          // Connection URL
	connection    *websocket.Conn // Websocket connection

	lock *sync.Mutex // Mutex to control access to this struct

	nextRequestId uint64 // ID for the next request ID

	requests map[string]*ControlServerPendingRequest // Pending requests. Map: ID -> Request status data

	enabled bool // True if the connection is enabled (will reconnect)
}

// Status data for a pending request
type ControlServerPendingRequest struct {
	waiter chan bool // Channel to wait for the response (true = accepted)
}

// Initializes connection
// server - Reference to the RTMP server
func (c *ControlServerConnection) Initialize(server *RTMPServer) {
	c.server = server
	c.lock = &sync.Mutex{}
	c.nextRequestId = 0
	c.requests = make(map[string]*ControlServerPendingRequest)

	baseURL := os.Getenv("CONTROL_BASE_URL")

	if baseURL == "" {
		LogWarning("CONTROL_BASE_URL not provided. The server will run in stand-alone mode.")
		c.enabled = false
		return
	}

	connectionURL, err := url.Parse(baseURL)
	if err != nil {
		LogError(err)
		LogWarning("CONTROL_BASE_URL not provided. The server will run in stand-alone mode.")
		c.enabled = false
		return
	}
	pathURL, err := url.Parse("/ws/control/rtmp")
	if err != nil {
		LogError(err)
		LogWarning("CONTROL_BASE_URL not provided. The server will run in stand-alone mode.")
		c.enabled = false
		return
	}

	c.connectionURL = connectionURL.ResolveReference(pathURL).String()
	c.enabled = true

	go c.Connect()
	go c.RunHeartBeatLoop()
}

// Connect to the websocket server
func (c *ControlServerConnection) Connect() {
	c.lock.Lock()

	if c.connection != nil {
		c.lock.Unlock()
		return // Already connected
	}

	LogInfo("[WS-CONTROL] Connecting to " + c.connectionURL)

	headers := http.Header{}

	authToken := MakeWebsocketAuthenticationToken()

	if authToken != "" {
		headers.Set("x-control-auth-token", authToken)
	}

	externalIP := os.Getenv("EXTERNAL_IP")

	if externalIP != "" {
		headers.Set("x-external-ip", externalIP)
	}

	externalPort := os.Getenv("EXTERNAL_PORT")

	if externalPort != "" {
		headers.Set("x-custom-port", externalPort)
	}

	useSSL := os.Getenv("EXTERNAL_SSL")

	if useSSL == "YES" {
		headers.Set("x-ssl-use", "true")
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.connectionURL, headers)

	if err != nil {
		c.lock.Unlock()
		LogErrorMessage("[WS-CONTROL] Connection error: " + err.Error())
		go c.Reconnect()
		return
	}

	c.connection = conn

	c.lock.Unlock()

	// After a connection is established, any previously admitted sessions must be killed,
	// since the coordinator server thinks the gateway went down
	killed := c.server.KillAllAdmittedSessions()

	if killed > 0 {
		LogInfo("[WS-CONTROL] Killed " + strconv.Itoa(killed) + " sessions admitted before the connection")
	}

	go c.RunReaderLoop(conn)
}

// Waits and reconnects
func (c *ControlServerConnection) Reconnect() {
	LogInfo("[WS-CONTROL] Waiting 10 seconds to reconnect.")
	time.Sleep(CONTROL_RECONNECT_DELAY)
	c.Connect()
}

// Called when disconnected
// err - Disconnection error
func (c *ControlServerConnection) OnDisconnect(err error) {
	c.lock.Lock()
	c.connection = nil
	LogInfo("[WS-CONTROL] Disconnected: " + err.Error())

	// Pending requests will not be answered
	for _, req := range c.requests {
		req.resolve(false)
	}

	c.lock.Unlock()

	go c.Reconnect()
}

// Sends a message
// msg - The message
// Returns true if the message was successfully sent
func (c *ControlServerConnection) Send(msg messages.RPCMessage) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.connection == nil {
		return false
	}

	err := c.connection.WriteMessage(websocket.TextMessage, []byte(msg.Serialize()))

	if err != nil {
		LogErrorMessage("[WS-CONTROL] Could not send message: " + err.Error())
		return false
	}

	if LOG_DEBUG_ENABLED {
		LogDebug("[WS-CONTROL] >>>\n" + string(msg.Serialize()))
	}

	return true
}

// Generates a new request-id
func (c *ControlServerConnection) GetNextRequestId() uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()

	requestId := c.nextRequestId

	c.nextRequestId++

	return requestId
}

// Reads messages until the connection is finished
// conn - Websocket connection
func (c *ControlServerConnection) RunReaderLoop(conn *websocket.Conn) {
	for {
		err := conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		if err != nil {
			conn.Close()
			c.OnDisconnect(err)
			return
		}

		_, message, err := conn.ReadMessage()

		if err != nil {
			conn.Close()
			c.OnDisconnect(err)
			return
		}

		msgStr := string(message)

		if LOG_DEBUG_ENABLED {
			LogDebug("[WS-CONTROL] <<<\n" + msgStr)
		}

		msg := messages.ParseRPCMessage(msgStr)

		c.ParseIncomingMessage(&msg)
	}
}

// Parses an incoming message
// msg - Received parsed message
func (c *ControlServerConnection) ParseIncomingMessage(msg *messages.RPCMessage) {
	switch msg.Method {
	case "ERROR":
		LogErrorMessage("[WS-CONTROL] Remote error. Code=" + msg.GetParam("Error-Code") + " / Details: " + msg.GetParam("Error-Message"))
	case "SESSION-ACCEPT":
		c.OnSessionResponse(msg.GetParam("Request-Id"), true)
	case "SESSION-DENY":
		c.OnSessionResponse(msg.GetParam("Request-Id"), false)
	case "SESSION-KILL":
		c.OnSessionKill(msg.GetParam("Session-Id"))
	}
}

// Resolves a pending request, only the first response counts
func (req *ControlServerPendingRequest) resolve(accepted bool) {
	select {
	case req.waiter <- accepted:
	default:
	}
}

// Handles a SESSION-ACCEPT or SESSION-DENY message
// requestId - Request ID
// accepted - True if accepted
func (c *ControlServerConnection) OnSessionResponse(requestId string, accepted bool) {
	c.lock.Lock()
	req := c.requests[requestId]
	c.lock.Unlock()

	if req == nil {
		return
	}

	req.resolve(accepted)
}

// Handles a SESSION-KILL message
// sessionId - Session ID or the * wildcard
func (c *ControlServerConnection) OnSessionKill(sessionId string) {
	if sessionId == "*" {
		c.server.KillAllSessions()
		return
	}

	id, err := strconv.ParseUint(sessionId, 10, 64)

	if err != nil {
		LogWarning("[WS-CONTROL] Invalid session ID: " + sessionId)
		return
	}

	c.server.KillSession(id)
}

// Sends heart-beat messages to keep the connection alive
func (c *ControlServerConnection) RunHeartBeatLoop() {
	for {
		time.Sleep(CONTROL_HEARTBEAT_PERIOD)

		// Send heartbeat message
		heartbeatMessage := messages.RPCMessage{
			Method: "HEARTBEAT",
		}

		c.Send(heartbeatMessage)
	}
}

// Requests the coordinator server to accept a session
// sessionId - Session ID
// userIP - IP address of the user
// handshakeType - Handshake type (C0)
// genuineness - Client classification
// Returns true if accepted
//
// This method waits for the server to return a response
func (c *ControlServerConnection) RequestSession(sessionId uint64, userIP string, handshakeType byte, genuineness ClientGenuineness) bool {
	if !c.enabled {
		return true
	}

	requestId := fmt.Sprint(c.GetNextRequestId())

	request := ControlServerPendingRequest{
		waiter: make(chan bool, 1),
	}

	msgParams := make(map[string]string)

	msgParams["Request-Id"] = requestId
	msgParams["Session-Id"] = fmt.Sprint(sessionId)
	msgParams["User-IP"] = userIP
	msgParams["Handshake-Type"] = handshakeTypeName(handshakeType)
	msgParams["Client-Genuine"] = fmt.Sprint(genuineness == CLIENT_GENUINE)

	msg := messages.RPCMessage{
		Method: "SESSION-REQUEST",
		Params: msgParams,
	}

	c.lock.Lock()
	c.requests[requestId] = &request
	c.lock.Unlock()

	success := c.Send(msg)

	if !success {
		c.lock.Lock()
		delete(c.requests, requestId)
		c.lock.Unlock()

		return false
	}

	timer := time.AfterFunc(CONTROL_REQUEST_TIMEOUT, func() { request.resolve(false) }) // Timeout

	accepted := <-request.waiter // Wait

	timer.Stop()

	c.lock.Lock()
	delete(c.requests, requestId)
	c.lock.Unlock()

	return accepted
}

// Send Session-End message to the coordinator server
// sessionId - Session ID
// Returns true if success
func (c *ControlServerConnection) SessionEnd(sessionId uint64) bool {
	msgParams := make(map[string]string)

	msgParams["Session-Id"] = fmt.Sprint(sessionId)

	msg := messages.RPCMessage{
		Method: "SESSION-END",
		Params: msgParams,
	}

	return c.Send(msg)
}
