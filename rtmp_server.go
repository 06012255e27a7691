// RTMP server

package main

import (
	"crypto/tls"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	tls_certificate_loader "github.com/AgustinSRG/go-tls-certificate-loader"
)

// RTMP server
type RTMPServer struct {
	host string // Hostname
	port int    // Port

	listener       net.Listener // TCP listener
	secureListener net.Listener // TCP + SSL listener

	websocketControlConnection *ControlServerConnection // Connection to the coordinator server

	mutex *sync.Mutex // Mutex to access the session list

	sessions map[uint64]*RTMPSession // Active sessions

	ipLimit     uint32            // Max number of active sessions per IP
	ipCount     map[string]uint32 // Mapping IP -> Number of active sessions
	ipWhitelist string            // List of IP ranges exempted from the limit

	ip_mutex *sync.Mutex // Mutex for the IP count mapping

	next_session_id  uint64      // ID for the next incoming session
	session_id_mutex *sync.Mutex // Mutex to ensure session IDs are unique

	handshakeConfig  HandshakeConfig // Handshake configuration
	handshakeTimeout time.Duration   // Max time to wait for each handshake read

	upstream RTMPUpstreamConfig // Origin server to relay the sessions
}

const IP_DEFAULT_LIMIT = 4
const HANDSHAKE_DEFAULT_TIMEOUT_SECONDS = 10

// Creates a RTMP server with the default configuration, without listeners
func newRTMPServer() *RTMPServer {
	return &RTMPServer{
		host:                       os.Getenv("RTMP_HOST"),
		port:                       1935,
		listener:                   nil,
		secureListener:             nil,
		mutex:                      &sync.Mutex{},
		session_id_mutex:           &sync.Mutex{},
		ip_mutex:                   &sync.Mutex{},
		sessions:                   make(map[uint64]*RTMPSession),
		next_session_id:            1,
		ipCount:                    make(map[string]uint32),
		ipLimit:                    IP_DEFAULT_LIMIT,
		websocketControlConnection: nil,
		handshakeConfig:            DefaultHandshakeConfig(),
		handshakeTimeout:           HANDSHAKE_DEFAULT_TIMEOUT_SECONDS * time.Second,
		upstream:                   DefaultUpstreamConfig(),
	}
}

// Creates a RTMP server using the configuration from the environment variables
func CreateRTMPServer() *RTMPServer {
	server := newRTMPServer()

	custom_ip_limit := os.Getenv("MAX_IP_CONCURRENT_CONNECTIONS")
	if custom_ip_limit != "" {
		cil, e := strconv.Atoi(custom_ip_limit)
		if e == nil && cil > 0 {
			server.ipLimit = uint32(cil)
		}
	}

	server.ipWhitelist = os.Getenv("CONCURRENT_LIMIT_WHITELIST")

	customHandshakeTimeout := os.Getenv("HANDSHAKE_TIMEOUT_SECONDS")
	if customHandshakeTimeout != "" {
		hst, e := strconv.Atoi(customHandshakeTimeout)
		if e == nil && hst > 0 {
			server.handshakeTimeout = time.Duration(hst) * time.Second
		}
	}

	server.handshakeConfig = LoadHandshakeConfig()
	server.upstream = LoadUpstreamConfig()

	bind_addr := os.Getenv("BIND_ADDRESS")

	// Setup RTMP server
	var tcp_port int
	tcp_port = 1935
	customTCPPort := os.Getenv("RTMP_PORT")
	if customTCPPort != "" {
		tcpp, e := strconv.Atoi(customTCPPort)
		if e == nil {
			tcp_port = tcpp
		}
	}
	server.port = tcp_port

	lTCP, errTCP := net.Listen("tcp", bind_addr+":"+strconv.Itoa(tcp_port))
	if errTCP != nil {
		LogError(errTCP)
		return nil
	} else {
		server.listener = lTCP
		LogInfo("[RTMP] Listing on " + bind_addr + ":" + strconv.Itoa(tcp_port))
	}

	// Setup RTMPS server
	var ssl_port int
	ssl_port = 443
	customSSLPort := os.Getenv("SSL_PORT")
	if customSSLPort != "" {
		sslp, e := strconv.Atoi(customSSLPort)
		if e == nil {
			ssl_port = sslp
		}
	}

	certFile := os.Getenv("SSL_CERT")
	keyFile := os.Getenv("SSL_KEY")

	if certFile != "" && keyFile != "" {
		checkReloadSeconds := 60

		customCheckReloadSeconds := os.Getenv("SSL_CHECK_RELOAD_SECONDS")
		if customCheckReloadSeconds != "" {
			n, e := strconv.Atoi(customCheckReloadSeconds)
			if e == nil {
				checkReloadSeconds = n

				if checkReloadSeconds < 1 {
					checkReloadSeconds = 1
				}
			}
		}

		cerLoader, err := tls_certificate_loader.NewTlsCertificateLoader(tls_certificate_loader.TlsCertificateLoaderConfig{
			CertificatePath:   certFile,
			KeyPath:           keyFile,
			CheckReloadPeriod: time.Duration(checkReloadSeconds) * time.Second,
			OnReload: func() {
				LogInfo("Reloaded SSL certificates")
			},
			OnError: func(err error) {
				LogError(err)
			},
		})

		if err != nil {
			LogError(err)
			if server.listener != nil {
				server.listener.Close()
			}
			return nil
		}

		config := &tls.Config{
			GetCertificate: cerLoader.GetCertificate,
		}

		lnSSL, errSSL := tls.Listen("tcp", bind_addr+":"+strconv.Itoa(ssl_port), config)

		if errSSL != nil {
			cerLoader.Close()
			LogError(errSSL)
			if server.listener != nil {
				server.listener.Close()
			}
			return nil
		} else {
			server.secureListener = lnSSL
			LogInfo("[SSL] Listening on " + bind_addr + ":" + strconv.Itoa(ssl_port))
		}
	}

	if os.Getenv("CONTROL_USE") == "YES" {
		server.websocketControlConnection = &ControlServerConnection{}
	}

	return server
}

// Adds an active session to the count for an IP address
// ip - The IP address
// Returns true if it was added, false if it reached the limit
func (server *RTMPServer) AddIP(ip string) bool {
	server.ip_mutex.Lock()
	defer server.ip_mutex.Unlock()

	c := server.ipCount[ip]

	if c >= server.ipLimit {
		return false
	}

	server.ipCount[ip] = c + 1

	return true
}

// Checks if an IP address if exempted from the IP limit
// ipStr - The IP address
// Returns true if exempted
func (server *RTMPServer) isIPExempted(ipStr string) bool {
	r := server.ipWhitelist

	if r == "" {
		return false
	}

	if r == "*" {
		return true
	}

	ip := net.ParseIP(ipStr)

	if ip == nil {
		return false
	}

	parts := strings.Split(r, ",")

	for i := 0; i < len(parts); i++ {
		_, rang, e := net.ParseCIDR(strings.TrimSpace(parts[i]))

		if e != nil {
			LogError(e)
			continue
		}

		if rang.Contains(ip) {
			return true
		}
	}

	return false
}

// Removes an active session from the count of an IP
// Call after the session is closed
// ip - The IP address
func (server *RTMPServer) RemoveIP(ip string) {
	server.ip_mutex.Lock()
	defer server.ip_mutex.Unlock()

	c := server.ipCount[ip]

	if c <= 1 {
		delete(server.ipCount, ip)
	} else {
		server.ipCount[ip] = c - 1
	}
}

// Generates an unique session ID
func (server *RTMPServer) NextSessionID() uint64 {
	server.session_id_mutex.Lock()
	defer server.session_id_mutex.Unlock()

	r := server.next_session_id
	server.next_session_id++
	return r
}

// Adds a session to the list
// s - The session
func (server *RTMPServer) AddSession(s *RTMPSession) {
	server.mutex.Lock()
	defer server.mutex.Unlock()

	server.sessions[s.id] = s
}

// Removes a session from the list
// id - The session ID
func (server *RTMPServer) RemoveSession(id uint64) {
	server.mutex.Lock()
	defer server.mutex.Unlock()

	delete(server.sessions, id)
}

// Finds a session
// id - The session ID
// Returns the session, or nil
func (server *RTMPServer) GetSession(id uint64) *RTMPSession {
	server.mutex.Lock()
	defer server.mutex.Unlock()

	return server.sessions[id]
}

// Returns the number of active sessions
func (server *RTMPServer) SessionCount() int {
	server.mutex.Lock()
	defer server.mutex.Unlock()

	return len(server.sessions)
}

// Collects the sessions matching a condition
// filter - The condition
// Returns the list of sessions
func (server *RTMPServer) findSessions(filter func(s *RTMPSession) bool) []*RTMPSession {
	server.mutex.Lock()
	defer server.mutex.Unlock()

	result := make([]*RTMPSession, 0)

	for _, s := range server.sessions {
		if filter(s) {
			result = append(result, s)
		}
	}

	return result
}

// Kills a session
// id - The session ID
// Returns true if the session was found
func (server *RTMPServer) KillSession(id uint64) bool {
	s := server.GetSession(id)

	if s == nil {
		return false
	}

	s.Kill()

	return true
}

// Kills every session from an IP address
// ip - The IP address
// Returns the number of sessions killed
func (server *RTMPServer) KillIP(ip string) int {
	list := server.findSessions(func(s *RTMPSession) bool {
		return s.ip == ip
	})

	for i := 0; i < len(list); i++ {
		list[i].Kill()
	}

	return len(list)
}

// Kills every active session
// Returns the number of sessions killed
func (server *RTMPServer) KillAllSessions() int {
	list := server.findSessions(func(s *RTMPSession) bool {
		return true
	})

	for i := 0; i < len(list); i++ {
		list[i].Kill()
	}

	return len(list)
}

// Kills the sessions that were already admitted
// (handshake complete and relaying)
func (server *RTMPServer) KillAllAdmittedSessions() int {
	list := server.findSessions(func(s *RTMPSession) bool {
		return s.IsAdmitted()
	})

	for i := 0; i < len(list); i++ {
		list[i].Kill()
	}

	return len(list)
}

// Runs a loop to indefinitely accept incoming connections
// listener - The TCP listener
// wg - The waiting group
func (server *RTMPServer) AcceptConnections(listener net.Listener, wg *sync.WaitGroup) {
	defer func() {
		listener.Close()
		wg.Done()
	}()
	for {
		c, err := listener.Accept()
		if err != nil {
			LogError(err)
			return
		}
		id := server.NextSessionID()
		var ip string
		if addr, ok := c.RemoteAddr().(*net.TCPAddr); ok {
			ip = addr.IP.String()
		} else {
			ip = c.RemoteAddr().String()
		}

		exempted := server.isIPExempted(ip)

		if !exempted {
			if !server.AddIP(ip) {
				c.Close()
				LogRequest(id, ip, "Connection rejected: Too many requests")
				continue
			}
		}

		LogDebugSession(id, ip, "Connection accepted!")
		go server.HandleConnection(id, ip, c, !exempted)
	}
}

// Starts the server
func (server *RTMPServer) Start() {
	// Initialize websocket connection
	if server.websocketControlConnection != nil {
		server.websocketControlConnection.Initialize(server)
	}

	var wg sync.WaitGroup
	if server.listener != nil {
		wg.Add(1)
		go server.AcceptConnections(server.listener, &wg)
	}

	if server.secureListener != nil {
		wg.Add(1)
		go server.AcceptConnections(server.secureListener, &wg)
	}

	wg.Wait()
}

// Handles a connection
// id - Session ID
// ip - Client IP address
// c - The TCP connection
// countedIP - True if the connection was added to the IP count
func (server *RTMPServer) HandleConnection(id uint64, ip string, c net.Conn, countedIP bool) {
	s := CreateRTMPSession(server, id, ip, c)

	server.AddSession(s)

	defer func() {
		if err := recover(); err != nil {
			switch x := err.(type) {
			case string:
				LogRequest(id, ip, "Error: "+x)
			case error:
				LogRequest(id, ip, "Error: "+x.Error())
			default:
				LogRequest(id, ip, "Connection Crashed!")
			}
		}
		s.OnClose()
		c.Close()
		server.RemoveSession(id)
		if countedIP {
			server.RemoveIP(ip)
		}
		LogDebugSession(id, ip, "Connection closed!")
	}()

	s.HandleSession()
}
