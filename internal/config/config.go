package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/auth"
)

const (
	EnvServerURL       = "LIVELINK_SERVER_URL"
	EnvAPIURL          = "LIVELINK_API_URL"
	EnvToken           = "LIVELINK_TOKEN"
	EnvUsername        = "LIVELINK_USERNAME"
	EnvPassword        = "LIVELINK_PASSWORD"
	EnvSelfID          = "LIVELINK_SELF_ID"
	EnvAuthForwardMode = "LIVELINK_AUTH_FORWARD_MODE"
	EnvOrigin          = "LIVELINK_ORIGIN"

	EnvMode            = "LIVELINK_MODE"
	EnvLogFormat       = "LIVELINK_LOG_FORMAT"
	EnvLogLevel        = "LIVELINK_LOG_LEVEL"
	EnvListenAddr      = "LIVELINK_LISTEN_ADDR"
	EnvShutdownTimeout = "LIVELINK_SHUTDOWN_TIMEOUT"

	// Transport knobs.
	EnvDialTimeout              = "LIVELINK_DIAL_TIMEOUT"
	EnvWSPingInterval           = "LIVELINK_WS_PING_INTERVAL"
	EnvWSIdleTimeout            = "LIVELINK_WS_IDLE_TIMEOUT"
	EnvMaxSignalingMessageBytes = "LIVELINK_MAX_SIGNALING_MESSAGE_BYTES"
	EnvMaxEmitsPerSecond        = "LIVELINK_MAX_EMITS_PER_SECOND"
	EnvSendQueueBytes           = "LIVELINK_SEND_QUEUE_BYTES"
	EnvAckTimeout               = "LIVELINK_ACK_TIMEOUT"
	EnvReconnectInterval        = "LIVELINK_RECONNECT_INTERVAL"

	// Session behaviour.
	EnvRingTimeout       = "LIVELINK_RING_TIMEOUT"
	EnvTypingIdleTimeout = "LIVELINK_TYPING_IDLE_TIMEOUT"

	EnvWebRTCUDPPortMin             = "WEBRTC_UDP_PORT_MIN"
	EnvWebRTCUDPPortMax             = "WEBRTC_UDP_PORT_MAX"
	EnvWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	EnvWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	EnvWebRTCUDPListenIP            = "WEBRTC_UDP_LISTEN_IP"
)

const (
	DefaultServerURL                = "ws://localhost:5000"
	DefaultMode                Mode = ModeDev
	DefaultShutdown                 = 5 * time.Second
	DefaultDialTimeout              = 10 * time.Second
	DefaultWSPingInterval           = 20 * time.Second
	DefaultWSIdleTimeout            = 60 * time.Second
	DefaultMaxSignalingMessageBytes = int64(256 * 1024)
	DefaultMaxEmitsPerSecond        = 50
	DefaultSendQueueBytes           = 1 << 20 // 1MiB
	DefaultReconnectInterval        = 2 * time.Second
	DefaultRingTimeout              = 45 * time.Second
	DefaultTypingIdleTimeout        = 1 * time.Second
	DefaultWebRTCUDPListenIP        = "0.0.0.0"
)

// recommendedWebRTCUDPPortRangeSize is a conservative minimum; a call uses
// several ports per ICE component.
const recommendedWebRTCUDPPortRangeSize = 100

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type Config struct {
	// ServerURL is the websocket base of the relay; namespaces are appended
	// as path segments.
	ServerURL string
	// APIURL is the REST base used for login, users and history.
	APIURL string

	Token    string
	Username string
	Password string
	// SelfID is the local participant id. When empty it is derived from the
	// token subject after login.
	SelfID          string
	AuthForwardMode auth.ForwardMode
	Origin          string

	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ListenAddr      string
	ShutdownTimeout time.Duration

	DialTimeout              time.Duration
	WSPingInterval           time.Duration
	WSIdleTimeout            time.Duration
	MaxSignalingMessageBytes int64
	// MaxEmitsPerSecond paces outbound events; <= 0 disables pacing.
	MaxEmitsPerSecond int
	SendQueueBytes    int
	// AckTimeout bounds acknowledgment waits; 0 waits until the caller's
	// context ends or the namespace drops.
	AckTimeout time.Duration
	// ReconnectInterval is the initial reconnect backoff; 0 disables
	// reconnects.
	ReconnectInterval time.Duration

	// RingTimeout ends unanswered calls; 0 disables the deadline.
	RingTimeout       time.Duration
	TypingIdleTimeout time.Duration

	ICEServers []webrtc.ICEServer

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion
	// uses OS ephemeral port selection.
	WebRTCUDPPortRange *UDPPortRange

	// WebRTCNAT1To1IPs are advertised as ICE candidates when behind a 1:1 NAT.
	WebRTCNAT1To1IPs             []string
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType

	// WebRTCUDPListenIP restricts which local interface ICE binds to.
	// 0.0.0.0 means all interfaces.
	WebRTCUDPListenIP net.IP
}

// NamespaceURL joins the server base with a namespace path such as
// "/messages".
func (c Config) NamespaceURL(namespace string) string {
	return strings.TrimRight(c.ServerURL, "/") + namespace
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(EnvMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(EnvLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(EnvLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	serverURL := envOrDefault(lookup, EnvServerURL, DefaultServerURL)
	apiURL := envOrDefault(lookup, EnvAPIURL, "")
	token := envOrDefault(lookup, EnvToken, "")
	username := envOrDefault(lookup, EnvUsername, "")
	password := envOrDefault(lookup, EnvPassword, "")
	selfID := envOrDefault(lookup, EnvSelfID, "")
	authForwardModeStr := envOrDefault(lookup, EnvAuthForwardMode, string(auth.ForwardModeQuery))
	originStr := envOrDefault(lookup, EnvOrigin, "")
	listenAddr := envOrDefault(lookup, EnvListenAddr, "")

	ice := iceSettings{
		serversJSON:    envOrDefault(lookup, envVarICEServersJSON, ""),
		stunURLs:       envOrDefault(lookup, envVarStunURLs, ""),
		turnURLs:       envOrDefault(lookup, envVarTurnURLs, ""),
		turnUsername:   envOrDefault(lookup, envVarTurnUsername, ""),
		turnCredential: envOrDefault(lookup, envVarTurnCredential, ""),
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, EnvShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	dialTimeout, err := envDurationOrDefault(lookup, EnvDialTimeout, DefaultDialTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, EnvWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, EnvWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	ackTimeout, err := envDurationOrDefault(lookup, EnvAckTimeout, 0)
	if err != nil {
		return Config{}, err
	}
	reconnectInterval, err := envDurationOrDefault(lookup, EnvReconnectInterval, DefaultReconnectInterval)
	if err != nil {
		return Config{}, err
	}
	ringTimeout, err := envDurationOrDefault(lookup, EnvRingTimeout, DefaultRingTimeout)
	if err != nil {
		return Config{}, err
	}
	typingIdleTimeout, err := envDurationOrDefault(lookup, EnvTypingIdleTimeout, DefaultTypingIdleTimeout)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(EnvMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", EnvMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}
	maxEmitsPerSecond, err := envIntOrDefault(lookup, EnvMaxEmitsPerSecond, DefaultMaxEmitsPerSecond)
	if err != nil {
		return Config{}, err
	}
	sendQueueBytes, err := envIntOrDefault(lookup, EnvSendQueueBytes, DefaultSendQueueBytes)
	if err != nil {
		return Config{}, err
	}

	webrtcUDPPortMin, err := envIntOrDefault(lookup, EnvWebRTCUDPPortMin, 0)
	if err != nil {
		return Config{}, err
	}
	webrtcUDPPortMax, err := envIntOrDefault(lookup, EnvWebRTCUDPPortMax, 0)
	if err != nil {
		return Config{}, err
	}
	webrtcNAT1To1IPsStr := envOrDefault(lookup, EnvWebRTCNAT1To1IPs, "")
	webrtcNAT1To1CandidateTypeStr := envOrDefault(lookup, EnvWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))
	webrtcUDPListenIPStr := envOrDefault(lookup, EnvWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)

	fs := flag.NewFlagSet("livelink-session", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&serverURL, "server-url", serverURL, "Relay websocket base URL (env "+EnvServerURL+")")
	fs.StringVar(&apiURL, "api-url", apiURL, "REST API base URL (default: derived from --server-url; env "+EnvAPIURL+")")
	fs.StringVar(&token, "token", token, "Bearer credential for the relay handshake (env "+EnvToken+")")
	fs.StringVar(&username, "username", username, "Login username when no token is configured (env "+EnvUsername+")")
	fs.StringVar(&password, "password", password, "Login password when no token is configured (env "+EnvPassword+")")
	fs.StringVar(&selfID, "self-id", selfID, "Local participant id (default: token subject; env "+EnvSelfID+")")
	fs.StringVar(&authForwardModeStr, "auth-forward-mode", authForwardModeStr, "Handshake credential placement: none, query, header, subprotocol (env "+EnvAuthForwardMode+")")
	fs.StringVar(&originStr, "origin", originStr, "Origin header sent on the websocket handshake (env "+EnvOrigin+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "Status/metrics HTTP listen address; empty disables (env "+EnvListenAddr+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+EnvShutdownTimeout+")")
	fs.DurationVar(&dialTimeout, "dial-timeout", dialTimeout, "Websocket dial timeout per namespace (env "+EnvDialTimeout+")")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "Websocket ping interval (must be < --ws-idle-timeout; env "+EnvWSPingInterval+")")
	fs.DurationVar(&wsIdleTimeout, "ws-idle-timeout", wsIdleTimeout, "Drop a namespace after this long without inbound traffic (env "+EnvWSIdleTimeout+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound frame size in bytes (env "+EnvMaxSignalingMessageBytes+")")
	fs.IntVar(&maxEmitsPerSecond, "max-emits-per-second", maxEmitsPerSecond, "Outbound event pacing (0 = unpaced; env "+EnvMaxEmitsPerSecond+")")
	fs.IntVar(&sendQueueBytes, "send-queue-bytes", sendQueueBytes, "Max queued outbound bytes per namespace (env "+EnvSendQueueBytes+")")
	fs.DurationVar(&ackTimeout, "ack-timeout", ackTimeout, "Acknowledgment wait bound (0 = none; env "+EnvAckTimeout+")")
	fs.DurationVar(&reconnectInterval, "reconnect-interval", reconnectInterval, "Initial reconnect backoff (0 disables; env "+EnvReconnectInterval+")")
	fs.DurationVar(&ringTimeout, "ring-timeout", ringTimeout, "End unanswered calls after this long (0 disables; env "+EnvRingTimeout+")")
	fs.DurationVar(&typingIdleTimeout, "typing-idle-timeout", typingIdleTimeout, "Emit typing:stop after this long without input (env "+EnvTypingIdleTimeout+")")
	fs.StringVar(&ice.serversJSON, "ice-servers-json", ice.serversJSON, "ICE server JSON config ("+envVarICEServersJSON+")")
	fs.StringVar(&ice.stunURLs, "stun-urls", ice.stunURLs, "Comma-separated STUN URLs ("+envVarStunURLs+")")
	fs.StringVar(&ice.turnURLs, "turn-urls", ice.turnURLs, "Comma-separated TURN URLs ("+envVarTurnURLs+")")
	fs.StringVar(&ice.turnUsername, "turn-username", ice.turnUsername, "TURN username ("+envVarTurnUsername+")")
	fs.StringVar(&ice.turnCredential, "turn-credential", ice.turnCredential, "TURN credential ("+envVarTurnCredential+")")
	fs.IntVar(&webrtcUDPPortMin, "webrtc-udp-port-min", webrtcUDPPortMin, "Min UDP port for ICE (0 = unset; env "+EnvWebRTCUDPPortMin+")")
	fs.IntVar(&webrtcUDPPortMax, "webrtc-udp-port-max", webrtcUDPPortMax, "Max UDP port for ICE (0 = unset; env "+EnvWebRTCUDPPortMax+")")
	fs.StringVar(&webrtcUDPListenIPStr, "webrtc-udp-listen-ip", webrtcUDPListenIPStr, "Local listen IP for ICE UDP sockets (env "+EnvWebRTCUDPListenIP+")")
	fs.StringVar(&webrtcNAT1To1IPsStr, "webrtc-nat-1to1-ips", webrtcNAT1To1IPsStr, "Comma-separated public IPs to advertise for ICE (env "+EnvWebRTCNAT1To1IPs+")")
	fs.StringVar(&webrtcNAT1To1CandidateTypeStr, "webrtc-nat-1to1-ip-candidate-type", webrtcNAT1To1CandidateTypeStr, "Candidate type for NAT 1:1 IPs: host or srflx (env "+EnvWebRTCNAT1To1IPCandidateType+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	authForwardMode, err := auth.ParseForwardMode(authForwardModeStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--auth-forward-mode: %w", EnvAuthForwardMode, err)
	}

	serverURL, err = normalizeServerURL(serverURL)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--server-url: %w", EnvServerURL, err)
	}
	if strings.TrimSpace(apiURL) == "" {
		apiURL = deriveAPIURL(serverURL)
	} else if apiURL, err = normalizeHTTPURL(apiURL); err != nil {
		return Config{}, fmt.Errorf("invalid %s/--api-url: %w", EnvAPIURL, err)
	}
	origin, err := normalizeOrigin(originStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--origin %q: %w", EnvOrigin, originStr, err)
	}

	if strings.TrimSpace(token) == "" && (username == "") != (password == "") {
		return Config{}, fmt.Errorf("%s and %s must be set together", EnvUsername, EnvPassword)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if dialTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--dial-timeout must be > 0", EnvDialTimeout)
	}
	if wsIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-idle-timeout must be > 0", EnvWSIdleTimeout)
	}
	if wsPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be > 0", EnvWSPingInterval)
	}
	if wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be < %s/--ws-idle-timeout", EnvWSPingInterval, EnvWSIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", EnvMaxSignalingMessageBytes)
	}
	if sendQueueBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--send-queue-bytes must be > 0", EnvSendQueueBytes)
	}
	if ackTimeout < 0 || reconnectInterval < 0 || ringTimeout < 0 {
		return Config{}, fmt.Errorf("ack, reconnect and ring timeouts must be >= 0")
	}
	if typingIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--typing-idle-timeout must be > 0", EnvTypingIdleTimeout)
	}

	var portRange *UDPPortRange
	if webrtcUDPPortMin != 0 || webrtcUDPPortMax != 0 {
		if webrtcUDPPortMin == 0 || webrtcUDPPortMax == 0 {
			return Config{}, fmt.Errorf("%s and %s must be set together (or both unset)", EnvWebRTCUDPPortMin, EnvWebRTCUDPPortMax)
		}
		lo, err := parsePort(webrtcUDPPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvWebRTCUDPPortMin, err)
		}
		hi, err := parsePort(webrtcUDPPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvWebRTCUDPPortMax, err)
		}
		if lo > hi {
			return Config{}, fmt.Errorf("%s must be <= %s", EnvWebRTCUDPPortMin, EnvWebRTCUDPPortMax)
		}
		if int(hi)-int(lo)+1 < recommendedWebRTCUDPPortRangeSize {
			return Config{}, fmt.Errorf("webrtc udp port range %d-%d too small (need at least %d ports)", lo, hi, recommendedWebRTCUDPPortRangeSize)
		}
		portRange = &UDPPortRange{Min: lo, Max: hi}
	}

	candidateType, err := parseCandidateType(webrtcNAT1To1CandidateTypeStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", EnvWebRTCNAT1To1IPCandidateType, err)
	}
	var natIPs []string
	if strings.TrimSpace(webrtcNAT1To1IPsStr) != "" {
		natIPs, err = parseIPList(webrtcNAT1To1IPsStr)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvWebRTCNAT1To1IPs, err)
		}
	}
	listenIP := net.ParseIP(strings.TrimSpace(webrtcUDPListenIPStr))
	if listenIP == nil {
		return Config{}, fmt.Errorf("invalid %s %q", EnvWebRTCUDPListenIP, webrtcUDPListenIPStr)
	}

	iceServers, err := ice.resolve()
	if err != nil {
		return Config{}, err
	}

	return Config{
		ServerURL:                    serverURL,
		APIURL:                       apiURL,
		Token:                        strings.TrimSpace(token),
		Username:                     username,
		Password:                     password,
		SelfID:                       strings.TrimSpace(selfID),
		AuthForwardMode:              authForwardMode,
		Origin:                       origin,
		Mode:                         mode,
		LogFormat:                    logFormat,
		LogLevel:                     level,
		ListenAddr:                   listenAddr,
		ShutdownTimeout:              shutdownTimeout,
		DialTimeout:                  dialTimeout,
		WSPingInterval:               wsPingInterval,
		WSIdleTimeout:                wsIdleTimeout,
		MaxSignalingMessageBytes:     maxSignalingMessageBytes,
		MaxEmitsPerSecond:            maxEmitsPerSecond,
		SendQueueBytes:               sendQueueBytes,
		AckTimeout:                   ackTimeout,
		ReconnectInterval:            reconnectInterval,
		RingTimeout:                  ringTimeout,
		TypingIdleTimeout:            typingIdleTimeout,
		ICEServers:                   iceServers,
		WebRTCUDPPortRange:           portRange,
		WebRTCNAT1To1IPs:             natIPs,
		WebRTCNAT1To1IPCandidateType: candidateType,
		WebRTCUDPListenIP:            listenIP,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

// normalizeServerURL accepts http(s) or ws(s) and returns a ws(s) base with no
// trailing slash, query or fragment.
func normalizeServerURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q (expected ws, wss, http or https)", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("must not include a query or fragment")
	}
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String(), nil
}

func normalizeHTTPURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q (expected http or https)", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host")
	}
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String(), nil
}

func deriveAPIURL(serverURL string) string {
	if rest, ok := strings.CutPrefix(serverURL, "wss://"); ok {
		return "https://" + rest
	}
	return "http://" + strings.TrimPrefix(serverURL, "ws://")
}

func normalizeOrigin(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" || u.User != nil {
		return "", fmt.Errorf("expected full origin like https://example.com")
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("expected full origin like https://example.com")
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), nil
}

func parsePort(v int) (uint16, error) {
	if v <= 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}
