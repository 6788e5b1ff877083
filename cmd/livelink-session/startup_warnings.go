package main

import (
	"log/slog"
	"net/url"
	"strings"

	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/auth"
	"github.com/wilsonzlin/aero/proxy/livelink-session/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	hasCredential := cfg.Token != "" || cfg.Username != ""

	if hasCredential && cfg.AuthForwardMode == auth.ForwardModeQuery {
		logger.Warn("startup security warning: LIVELINK_AUTH_FORWARD_MODE=query sends the bearer token in the handshake URL (leak risk via proxies and access logs; prefer header or subprotocol)",
			"warning_code", "auth_forward_mode_query",
			"auth_forward_mode", cfg.AuthForwardMode,
			"server_host", safeURLHost(cfg.ServerURL),
			"mode", cfg.Mode,
		)
	}

	if hasCredential && cfg.AuthForwardMode == auth.ForwardModeNone {
		logger.Warn("startup security warning: LIVELINK_AUTH_FORWARD_MODE=none connects without presenting the configured credential",
			"warning_code", "auth_forward_mode_none",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && hasCredential {
		if strings.HasPrefix(cfg.ServerURL, "ws://") {
			logger.Warn("startup security warning: LIVELINK_SERVER_URL uses plaintext ws:// while --mode=prod",
				"warning_code", "plaintext_server_url_in_prod",
				"server_host", safeURLHost(cfg.ServerURL),
				"mode", cfg.Mode,
			)
		}
		if strings.HasPrefix(cfg.APIURL, "http://") && cfg.Password != "" {
			logger.Warn("startup security warning: LIVELINK_API_URL uses plaintext http:// for password login while --mode=prod",
				"warning_code", "plaintext_login_in_prod",
				"api_host", safeURLHost(cfg.APIURL),
				"mode", cfg.Mode,
			)
		}
	}

	if cfg.MaxSignalingMessageBytes > 4<<20 { // 4MiB
		logger.Warn("startup security warning: LIVELINK_MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-frame allocation from the relay)",
			"warning_code", "max_signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.RingTimeout == 0 {
		logger.Warn("startup warning: LIVELINK_RING_TIMEOUT=0 lets unanswered calls hold media devices indefinitely",
			"warning_code", "ring_timeout_disabled",
			"mode", cfg.Mode,
		)
	}

	if cfg.ReconnectInterval == 0 {
		logger.Warn("startup warning: LIVELINK_RECONNECT_INTERVAL=0 disables reconnection; a dropped relay connection ends the session",
			"warning_code", "reconnect_disabled",
			"mode", cfg.Mode,
		)
	}
}

func safeURLHost(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Host
}
