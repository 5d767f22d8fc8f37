package config

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	WebChat  WebChatConfig  `json:"webchat"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
}

type TelegramConfig struct {
	Enabled       bool                `json:"enabled"`
	Token         string              `json:"token"`
	AllowTo       FlexibleStringSlice `json:"allow_to"`                  // chat IDs messages may be delivered to (empty = no restriction)
	DefaultChatID string              `json:"default_chat_id,omitempty"` // fallback when a message carries no chat_id
	LinkPreview   *bool               `json:"link_preview,omitempty"`    // enable URL previews in messages (default true)
	MediaMaxBytes int64               `json:"media_max_bytes,omitempty"` // max media fetch size in bytes (default 20MB)
}

type DiscordConfig struct {
	Enabled          bool                `json:"enabled"`
	Token            string              `json:"token"`
	AllowTo          FlexibleStringSlice `json:"allow_to"`                     // channel IDs messages may be delivered to (empty = no restriction)
	DefaultChannelID string              `json:"default_channel_id,omitempty"` // fallback when a message carries no chat_id
}

// WebChatConfig controls the in-gateway WebSocket chat channel.
type WebChatConfig struct {
	Enabled    bool `json:"enabled"`
	SendBuffer int  `json:"send_buffer,omitempty"` // per-client outgoing frame buffer (default 32)
}

type WhatsAppConfig struct {
	Enabled   bool                `json:"enabled"`
	BridgeURL string              `json:"bridge_url"`           // WebSocket bridge endpoint (e.g. "ws://localhost:3001/ws")
	AllowTo   FlexibleStringSlice `json:"allow_to"`             // JIDs messages may be delivered to (empty = no restriction)
	DefaultTo string              `json:"default_to,omitempty"` // fallback JID when a message carries no recipient
}

// GatewayConfig controls the gateway server.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"token,omitempty"`           // bearer token for WS/HTTP auth
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // WebSocket CORS whitelist (empty = allow all)
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max enqueue request body in bytes (default 1MB)
	RateLimitRPM   int      `json:"rate_limit_rpm,omitempty"`  // enqueue requests per minute per client (default 120, 0 = disabled)
}
