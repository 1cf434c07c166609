package config

// Defaults returns a config that validates as-is: sqlite storage, every
// channel disabled, no proxies.
func Defaults() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			DBPath: "~/.gptproxy/gptproxy.db",
		},
		Telegram: TelegramConfig{
			Enabled: false,
		},
		API: APIConfig{
			Enabled:        false,
			Host:           "127.0.0.1",
			Port:           8090,
			TimeoutSeconds: 180,
		},
		Proxies: ProxiesConfig{
			Fallback: "fail",
			Watch:    true,
		},
		Probe: ProbeConfig{
			IntervalSeconds: 600,
			TimeoutSeconds:  60,
			Prompt:          "Привет, как дела?",
		},
		Quota: QuotaConfig{
			InitialDaily:         10,
			InitialPremium:       0,
			DailyLevel:           10,
			CheckIntervalSeconds: 3600,
			Timezone:             "Local",
		},
		Context: ContextConfig{
			MaxTurns: 0,
		},
		Bus: BusConfig{
			MaxEvents: 10000,
		},
		RateLimit: RateLimitConfig{
			Enabled:   true,
			Burst:     5,
			PerMinute: 20,
		},
		Texts: DefaultTexts(),
	}
}

func DefaultTexts() TextsConfig {
	return TextsConfig{
		Greeting:            "Hi! Send me any message and I will forward it to a language model.\nUse /help to see the commands.",
		Help:                "/start - greeting\n/help - this message\n/clear - forget the conversation\n/status - remaining requests\n/set_proxy - choose a model\n/buy - premium requests",
		Cleared:             "Conversation cleared.",
		NewUser:             "Welcome! You have %d free requests per day.",
		Declined:            "Sorry, this request cannot be processed.",
		Apology:             "Sorry, the model is unavailable right now. Please try again later or pick another one with /set_proxy.",
		PremiumOverFormat:   "Your premium requests are over. Switched to %s.",
		DailyOver:           "That was your last request for today. Come back tomorrow!",
		ChooserHeader:       "Choose a model:",
		NoReadyProxies:      "No models are available right now.",
		ProxySelectedFormat: "Selected proxy: %s",
		ProxyUnavailable:    "This model is not available.",
		PremiumRequired:     "This model requires premium requests. See /buy.",
		Buy:                 "Premium requests are granted by the administrator.",
		StatusFormat:        "Model: %s\nRequests left today: %d\nPremium requests: %d\nMessages in context: %d",
		UnknownCommand:      "Unknown command. Use /help.",
		InternalError:       "Something went wrong. Please try again.",
		Throttled:           "Too many requests, slow down a little.",
		Unauthorized:        "You are not allowed to use this bot.",
	}
}
