// Package config handles configuration loading for switchboard.
//
// # Configuration File
//
// The file location is resolved by DefaultPath:
//
//  1. Path from the SWITCHBOARD_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/switchboard/config.yaml
//  3. ~/.config/switchboard/config.yaml
//
// Files ending in .toml are decoded as TOML. Everything else is YAML.
//
// # Environment
//
// A .env file in the working directory, or beside the config file, is
// loaded before the file is read. Variables already set in the process
// environment are never overridden. Values can then reference them:
//
//	transport:
//	  access_token: "${WHATSAPP_TOKEN}"
//
// database.url falls back to DATABASE_URL and webhook.verify_token to
// WEBHOOK_VERIFY_TOKEN when left empty.
//
// # Durations
//
// Duration fields use time.ParseDuration syntax ("60s", "10m"):
// webhook.processing_timeout, webhook.dedupe_ttl, ai.timeout,
// transport.timeout and modes.courtesy_quiet_period.
//
// # Example
//
//	server:
//	  http_addr: ":3001"
//	database:
//	  driver: sqlite
//	  path: "./switchboard.db"
//	webhook:
//	  verify_token: "${WEBHOOK_VERIFY_TOKEN}"
//	ai:
//	  api_key: "${OPENAI_API_KEY}"
//	  model: gpt-4o
//	transport:
//	  provider: cloud
//	  phone_number_id: "${WHATSAPP_PHONE_NUMBER_ID}"
//	  access_token: "${WHATSAPP_TOKEN}"
//	modes:
//	  courtesy_quiet_period: 5m
//	auth:
//	  jwt_secret: "${SWITCHBOARD_JWT_SECRET}"
//	logging:
//	  level: info
//	metrics:
//	  enabled: true
package config
