// Package config handles configuration loading for hitl-bridge.
//
// Configuration is loaded from YAML files with environment variable
// expansion and validation.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	translator:
//	  secret: "${TRANSLATOR_SECRET}"
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  webhook_url: "https://bridge.example.com/hooks/messaging"
//
// Provider org:
//
//	provider:
//	  endpoint: "https://org.my.salesforce-scrt.com"
//	  organization_id: "00D..."
//	  developer_name: "Messaging_Deployment"
//
// Transport translator:
//
//	translator:
//	  url: "https://translator.example.com"
//	  secret: "${TRANSLATOR_SECRET}"
//
// Database:
//
//	database:
//	  path: "/var/lib/hitl-bridge/bridge.db"
//
// Notice templates (empty disables the notice):
//
//	messages:
//	  transfer: "Transferring you to another agent."
//	  not_assigned: "No agent has joined yet."
//
// Lifecycle behavior:
//
//	behavior:
//	  keep_alive_on_inactive: false
//	  on_routing_status_error: "close"  # close, leave_open
//
// Startup access validation (optional):
//
//	validation:
//	  endpoint_url: "https://licensing.example.com/validate"
//	  secret: "${VALIDATION_SECRET}"
//	  bot_id: "my-bot"
//
// Frame dedupe:
//
//	dedupe:
//	  ttl: "10m"
//	  max_size: 10000
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
