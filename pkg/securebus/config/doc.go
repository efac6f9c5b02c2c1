/*
Package config loads bus configuration from YAML or JSON files.

Config wraps a decoded map and offers typed accessors that fall back to a
default when a key is missing or has the wrong type. Section descends into
nested maps. ParseSettings turns a Config into typed Settings, one struct per
bus component:

	cfg, err := config.FromFile("securebus.yaml")
	if err != nil {
	    return err
	}
	settings := config.ParseSettings(cfg)
	if err := settings.Validate(); err != nil {
	    return err
	}

A minimal file:

	bus:
	  source: pos-terminal-1
	  event_log: /var/lib/securebus/events.db
	rate_limit:
	  per_ip: {requests: 100, window: 1s}
	  overrides:
	    - {pattern: "auth.*", requests: 5, window: 1m}
	sanitizer:
	  critical_fields: ["comment", "notes.*"]
	encryption:
	  key_env: SECUREBUS_KEY

Zero numeric values mean "use the component default". Config values are
read-only after creation and safe for concurrent reads.
*/
package config
