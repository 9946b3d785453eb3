package main

const (
	defaultConfigPath = "config.yaml"

	defaultMPDPort = 6600

	defaultVolumeLevel = 100 // MPD volume every pass normalizes to

	defaultCommandTimeoutMS = 10000 // auto-resume precondition command
	defaultPowerTimeoutMS   = 5000  // one switch / transmit call

	// Home Assistant websocket
	haHandshakeTimeout = 5 // seconds
	haAPIPath          = "/api/websocket"

	// MPD reconnect attempts when the command connection went stale.
	mpdRedialAttempts = 3
	mpdRedialDelayMS  = 500
)
