package main

// appConfig represents the top-level app configuration.
type appConfig struct {
	Address string `koanf:"address"`
	RootURL string `koanf:"root_url"`
	Name    string `koanf:"name"`

	// RefreshCookie is the name of the HTTP-only cookie carrying the
	// refresh token ID, scoped to the auth path.
	RefreshCookie string `koanf:"refresh_cookie"`

	// Tor serves the app as an onion service in addition to the plain
	// listener.
	Tor       bool   `koanf:"tor"`
	TorPKFile string `koanf:"tor_pk_file"`
}
