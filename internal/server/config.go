package server

import "github.com/raysh454/m365guard/internal/logging"

type Config struct {
	// ListenAddr is the HTTP listen address the extension talks to.
	ListenAddr string

	// MaxBodyBytes caps a message body; page markup is the large case.
	// (8MB by default)
	MaxBodyBytes int64

	Logger logging.Logger
}
