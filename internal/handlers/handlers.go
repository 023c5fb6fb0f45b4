// Package handlers implements the relay's HTTP API and the terminal
// WebSocket endpoint.
package handlers

import (
	"github.com/katulong/katulong/internal/auth"
	"github.com/katulong/katulong/internal/crypto"
	"github.com/katulong/katulong/internal/daemonclient"
	"github.com/katulong/katulong/internal/store"
)

// Shared dependencies, set from main.go during startup.
var (
	Store  *store.Store
	Auth   *auth.Service
	Daemon *daemonclient.Client
	Certs  *crypto.Manager
)
