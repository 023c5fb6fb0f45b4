package config

import (
	"log"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
)

// Settings carries all runtime configuration. Every variable name is part
// of the public contract, so fields use explicit names instead of a prefix.
type Settings struct {
	DataDir    string `envconfig:"KATULONG_DATA_DIR" default:""`
	SocketPath string `envconfig:"KATULONG_SOCK" default:"/tmp/katulong-daemon.sock"`
	PublicDir  string `envconfig:"KATULONG_PUBLIC_DIR" default:"./public"`
	Shell      string `envconfig:"KATULONG_SHELL" default:""`

	Port      int `envconfig:"PORT" default:"3000"`
	HTTPSPort int `envconfig:"HTTPS_PORT" default:"3001"`
	SSHPort   int `envconfig:"SSH_PORT" default:"2222"`

	SSHPassword string `envconfig:"SSH_PASSWORD" default:""`
	SetupToken  string `envconfig:"SETUP_TOKEN" default:""`
	NoAuth      bool   `envconfig:"KATULONG_NO_AUTH" default:"false"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if Cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("failed to resolve home directory: %v", err)
		}
		Cfg.DataDir = filepath.Join(home, ".katulong")
	}
	if Cfg.Shell == "" {
		Cfg.Shell = os.Getenv("SHELL")
		if Cfg.Shell == "" {
			Cfg.Shell = "/bin/bash"
		}
	}
	if err := os.MkdirAll(Cfg.DataDir, 0700); err != nil {
		log.Fatalf("failed to create data directory: %v", err)
	}
}
