package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"

	"github.com/NamanBalaji/blobxfer/pkg/blob"
)

const (
	listenHost       = "0.0.0.0"
	listenPort       = 3282
	rpcHost          = "127.0.0.1"
	rpcPort          = 3292
	blockSize        = blob.DefaultBlockSize
	sweepInterval    = 24 * time.Hour
	pendingTimeout   = 24 * time.Hour
	shareLifetime    = 0
	dialTimeout      = 5 * time.Second
	handshakeTimeout = 10 * time.Second
	requestTimeout   = 60 * time.Second
	keepAlive        = 30 * time.Second
	idleTimeout      = 120 * time.Second
	downloadTimeout  = time.Hour
	maxBlockAttempts = 16
	peerFailureLimit = 3
	maxRedials       = 2
)

var dataDir = filepath.Join(xdg.DataHome, configFileName)
