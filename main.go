// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
	"github.com/joho/godotenv"
	"github.com/ttbt-io/inningbook/backend"
)

var (
	addr             = flag.String("addr", ":8080", "The TCP address to listen to")
	useMockAuth      = flag.Bool("use-mock-auth", false, "Use Mock Authentication. For testing purposes only.")
	debugMode        = flag.Bool("debug", false, "Enable debug mode")
	raftEnabled      = flag.Bool("raft", false, "Enable Raft consensus")
	raftBind         = flag.String("raft-bind", "127.0.0.1:8081", "Address for Raft TCP transport")
	raftAdvertise    = flag.String("raft-advertise", "", "Public address for Raft traffic (REQUIRED)")
	clusterAdvertise = flag.String("cluster-advertise", "", "Public address for internal cluster traffic (REQUIRED)")
	clusterAddr      = flag.String("cluster-addr", ":9090", "Address for the internal cluster API")
	raftSecret       = flag.String("raft-secret", "", "Shared secret for cluster authentication")
	raftBootstrap    = flag.Bool("raft-bootstrap", false, "Bootstrap the Raft cluster (only for first node)")
	dataDir          = flag.String("data-dir", "data", "Directory for game and player data")
	tlsCert          = flag.String("tls-cert", "", "Path to main HTTP TLS certificate")
	tlsKey           = flag.String("tls-key", "", "Path to main HTTP TLS key")
	authCookieName   = flag.String("auth-cookie-name", "inningbook_auth", "Name of the cookie containing the JWT")
	authJWKSURL      = flag.String("auth-jwks-url", "", "URL of the JWKS used to verify JWTs")
	redisAddr        = flag.String("redis-addr", "", "Redis address for the game stats stream (optional)")
	postgresURL      = flag.String("postgres-url", "", "PostgreSQL URL for the game_stats table (optional)")
	envFile          = flag.String("env-file", ".env", "File of environment variables to load if present")
)

// loadMasterKey opens or creates the storage encryption key protected by
// passphrase.
func loadMasterKey(passphrase string) crypto.MasterKey {
	keyFile := filepath.Join(*dataDir, "master.key")
	if passphrase == "" {
		if _, err := os.Stat(keyFile); err == nil {
			log.Fatalf("Critical Security Error: %s exists but IB_MASTER_KEY is not set. Refusing to start in unencrypted mode.", keyFile)
		}
		log.Println("Warning: No IB_MASTER_KEY provided. Data will be stored UNENCRYPTED.")
		return nil
	}
	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	masterKey, err := crypto.ReadMasterKey([]byte(passphrase), keyFile)
	if err == nil {
		log.Println("Loaded master encryption key.")
		return masterKey
	}
	if !os.IsNotExist(err) {
		log.Fatalf("Failed to read master key: %v", err)
	}
	log.Println("Initializing new master encryption key...")
	if masterKey, err = crypto.CreateMasterKey(); err != nil {
		log.Fatalf("Failed to create master key: %v", err)
	}
	if err := masterKey.Save([]byte(passphrase), keyFile); err != nil {
		log.Fatalf("Failed to save master key: %v", err)
	}
	return masterKey
}

func main() {
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: could not load %s: %v", *envFile, err)
	}

	if *raftEnabled {
		if *raftAdvertise == "" {
			log.Fatal("--raft-advertise is required when Raft is enabled")
		}
		if *clusterAdvertise == "" {
			log.Fatal("--cluster-advertise is required when Raft is enabled")
		}
		if *raftSecret == "" {
			log.Fatal("--raft-secret is required when Raft is enabled")
		}
	}

	var mainTLSCert *tls.Certificate
	if *tlsCert != "" && *tlsKey != "" {
		cert, err := tls.LoadX509KeyPair(*tlsCert, *tlsKey)
		if err != nil {
			log.Fatalf("Failed to load main TLS cert/key: %v", err)
		}
		mainTLSCert = &cert
	}

	masterKey := loadMasterKey(os.Getenv("IB_MASTER_KEY"))
	store := storage.New(*dataDir, masterKey)
	store.EnableCompression(true)

	server, err := backend.StartServer(backend.Options{
		Addr:                  *addr,
		ClusterAdvertise:      *clusterAdvertise,
		ClusterAddr:           *clusterAddr,
		Cert:                  mainTLSCert,
		DataDir:               *dataDir,
		UseMockAuth:           *useMockAuth,
		Debug:                 *debugMode,
		Storage:               store,
		MasterKey:             masterKey,
		RaftEnabled:           *raftEnabled,
		RaftBind:              *raftBind,
		RaftAdvertise:         *raftAdvertise,
		RaftSecret:            *raftSecret,
		RaftBootstrap:         *raftBootstrap,
		UseProductionTimeouts: true,
		AuthCookieName:        *authCookieName,
		AuthJWKSURL:           *authJWKSURL,
		RedisAddr:             *redisAddr,
		PostgresURL:           *postgresURL,
	})
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	} else {
		log.Println("Gracefully stopped.")
	}
}
