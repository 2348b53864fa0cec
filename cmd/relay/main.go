package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/opencourier/relay/pkg/api"
	"github.com/opencourier/relay/pkg/crypto"
	"github.com/opencourier/relay/pkg/policy"
	"github.com/opencourier/relay/pkg/protocol"
	"github.com/opencourier/relay/pkg/relay"
	"github.com/opencourier/relay/pkg/store"
)

const (
	defaultKeyPath    = "./keys/relay.pem"
	heartbeatInterval = 5 * time.Minute
)

var (
	port        = flag.Int("port", protocol.DefaultPort, "Port to listen on")
	apiPort     = flag.Int("api-port", 8080, "HTTP API and websocket port (0 to disable)")
	keyPath     = flag.String("key", defaultKeyPath, "Path to private key file")
	generateKey = flag.Bool("genkey", false, "Generate new private key")
	dbPath      = flag.String("db", "", "SQLite database path (empty for in-memory store)")

	openConnect   = flag.Bool("open", true, "Allow any identity to connect by default")
	maxMsgBytes   = flag.Int64("max-message-bytes", 10<<20, "Per-message size limit for the default policy")
	maxStoreBytes = flag.Int64("max-stored-bytes", 100<<20, "Per-recipient stored-bytes quota for the default policy")
)

func main() {
	flag.Parse()

	printBanner()

	privateKey, err := loadOrGenerateKey(*keyPath, *generateKey)
	if err != nil {
		log.Fatalf("Failed to load/generate key: %v", err)
	}

	log.Printf("✓ Private key loaded from %s", *keyPath)

	keys, err := crypto.NewLocalKeyStore(privateKey)
	if err != nil {
		log.Fatalf("Failed to build key store: %v", err)
	}

	log.Printf("✓ Relay identity: %s", keys.Identity())

	messageStore, err := openStore(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open message store: %v", err)
	}

	policies := policy.NewStore(keys.Identity(), policy.Policy{
		Name:                       "default",
		ConnectionAllowed:          *openConnect,
		MaxMessageBytes:            *maxMsgBytes,
		MaxStoredBytesPerRecipient: *maxStoreBytes,
	})

	server, err := relay.NewServer(relay.ServerConfig{
		Keys:     keys,
		Policies: policies,
		Store:    messageStore,
	})
	if err != nil {
		log.Fatalf("Failed to create relay server: %v", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		log.Fatalf("Failed to listen on port %d: %v", *port, err)
	}

	go func() {
		if err := server.Serve(ln); err != nil && err != relay.ErrServerClosed {
			log.Fatalf("Relay server error: %v", err)
		}
	}()

	log.Printf("✓ Relay listening on port %d", *port)

	ctx, cancel := context.WithCancel(context.Background())

	var apiServer *api.Server
	if *apiPort > 0 {
		apiServer = api.NewServer(server, &api.Config{Port: *apiPort, EnableCORS: true})
		go func() {
			if err := apiServer.Start(ctx); err != nil {
				log.Printf("API server error: %v", err)
			}
		}()
		log.Printf("✓ HTTP API and websocket transport on port %d", *apiPort)
	}

	go startHeartbeatLoop(server)

	waitForShutdown(server, cancel)
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║            OpenCourier Relay Server               ║")
	fmt.Println("║   Authenticated end-to-end encrypted messaging    ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()
}

func loadOrGenerateKey(keyPath string, generate bool) (*rsa.PrivateKey, error) {
	if _, err := os.Stat(keyPath); err == nil && !generate {
		log.Println("Loading existing private key...")
		pemData, err := crypto.LoadKeyFromFile(keyPath)
		if err != nil {
			return nil, err
		}

		return crypto.ImportPrivateKeyPEM(pemData)
	}

	log.Println("Generating new RSA-4096 key pair...")
	privateKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	pemData, err := crypto.ExportPrivateKeyPEM(privateKey)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, err
	}

	if err := crypto.SaveKeyToFile(keyPath, pemData); err != nil {
		return nil, err
	}

	log.Printf("✓ New key saved to %s", keyPath)

	pubPEM, err := crypto.ExportPublicKeyPEM(&privateKey.PublicKey)
	if err != nil {
		return nil, err
	}

	pubPath := keyPath + ".pub"
	if err := crypto.SaveKeyToFile(pubPath, pubPEM); err != nil {
		return nil, err
	}

	log.Printf("✓ Public key saved to %s", pubPath)

	return privateKey, nil
}

func openStore(dbPath string) (store.MessageStore, error) {
	if dbPath == "" {
		log.Println("📬 Using in-memory message store (messages lost on restart)")
		return store.NewMemoryStore(), nil
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, err
	}

	log.Printf("📬 Message store initialized at %s", dbPath)
	return s, nil
}

func startHeartbeatLoop(server *relay.Server) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		stats, err := server.StoreStats()
		if err != nil {
			log.Printf("Heartbeat stats error: %v", err)
			continue
		}

		log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		log.Println("💓 Heartbeat")
		log.Printf("   Connected peers: %d", server.ConnectionCount())
		log.Printf("   Stored messages: %d (%d bytes)", stats.Messages, stats.TotalBytes)
		log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	}
}

func waitForShutdown(server *relay.Server, cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan

	fmt.Println()
	log.Println("Shutting down gracefully...")

	cancel()

	if err := server.Close(); err != nil {
		log.Printf("Error stopping relay: %v", err)
	}

	log.Println("✓ Relay server stopped")
	log.Println("Goodbye! 👋")
}
