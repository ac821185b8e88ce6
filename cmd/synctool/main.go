// Command synctool is the operator-facing CLI for the sync engine:
// login/logout, one-shot sync, status, and device management.
// Grounded on the teacher's cmd/sshthing main.go subcommand dispatch
// (a flat os.Args switch, each subcommand its own function, no cobra),
// including its nested "session"-style sub-switch for "device".
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aurora-mail/sync-engine/internal/apiclient"
	"github.com/aurora-mail/sync-engine/internal/authtoken"
	"github.com/aurora-mail/sync-engine/internal/config"
	"github.com/aurora-mail/sync-engine/internal/crypto"
	"github.com/aurora-mail/sync-engine/internal/journal"
	"github.com/aurora-mail/sync-engine/internal/netmonitor"
	"github.com/aurora-mail/sync-engine/internal/queue"
	"github.com/aurora-mail/sync-engine/internal/reconcile"
	"github.com/aurora-mail/sync-engine/internal/scheduler"
	"github.com/aurora-mail/sync-engine/internal/securestore"
	"github.com/aurora-mail/sync-engine/internal/store"
)

var version = "dev"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "--version", "version":
		fmt.Printf("synctool %s\n", version)
		return
	case "--help", "-h", "help":
		printHelp()
		return
	case "register":
		err = runRegister(os.Args[2:])
	case "login":
		err = runLogin(os.Args[2:])
	case "logout":
		err = runLogout()
	case "status":
		err = runStatus()
	case "sync-now":
		err = runSyncNow(os.Args[2:])
	case "device":
		err = runDevice(os.Args[2:])
	default:
		printHelp()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "synctool: %v\n", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println("synctool — aurora-mail sync engine CLI")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  synctool register --email <e> --password-stdin --server <url>")
	fmt.Println("  synctool login --email <e> --password-stdin --server <url>")
	fmt.Println("  synctool logout")
	fmt.Println("  synctool status")
	fmt.Println("  synctool sync-now [data_type]")
	fmt.Println("  synctool device list")
	fmt.Println("  synctool device revoke <device_id>")
	fmt.Println("  synctool --version")
}

func baseURLFlag(args []string) string {
	for i, a := range args {
		if a == "--server" && i+1 < len(args) {
			return args[i+1]
		}
	}
	if v := os.Getenv("AURORA_SYNC_SERVER_URL"); v != "" {
		return v
	}
	return "https://sync.aurora-mail.example"
}

// parseEmailPasswordFlags handles the --email/--password-stdin/--server
// flags shared by register and login.
func parseEmailPasswordFlags(args []string) (email, password string, err error) {
	var readStdin bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--email":
			i++
			if i >= len(args) {
				return "", "", fmt.Errorf("missing value for --email")
			}
			email = args[i]
		case "--password-stdin":
			readStdin = true
		case "--server":
			i++ // consumed by baseURLFlag
		default:
			return "", "", fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	if email == "" {
		return "", "", fmt.Errorf("--email is required")
	}
	if !readStdin {
		return "", "", fmt.Errorf("requires --password-stdin")
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", "", fmt.Errorf("read password from stdin: %w", err)
	}
	password = strings.TrimSpace(string(b))
	if password == "" {
		return "", "", fmt.Errorf("empty password")
	}
	return email, password, nil
}

// runRegister creates a brand-new account and its first device. It
// generates the user_salt locally — the server has no account to
// attach a salt to yet, so the client mints it and submits it
// alongside the derived auth_hash (§4.A).
func runRegister(args []string) error {
	email, password, err := parseEmailPasswordFlags(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.New().String()
	}
	if cfg.Platform == "" {
		cfg.Platform = "cli"
	}

	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate user_salt: %w", err)
	}
	authHash := crypto.DeriveAuthHash(password, salt)

	baseURL := baseURLFlag(args)
	tokens, err := authtoken.NewStore()
	if err != nil {
		return fmt.Errorf("open token store: %w", err)
	}
	client := apiclient.New(baseURL, tokens)

	ctx, cancel := context.WithTimeout(context.Background(), apiclient.DefaultTimeout)
	defer cancel()
	user, err := client.Register(ctx, email,
		base64.StdEncoding.EncodeToString(authHash),
		base64.StdEncoding.EncodeToString(salt),
		cfg.DeviceID, hostnameOrDefault(), cfg.Platform)
	if err != nil {
		return fmt.Errorf("register failed: %w", err)
	}

	if err := securestore.StoreUserSalt(salt); err != nil {
		return fmt.Errorf("cache user_salt: %w", err)
	}

	cfg.UserID = user.ID
	cfg.Enabled = true
	if err := config.Save(cfg); err != nil {
		return err
	}

	fmt.Printf("registered %s on device %s\n", user.Email, cfg.DeviceID)
	return nil
}

// runLogin authenticates against the server, caches tokens and the
// user_salt, and enables sync in the local config (§6 /auth/login).
func runLogin(args []string) error {
	email, password, err := parseEmailPasswordFlags(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.New().String()
	}
	if cfg.Platform == "" {
		cfg.Platform = "cli"
	}

	baseURL := baseURLFlag(args)
	tokens, err := authtoken.NewStore()
	if err != nil {
		return fmt.Errorf("open token store: %w", err)
	}
	client := apiclient.New(baseURL, tokens)

	ctx, cancel := context.WithTimeout(context.Background(), apiclient.DefaultTimeout)
	defer cancel()

	// A device that has already logged into this account has the salt
	// cached; a brand-new device fetches it from the server first,
	// since it needs the salt before it can derive auth_hash at all.
	salt, err := securestore.GetUserSalt()
	if err != nil {
		salt, err = client.FetchUserSalt(ctx, email)
		if err != nil {
			return fmt.Errorf("fetch user_salt: %w", err)
		}
	}
	authHash := crypto.DeriveAuthHash(password, salt)

	user, err := client.Login(ctx, email, base64.StdEncoding.EncodeToString(authHash), cfg.DeviceID)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	if err := securestore.StoreUserSalt(salt); err != nil {
		return fmt.Errorf("cache user_salt: %w", err)
	}

	cfg.UserID = user.ID
	cfg.Enabled = true
	if err := config.Save(cfg); err != nil {
		return err
	}

	fmt.Printf("logged in as %s on device %s\n", user.Email, cfg.DeviceID)
	return nil
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "synctool-cli"
	}
	return h
}

func runLogout() error {
	tokens, err := authtoken.NewStore()
	if err != nil {
		return err
	}
	if err := tokens.Clear(); err != nil {
		return err
	}
	if err := securestore.ClearMasterKeyUnlock(); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cfg.Enabled = false
	if err := config.Save(cfg); err != nil {
		return err
	}
	fmt.Println("logged out")
	return nil
}

func runStatus() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	tokens, err := authtoken.NewStore()
	if err != nil {
		return err
	}
	_, hasTokens := tokens.Current()

	fmt.Printf("enabled:      %v\n", cfg.Enabled)
	fmt.Printf("user_id:      %s\n", cfg.UserID)
	fmt.Printf("device_id:    %s\n", cfg.DeviceID)
	fmt.Printf("has_tokens:   %v\n", hasTokens)
	fmt.Printf("interval:     %dm\n", cfg.IntervalMinutes)
	fmt.Printf("last_sync_at: %s\n", cfg.LastSyncAt)
	fmt.Printf("opt_ins:      accounts=%v contacts=%v preferences=%v signatures=%v\n",
		cfg.OptIns.Accounts, cfg.OptIns.Contacts, cfg.OptIns.Preferences, cfg.OptIns.Signatures)
	return nil
}

// runSyncNow runs one reconciliation round per opted-in data type (or
// only the data type named as the first argument) and prints the
// result. The round runs through a scheduler that is started for the
// length of the command and stopped when it returns.
func runSyncNow(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		return fmt.Errorf("sync is not enabled; run 'synctool login' first")
	}
	if len(args) > 0 && !strings.HasPrefix(args[0], "--") {
		dt := crypto.DataType(args[0])
		if !dt.Valid() {
			return fmt.Errorf("unknown data type: %s", args[0])
		}
		cfg.OptIns = config.DataTypeOptIns{
			Accounts:    dt == crypto.DataTypeAccounts,
			Contacts:    dt == crypto.DataTypeContacts,
			Preferences: dt == crypto.DataTypePreferences,
			Signatures:  dt == crypto.DataTypeSignatures,
		}
	}

	password := os.Getenv("AURORA_SYNC_MASTER_PASSWORD")
	if password == "" {
		return fmt.Errorf("AURORA_SYNC_MASTER_PASSWORD is required to unlock the key ring")
	}
	salt, err := securestore.GetUserSalt()
	if err != nil {
		return fmt.Errorf("load user salt (run synctool login first): %w", err)
	}
	keys, err := crypto.NewKeyRing(password, salt)
	if err != nil {
		return fmt.Errorf("derive key ring: %w", err)
	}
	defer keys.Close()

	dbPath, err := store.DBPath()
	if err != nil {
		return err
	}
	replicaKey, err := keys.ReplicaDBKey()
	if err != nil {
		return err
	}
	replicaStore, err := store.Open(dbPath, replicaKey)
	if err != nil {
		return fmt.Errorf("open replica store: %w", err)
	}
	defer replicaStore.Close()

	j, err := journal.Open(replicaStore.DB())
	if err != nil {
		return err
	}
	q, err := queue.Open(replicaStore.DB())
	if err != nil {
		return err
	}
	tokens, err := authtoken.NewStore()
	if err != nil {
		return err
	}

	baseURL := baseURLFlag(args)
	api := apiclient.New(baseURL, tokens)
	engine := &reconcile.Engine{
		Store:    replicaStore,
		Journal:  j,
		Queue:    q,
		API:      api,
		Keys:     keys,
		DeviceID: cfg.DeviceID,
	}
	monitor := netmonitor.NewDialMonitor(baseURL)
	sched := scheduler.New(engine, cfg, monitor)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	handle := sched.SyncNow(ctx)
	results, err := handle.Wait()
	if err != nil {
		return fmt.Errorf("sync round failed: %w", err)
	}
	for _, r := range results {
		fmt.Printf("%-12s processed=%d downloaded=%d+%d conflicts=%d\n", r.DataType, r.Processed, r.DownloadedLive, r.DownloadedDel, r.Conflicts)
	}
	return nil
}

func runDevice(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: synctool device <list|revoke>")
	}
	tokens, err := authtoken.NewStore()
	if err != nil {
		return err
	}
	baseURL := baseURLFlag(args)
	client := apiclient.New(baseURL, tokens)
	ctx, cancel := context.WithTimeout(context.Background(), apiclient.DefaultTimeout)
	defer cancel()

	switch args[0] {
	case "list":
		devices, err := client.ListDevices(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%d devices\n", len(devices))
		for _, d := range devices {
			current := ""
			if d.IsCurrent {
				current = " (this device)"
			}
			fmt.Printf("  %s  %-20s %-10s active=%v%s\n", d.DeviceIDMasked, d.DeviceName, d.Platform, d.IsActive, current)
		}
		return nil
	case "revoke":
		if len(args) < 2 {
			return fmt.Errorf("usage: synctool device revoke <device_id>")
		}
		deviceID := args[1]
		if err := client.RevokeDevice(ctx, deviceID); err != nil {
			return err
		}
		fmt.Printf("revoked device %s\n", deviceID)
		return nil
	default:
		return fmt.Errorf("unknown device command: %s", args[0])
	}
}
