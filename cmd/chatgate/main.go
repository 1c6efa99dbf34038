// chatgate - access gate for chat-driven administrative tools.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jeranaias/chatgate/internal/actor"
	"github.com/jeranaias/chatgate/internal/audit"
	"github.com/jeranaias/chatgate/internal/block"
	"github.com/jeranaias/chatgate/internal/gate"
	"github.com/jeranaias/chatgate/internal/housekeeper"
	"github.com/jeranaias/chatgate/internal/notify"
	"github.com/jeranaias/chatgate/internal/policy"
	"github.com/jeranaias/chatgate/internal/secondfactor"
	"github.com/jeranaias/chatgate/internal/session"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

const usageText = `chatgate - access gate for chat-driven administrative tools

Usage:
  chatgate check     -policy FILE              Validate a policy file
  chatgate provision -policy FILE -actor ID    Print second-factor provisioning material
  chatgate daemon    -policy FILE              Run the gate daemon
  chatgate version                             Print version information

Environment:
  CHATGATE_AUTH_SALT            Overrides second_factor.auth_salt
  CHATGATE_AUTHORIZED_ACTORS    Overrides access.authorized_actors (comma-separated IDs)
  CHATGATE_AUTHORIZED_ADMINS    Overrides access.authorized_admins (comma-separated IDs)
  CHATGATE_LOG_LEVEL            Overrides logging.level
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "check":
		err = runCheck(os.Args[2:])
	case "provision":
		err = runProvision(os.Args[2:])
	case "daemon":
		err = runDaemon(os.Args[2:])
	case "version", "-v", "--version":
		fmt.Printf("chatgate %s (%s, built %s)\n", Version, GitCommit, BuildDate)
	case "help", "-h", "--help":
		fmt.Print(usageText)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// =============================================================================
// CHECK
// =============================================================================

// runCheck validates the policy file and exits non-zero on any
// configuration fault.
func runCheck(args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	policyPath := fs.String("policy", "", "policy file (TOML)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pol, err := policy.Load(*policyPath)
	if err != nil {
		return err
	}

	fmt.Printf("policy OK: %d authorized actor(s), %d admin(s), %d unrestricted command(s)\n",
		len(pol.Access.AuthorizedActors),
		len(pol.Access.AuthorizedAdmins),
		len(pol.Access.UnrestrictedCommands),
	)
	return nil
}

// =============================================================================
// PROVISION
// =============================================================================

// runProvision derives and prints the second-factor enrollment material
// for one actor. The output is sensitive: it is the actor's shared
// secret.
func runProvision(args []string) error {
	fs := flag.NewFlagSet("provision", flag.ExitOnError)
	policyPath := fs.String("policy", "", "policy file (TOML)")
	actorID := fs.String("actor", "", "numeric user ID to provision")
	name := fs.String("name", "", "display name for the enrollment label")
	if err := fs.Parse(args); err != nil {
		return err
	}

	userID, err := strconv.ParseInt(*actorID, 10, 64)
	if err != nil || userID == 0 {
		return fmt.Errorf("-actor must be a non-zero numeric user ID")
	}

	pol, err := policy.Load(*policyPath)
	if err != nil {
		return err
	}
	if !pol.IsAuthorized(userID) {
		return fmt.Errorf("actor %d is not in the authorized set", userID)
	}

	verifier := secondfactor.New(pol.SecondFactor.AuthSalt, pol.SecondFactor.Issuer)
	id := actor.Identity{UserID: userID, Name: *name}

	secret, err := verifier.SecretFor(id)
	if err != nil {
		return err
	}
	url, err := verifier.ProvisioningURL(id)
	if err != nil {
		return err
	}
	code, err := verifier.CurrentCode(secret, time.Now())
	if err != nil {
		return err
	}

	fmt.Printf("actor:        %s\n", notify.MaskID(userID))
	fmt.Printf("secret:       %s\n", secret)
	fmt.Printf("otpauth URL:  %s\n", url)
	fmt.Printf("current code: %s (verify enrollment with this)\n", code)
	return nil
}

// =============================================================================
// DAEMON
// =============================================================================

// runDaemon assembles the full gate and runs the background services
// until SIGINT or SIGTERM. The chat transport binds to the returned
// gate in deployment builds; the skeleton here exercises everything
// behind it.
func runDaemon(args []string) error {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	policyPath := fs.String("policy", "", "policy file (TOML)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pol, err := policy.Load(*policyPath)
	if err != nil {
		return err
	}

	log, err := buildLogger(pol.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	trail, store, err := buildTrail(pol.Audit, log)
	if err != nil {
		return err
	}
	defer trail.Close()

	sessions := session.NewStore(pol.SessionTimeout())
	blocks := block.NewRegistry(pol.Access.MaxAttempts, pol.BlockDuration())
	verifier := secondfactor.New(pol.SecondFactor.AuthSalt, pol.SecondFactor.Issuer)
	throttle := notify.NewThrottle(pol.SuppressionWindow())
	notifier := notify.NewNotifier(throttle, &notify.LogSink{Log: log},
		pol.Notifications.RatePerMinute, log)
	defer notifier.Close()

	g := gate.New(pol, sessions, blocks, verifier, notifier, trail, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The chat transport binds to g in deployment builds. The skeleton
	// reports gate health until then.
	go reportStats(ctx, g, log)

	keeperOpts := []housekeeper.Option{}
	if store != nil {
		keeperOpts = append(keeperOpts,
			housekeeper.WithAuditRetention(store, 90*24*time.Hour))
	}
	keeper := housekeeper.New(sessions, blocks, throttle, pol.CleanupInterval(), log, keeperOpts...)
	go keeper.Run(ctx)

	if *policyPath != "" {
		watcher, err := policy.NewWatcher(*policyPath, log)
		if err != nil {
			log.Warn("policy watcher unavailable", zap.Error(err))
		} else {
			defer watcher.Close()
			if err := watcher.Start(ctx); err != nil {
				log.Warn("policy watcher failed to start", zap.Error(err))
			}
		}
	}

	log.Info("chatgate daemon started",
		zap.String("version", Version),
		zap.Int("authorized_actors", len(pol.Access.AuthorizedActors)),
		zap.Duration("session_timeout", pol.SessionTimeout()),
		zap.Duration("block_duration", pol.BlockDuration()),
	)

	<-ctx.Done()
	log.Info("shutdown signal received")
	return nil
}

// reportStats logs a gate state snapshot every five minutes.
func reportStats(ctx context.Context, g *gate.Gate, log *zap.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := g.GetStats()
			log.Info("gate stats",
				zap.Int("sessions_total", stats.Sessions.Total),
				zap.Int("sessions_authenticated", stats.Sessions.Authenticated),
				zap.Int("blocks_tracked", stats.Blocks.Tracked),
				zap.Int("blocks_active", stats.Blocks.Blocked),
			)
		}
	}
}

// =============================================================================
// WIRING
// =============================================================================

// buildLogger constructs the operational logger from policy settings.
func buildLogger(cfg policy.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// buildTrail constructs the audit trail from policy settings. The
// returned store is nil unless the SQLite sink is enabled.
func buildTrail(cfg policy.AuditConfig, log *zap.Logger) (*audit.Trail, *audit.Store, error) {
	if !cfg.Enabled {
		return audit.Disabled(), nil, nil
	}

	var opts []audit.TrailOption
	var store *audit.Store

	if cfg.LogPath != "" {
		opts = append(opts, audit.WithFile(cfg.LogPath, cfg.MaxFileSizeMB*1024*1024))
	}
	if cfg.DBPath != "" {
		s, err := audit.OpenStore(cfg.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open audit store: %w", err)
		}
		opts = append(opts, audit.WithStore(s))
		store = s
	}

	trail, err := audit.NewTrail(log, opts...)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, nil, err
	}
	return trail, store, nil
}
