package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/gluk-w/claworc/tether/internal/bridge"
	"github.com/gluk-w/claworc/tether/internal/config"
	"github.com/gluk-w/claworc/tether/internal/events"
	"github.com/gluk-w/claworc/tether/internal/logging"
	"github.com/gluk-w/claworc/tether/internal/multiplexer"
	"github.com/gluk-w/claworc/tether/internal/sshconn"
	"github.com/gluk-w/claworc/tether/internal/store"
	"github.com/gluk-w/claworc/tether/internal/workspace"
)

func main() {
	forget := flag.Bool("forget", false, "delete saved credentials and exit")
	noResume := flag.Bool("no-resume", false, "do not reconnect with saved credentials at startup")
	flag.Parse()

	config.Load()
	logging.Init()
	defer logging.Shutdown()

	st, err := store.Open(config.Cfg.DBPath())
	if err != nil {
		log.Fatalf("Store init: %v", err)
	}
	defer st.Close()

	if *forget {
		if err := st.ClearCredentials(); err != nil {
			log.Fatalf("Clear credentials: %v", err)
		}
		log.Println("Saved credentials deleted")
		return
	}

	table := multiplexer.DefaultInstallTable()
	if path := config.Cfg.InstallTablePath; path != "" {
		if table, err = multiplexer.LoadInstallTable(path); err != nil {
			log.Fatalf("Install table: %v", err)
		}
		log.Printf("Install table loaded from %s", path)
	}

	var hostKeys ssh.HostKeyCallback
	if path := config.Cfg.KnownHostsPath; path != "" {
		if hostKeys, err = knownhosts.New(path); err != nil {
			log.Fatalf("Known hosts: %v", err)
		}
	} else {
		log.Println("WARNING: TETHER_KNOWN_HOSTS not set, host keys are not verified")
	}

	retry := sshconn.DefaultRetryPolicy
	retry.MaxAttempts = config.Cfg.ExecMaxRetries
	mgr := sshconn.NewManager(sshconn.Options{
		Dialer:            sshconn.SSHDialer{HostKeyCallback: hostKeys, Timeout: config.Cfg.ConnectTimeout},
		ConnectTimeout:    config.Cfg.ConnectTimeout,
		KeepaliveInterval: config.Cfg.KeepaliveInterval,
		LivenessInterval:  config.Cfg.LivenessInterval,
		Retry:             retry,
	})
	mgr.OnStateChange(func(from, to sshconn.ConnectionState, reason string) {
		log.Printf("[ssh] %s -> %s (%s)", from, to, reason)
	})

	bus := events.NewBus()
	defer bus.Close()

	ws := workspace.New(workspace.Options{
		Manager:        mgr,
		Store:          st,
		PathCache:      st.PathCache(),
		InstallTable:   table,
		Bus:            bus,
		MaxTabs:        config.Cfg.MaxTabs,
		SettleDelay:    config.Cfg.TmuxSettleDelay,
		ExecRetries:    config.Cfg.ExecMaxRetries,
		ScrollbackSize: config.Cfg.ScrollbackBytes,
	})
	defer ws.Disconnect()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !*noResume {
		switch err := ws.Resume(ctx); {
		case errors.Is(err, workspace.ErrNoSavedCredentials):
			log.Println("No saved credentials, waiting for connect")
		case err != nil:
			log.Printf("Resume failed: %s (%v)", sshconn.UserMessage(err), err)
		default:
			log.Printf("Resumed session in %s mode", ws.Mode())
		}
	}

	srv := bridge.NewServer(bridge.Options{
		Workspace:      ws,
		Files:          mgr,
		InputRateLimit: config.Cfg.InputRateLimit,
		InputRateBurst: config.Cfg.InputRateBurst,
	})
	if err := srv.ListenAndServe(ctx, config.Cfg.ListenAddr); err != nil {
		log.Printf("Server error: %v", err)
	}
	log.Println("Shutting down...")
}
