// Command shellgated is the policy-gated command execution daemon: it
// wires the validator, process supervisor, job store, processor,
// approval bridge, and session facade together, then serves the RPC
// dispatcher over stdio, keeping every component behind a single
// long-running process.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"shellgated/internal/accounts"
	"shellgated/internal/approvalserver"
	"shellgated/internal/audit"
	"shellgated/internal/bridge"
	"shellgated/internal/config"
	"shellgated/internal/facade"
	"shellgated/internal/logging"
	"shellgated/internal/notify"
	"shellgated/internal/procexec"
	"shellgated/internal/processor"
	"shellgated/internal/queue"
	"shellgated/internal/rpcserver"
	"shellgated/internal/security"
	"shellgated/internal/wsmonitor"
)

func openAuditDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=30000&_synchronous=FULL")
	if err != nil {
		return nil, err
	}
	return db, db.Ping()
}

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "shellgated:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log, err := logging.New(logging.Options{
		Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile,
		MaxSizeMB: cfg.LogMaxSizeMB, Strategy: logging.RotationStrategy(cfg.LogRotationStrategy),
		KeepFiles: cfg.LogKeepFiles,
	})
	if err != nil {
		return fmt.Errorf("configuring logging: %w", err)
	}

	whitelist, err := config.LoadWhitelist(cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("loading command whitelist: %w", err)
	}

	startDir := cfg.StartDir
	if startDir == "" {
		startDir, err = os.Getwd()
		if err != nil {
			return fmt.Errorf("resolving start directory: %w", err)
		}
	}

	validator := security.NewValidator(whitelist, []string{startDir}, int64(cfg.TimeoutMs))
	supervisor := procexec.New(cfg.MaxConcurrent)

	store, err := queue.Open(cfg.QueueBaseDir, cfg.QueueSubdir)
	if err != nil {
		return fmt.Errorf("opening job queue: %w", err)
	}

	auditKey, err := audit.LoadOrCreateAuditKey(cfg.AuditKeyPath)
	if err != nil {
		return fmt.Errorf("loading audit key: %w", err)
	}
	accountsStore, err := accounts.Open(cfg.AccountsDBPath)
	if err != nil {
		return fmt.Errorf("opening accounts database: %w", err)
	}
	defer accountsStore.Close()

	auditDB, err := openAuditDB(cfg.AuditDBPath)
	if err != nil {
		return fmt.Errorf("opening audit database: %w", err)
	}
	defer auditDB.Close()
	if err := audit.Migrate(auditDB); err != nil {
		return fmt.Errorf("migrating audit database: %w", err)
	}
	auditLog := audit.NewBufferedLogger(auditDB, 100, 5*time.Second, auditKey, log)
	auditLog.Start()
	defer auditLog.Stop()

	telegram := notify.New(cfg.TelegramBotToken, cfg.TelegramChatID, log)

	monitorHub := wsmonitor.NewHub(log)
	monitorStop := make(chan struct{})
	go monitorHub.Run(monitorStop)
	defer close(monitorStop)

	proc := processor.New(store, supervisor, validator, cfg.MaxConcurrent, log)
	proc.OnTransition = func(jobID string, status queue.Status) {
		monitorHub.Broadcast(string(status), jobID, nil, "info")
		if status == queue.StatusExecutionFailed || status == queue.StatusExecutionTimeout {
			job, err := store.Peek(jobID)
			if err == nil {
				telegram.JobFailed(jobID, job.Command, job.Error, status == queue.StatusExecutionTimeout)
				auditLog.Log(audit.Event{JobID: jobID, Action: string(status), Command: job.Command, Success: false})
			}
		}
	}

	b := bridge.New(store, 5*time.Second)

	var ldapClient *accounts.LDAPClient
	if cfg.LDAPEnabled {
		ldapConfig := &accounts.LDAPConfig{
			Enabled:            true,
			Server:             cfg.LDAPServer,
			Port:               cfg.LDAPPort,
			UseTLS:             cfg.LDAPUseTLS,
			BindDN:             cfg.LDAPBindDN,
			BindPassword:       cfg.LDAPBindPassword,
			BaseDN:             cfg.LDAPBaseDN,
			UserFilter:         cfg.LDAPUserFilter,
			UserIDAttribute:    cfg.LDAPUserIDAttribute,
			UserEmailAttribute: cfg.LDAPUserEmailAttribute,
			GroupBaseDN:        cfg.LDAPGroupBaseDN,
			GroupFilter:        cfg.LDAPGroupFilter,
			AdminGroups:        cfg.LDAPAdminGroups,
			Timeout:            cfg.LDAPTimeoutSeconds,
		}
		if err := accounts.ValidateLDAPConfig(ldapConfig); err != nil {
			return fmt.Errorf("validating LDAP configuration: %w", err)
		}
		ldapClient = accounts.NewLDAPClient(ldapConfig)
	}

	f := &facade.Facade{
		Validator: validator, Store: store, Supervisor: supervisor,
		Processor: proc, Bridge: b, StartDir: startDir, Log: log,
		ConfigureServer: func(srv *approvalserver.Server) {
			srv.Accounts = accountsStore
			srv.LDAPClient = ldapClient
			srv.Monitor = monitorHub
			srv.AuditDecision = func(approvalRequestID string, approved bool, decidedBy, reason string) {
				action := "job_approved"
				if !approved {
					action = "job_rejected"
				}
				auditLog.Log(audit.Event{Action: action, DecidedBy: decidedBy, Reason: reason, Success: approved})
			}
			srv.Notify = func(bj bridge.BridgedJob) {
				telegram.PendingApproval(bj.AsyncJobID, bj.Command, bj.Args, bj.RiskScore, bj.RiskFactors)
			}
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go proc.Run(ctx)
	go b.Run()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	rpc := &rpcserver.Server{Facade: f, Log: log, Config: cfg}
	serveErr := make(chan error, 1)
	go func() { serveErr <- rpc.Serve(ctx, os.Stdin, os.Stdout) }()

	select {
	case <-sigCh:
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.WithError(err).Warn("rpc server stopped")
		}
	}

	cancel()
	b.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	f.Shutdown(shutdownCtx, shutdownTimeout)
	return nil
}
