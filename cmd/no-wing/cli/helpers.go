package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/pchinjr/no-wing/internal/audit"
	"github.com/pchinjr/no-wing/internal/awsclient"
	"github.com/pchinjr/no-wing/internal/config"
	"github.com/pchinjr/no-wing/internal/core"
	"github.com/pchinjr/no-wing/internal/credstore"
	"github.com/pchinjr/no-wing/internal/deploy"
	"github.com/pchinjr/no-wing/internal/elevation"
	"github.com/pchinjr/no-wing/internal/logging"
	"github.com/pchinjr/no-wing/internal/rolecatalog"
	"github.com/pchinjr/no-wing/internal/vault"
)

// runtime holds the fully wired component graph for one CLI invocation.
type runtime struct {
	cfg         config.Config
	vault       *vault.Vault
	store       *credstore.Store
	factory     *awsclient.Factory
	catalog     *rolecatalog.Catalog
	ledger      *audit.Ledger
	approvals   *elevation.ApprovalStore
	elevator    *elevation.Elevator
	coordinator *deploy.Coordinator
}

// loadRuntime builds the component graph and verifies both credential
// contexts. Prompts for the vault passphrase when either context stores
// static keys in the vault.
func loadRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, "")

	var v *vault.Vault
	if cfg.Human.Type == core.SourceStaticKeys || cfg.Agent.Type == core.SourceStaticKeys {
		pass, err := promptPassphrase("Vault passphrase: ")
		if err != nil {
			return nil, err
		}
		v, err = vault.Open(cfg.VaultPath, pass)
		if err != nil {
			return nil, fmt.Errorf("opening vault: %w", err)
		}
	}

	store := credstore.NewStore(cfg, v, logger)
	factory := awsclient.NewFactory(store, logger)

	// The ledger exists before Initialize so the initial context switch is
	// audited; the CloudWatch client needs a verified context, so remote
	// forwarding is attached afterwards.
	ledger := audit.NewLedger(cfg.AuditLogPath, nil, logger)
	store.SetAuditor(ledger)

	if err := store.Initialize(ctx); err != nil {
		if v != nil {
			v.Close()
		}
		return nil, err
	}

	if cfg.LogGroupName != "" {
		cwl, err := factory.CloudWatchLogs(ctx)
		if err != nil {
			return nil, fmt.Errorf("cloudwatch logs client: %w", err)
		}
		ledger.SetRemoteSink(audit.NewCloudWatchSink(cwl, cfg.LogGroupName, cfg.LogStreamName))
		ledger.SetRemoteSource(audit.NewCloudWatchSource(cwl, cfg.LogGroupName))
	}

	catalog := rolecatalog.NewCatalog(func(ctx context.Context) (rolecatalog.IAMAPI, error) {
		return factory.IAM(ctx)
	}, logger)

	approvals, err := elevation.OpenApprovalStore(cfg.ApprovalDBPath)
	if err != nil {
		return nil, fmt.Errorf("opening approval store: %w", err)
	}

	elevator := elevation.NewElevator(store, catalog, ledger, approvals, logger)
	coordinator := deploy.NewCoordinator(store, factory, elevator, ledger, logger)

	return &runtime{
		cfg:         cfg,
		vault:       v,
		store:       store,
		factory:     factory,
		catalog:     catalog,
		ledger:      ledger,
		approvals:   approvals,
		elevator:    elevator,
		coordinator: coordinator,
	}, nil
}

// Close flushes the ledger and releases everything the runtime holds open.
func (r *runtime) Close() {
	if r.ledger != nil {
		r.ledger.Close()
	}
	if r.approvals != nil {
		r.approvals.Close()
	}
	if r.vault != nil {
		r.vault.Close()
	}
}

func promptPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	fmt.Fprintln(os.Stderr)
	return string(pass), nil
}

// parseKeyValues splits repeated "key=value" flags into a map.
func parseKeyValues(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, val, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		out[k] = val
	}
	return out, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
