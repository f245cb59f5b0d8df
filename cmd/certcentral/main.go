// Command certcentral runs the certcentral ACME renewal daemon: it reads
// a declarative certificate inventory, maintains one ACME account per
// configured directory, solves http-01/dns-01 challenges, and keeps every
// certificate's on-disk material renewed (SPEC_FULL.md §1, §6).
package main

import (
	"context"
	"crypto"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/wikimedia/operations-software-certcentral/internal/acme"
	"github.com/wikimedia/operations-software-certcentral/internal/challenge"
	"github.com/wikimedia/operations-software-certcentral/internal/config"
	"github.com/wikimedia/operations-software-certcentral/internal/control"
	"github.com/wikimedia/operations-software-certcentral/internal/cryptoutil"
	"github.com/wikimedia/operations-software-certcentral/internal/dnsprovider/cloudflare"
	"github.com/wikimedia/operations-software-certcentral/internal/dnsprovider/gcdns"
	"github.com/wikimedia/operations-software-certcentral/internal/dnsprovider/godop"
	"github.com/wikimedia/operations-software-certcentral/internal/scheduler"
	"github.com/wikimedia/operations-software-certcentral/internal/store"
)

var flagConfig = flag.String("config", "", "path to certcentral.yaml (defaults to $"+config.EnvConfigPath+")")

func main() {
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "certcentral: building logger: %v\n", err)
		os.Exit(control.ExitSoftwareError)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	cfg, err := loadConfig()
	if err != nil {
		sugar.Errorw("loading configuration", "error", err)
		os.Exit(control.ExitConfigError)
	}

	sched, err := wire(cfg, sugar)
	if err != nil {
		sugar.Errorw("wiring daemon", "error", err)
		os.Exit(control.ExitUnavailable)
	}

	code := control.Run(sched, control.Options{
		Grace: 30 * time.Second,
		Logf:  sugar.Infow,
		Errf:  sugar.Errorw,
		Reload: func() error {
			newCfg, err := loadConfig()
			if err != nil {
				return err
			}
			// The new file is only parsed and validated; it is not
			// applied. The running scheduler keeps its records, accounts
			// and providers, and no records are added or removed.
			_ = newCfg
			return nil
		},
	})
	os.Exit(code)
}

func loadConfig() (*config.Config, error) {
	if *flagConfig != "" {
		return config.Load(*flagConfig)
	}
	return config.LoadFromEnv()
}

// wire builds every component a Scheduler needs: the on-disk store, one
// acme.Client per configured account, and the http-01/dns-01 fulfillers
// (with their DNS provider bindings resolved from cfg.Challenges.DNS01).
func wire(cfg *config.Config, sugar *zap.SugaredLogger) (*scheduler.Scheduler, error) {
	st := &store.Store{
		BasePath:    cfg.Store.BasePath,
		ArchiveKeep: cfg.Store.ArchiveKeep,
		Logf:        sugar.Infow,
	}

	accounts := make(map[string]*acme.Client, len(cfg.Accounts))
	for name, a := range cfg.Accounts {
		key, err := loadOrCreateAccountKey(a.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("account %q: %w", name, err)
		}
		client := &acme.Client{
			DirectoryURL: a.Directory,
			Key:          key,
			Logf:         sugar.Infow,
			Errf:         sugar.Errorw,
		}
		// RFC 8555 §7.3: every request but newAccount must carry a kid, not
		// a jwk. Registering here (idempotent: the server returns the
		// existing account if the key is already known) means c.kid is
		// populated before the scheduler ever signs an order.
		if _, err := client.NewAccount(context.Background(), a.Contact, true); err != nil {
			return nil, fmt.Errorf("account %q: registering with %s: %w", name, a.Directory, err)
		}
		accounts[name] = client
	}

	http01 := &challenge.HTTP01{
		Dir:           cfg.Challenges.HTTP01.ChallengesDir,
		SelfCheckURLs: cfg.Challenges.HTTP01.SelfCheckURLs,
	}

	dns01 := &challenge.DNS01{}
	for name, p := range cfg.Challenges.DNS01.Providers {
		prov, err := buildDNSProvisioner(name, p)
		if err != nil {
			return nil, err
		}
		for _, zone := range p.Zones {
			dns01.Register(zone, prov)
		}
	}

	sched := scheduler.New(cfg, st, accounts, http01, dns01, sugar.Infow, sugar.Errorw)
	return sched, nil
}

func buildDNSProvisioner(name string, p config.DNSProvider) (challenge.Provisioner, error) {
	switch p.Driver {
	case config.DriverDigitalOcean:
		token, ok := p.Credentials["token"]
		if !ok {
			return nil, fmt.Errorf("dns provider %q: digitalocean requires a \"token\" credential", name)
		}
		return godop.FromToken(context.Background(), token), nil

	case config.DriverGoogleCloud:
		creds, ok := p.Credentials["service_account_json_path"]
		if !ok {
			return nil, fmt.Errorf("dns provider %q: google-cloud-dns requires a \"service_account_json_path\" credential", name)
		}
		data, err := os.ReadFile(creds)
		if err != nil {
			return nil, fmt.Errorf("dns provider %q: reading service account credentials: %w", name, err)
		}
		projectID := p.Credentials["project_id"]
		zoneNames := make(map[string]string, len(p.Zones))
		for _, z := range p.Zones {
			if managedZone, ok := p.Credentials["zone:"+z]; ok {
				zoneNames[z] = managedZone
			}
		}
		return gcdns.New(context.Background(), projectID, data, zoneNames)

	case config.DriverCloudflare:
		token, ok := p.Credentials["api_token"]
		if !ok {
			return nil, fmt.Errorf("dns provider %q: cloudflare requires an \"api_token\" credential", name)
		}
		return cloudflare.NewWithAPIToken(token)

	default:
		return nil, fmt.Errorf("dns provider %q: unrecognized driver %q", name, p.Driver)
	}
}

// loadOrCreateAccountKey loads an ACME account key from disk, generating
// and persisting a fresh ECDSA P-256 key the first time a given path is
// seen (account keys are never rotated implicitly; see
// Scheduler.RotateAccountKey for the explicit administrative path).
func loadOrCreateAccountKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return cryptoutil.DecodeKey(data)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	key, err := cryptoutil.GenerateKey(cryptoutil.ECDSAP256)
	if err != nil {
		return nil, err
	}
	pemBytes, err := cryptoutil.EncodeKey(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(parentDir(path), 0750); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, pemBytes, 0640); err != nil {
		return nil, err
	}
	return key, nil
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
