// Command uptane-agent is the Primary's long-running update daemon: it
// provisions the device, polls the Director/Image repos on a schedule,
// drives one update transaction end-to-end when updates are found, and
// serves a local status/control API. Stdlib flag parsing,
// open-db-then-migrate, build the dependency graph inline, block on an OS
// signal, shut down.
package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/R3E-Network/uptane-agent/internal/config"
	"github.com/R3E-Network/uptane-agent/internal/logging"
	"github.com/R3E-Network/uptane-agent/internal/uptane/device"
	"github.com/R3E-Network/uptane-agent/internal/uptane/fetcher"
	"github.com/R3E-Network/uptane-agent/internal/uptane/flowcontrol"
	"github.com/R3E-Network/uptane-agent/internal/uptane/keyring"
	"github.com/R3E-Network/uptane-agent/internal/uptane/model"
	"github.com/R3E-Network/uptane-agent/internal/uptane/orchestrator"
	"github.com/R3E-Network/uptane-agent/internal/uptane/pkgmanager"
	"github.com/R3E-Network/uptane-agent/internal/uptane/provisioner"
	"github.com/R3E-Network/uptane-agent/internal/uptane/reportqueue"
	"github.com/R3E-Network/uptane-agent/internal/uptane/secondary"
	"github.com/R3E-Network/uptane-agent/internal/uptane/store"
	"github.com/R3E-Network/uptane-agent/internal/uptane/verify"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (overrides CONFIG_FILE)")
	dsn := flag.String("dsn", "", "database DSN (overrides config/env)")
	migrate := flag.Bool("migrate", true, "apply embedded schema migrations on startup")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if trimmed := strings.TrimSpace(*configPath); trimmed != "" {
		cfg, err = config.LoadFile(trimmed)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "uptane-agent: load config: %v\n", err)
		os.Exit(1)
	}
	if trimmed := strings.TrimSpace(*dsn); trimmed != "" {
		cfg.Database.DSN = trimmed
	}

	log := logging.New(cfg.Logging)
	log.Infof("uptane-agent starting (verification mode=%s, package manager=%s)", cfg.Uptane.VerificationMode, cfg.PackageManager.Type)

	metaStore, err := openStore(cfg, *migrate)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer metaStore.Close()

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	token := flowcontrol.New()

	httpClient, err := buildMTLSClient(cfg.Tls)
	if err != nil {
		log.Fatalf("build mTLS client: %v", err)
	}

	prov := provisioner.New(provisioner.Deps{Store: metaStore, HTTPClient: httpClient}, provisioner.Config{
		Mode:              cfg.Provisioning.Mode,
		ArchivePath:       cfg.Provisioning.ArchivePath,
		PrimaryECUSerial:  cfg.Provisioning.PrimaryECUSerial,
		PrimaryHardwareID: cfg.Provisioning.PrimaryHardwareID,
		DirectorURL:       cfg.Director.BaseURL,
		TLSServerURL:      cfg.Tls.ServerURL,
		CertPath:          cfg.Tls.CertPath,
		KeyPath:           cfg.Tls.KeyPath,
		CAPath:            cfg.Tls.CAPath,
	})
	secondaries := provisionerSecondaries(cfg.Secondaries)
	if state, err := prov.Attempt(rootCtx, secondaries); err != nil {
		log.Fatalf("provisioning: %v", err)
	} else {
		log.Infof("provisioning: %s", state)
	}

	netFetcher := fetcher.NewNetworkFetcher(cfg.Director.BaseURL, cfg.Image.BaseURL, httpClient)
	verifyDeps := verify.Deps{Store: metaStore, Fetcher: netFetcher, Clock: keyring.SystemClock{}}
	director := &verify.DirectorVerifier{Deps: verifyDeps}
	image := &verify.ImageVerifier{Deps: verifyDeps}

	primary, err := buildPackageManager(cfg.PackageManager)
	if err != nil {
		log.Fatalf("build package manager: %v", err)
	}

	secondaryHandles, closeSecondaries := dialSecondaries(rootCtx, cfg.Secondaries, log)
	defer closeSecondaries()

	reportPoster := &reportqueue.HTTPPoster{URL: strings.TrimRight(cfg.Tls.ServerURL, "/") + "/events", Client: httpClient}
	reports, err := reportqueue.New(metaStore, reportPoster, reportqueue.Config{
		RunPause:         time.Duration(cfg.ReportQueue.RunPauseSec) * time.Second,
		EventNumberLimit: cfg.ReportQueue.EventNumberLimit,
	}, token)
	if err != nil {
		log.Fatalf("build report queue: %v", err)
	}
	if err := reports.Run(rootCtx); err != nil {
		log.Fatalf("start report queue: %v", err)
	}
	defer reports.Stop()

	primaryEcu, primaryHwID := model.UnknownEcuSerial, model.UnknownHardwareIdentifier
	if ecus, err := metaStore.ListEcus(rootCtx); err == nil {
		for _, e := range ecus {
			if e.IsPrimary {
				primaryEcu, primaryHwID = e.EcuSerial, e.HardwareID
				break
			}
		}
	}

	txnLog, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("build transaction logger: %v", err)
	}
	defer txnLog.Sync()

	primaryKey, err := prov.PrimaryKey(rootCtx)
	if err != nil {
		log.Fatalf("load primary signing key: %v", err)
	}
	manifestPusher := &httpManifestPusher{
		url:    strings.TrimRight(cfg.Director.BaseURL, "/") + "/manifest",
		client: httpClient,
	}

	orch := orchestrator.New(orchestrator.Deps{
		Store:       metaStore,
		Director:    director,
		Image:       image,
		Primary:     primary,
		Secondaries: secondaryHandles,
		Reports:     reports,
		Clock:       keyring.SystemClock{},
		PrimaryEcu:  primaryEcu,
		PrimaryHwID: primaryHwID,
		Cfg: orchestrator.Config{
			SecondaryPreinstallWait: time.Duration(cfg.Uptane.SecondaryPreinstallWaitSec) * time.Second,
			ForceInstallCompletion:  cfg.Uptane.ForceInstallCompletion,
			TufOnly:                 cfg.Uptane.VerificationMode == config.ModeTuf,
			ReportNetwork:           cfg.Uptane.ReportNetwork,
			ReportConfig:            cfg.Uptane.ReportConfig,
			UpdateLockPath:          cfg.Uptane.UpdateLockFilePath,
		},
		PrimaryKey: primaryKey,
		Manifests:  manifestPusher,
		Log:        txnLog.Sugar(),
	})

	if result, err := orch.FinalizeAfterReboot(rootCtx, ""); err != nil {
		log.Warnf("finalize after reboot: %v", err)
	} else {
		log.Infof("finalize after reboot: %s", result.Code)
	}

	poller := newPoller(rootCtx, orch, token, cfg, log)
	poller.Start()
	defer poller.Stop()

	statusSrv := newStatusServer(cfg.Server, orch, token, log)
	go func() {
		if err := statusSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("status api: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Infof("uptane-agent shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = statusSrv.Shutdown(shutdownCtx)
	cancel()
}

func openStore(cfg *config.Config, runMigrations bool) (*store.PostgresStore, error) {
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	if runMigrations {
		return store.Open(cfg.Database.DSN)
	}
	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	return store.NewPostgresStore(db), nil
}

// buildMTLSClient constructs the shared HTTP client every outbound
// collaborator (MetadataFetcher, ReportQueue poster, Provisioner) uses to
// reach the backend. A missing cert/key pair is tolerated (used before
// first provisioning establishes credentials): the client simply presents
// no client certificate until one exists.
func buildMTLSClient(cfg config.TLSConfig) (*http.Client, error) {
	tlsCfg := &tls.Config{}

	if cfg.CertPath != "" && cfg.KeyPath != "" {
		if _, err := os.Stat(cfg.CertPath); err == nil {
			cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
			if err != nil {
				return nil, fmt.Errorf("load client cert: %w", err)
			}
			tlsCfg.Certificates = []tls.Certificate{cert}
		}
	}
	if cfg.CAPath != "" {
		if pem, err := os.ReadFile(cfg.CAPath); err == nil {
			pool := x509.NewCertPool()
			pool.AppendCertsFromPEM(pem)
			tlsCfg.RootCAs = pool
		}
	}

	return &http.Client{
		Timeout:   30 * time.Second,
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
	}, nil
}

func provisionerSecondaries(cfgs []config.SecondaryConfig) []provisioner.Secondary {
	out := make([]provisioner.Secondary, 0, len(cfgs))
	for _, s := range cfgs {
		out = append(out, provisioner.Secondary{
			EcuSerial:  model.EcuSerial(s.EcuSerial),
			HardwareID: model.HardwareIdentifier(s.HardwareID),
		})
	}
	return out
}

// dialSecondaries opens one secondary.Link per configured Secondary; a
// Secondary that cannot be dialed at startup is simply omitted from the
// map -- awaitSecondaryReachability inside Orchestrator.UptaneInstall is
// what actually gates on reachability before committing to an install.
func dialSecondaries(ctx context.Context, cfgs []config.SecondaryConfig, log *logging.Logger) (map[model.EcuSerial]*orchestrator.SecondaryHandle, func()) {
	handles := make(map[model.EcuSerial]*orchestrator.SecondaryHandle, len(cfgs))
	var links []*secondary.Link
	for _, s := range cfgs {
		link, err := secondary.Dial(ctx, s.Address, 10*time.Second)
		if err != nil {
			log.Warnf("secondary %s (%s) unreachable at startup: %v", s.EcuSerial, s.Address, err)
			continue
		}
		links = append(links, link)
		handles[model.EcuSerial(s.EcuSerial)] = &orchestrator.SecondaryHandle{
			Link:       link,
			EcuSerial:  model.EcuSerial(s.EcuSerial),
			HardwareID: model.HardwareIdentifier(s.HardwareID),
		}
	}
	return handles, func() {
		for _, l := range links {
			_ = l.Close()
		}
	}
}

func buildPackageManager(cfg config.PackageManagerConfig) (pkgmanager.PackageManager, error) {
	switch strings.ToLower(cfg.Type) {
	case "ostree", "":
		return &pkgmanager.OSTreeManager{Sysroot: cfg.OSTreeSysroot, DownloadDir: os.TempDir()}, nil
	case "rauc":
		return &pkgmanager.RAUCManager{DBusName: cfg.RAUCDBusName, DownloadDir: os.TempDir()}, nil
	case "swupdate":
		return &pkgmanager.SWUpdateManager{}, nil
	case "docker-compose":
		return &pkgmanager.ComposeManager{ComposeFile: cfg.ComposeFile, DownloadDir: os.TempDir()}, nil
	case "generic":
		return &pkgmanager.GenericManager{Handler: cfg.GenericActionHandler, DownloadDir: os.TempDir()}, nil
	default:
		return nil, fmt.Errorf("unknown package_manager.type %q", cfg.Type)
	}
}

// httpManifestPusher implements orchestrator.ManifestPusher with a
// `PUT <director>/manifest` of the signed device manifest.
type httpManifestPusher struct {
	url    string
	client *http.Client
}

func (p *httpManifestPusher) PushManifest(ctx context.Context, signedManifestJSON []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, p.url, bytes.NewReader(signedManifestJSON))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("put manifest: status %d", resp.StatusCode)
	}
	return nil
}

// deviceDataProvider adapts internal/uptane/device's gopsutil collection
// into orchestrator.DeviceDataProvider.
type deviceDataProvider struct {
	store  store.MetaStore
	client *http.Client
	tlsURL string
}

func (d *deviceDataProvider) HardwareInfo(ctx context.Context) ([]byte, error) {
	info, err := device.CollectHardwareInfo(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(info)
}

func (d *deviceDataProvider) NetworkInfo(ctx context.Context) ([]byte, error) {
	info, err := device.CollectNetworkInfo(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(info)
}

func (d *deviceDataProvider) InstalledPackages(ctx context.Context) ([]byte, error) {
	return []byte("[]"), nil
}

func (d *deviceDataProvider) Configuration(ctx context.Context) ([]byte, error) {
	return []byte("{}"), nil
}

func (d *deviceDataProvider) Upload(ctx context.Context, kind store.DataHashKind, payload []byte) error {
	if d.client == nil {
		return nil
	}
	url := strings.TrimRight(d.tlsURL, "/") + "/system_info"
	switch kind {
	case store.DataHashNetworkInfo:
		url += "/network"
	case store.DataHashInstalledPackages:
		url = strings.TrimRight(d.tlsURL, "/") + "/core/installed"
	case store.DataHashConfiguration:
		url += "/config"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("upload %s: status %d", kind, resp.StatusCode)
	}
	return nil
}

// newStatusServer exposes the local operator status/control API:
// FlowControl pause/resume/abort plus
// a read of the last resolved transaction's pending target set.
func newStatusServer(cfg config.ServerConfig, orch *orchestrator.Orchestrator, token *flowcontrol.Token, log *logging.Logger) *http.Server {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"flow_control":%q,"pending_targets":%d}`, token.State(), len(orch.PendingTargets()))
	})
	r.Post("/pause", func(w http.ResponseWriter, r *http.Request) { token.Pause(); w.WriteHeader(http.StatusOK) })
	r.Post("/resume", func(w http.ResponseWriter, r *http.Request) { token.Resume(); w.WriteHeader(http.StatusOK) })
	r.Post("/abort", func(w http.ResponseWriter, r *http.Request) { token.Abort(); w.WriteHeader(http.StatusOK) })

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	log.Infof("status api listening on %s", addr)
	return &http.Server{Addr: addr, Handler: r}
}

// poller drives fetchMeta on a schedule and, when updates are found, the
// full download/install sequence, using robfig/cron/v3 the same way
// internal/uptane/reportqueue does for its flush ticker.
type poller struct {
	ctx   context.Context
	orch  *orchestrator.Orchestrator
	token *flowcontrol.Token
	cfg   *config.Config
	log   *logging.Logger
	cron  *cron.Cron
	data  *deviceDataProvider
}

func newPoller(ctx context.Context, orch *orchestrator.Orchestrator, token *flowcontrol.Token, cfg *config.Config, log *logging.Logger) *poller {
	return &poller{ctx: ctx, orch: orch, token: token, cfg: cfg, log: log, data: &deviceDataProvider{tlsURL: cfg.Tls.ServerURL}}
}

func (p *poller) Start() {
	p.cron = cron.New()
	interval := p.cfg.Uptane.PollIntervalSec
	if interval <= 0 {
		interval = 300
	}
	_, err := p.cron.AddFunc(fmt.Sprintf("@every %ds", interval), p.tick)
	if err != nil {
		p.log.Errorf("schedule poller: %v", err)
		return
	}
	p.cron.Start()
	go p.tick()
}

func (p *poller) Stop() {
	if p.cron != nil {
		p.cron.Stop()
	}
}

func (p *poller) tick() {
	if !p.token.CanContinue() {
		return
	}
	result, err := p.orch.FetchMeta(p.ctx, p.token, p.data)
	if err != nil {
		p.log.Errorf("fetchMeta: %v", err)
		return
	}
	if result != orchestrator.UpdatesAvailable {
		return
	}
	p.log.Infof("updates available, downloading")
	correlationID := fmt.Sprintf("poll-%d", time.Now().UnixNano())
	if _, err := p.orch.DownloadImages(p.ctx, correlationID, p.orch.DefaultFetchOne, p.token); err != nil {
		p.log.Errorf("downloadImages: %v", err)
		return
	}
	result2, err := p.orch.UptaneInstall(p.ctx, correlationID, p.token)
	if err != nil {
		p.log.Errorf("uptaneInstall: %v", err)
		return
	}
	p.log.Infof("uptaneInstall: %s", result2.Code)
}
