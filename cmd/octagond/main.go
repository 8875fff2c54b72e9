package main

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/ruteri/octagon-trust/api/feedhandler"
	"github.com/ruteri/octagon-trust/cmd/flags"
	"github.com/ruteri/octagon-trust/common"
	"github.com/ruteri/octagon-trust/container"
	"github.com/ruteri/octagon-trust/cryptoutils"
	"github.com/ruteri/octagon-trust/feed"
	"github.com/ruteri/octagon-trust/httpserver"
	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/ruteri/octagon-trust/kms"
	"github.com/ruteri/octagon-trust/policy"
	"github.com/ruteri/octagon-trust/storage"
	"github.com/urfave/cli/v2"
)

var (
	flagListenAddr = &cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for API",
	}
	flagAdminKeysFile = &cli.StringFlag{
		Name:  "admin-keys-file",
		Usage: "file with hex admin public keys, one per line or a JSON array; enables the Shamir bootstrap instead of --master-key",
	}
	flagBootstrapTimeout = &cli.DurationFlag{
		Name:  "bootstrap-timeout",
		Value: 0,
		Usage: "give up if the admin bootstrap has not completed in time (0 waits forever)",
	}
	flagPolicyFile = &cli.StringSliceFlag{
		Name:  "policy-file",
		Usage: "encoded policy document to publish on the feed (repeatable)",
	}
	flagPrevailingPolicy = &cli.Uint64Flag{
		Name:  "prevailing-policy",
		Usage: "version number of the published policy new peers freeze; defaults to the built-in prevailing policy",
	}
	flagUpstreamFeed = &cli.BoolFlag{
		Name:  "upstream-feed",
		Usage: "hosted devices use the feed at --feed-url/--feed-srv instead of the one this daemon serves",
	}
	flagSOSEnabled = &cli.BoolFlag{
		Name:  "sos-enabled",
		Usage: "hosted devices publish preapprovals for legacy circle peers",
	}
	flagVaultClientCert = &cli.StringFlag{
		Name:  "vault-client-cert",
		Usage: "PEM client certificate for vault:// stores without a token",
	}
	flagVaultClientKey = &cli.StringFlag{
		Name:  "vault-client-key",
		Usage: "PEM private key for --vault-client-cert",
	}
)

func main() {
	appFlags := []cli.Flag{
		flagListenAddr,
		flags.MasterKeyFlag,
		flagAdminKeysFile,
		flagBootstrapTimeout,
		flags.MetadataStoreFlag,
		flags.ContentStoreFlag,
		flagPolicyFile,
		flagPrevailingPolicy,
		flagUpstreamFeed,
		flagSOSEnabled,
		flagVaultClientCert,
		flagVaultClientKey,
		flags.LogServiceFlagFn("octagond"),
	}
	appFlags = append(appFlags, flags.CommonFlags...)
	appFlags = append(appFlags, flags.FeedFlags...)

	app := &cli.App{
		Name:   "octagond",
		Usage:  "Serve the octagon change feed and host device trust containers",
		Flags:  appFlags,
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	logger.Info("Starting octagond", "version", common.Version)

	storageFactory, err := newStorageFactory(cCtx, logger)
	if err != nil {
		return err
	}

	contentLocs, err := flags.StorageLocations(cCtx, flags.ContentStoreFlag)
	if err != nil {
		return err
	}
	var content interfaces.StorageBackend
	if len(contentLocs) > 0 {
		content, err = storageFactory.CreateMultiBackend(contentLocs)
		if err != nil {
			logger.Error("Failed to create content store", "err", err)
			return err
		}
	}

	memory := feed.NewMemory(logger)
	if err := publishPolicies(cCtx, memory); err != nil {
		logger.Error("Failed to publish policies", "err", err)
		return err
	}

	var served feed.Feed = memory
	if content != nil {
		served = feed.NewArchiving(memory, content, logger)
	}

	hostedFeed := served
	if cCtx.Bool(flagUpstreamFeed.Name) {
		client, err := flags.FeedClient(cCtx)
		if err != nil {
			return err
		}
		logger.Info("Hosted devices use upstream feed", "url", client.BaseURL)
		hostedFeed = client
	}

	keys, admin, err := keySource(cCtx, logger)
	if err != nil {
		return err
	}

	metaLoc, err := interfaces.NewStorageBackendLocation(cCtx.String(flags.MetadataStoreFlag.Name))
	if err != nil {
		return fmt.Errorf("invalid --%s: %w", flags.MetadataStoreFlag.Name, err)
	}
	metadata, err := storageFactory.MetadataStoreFor(metaLoc)
	if err != nil {
		logger.Error("Failed to create metadata store", "err", err)
		return err
	}

	policies := policy.NewBuiltinCache(logger)
	if content != nil {
		policies = policies.WithBackend(content)
	}

	registry := container.NewRegistry(func(ctx context.Context, key interfaces.ContainerKey) (*container.Container, error) {
		return container.New(ctx, container.Config{
			Key:        key,
			Feed:       hostedFeed,
			Keys:       keys,
			Metadata:   metadata,
			Policies:   policies,
			SOSEnabled: cCtx.Bool(flagSOSEnabled.Name),
			Log:        logger,
		})
	})
	defer registry.Clear()

	cfg := flags.ConfigureServer(cCtx, logger, cCtx.String(flagListenAddr.Name))
	server, err := httpserver.New(cfg, httpserver.Handlers{
		Feed:    feedhandler.NewHandler(served, logger),
		Devices: httpserver.NewHandler(registry, logger),
		Admin:   admin,
	})
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}
	server.RunInBackground()

	if admin != nil {
		go waitForBootstrap(cCtx, admin, logger)
	}

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	logger.Info("Server is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DrainDuration+cfg.GracefulShutdownDuration)
	defer cancel()
	server.Shutdown(ctx)
	logger.Info("Server shutdown complete")
	return nil
}

func newStorageFactory(cCtx *cli.Context, logger *slog.Logger) (interfaces.StorageBackendFactory, error) {
	var factory interfaces.StorageBackendFactory = storage.NewStorageBackendFactory(logger)

	certFile, keyFile := cCtx.String(flagVaultClientCert.Name), cCtx.String(flagVaultClientKey.Name)
	if certFile == "" && keyFile == "" {
		return factory, nil
	}
	if certFile == "" || keyFile == "" {
		return nil, errors.New("--vault-client-cert and --vault-client-key must be given together")
	}
	return factory.WithTLSAuth(func() (tls.Certificate, error) {
		return tls.LoadX509KeyPair(certFile, keyFile)
	}), nil
}

// keySource returns the master-key KMS, or the admin bootstrap handler when
// admin keys are configured. The handler refuses to derive keys until the
// administrators have unlocked it.
func keySource(cCtx *cli.Context, logger *slog.Logger) (container.KeySource, *httpserver.AdminHandler, error) {
	adminKeysFile := cCtx.String(flagAdminKeysFile.Name)
	if adminKeysFile == "" {
		masterKey, err := flags.MasterKey(cCtx)
		if err != nil {
			return nil, nil, err
		}
		simple, err := kms.NewSimpleKMS(masterKey)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("SimpleKMS initialized")
		return simple, nil, nil
	}

	if cCtx.IsSet(flags.MasterKeyFlag.Name) {
		return nil, nil, fmt.Errorf("--%s and --%s are mutually exclusive", flags.MasterKeyFlag.Name, flagAdminKeysFile.Name)
	}

	data, err := os.ReadFile(adminKeysFile)
	if err != nil {
		return nil, nil, err
	}
	adminKeys, err := parseAdminKeys(data)
	if err != nil {
		return nil, nil, fmt.Errorf("could not load admin keys from %s: %w", adminKeysFile, err)
	}

	admin, err := httpserver.NewAdminHandler(logger, adminKeys)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Admin keys loaded, waiting for bootstrap", "count", len(adminKeys))
	return admin, admin, nil
}

// parseAdminKeys accepts a JSON array of hex keys or one hex key per line.
// Blank lines and lines starting with # are skipped.
func parseAdminKeys(data []byte) ([][]byte, error) {
	var encoded []string
	if err := json.Unmarshal(data, &encoded); err != nil {
		encoded = nil
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			encoded = append(encoded, line)
		}
	}

	keys := make([][]byte, 0, len(encoded))
	for _, e := range encoded {
		key, err := hex.DecodeString(strings.TrimPrefix(e, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid admin key %q: %w", e, err)
		}
		if _, err := cryptoutils.ParsePublicKey(key); err != nil {
			return nil, fmt.Errorf("invalid admin key %q: %w", e, err)
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, errors.New("no admin keys")
	}
	return keys, nil
}

func publishPolicies(cCtx *cli.Context, memory *feed.Memory) error {
	var published []*policy.Document
	for _, path := range cCtx.StringSlice(flagPolicyFile.Name) {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		doc, err := policy.Decode(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := memory.AddPolicy(doc); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		published = append(published, doc)
	}

	number := cCtx.Uint64(flagPrevailingPolicy.Name)
	if number == 0 {
		return nil
	}
	all := slices.Concat(published, policy.Builtin())
	i := slices.IndexFunc(all, func(d *policy.Document) bool {
		return d.Version.Number == number
	})
	if i < 0 {
		return fmt.Errorf("policy %d is not published", number)
	}
	return memory.SetPrevailing(all[i].Version)
}

func waitForBootstrap(cCtx *cli.Context, admin *httpserver.AdminHandler, logger *slog.Logger) {
	ctx := cCtx.Context
	if timeout := cCtx.Duration(flagBootstrapTimeout.Name); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	if err := admin.WaitForBootstrap(ctx); err != nil {
		logger.Error("KMS bootstrap did not complete", "err", err)
		return
	}
	logger.Info("KMS bootstrap completed, hosted devices enabled", "took", time.Since(start))
}
