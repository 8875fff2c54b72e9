package flags

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/octagon-trust/api"
	"github.com/ruteri/octagon-trust/api/feedhandler"
	"github.com/ruteri/octagon-trust/common"
	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/ruteri/octagon-trust/kms"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *api.HTTPServerConfig {
	metricsAddr := cCtx.String(MetricsAddrFlag.Name)
	enablePprof := cCtx.Bool(PprofFlag.Name)
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	return &api.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

// MasterKey decodes the hex --master-key flag.
func MasterKey(cCtx *cli.Context) ([]byte, error) {
	raw := cCtx.String(MasterKeyFlag.Name)
	if raw == "" {
		return nil, fmt.Errorf("--%s is required", MasterKeyFlag.Name)
	}
	key, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid master key: %w", err)
	}
	if len(key) < kms.MinMasterKeySize {
		return nil, fmt.Errorf("master key must be at least %d bytes", kms.MinMasterKeySize)
	}
	return key, nil
}

// StorageLocations parses every URI given for flag.
func StorageLocations(cCtx *cli.Context, flag *cli.StringSliceFlag) ([]interfaces.StorageBackendLocation, error) {
	var locs []interfaces.StorageBackendLocation
	for _, uri := range cCtx.StringSlice(flag.Name) {
		loc, err := interfaces.NewStorageBackendLocation(uri)
		if err != nil {
			return nil, fmt.Errorf("invalid --%s %q: %w", flag.Name, uri, err)
		}
		locs = append(locs, loc)
	}
	return locs, nil
}

// FeedClient connects to the change feed given by --feed-url, or by the SRV
// record in --feed-srv.
func FeedClient(cCtx *cli.Context) (*feedhandler.Client, error) {
	httpClient := &http.Client{Timeout: cCtx.Duration(FeedTimeoutFlag.Name)}

	if url := cCtx.String(FeedURLFlag.Name); url != "" {
		return feedhandler.NewClient(url, httpClient), nil
	}

	name := cCtx.String(FeedSRVFlag.Name)
	if name == "" {
		return nil, errors.New("either --feed-url or --feed-srv is required")
	}
	ctx, cancel := context.WithTimeout(cCtx.Context, 10*time.Second)
	defer cancel()

	client, err := feedhandler.NewResolver(cCtx.String(NameserverFlag.Name)).ResolveClient(ctx, name, "https")
	if err != nil {
		return nil, err
	}
	client.HTTP = httpClient
	return client, nil
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var FeedURLFlag = &cli.StringFlag{
	Name:    "feed-url",
	EnvVars: []string{"OCTAGON_FEED_URL"},
	Usage:   "base URL of the change feed server",
}
var FeedSRVFlag = &cli.StringFlag{
	Name:  "feed-srv",
	Usage: "DNS SRV name to discover the change feed server, used when --feed-url is empty",
}
var NameserverFlag = &cli.StringFlag{
	Name:  "nameserver",
	Value: feedhandler.DefaultNameserver,
	Usage: "nameserver for --feed-srv lookups",
}
var FeedTimeoutFlag = &cli.DurationFlag{
	Name:  "feed-timeout",
	Value: 30 * time.Second,
	Usage: "timeout of a single change feed request",
}

var MasterKeyFlag = &cli.StringFlag{
	Name:    "master-key",
	EnvVars: []string{"OCTAGON_MASTER_KEY"},
	Usage:   "hex-encoded master key the peer keys are derived from",
}
var MetadataStoreFlag = &cli.StringFlag{
	Name:  "metadata-store",
	Value: "file://./octagon-state",
	Usage: "where container metadata is persisted: file:// or vault:// URI",
}
var ContentStoreFlag = &cli.StringSliceFlag{
	Name:  "content-store",
	Usage: "content-addressed store for policy documents and revision archives: file://, s3://, ipfs:// or vault:// URI (repeatable)",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}

var FeedFlags = []cli.Flag{
	FeedURLFlag,
	FeedSRVFlag,
	NameserverFlag,
	FeedTimeoutFlag,
}
