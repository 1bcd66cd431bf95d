package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jaywantadh/DisktroSync/config"
	"github.com/jaywantadh/DisktroSync/internal/encryptor"
	"github.com/jaywantadh/DisktroSync/internal/metadata"
	"github.com/jaywantadh/DisktroSync/internal/orchestrator"
	"github.com/jaywantadh/DisktroSync/internal/retry"
	"github.com/jaywantadh/DisktroSync/internal/status"
	"github.com/jaywantadh/DisktroSync/internal/storage"
	"github.com/jaywantadh/DisktroSync/internal/transfer"
	"github.com/jaywantadh/DisktroSync/pkg/logging"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"
)

const defaultWatchInterval = time.Second

var appCfg *config.AppConfig

func setup(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	if mode := c.String("mode"); mode != "" {
		cfg.Mode = mode
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	logging.InitLogger(c.Bool("debug") || cfg.Debug, cfg.LogFile)
	appCfg = cfg
	return nil
}

func kdf() (encryptor.KeyDeriver, error) {
	return encryptor.ParseKDF(appCfg.KDF, appCfg.KDFSalt)
}

func retryPolicy(name string) retry.Policy {
	return retry.Policy{
		Attempts: appCfg.RetryAttempts,
		Delay:    appCfg.RetryDelay,
		Doubling: appCfg.RetryDoubling,
		MaxDelay: 30 * time.Second,
		Name:     name,
	}
}

// openMeta opens the local store, falling back to no audit trail when
// another process holds it.
func openMeta() *metadata.MetadataStore {
	meta, err := metadata.OpenMetadataStore(appCfg.MetadataPath)
	if err != nil {
		logging.Log.Warnf("⚠️ metadata store unavailable, history is disabled: %v", err)
		return nil
	}
	return meta
}

func baseURL() string { return "http://" + appCfg.TargetAddress() }

func newClient() *transfer.Client {
	return transfer.NewClient(baseURL(), transfer.ClientOptions{
		ConnectTimeout: appCfg.ConnectTimeout,
		ReadTimeout:    appCfg.ReadTimeout,
		UserName:       appCfg.UserName,
	})
}

func newMethod(ctx context.Context) (transfer.Method, error) {
	mode, err := transfer.ParseMode(appCfg.Mode)
	if err != nil {
		return nil, err
	}
	deriver, err := kdf()
	if err != nil {
		return nil, err
	}
	partSize, err := config.ParseSize(appCfg.S3.PartSize)
	if err != nil {
		return nil, fmt.Errorf("s3.part_size: %w", err)
	}
	return transfer.NewMethod(ctx, mode, transfer.MethodConfig{
		BaseURL: baseURL(),
		Client: transfer.ClientOptions{
			ConnectTimeout: appCfg.ConnectTimeout,
			ReadTimeout:    appCfg.ReadTimeout,
			UserName:       appCfg.UserName,
		},
		ZeroTierNetworkID: appCfg.ZeroTier.NetworkID,
		S3: transfer.S3Options{
			Bucket:    appCfg.S3.Bucket,
			Region:    appCfg.S3.Region,
			Endpoint:  appCfg.S3.Endpoint,
			Prefix:    appCfg.S3.Prefix,
			AccessKey: appCfg.S3.AccessKey,
			SecretKey: appCfg.S3.SecretKey,
			PartSize:  partSize,
		},
		Cipher: encryptor.NewEncryptor(deriver),
	})
}

// peerName is what the duplicate check and the audit trail call the counterparty.
func peerName() string {
	if appCfg.Mode == transfer.ModeS3.String() {
		return "s3://" + appCfg.S3.Bucket
	}
	return appCfg.TargetAddress()
}

func serveAction(c *cli.Context) error {
	if port := c.Int("port"); port != 0 {
		if err := config.ValidatePort(port); err != nil {
			return fmt.Errorf("port: %w", err)
		}
		appCfg.Port = port
	}
	chunkSize, err := appCfg.ChunkSizeBytes()
	if err != nil {
		return err
	}
	deriver, err := kdf()
	if err != nil {
		return err
	}
	layout, err := storage.NewLayout(appCfg.ReceivedDir, appCfg.TmpDir)
	if err != nil {
		return err
	}
	chunks, err := storage.NewLocalStorage(filepath.Join(appCfg.TmpDir, "chunks"))
	if err != nil {
		return err
	}
	if appCfg.AESPassword == "" {
		logging.Log.Warn("⚠️ no aes_password configured, encrypted uploads will be refused")
	}

	meta := openMeta()
	if meta != nil {
		defer meta.Close()
	}
	engine := transfer.NewIngestEngine(layout, chunks, status.NewRegistry(), transfer.EngineOptions{
		ChunkSize: chunkSize,
		Password:  appCfg.AESPassword,
		KDF:       deriver,
	})
	defer engine.Close()

	server := transfer.NewServer(engine, transfer.ServerOptions{
		Port:               appCfg.Port,
		Meta:               meta,
		DecompressReceived: appCfg.DecompressReceived,
	})
	logging.Log.Infof("🚀 DisktroSync receiver writing to %s", layout.ReceivedDir)
	return server.Start(c.Context)
}

func targetOverride(c *cli.Context) error {
	to := c.String("to")
	if to == "" {
		return nil
	}
	host, port, err := net.SplitHostPort(to)
	if err != nil {
		return fmt.Errorf("--to %q: %w", to, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("--to %q: invalid port", to)
	}
	if err := config.ValidateHost(host); err != nil {
		return fmt.Errorf("--to: %w", err)
	}
	if err := config.ValidatePort(p); err != nil {
		return fmt.Errorf("--to: %w", err)
	}
	appCfg.TargetHost, appCfg.TargetPort = host, p
	return nil
}

func sendAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: disktrosync send <file>", 2)
	}
	if err := targetOverride(c); err != nil {
		return err
	}
	maxSize, err := appCfg.MaxFileSizeBytes()
	if err != nil {
		return err
	}
	deriver, err := kdf()
	if err != nil {
		return err
	}
	method, err := newMethod(c.Context)
	if err != nil {
		return err
	}
	meta := openMeta()
	if meta != nil {
		defer meta.Close()
	}

	var chunkSize int
	if raw := c.String("chunk-size"); raw != "" {
		n, err := config.ParseSize(raw)
		if err != nil {
			return fmt.Errorf("--chunk-size: %w", err)
		}
		chunkSize = int(n)
	}
	sender := orchestrator.NewSender(method, meta, orchestrator.SenderOptions{
		UserName:         appCfg.UserName,
		Receiver:         peerName(),
		Password:         c.String("password"),
		KDF:              deriver,
		Compress:         c.Bool("compress") || appCfg.Compress,
		Chunked:          c.Bool("chunked"),
		ChunkSize:        chunkSize,
		Workers:          c.Int("workers"),
		MaxFileSize:      maxSize,
		Retry:            retryPolicy("send"),
		DuplicateWindow:  appCfg.DuplicateWindow,
		RefuseDuplicates: c.Bool("no-duplicates"),
		TmpDir:           appCfg.TmpDir,
	})

	res, err := sender.Send(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	fmt.Printf("✅ %s sent (%s, %d attempt(s), %s)\n", res.FileName,
		humanize.IBytes(uint64(res.TotalBytes)), res.Attempts, res.Duration.Round(time.Millisecond))
	fmt.Printf("   transfer id: %s\n   sha256:      %s\n", res.TransferID, res.Checksum)
	return nil
}

func pullAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: disktrosync pull <name>", 2)
	}
	deriver, err := kdf()
	if err != nil {
		return err
	}
	method, err := newMethod(c.Context)
	if err != nil {
		return err
	}
	meta := openMeta()
	if meta != nil {
		defer meta.Close()
	}
	dir := c.String("dir")
	if dir == "" {
		dir = appCfg.ReceivedDir
	}

	receiver := orchestrator.NewReceiver(method, meta, orchestrator.ReceiverOptions{
		Dir:            dir,
		Password:       c.String("password"),
		KDF:            deriver,
		Decompress:     c.Bool("decompress"),
		VerifyAttempts: appCfg.VerifyAttempts,
		Retry:          retryPolicy("pull"),
		Peer:           peerName(),
	})
	res, err := receiver.Pull(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	resumed := ""
	if res.Resumed {
		resumed = ", resumed"
	}
	fmt.Printf("✅ %s (%s%s)\n", res.Path, humanize.IBytes(uint64(res.Bytes)), resumed)
	return nil
}

func statusAction(c *cli.Context) error {
	client := newClient()
	id := c.Args().First()
	if c.Bool("watch") {
		monitor := transfer.NewMonitor(transfer.ClientSource{Client: client}, c.Duration("interval"))
		snap, err := monitor.Run(c.Context, id)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		fmt.Println(transfer.FormatSnapshot(snap))
		return nil
	}
	snap, err := client.Status(c.Context, id)
	if err != nil {
		return err
	}
	fmt.Println(transfer.FormatSnapshot(snap))
	return nil
}

func historyAction(c *cli.Context) error {
	var (
		records []metadata.TransferRecord
		err     error
	)
	if c.Bool("remote") {
		records, err = newClient().History(c.Context, c.Int("limit"))
	} else {
		meta := openMeta()
		if meta == nil {
			return errors.New("local history is unavailable")
		}
		defer meta.Close()
		records, err = meta.ListTransfers(c.Int("limit"))
	}
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no transfers recorded")
		return nil
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Direction", "State", "File", "Size", "Peer", "Finished", "Error"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, rec := range records {
		table.Append([]string{
			string(rec.Direction),
			rec.State,
			rec.FileName,
			humanize.IBytes(uint64(rec.TotalBytes)),
			rec.Peer,
			humanize.Time(time.Unix(rec.CompletedAt, 0)),
			rec.Error,
		})
	}
	table.Render()
	return nil
}
