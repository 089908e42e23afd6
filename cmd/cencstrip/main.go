// Command cencstrip removes CENC and CBCS protection from fragmented MP4.
//
//	cencstrip [-log-level info] decrypt -key KID:KEY in.mp4 out.mp4
//	cencstrip probe in.mp4 | manifest.mpd
//	cencstrip dump in.mp4
//	cencstrip serve -config cencstrip.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	console "github.com/phsym/console-slog"

	"cencstrip/config"
	"cencstrip/decrypt"
	"cencstrip/mp4"
	"cencstrip/server"
)

// keysFlag collects every -key argument.
type keysFlag []string

func (k *keysFlag) String() string { return strings.Join(*k, ",") }

func (k *keysFlag) Set(v string) error {
	*k = append(*k, v)
	return nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(console.NewHandler(w, &console.HandlerOptions{
		Level:      config.ParseLevel(level),
		TimeFormat: "2006-01-02 15:04:05.000",
	}))
}

func usage(fs *flag.FlagSet) {
	w := fs.Output()
	fmt.Fprintf(w, "usage: cencstrip [-log-level debug|info|warn|error] <command> [flags] [args]\n\n")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  decrypt  decrypt a file: decrypt -key KID:KEY in.mp4 out.mp4")
	fmt.Fprintln(w, "  probe    print the protection of an MP4 or MPD")
	fmt.Fprintln(w, "  dump     print the box tree of an MP4")
	fmt.Fprintln(w, "  serve    run the decrypting proxy")
	fs.PrintDefaults()
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("cencstrip", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { usage(fs) }
	level := fs.String("log-level", "info", "log level")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return 2
	}
	logger := newLogger(stderr, *level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	var err error
	switch cmd {
	case "decrypt":
		err = runDecrypt(ctx, rest, stderr, logger)
	case "probe":
		err = runProbe(rest, stdout, stderr)
	case "dump":
		err = runDump(rest, stdout, stderr)
	case "serve":
		err = runServe(ctx, rest, stderr, *level)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", cmd)
		return 2
	}
	if errors.Is(err, flag.ErrHelp) {
		return 2
	}
	if err != nil {
		logger.Error(cmd+" failed", "error", err)
		return 1
	}
	return 0
}

func runDecrypt(ctx context.Context, args []string, stderr io.Writer, logger *slog.Logger) error {
	fs := flag.NewFlagSet("decrypt", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var keys keysFlag
	fs.Var(&keys, "key", "KID:KEY pair or bare KEY, repeatable; a ClearKey JWK set must be the only -key")
	kid := fs.String("kid", "", "KID of a bare -key")
	scheme := fs.String("scheme", "", "force cenc or cbcs instead of the signalled scheme")
	parallel := fs.Int("parallel", 1, "samples decrypted at once")
	chunk := fs.Int("chunk", decrypt.DefaultChunkSize, "read size in bytes")
	skipMissing := fs.Bool("skip-missing", false, "leave samples without a key encrypted")
	compact := fs.Bool("compact", false, "drop the emptied sinf and pssh boxes from the init segment")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 || len(keys) == 0 {
		return errors.New("usage: decrypt -key KID:KEY [-key ...] in.mp4 out.mp4")
	}
	switch *scheme {
	case "", string(mp4.SchemeCENC), string(mp4.SchemeCBCS):
	default:
		return fmt.Errorf("unsupported scheme %q", *scheme)
	}

	fn, err := decrypt.NewKeyDecrypter(decrypt.KeyParams{
		Keys:            joinKeys(keys),
		KID:             *kid,
		Scheme:          mp4.Scheme(*scheme),
		SkipMissingKeys: *skipMissing,
	})
	if err != nil {
		return err
	}
	in, out := fs.Arg(0), fs.Arg(1)
	err = decrypt.DecryptFile(ctx, in, out, fn,
		decrypt.WithLogger(logger),
		decrypt.WithParallel(*parallel),
		decrypt.WithChunkSize(*chunk),
	)
	if err != nil {
		return err
	}
	if *compact {
		removed, err := compactFile(out)
		if err != nil {
			return err
		}
		logger.Info("init segment compacted", "removed_boxes", removed)
	}
	return nil
}

func joinKeys(keys []string) string {
	if len(keys) == 1 {
		return keys[0]
	}
	return strings.Join(keys, ",")
}

func runServe(ctx context.Context, args []string, stderr io.Writer, level string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", "", "YAML config file")
	listen := fs.String("listen", "", "listen address, overrides the config")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg := config.Default()
	if *path != "" {
		var err error
		if cfg, err = config.Load(*path); err != nil {
			return err
		}
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if level == "info" && cfg.LogLevel != "" {
		level = cfg.LogLevel
	}
	logger := newLogger(stderr, level)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
