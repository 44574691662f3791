package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/rmcl-go/rmcl/api"
	"github.com/rmcl-go/rmcl/cache"
	"github.com/rmcl-go/rmcl/config"
	"github.com/rmcl-go/rmcl/items"
	"github.com/rmcl-go/rmcl/rmfs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
)

func usage() {
	fmt.Printf(`rmcl - mount your reMarkable cloud document library as a filesystem.

Usage: rmcl [options] <mountpoint>

Valid options:
`)
	flag.PrintDefaults()
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	debugOn := flag.BoolP("debug", "d", false, "Enable FUSE debug logging.")
	mode := flag.StringP("mode", "m", string(items.ModeRaw),
		"How documents are rendered: meta, raw, or orig.")
	registerCode := flag.StringP("register", "r", "",
		"Register this device using a one-time code from "+
			"https://my.remarkable.com/device/desktop/connect, then exit.")
	help := flag.BoolP("help", "h", false, "Displays this help message.")
	flag.Usage = usage
	flag.Parse()

	if *help {
		flag.Usage()
		os.Exit(0)
	}

	switch items.Mode(*mode) {
	case items.ModeMeta, items.ModeRaw, items.ModeOrig:
	default:
		fmt.Fprintf(os.Stderr, "invalid mode %q: must be meta, raw, or orig\n", *mode)
		os.Exit(1)
	}

	if *debugOn {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	store := config.Load(config.ConfigPath())
	httpClient := &http.Client{Timeout: 60 * time.Second}
	auth := api.NewAuth(store, httpClient)

	ctx := context.Background()

	if *registerCode != "" {
		if err := auth.RegisterDevice(ctx, *registerCode); err != nil {
			log.Fatal().Err(err).Msg("device registration failed")
		}
		log.Info().Msg("device registered")
		os.Exit(0)
	}

	if len(flag.Args()) == 0 {
		flag.Usage()
		fmt.Fprintf(os.Stderr, "\nNo mountpoint provided, exiting.\n")
		os.Exit(1)
	}
	mountpoint := flag.Arg(0)
	st, err := os.Stat(mountpoint)
	if err != nil || !st.IsDir() {
		log.Fatal().Str("mountpoint", mountpoint).Msg("mountpoint did not exist or was not a directory")
	}
	entries, _ := os.ReadDir(mountpoint)
	if len(entries) > 0 {
		log.Fatal().Str("mountpoint", mountpoint).Msg("mountpoint must be empty")
	}

	if err := auth.RenewToken(ctx); err != nil {
		log.Fatal().Err(err).Msg("could not renew user token; run with --register first")
	}

	dataCache, err := cache.OpenDataCache(config.CacheDBPath())
	if err != nil {
		log.Fatal().Err(err).Msg("could not open data cache")
	}
	defer dataCache.Close()
	docCache := cache.NewDocumentCache()

	var graph *items.Graph
	client := api.NewClient(auth, func() {
		if graph != nil {
			graph.InvalidateDeadline()
		}
	})
	graph = items.NewGraph(client, dataCache, docCache)

	_, root := rmfs.NewFilesystem(graph, items.Mode(*mode))

	server, err := fs.Mount(mountpoint, root, &fs.Options{
		MountOptions: getMountOptions(*debugOn),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("mount failed")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("unmounting")
		server.Unmount()
	}()

	log.Info().Str("mountpoint", mountpoint).Str("mode", *mode).Msg("serving filesystem")
	server.Wait()
}
