package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glycerine/interop"
	"github.com/glycerine/interop/kvstore"
)

func main() {

	interop.ExitOnVersionFlag("kvsrv")

	fmt.Println(interop.VersionString("kvsrv"))

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var configPath = flag.String("config", "", "path to a TOML config file; the flags below override it")
	var addr = flag.String("s", "0.0.0.0:7070", "server address to bind and listen on")
	var ident = flag.String("id", "kvsrv", "identity peers see for this channel")
	var compressAlgo = flag.String("press", "", "select sending compression algorithm; one of: s2, lz4, zstd:01, zstd:03, zstd:07, zstd:11")
	var checksum = flag.Bool("sum", false, "add a blake3 checksum to every frame we send")
	var seconds = flag.Int("sec", 0, "run for this many seconds, then exit")
	var statsEvery = flag.Duration("stats", 0, "print channel stats this often")

	flag.Parse()

	cfg := interop.NewConfig()
	if *configPath != "" {
		var err error
		cfg, err = interop.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("kvsrv: %v", err)
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "id":
			cfg.Identity = *ident
		case "press":
			cfg.CompressAlgo = *compressAlgo
		case "sum":
			cfg.Checksum = *checksum
		}
	})
	if cfg.Identity == "" {
		cfg.Identity = *ident
	}

	ch, err := interop.NewChannel(cfg)
	if err != nil {
		log.Fatalf("kvsrv: %v", err)
	}
	drv, err := kvstore.NewDriver(ch)
	if err != nil {
		log.Fatalf("kvsrv: %v", err)
	}
	bound, err := ch.AcceptEndpoint(*addr)
	if err != nil {
		log.Fatalf("kvsrv: %v", err)
	}
	fmt.Printf("kvsrv '%v' listening on %v\n", ch.Identity(), bound)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var deadline <-chan time.Time
	if *seconds > 0 {
		deadline = time.After(time.Duration(*seconds) * time.Second)
	}
	var tick <-chan time.Time
	if *statsEvery > 0 {
		tk := time.NewTicker(*statsEvery)
		defer tk.Stop()
		tick = tk.C
	}

	t0 := time.Now()
loop:
	for {
		select {
		case <-tick:
			fmt.Printf("kvsrv: keys=%v sessions=%v %v\n", drv.Len(), drv.Sessions(), ch.Stats())
		case <-deadline:
			break loop
		case <-sigChan:
			break loop
		}
	}
	n := drv.Served()
	elap := time.Since(t0)
	fmt.Printf("\n\nkvsrv elapsed: %v; served %v requests => %.1f requests/second.\n", elap, n, float64(n)/elap.Seconds())
	if err := ch.Terminate(5 * time.Second); err != nil {
		log.Printf("kvsrv: %v", err)
	}
}
