package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/glycerine/interop"
	"github.com/glycerine/interop/callbacks"
	"github.com/glycerine/interop/kvstore"
)

func usage() {
	fmt.Fprintf(os.Stderr, `kvcli [flags] cmd...
  put key value
  get key
  del key
  bench n    (n puts then n gets, none waiting on the one before)
flags:
`)
	flag.PrintDefaults()
}

func main() {

	interop.ExitOnVersionFlag("kvcli")

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var configPath = flag.String("config", "", "path to a TOML config file; the flags below override it")
	var addr = flag.String("s", "127.0.0.1:7070", "server address to connect to")
	var compressAlgo = flag.String("press", "", "select sending compression algorithm; one of: s2, lz4, zstd:01, zstd:03, zstd:07, zstd:11")
	var checksum = flag.Bool("sum", false, "add a blake3 checksum to every frame we send")
	var wait = flag.Duration("wait", 10*time.Second, "how long to wait on each result")
	var showStats = flag.Bool("stats", false, "print channel stats before exiting")

	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cfg := interop.NewConfig()
	if *configPath != "" {
		var err error
		cfg, err = interop.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("kvcli: %v", err)
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "press":
			cfg.CompressAlgo = *compressAlgo
		case "sum":
			cfg.Checksum = *checksum
		}
	})

	ch, err := interop.NewChannel(cfg)
	if err != nil {
		log.Fatalf("kvcli: %v", err)
	}
	defer ch.Terminate(5 * time.Second)

	ctx, canc := context.WithTimeout(context.Background(), *wait)
	peer, err := ch.ConnectEndpoint(ctx, *addr)
	canc()
	if err != nil {
		log.Fatalf("kvcli: %v", err)
	}
	kv, err := await(kvstore.Connect(ch, peer), *wait)
	if err != nil {
		log.Fatalf("kvcli: %v", err)
	}

	switch args[0] {
	case "put":
		need(args, 3)
		_, err = await(kv.Put(args[1], args[2]), *wait)
	case "get":
		need(args, 2)
		var v string
		v, err = await(kv.Get(args[1]), *wait)
		if err == nil {
			fmt.Println(v)
		}
	case "del":
		need(args, 2)
		var found bool
		found, err = await(kv.Delete(args[1]), *wait)
		if err == nil {
			fmt.Println(found)
		}
	case "bench":
		need(args, 2)
		var n int
		n, err = strconv.Atoi(args[1])
		if err == nil {
			err = bench(kv, n, *wait)
		}
	default:
		usage()
		os.Exit(1)
	}
	kv.Close()
	if *showStats {
		fmt.Printf("%v\n", ch.Stats())
	}
	if err != nil {
		log.Fatalf("kvcli: %v", err)
	}
}

func bench(kv *kvstore.Connector, n int, wait time.Duration) error {
	t0 := time.Now()
	puts := make([]*callbacks.Completion[callbacks.Void], n)
	for i := range puts {
		puts[i] = kv.Put(fmt.Sprintf("bench/%v", i), strconv.Itoa(i))
	}
	if _, err := await(callbacks.All(nil, puts...), wait); err != nil {
		return err
	}
	gets := make([]*callbacks.Completion[string], n)
	for i := range gets {
		gets[i] = kv.Get(fmt.Sprintf("bench/%v", i))
	}
	vals, err := await(callbacks.All(nil, gets...), wait)
	if err != nil {
		return err
	}
	for i, v := range vals {
		if v != strconv.Itoa(i) {
			return fmt.Errorf("bench/%v: got '%v'", i, v)
		}
	}
	elap := time.Since(t0)
	fmt.Printf("%v requests in %v => %.1f requests/second.\n", 2*n, elap, float64(2*n)/elap.Seconds())
	return nil
}

func await[T any](c *callbacks.Completion[T], wait time.Duration) (T, error) {
	if !c.Await(wait) {
		var zero T
		return zero, fmt.Errorf("no result after %v", wait)
	}
	return c.Outcome()
}

func need(args []string, n int) {
	if len(args) < n {
		usage()
		os.Exit(1)
	}
}
