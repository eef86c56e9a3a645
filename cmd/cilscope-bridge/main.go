package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/cilscope/cilscope/internal/bridge"
	"github.com/cilscope/cilscope/internal/mapdump"
	"github.com/cilscope/cilscope/internal/modsession"
)

func main() {
	var (
		addr     string
		mappings string
		watch    bool
	)
	flag.StringVar(&addr, "addr", ":9633", "listen address for the bridge (tcp)")
	flag.StringVar(&mappings, "mappings", "", "path to a mapping dump JSON")
	flag.BoolVar(&watch, "watch", false, "reload the dump when the file changes")
	flag.Parse()

	if mappings == "" {
		fmt.Fprintln(os.Stderr, "--mappings is required")
		os.Exit(2)
	}

	sess := modsession.New(mappings)
	if err := applyDump(sess, mappings); err != nil {
		fmt.Fprintln(os.Stderr, "load mappings failed:", err)
		os.Exit(1)
	}

	if watch {
		if err := sess.Watch(); err != nil {
			fmt.Fprintln(os.Stderr, "watch failed:", err)
			os.Exit(1)
		}
		defer sess.Close()
		go func() {
			for path := range sess.Reloads() {
				if err := applyDump(sess, path); err != nil {
					log.Printf("reload %s: %v", path, err)
					continue
				}
				log.Printf("reloaded %s", path)
			}
		}()
	}

	srv := bridge.NewServer(sess)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "listen failed:", err)
		os.Exit(1)
	}
	fmt.Println("bridge listening on", ln.Addr().String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				continue
			}
			go func(conn net.Conn) {
				_ = srv.HandleConn(conn)
			}(c)
		}
	}()

	<-ctx.Done()
	_ = ln.Close()
	fmt.Println("bridge stopped")
}

// applyDump reads the dump at path and replays it into the session's
// current registry.
func applyDump(sess *modsession.Session, path string) error {
	snap, err := mapdump.ReadFile(path)
	if err != nil {
		return err
	}
	n, err := snap.Apply(sess.Registry())
	if err != nil {
		return err
	}
	log.Printf("applied %d methods (%s, %s %s)", n, snap.Language, snap.Producer, snap.ProducerVersion)
	return nil
}
