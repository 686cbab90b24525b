package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/astromechza/newsdoc-sync/pkg/collab"
	"github.com/astromechza/newsdoc-sync/pkg/shareddoc"
	"github.com/astromechza/newsdoc-sync/pkg/transform"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "127.0.0.1:8080", "the address of the collaboration server")
	tokenVar := flag.String("token", os.Getenv("NEWSDOC_TOKEN"), "the access token to authenticate with")
	titleVar := flag.String("title", "", "set the document title once synced")
	waitVar := flag.Duration("wait", 2*time.Second, "how long to sync before printing, zero to sync until interrupted")
	dumpVar := flag.String("dump", "", "write the final document state to this file")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the document uuid")
	}

	u := url.URL{Scheme: "ws", Host: *addrVar, Path: "/collab/" + flag.Arg(0)}
	doc := shareddoc.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := collab.Dial(ctx, u.String(), *tokenVar, doc)
	if err != nil {
		return err
	}
	slog.Info("connected", "url", u.String())

	wg := new(sync.WaitGroup)
	runErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		runErr <- client.Run(ctx)
	}()

	if *titleVar != "" {
		// give the initial sync a moment so the title lands on the loaded document
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
		}
		if err := doc.Transact("set title", func(tx *shareddoc.Tx) error {
			return tx.SetTitle(*titleVar)
		}); err != nil {
			slog.Error("failed to set title", "err", err)
		} else {
			client.Changed()
		}
	}

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	var timeout <-chan time.Time
	if *waitVar > 0 {
		timeout = time.After(*waitVar)
	}
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-timeout:
	case <-ctx.Done():
	}
	client.Close()
	wg.Wait()

	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync failed: %w", err)
	}

	var out any
	if err := doc.View(func(tx *shareddoc.Tx) error {
		if tx.IsEmpty() {
			return nil
		}
		d, err := tx.Document(transform.Default())
		out = d
		return err
	}); err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}

	if *dumpVar != "" {
		if err := os.WriteFile(*dumpVar, doc.Save(), 0o644); err != nil {
			return fmt.Errorf("failed to write dump: %w", err)
		}
		slog.Info("dumped", "dump", *dumpVar, "heads", doc.Heads())
	}
	return nil
}
