package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cretz/bine/tor"
	"github.com/knadh/callrelay/store"
)

const onionKey = "onionkey"

// getOrCreatePK returns the onion service key kept in the store, generating
// and storing a new one if there's none.
func getOrCreatePK(st store.Store) (ed25519.PrivateKey, error) {
	d, err := st.Get(onionKey)
	if len(d) == 0 || err != nil {
		_, pk, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		x509Encoded, err := x509.MarshalPKCS8PrivateKey(pk)
		if err != nil {
			return nil, err
		}
		pemEncoded := pem.EncodeToMemory(&pem.Block{Type: "ED25519 PRIVATE KEY", Bytes: x509Encoded})
		return pk, st.Set(onionKey, pemEncoded)
	}

	block, _ := pem.Decode(d)
	if block == nil {
		return nil, errors.New("invalid onion key in store")
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pk, ok := k.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("invalid key type %T wanted ed25519.PrivateKey", k)
	}
	return pk, nil
}

type torServer struct {
	Handler    http.Handler
	PrivateKey ed25519.PrivateKey

	// Path to the tor executable.
	ExePath string
	log     *slog.Logger
}

// Serve starts tor, publishes an onion service forwarding to ln and serves
// the handler on it until ctx is cancelled.
func (ts *torServer) Serve(ctx context.Context, ln net.Listener) error {
	d, err := os.MkdirTemp("", "callrelay-tor")
	if err != nil {
		return err
	}
	defer os.RemoveAll(d)

	t, err := tor.Start(ctx, &tor.StartConf{ExePath: ts.ExePath, TempDataDirBase: d, NoHush: true})
	if err != nil {
		return fmt.Errorf("unable to start Tor: %w", err)
	}
	defer t.Close()

	// Wait at most a few minutes to publish the service.
	listenCtx, listenCancel := context.WithTimeout(ctx, 3*time.Minute)
	defer listenCancel()

	onion, err := t.Listen(listenCtx, &tor.ListenConf{LocalListener: ln, Key: ts.PrivateKey, Version3: true, RemotePorts: []int{80}})
	if err != nil {
		return fmt.Errorf("unable to create onion service: %w", err)
	}
	defer onion.Close()

	srv := &http.Server{Handler: ts.Handler}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	ts.log.Info("onion service listening", "address", fmt.Sprintf("http://%v.onion", onion.ID))
	if err := srv.Serve(onion); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
