package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/cretz/bine/tor"
	"github.com/cretz/bine/torutil"
	tued25519 "github.com/cretz/bine/torutil/ed25519"
)

// getOrCreateTorPK loads the onion service key from a PEM file, creating
// it on first run so the onion address stays stable across restarts.
func getOrCreateTorPK(path string) (ed25519.PrivateKey, error) {
	d, err := os.ReadFile(path)
	if err == nil && len(d) > 0 {
		block, _ := pem.Decode(d)
		if block == nil {
			return nil, fmt.Errorf("no PEM block in %q", path)
		}
		pk, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		key, ok := pk.(ed25519.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("invalid key type %T wanted ed25519.PrivateKey", pk)
		}
		return key, nil
	}

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	x509Encoded, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	pemEncoded := pem.EncodeToMemory(&pem.Block{Type: "ED25519 PRIVATE KEY", Bytes: x509Encoded})
	if err := os.WriteFile(path, pemEncoded, 0600); err != nil {
		return nil, err
	}
	return key, nil
}

func onionAddr(pk ed25519.PrivateKey) string {
	return torutil.OnionServiceIDFromV3PublicKey(
		tued25519.PublicKey([]byte(pk.Public().(ed25519.PublicKey))))
}

// serveOnion starts a tor process and serves the given handler as a v3
// onion service.
func serveOnion(pkFile string, handler http.Handler, l *log.Logger) error {
	pk, err := getOrCreateTorPK(pkFile)
	if err != nil {
		return err
	}

	d, err := os.MkdirTemp("", "ezspot-tor")
	if err != nil {
		return err
	}

	t, err := tor.Start(nil, &tor.StartConf{TempDataDirBase: d})
	if err != nil {
		return fmt.Errorf("unable to start tor: %v", err)
	}
	defer t.Close()

	// Wait at most a few minutes to publish the service.
	listenCtx, listenCancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer listenCancel()

	onion, err := t.Listen(listenCtx, &tor.ListenConf{
		Key:         pk,
		Version3:    true,
		RemotePorts: []int{80},
	})
	if err != nil {
		return fmt.Errorf("unable to create onion service: %v", err)
	}
	defer onion.Close()

	l.Printf("onion service listening at http://%v.onion", onionAddr(pk))
	return http.Serve(onion, handler)
}
