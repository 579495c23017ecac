// Command myriadmeshd is the daemon entry point: flags and bootstrap, the
// Go-native counterpart of the teacher's main.go. Everything it builds
// (identity, adapters, the Node object graph, the two HTTP servers) is
// handed off to internal/node immediately; this file owns nothing beyond
// process wiring and signal handling.
package main

import (
	"context"
	"crypto/ed25519"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"

	"github.com/myriadmesh/myriadmesh/internal/adapter"
	"github.com/myriadmesh/myriadmesh/internal/config"
	"github.com/myriadmesh/myriadmesh/internal/ledger"
	"github.com/myriadmesh/myriadmesh/internal/logging"
	"github.com/myriadmesh/myriadmesh/internal/node"
	"github.com/myriadmesh/myriadmesh/internal/persistence"
	"github.com/myriadmesh/myriadmesh/internal/privacy"
)

func main() {
	cfg := config.Default()
	fs := flag.NewFlagSet("myriadmeshd", flag.ExitOnError)
	cfg.BindFlags(fs)

	var (
		udpAddr    string
		useLibp2p  bool
		statePass  string
	)
	fs.StringVar(&udpAddr, "udp-listen", "0.0.0.0:47861", "UDP adapter listen address")
	fs.BoolVar(&useLibp2p, "libp2p", false, "also register a libp2p adapter")
	fs.StringVar(&statePass, "state-pass", "", "passphrase for encrypted state dir (or set MYRIADMESH_STATE_PASS)")
	fs.Parse(os.Args[1:])

	log := logging.Default()

	if statePass == "" {
		statePass = os.Getenv("MYRIADMESH_STATE_PASS")
	}
	if statePass == "" {
		log.Fatal("state passphrase missing: supply --state-pass or set MYRIADMESH_STATE_PASS")
	}

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		log.WithError(err).Fatal("state dir create")
	}
	persist, err := persistence.NewEncryptedFileSink(cfg.StateDir, []byte(statePass))
	if err != nil {
		log.WithError(err).Fatal("state dir open")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	powCtx, powCancel := context.WithTimeout(ctx, cfg.PoWTimeout)
	dual, err := privacy.GenerateDualIdentity(powCtx, cfg.PoWDifficultyBits)
	powCancel()
	if err != nil {
		log.WithError(err).Fatal("identity generation")
	}
	log.WithField("node_id", fmt.Sprintf("%x", dual.Clearnet.NodeID[:8])).Info("identity ready")

	ledgerSink := ledger.NewMemorySink()

	n := node.New(node.Options{
		Config:     cfg,
		Log:        log,
		Identity:   dual.Clearnet,
		Dual:       dual,
		LedgerSink: ledgerSink,
		Persist:    persist,
	})

	udpLog := logging.For(log, logging.ComponentAdapter).WithField("adapter", "udp")
	udpA, err := adapter.NewUDPAdapter(udpAddr, 1024, dual.Clearnet.Public, dual.Clearnet.Sign, func(pub, msg, sig []byte) bool {
		return ed25519.Verify(pub, msg, sig)
	}, udpLog)
	if err != nil {
		log.WithError(err).Fatal("udp adapter construction")
	}
	if err := n.RegisterAdapter(ctx, "udp", udpA); err != nil {
		log.WithError(err).Fatal("udp adapter start")
	}

	if useLibp2p {
		raw := append(append([]byte{}, dual.Clearnet.Private().Seed()...), dual.Clearnet.Public...)
		p2pPriv, err := p2pcrypto.UnmarshalEd25519PrivateKey(raw)
		if err != nil {
			log.WithError(err).Fatal("libp2p key conversion")
		}
		p2pLog := logging.For(log, logging.ComponentAdapter).WithField("adapter", "libp2p")
		libp2pA, err := adapter.NewLibP2PAdapter(p2pPriv, 1024, p2pLog)
		if err != nil {
			log.WithError(err).Fatal("libp2p adapter construction")
		}
		if err := n.RegisterAdapter(ctx, "libp2p", libp2pA); err != nil {
			log.WithError(err).Fatal("libp2p adapter start")
		}
	}

	n.Start(ctx)

	admin := node.NewAdminSurface(n)
	publicSrv := &http.Server{Addr: cfg.PublicAddr, Handler: admin.PublicHandler(), ReadHeaderTimeout: 5 * time.Second}
	controlSrv := &http.Server{Addr: cfg.ControlAddr, Handler: admin.ControlHandler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.WithField("addr", cfg.PublicAddr).Info("public http listening")
		if err := publicSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("public http")
		}
	}()
	go func() {
		log.WithField("addr", cfg.ControlAddr).Info("control http listening (local only)")
		if err := controlSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("control http")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = publicSrv.Shutdown(shutdownCtx)
	_ = controlSrv.Shutdown(shutdownCtx)
	cancel()
	if err := n.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("adapter shutdown")
	}
}
